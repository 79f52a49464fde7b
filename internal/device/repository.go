package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for device identity persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its internal identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Identity, error)

	// GetByIdentification retrieves a device by its wire identifiers.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByIdentification(ctx context.Context, productIdentification, deviceIdentification string) (*Identity, error)

	// List retrieves all devices.
	List(ctx context.Context) ([]Identity, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if the id or identification pair is taken.
	Create(ctx context.Context, identity *Identity) error

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with migrations applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `
	SELECT id, product_identification, device_identification, tenant_id,
		created_at, updated_at
	FROM devices`

// GetByID retrieves a device by its internal identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Identity, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device %s: %w", id, err)
	}
	return identity, nil
}

// GetByIdentification retrieves a device by product and device identification.
func (r *SQLiteRepository) GetByIdentification(ctx context.Context, productIdentification, deviceIdentification string) (*Identity, error) {
	row := r.db.QueryRowContext(ctx,
		selectColumns+` WHERE product_identification = ? AND device_identification = ?`,
		productIdentification, deviceIdentification,
	)
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device %s/%s: %w", productIdentification, deviceIdentification, err)
	}
	return identity, nil
}

// List retrieves all devices ordered by product then device identification.
func (r *SQLiteRepository) List(ctx context.Context) ([]Identity, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY product_identification, device_identification`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var identities []Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		identities = append(identities, *identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return identities, nil
}

// Create inserts a new device. CreatedAt and UpdatedAt are set on identity.
func (r *SQLiteRepository) Create(ctx context.Context, identity *Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	identity.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (
			id, product_identification, device_identification, tenant_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		identity.ID,
		identity.ProductIdentification,
		identity.DeviceIdentification,
		nullString(identity.TenantID),
		identity.CreatedAt.Format(time.RFC3339),
		identity.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(s scanner) (*Identity, error) {
	var (
		identity  Identity
		tenantID  sql.NullString
		createdAt string
		updatedAt string
	)
	if err := s.Scan(
		&identity.ID,
		&identity.ProductIdentification,
		&identity.DeviceIdentification,
		&tenantID,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	identity.TenantID = tenantID.String
	identity.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // column default is RFC3339
	identity.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // column default is RFC3339
	return &identity, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
