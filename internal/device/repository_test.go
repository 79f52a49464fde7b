package device

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the devices table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE devices (
			id TEXT PRIMARY KEY,
			product_identification TEXT NOT NULL,
			device_identification TEXT NOT NULL,
			tenant_id TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			UNIQUE (product_identification, device_identification)
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func createTestIdentity(t *testing.T, repo *SQLiteRepository, id, pid, did string) *Identity {
	t.Helper()
	identity := &Identity{
		ID:                    id,
		ProductIdentification: pid,
		DeviceIdentification:  did,
		TenantID:              "tenant-1",
	}
	if err := repo.Create(context.Background(), identity); err != nil {
		t.Fatalf("Create(%s) error = %v", id, err)
	}
	return identity
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	created := createTestIdentity(t, repo, "dev-001", "prodX", "dev1")
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Error("Create() did not set timestamps")
	}

	got, err := repo.GetByID(ctx, "dev-001")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.ProductIdentification != "prodX" || got.DeviceIdentification != "dev1" {
		t.Errorf("GetByID() identification = %s/%s, want prodX/dev1", got.ProductIdentification, got.DeviceIdentification)
	}
	if got.TenantID != "tenant-1" {
		t.Errorf("GetByID() TenantID = %q, want tenant-1", got.TenantID)
	}

	got, err = repo.GetByIdentification(ctx, "prodX", "dev1")
	if err != nil {
		t.Fatalf("GetByIdentification() error = %v", err)
	}
	if got.ID != "dev-001" {
		t.Errorf("GetByIdentification() ID = %q, want dev-001", got.ID)
	}
}

func TestSQLiteRepository_NotFound(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetByID() error = %v, want ErrDeviceNotFound", err)
	}
	if _, err := repo.GetByIdentification(ctx, "p", "d"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetByIdentification() error = %v, want ErrDeviceNotFound", err)
	}
	if err := repo.Delete(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Delete() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_CreateDuplicate(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()
	createTestIdentity(t, repo, "dev-001", "prodX", "dev1")

	tests := []struct {
		name     string
		identity Identity
	}{
		{"same id", Identity{ID: "dev-001", ProductIdentification: "prodY", DeviceIdentification: "dev2"}},
		{"same identification", Identity{ID: "dev-002", ProductIdentification: "prodX", DeviceIdentification: "dev1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity := tt.identity
			if err := repo.Create(ctx, &identity); !errors.Is(err, ErrDeviceExists) {
				t.Errorf("Create() error = %v, want ErrDeviceExists", err)
			}
		})
	}
}

func TestSQLiteRepository_CreateInvalid(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	tests := []Identity{
		{ProductIdentification: "p", DeviceIdentification: "d"},
		{ID: "x", DeviceIdentification: "d"},
		{ID: "x", ProductIdentification: "p"},
		{ID: "x", ProductIdentification: "p", DeviceIdentification: "a/b"},
	}
	for _, identity := range tests {
		if err := repo.Create(context.Background(), &identity); !errors.Is(err, ErrInvalidDevice) {
			t.Errorf("Create(%+v) error = %v, want ErrInvalidDevice", identity, err)
		}
	}
}

func TestSQLiteRepository_ListAndDelete(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	createTestIdentity(t, repo, "dev-b", "prodB", "dev1")
	createTestIdentity(t, repo, "dev-a", "prodA", "dev1")

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List() returned %d devices, want 2", len(list))
	}
	if list[0].ID != "dev-a" {
		t.Errorf("List()[0].ID = %q, want dev-a (ordered by identification)", list[0].ID)
	}

	if err := repo.Delete(ctx, "dev-a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	list, err = repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("List() after delete returned %d devices, want 1", len(list))
	}
}

func TestSQLiteRepository_EmptyTenant(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	identity := &Identity{ID: "dev-001", ProductIdentification: "p", DeviceIdentification: "d"}
	if err := repo.Create(ctx, identity); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	got, err := repo.GetByID(ctx, "dev-001")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.TenantID != "" {
		t.Errorf("TenantID = %q, want empty", got.TenantID)
	}
}
