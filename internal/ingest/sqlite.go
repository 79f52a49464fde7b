package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteWriter stores data points in the device_datapoints table.
//
// Every point is written in its own transaction, so a failing row never
// takes another device's row with it.
type SQLiteWriter struct {
	db *sql.DB
}

// NewSQLiteWriter creates a writer on an open, migrated SQLite connection.
func NewSQLiteWriter(db *sql.DB) *SQLiteWriter {
	return &SQLiteWriter{db: db}
}

// Name implements Writer.
func (w *SQLiteWriter) Name() string { return "sqlite" }

// Write implements Writer.
func (w *SQLiteWriter) Write(ctx context.Context, p DataPoint) error {
	var (
		num  sql.NullFloat64
		flag sql.NullBool
		text sql.NullString
	)
	switch v := p.Value.(type) {
	case float64:
		num = sql.NullFloat64{Float64: v, Valid: true}
	case bool:
		flag = sql.NullBool{Bool: v, Valid: true}
	case string:
		text = sql.NullString{String: v, Valid: true}
	default:
		return fmt.Errorf("%w: unsupported value type %T", ErrInvalidDataPoint, p.Value)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO device_datapoints (
			device_id, ts, identifier, function_type,
			value_number, value_bool, value_text
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.DeviceID,
		p.Timestamp.UTC().Format(time.RFC3339Nano),
		p.Identifier,
		string(p.FunctionType),
		num, flag, text,
	); err != nil {
		return fmt.Errorf("inserting data point: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing data point: %w", err)
	}
	return nil
}
