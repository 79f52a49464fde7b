// Package database provides SQLite connectivity for devicebus.
//
// The database holds the device-identity directory and, when the sqlite
// ingest backend is selected, the device_datapoints time-series table.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be NULLABLE or carry a DEFAULT,
// and every .up.sql file should ship with a .down.sql partner.
package database
