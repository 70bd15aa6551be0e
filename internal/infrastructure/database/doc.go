// Package database provides SQLite connectivity for the LCN bridge.
//
// The bridge keeps a small local database: the module inventory (which
// modules answered, with which serial and firmware) and the migration
// history. It is opened once by main and shared through *DB.
//
// This package manages:
//   - The connection with WAL mode and a busy timeout
//   - Schema migrations read from an fs.FS (see package migrations)
//   - Health checks and lifecycle
//
// Usage:
//
//	db, err := database.Open(database.FromConfig(cfg.Database))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are forward-only and additive: new columns must be NULLABLE
// or carry a DEFAULT. Files are named {YYYYMMDD}_{HHMMSS}_{name}.sql.
// All queries use parameterised statements. The file is created 0600.
package database
