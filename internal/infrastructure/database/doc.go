// Package database opens the bridge's SQLite store and applies schema
// migrations.
//
// The store is small: a settings table (persisted X-APP-VERSION and other
// key/value state) and the command log of every control request issued
// to the vendor. WAL mode and a busy timeout keep the HTTP API's readers
// from blocking the dispatcher's writes.
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.{up,down}.sql.
// Each migration runs in its own transaction.
package database
