package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// OpenDriver opens the database handle for a supported driver and returns the
// matching bun dialect for the persistence client.
func OpenDriver(driver string, dsn string) (*sql.DB, schema.Dialect, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil, fmt.Errorf("sqlstore: dsn is required")
	}

	var dialect schema.Dialect
	switch driver {
	case DriverSQLite:
		dialect = sqlitedialect.New()
	case DriverPostgres:
		dialect = pgdialect.New()
	default:
		return nil, nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// Shared in-memory databases and migration DDL both need a single
		// connection.
		db.SetMaxOpenConns(1)
	}
	return db, dialect, nil
}
