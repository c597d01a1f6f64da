package db

import (
	"context"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DriverSQLite is the database/sql name registered by go-sqlite3
const DriverSQLite = "sqlite3"

// SQLiteConfig returns a single-writer configuration for the database file
// at path, with write-ahead logging enabled
func SQLiteConfig(path string) PoolConfig {
	cfg := DefaultPoolConfig(fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path), DriverSQLite)
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1
	cfg.ConnMaxLifetime = 0
	cfg.ConnMaxIdleTime = 0
	cfg.Pragmas = []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000",
		"PRAGMA temp_store=MEMORY",
	}
	return cfg
}

// OpenSQLite opens the database file at path with SQLiteConfig
func OpenSQLite(ctx context.Context, path string) (*Pool, error) {
	return NewPool(ctx, SQLiteConfig(path))
}
