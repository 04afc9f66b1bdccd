package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBPath = ".fleetwatch/fleetwatch.db"

type Config struct {
	Path string
}

func dbPath(p string) string {
	if p == "" {
		return defaultDBPath
	}
	return p
}

// EnsureDir creates the directory holding the database file.
func EnsureDir(path string) (string, error) {
	dir := filepath.Dir(dbPath(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the local SQLite store with foreign keys and WAL on.
// A single connection serializes writers from the sync loop and the API.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureDir(cfg.Path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath(cfg.Path))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the effective db path.
func Path(p string) string {
	return dbPath(p)
}
