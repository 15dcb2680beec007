package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "conductor.db"

type Config struct {
	// Path overrides the default database location (~/.conductor/conductor.db).
	Path string
}

// DefaultPath returns the conductor database path, honoring CONDUCTOR_DB.
func DefaultPath() (string, error) {
	if p := os.Getenv("CONDUCTOR_DB"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".conductor", defaultDBName), nil
}

// Open opens the SQLite database with foreign keys on, creating the parent
// directory if missing.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.Path
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// OpenMemory opens a private in-memory database, used by tests.
func OpenMemory() (*sql.DB, error) {
	conn, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// A single connection keeps the in-memory database alive and serializes
	// access, matching SQLite's single-writer model.
	conn.SetMaxOpenConns(1)
	return conn, nil
}
