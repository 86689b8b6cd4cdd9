package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default single-file backend. WAL mode keeps poll
// reads cheap while producers append.
type SQLiteStore struct {
	BaseStore
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	connStr := path
	if path == ":memory:" {
		connStr += "?_foreign_keys=ON"
	} else {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		connStr += "?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000&_foreign_keys=ON"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes itself; a single connection avoids
	// SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		BaseStore: BaseStore{db: db, dialect: &SQLiteDialect{}},
		path:      path,
	}
	if err := initSchema(s.db, s.dialect); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path this store was opened with.
func (s *SQLiteStore) Path() string { return s.path }
