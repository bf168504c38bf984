package store

import "database/sql"

// Store wraps the database with typed query methods.
type Store struct {
	db *sql.DB
}

// New creates a Store over an opened, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for transactions and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}
