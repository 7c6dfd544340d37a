package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store wraps a SQLite database connection.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates a SQLite database and runs migrations.
//
// Pragmas ride in the DSN so the driver applies them to every connection in
// the database/sql pool: WAL for concurrent readers, a busy timeout so
// writers wait instead of failing with SQLITE_BUSY, and foreign key
// enforcement (off by default in SQLite). A plain Exec would configure only
// the one pooled connection that happened to run it.
func NewStore(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL UNIQUE,
			chain_id TEXT NOT NULL,
			signer_address TEXT NOT NULL DEFAULT '',
			signer_key_sealed BLOB,
			grant_status TEXT NOT NULL DEFAULT 'none',
			grant_tx_ref TEXT NOT NULL DEFAULT '',
			grant_expires_at DATETIME,
			per_tx_ceiling INTEGER NOT NULL DEFAULT 0,
			daily_ceiling INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			key_hash TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_used_at DATETIME,
			FOREIGN KEY (account_id) REFERENCES accounts(id)
		)`,
		`CREATE TABLE IF NOT EXISTS endpoint_policies (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			chain_id TEXT NOT NULL,
			origin TEXT NOT NULL,
			auto_sign INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'draft',
			archived_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (account_id, chain_id, origin),
			FOREIGN KEY (account_id) REFERENCES accounts(id)
		)`,
		`CREATE TABLE IF NOT EXISTS pending_payments (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			chain_id TEXT NOT NULL,
			target_url TEXT NOT NULL,
			amount INTEGER NOT NULL,
			requirements TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			expires_at DATETIME NOT NULL,
			authorization TEXT,
			signed_at DATETIME,
			settlement_ref TEXT NOT NULL DEFAULT '',
			response_status INTEGER,
			response_payload TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			decision_note TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			FOREIGN KEY (account_id) REFERENCES accounts(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_spend_ledger
			ON pending_payments (account_id, chain_id, status, signed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_account_created
			ON pending_payments (account_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a sqlite unique or primary key
// constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// statusPlaceholders renders an IN (...) clause fragment plus args for a
// set of status values.
func statusPlaceholders[T ~string](statuses []T) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}
