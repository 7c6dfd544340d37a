package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAPIKeyDuplicate is returned on a key-hash collision, which in practice
// means the same raw key was minted twice.
var ErrAPIKeyDuplicate = errors.New("api key already exists")

// CreateAPIKey inserts a new agent API key record.
func (s *Store) CreateAPIKey(k *APIKey) error {
	_, err := s.db.Exec(
		`INSERT INTO api_keys (id, account_id, name, key_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.AccountID, k.Name, k.KeyHash, k.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAPIKeyDuplicate
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// LookupAPIKey resolves a key hash to its owning account and bumps
// last_used_at. Returns empty string when the hash is unknown.
func (s *Store) LookupAPIKey(keyHash string, now time.Time) (accountID string, err error) {
	err = s.db.QueryRow(
		`SELECT account_id FROM api_keys WHERE key_hash = ?`, keyHash,
	).Scan(&accountID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup api key: %w", err)
	}

	// Best-effort usage timestamp; a failed write must not fail auth.
	_, _ = s.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE key_hash = ?`, now, keyHash)
	return accountID, nil
}

// ListAPIKeys returns an account's keys (hashes excluded from JSON).
func (s *Store) ListAPIKeys(accountID string) ([]APIKey, error) {
	rows, err := s.db.Query(
		`SELECT id, account_id, name, key_hash, created_at, last_used_at
		 FROM api_keys WHERE account_id = ? ORDER BY created_at`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.AccountID, &k.Name, &k.KeyHash, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
