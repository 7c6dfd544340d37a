package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAccountDuplicate is returned when an account already exists for the
// same smart-account address.
var ErrAccountDuplicate = errors.New("account already exists for this address")

const accountColumns = `id, label, address, chain_id, signer_address, signer_key_sealed,
	grant_status, grant_tx_ref, grant_expires_at, per_tx_ceiling, daily_ceiling, created_at`

// CreateAccount inserts a new smart-account record with no grant.
func (s *Store) CreateAccount(a *Account) error {
	_, err := s.db.Exec(
		`INSERT INTO accounts (id, label, address, chain_id, grant_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Label, a.Address, a.ChainID, string(GrantNone), a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAccountDuplicate
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	a := &Account{}
	var grantStatus string
	err := row.Scan(
		&a.ID, &a.Label, &a.Address, &a.ChainID, &a.SignerAddress, &a.SignerKeySealed,
		&grantStatus, &a.GrantTxRef, &a.GrantExpiresAt, &a.PerTxCeiling, &a.DailyCeiling, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.GrantStatus = GrantStatus(grantStatus)
	return a, nil
}

// GetAccount retrieves an account by id. Returns nil when absent.
func (s *Store) GetAccount(id string) (*Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// ListAccounts returns all accounts ordered by creation time.
func (s *Store) ListAccounts() ([]Account, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// SetGrantPrepared records a freshly generated delegated signer and moves
// the grant to pending_grant. Allowed from any state except active: an
// abandoned pending_grant may be re-prepared, and a revoked or expired
// grant is replaced by preparing a new one.
func (s *Store) SetGrantPrepared(accountID, signerAddress string, sealedKey []byte, now time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE accounts
		 SET signer_address = ?, signer_key_sealed = ?, grant_status = ?,
		     grant_tx_ref = '', grant_expires_at = NULL, per_tx_ceiling = 0, daily_ceiling = 0
		 WHERE id = ? AND grant_status != ?`,
		signerAddress, sealedKey, string(GrantPending), accountID, string(GrantActive),
	)
	if err != nil {
		return false, fmt.Errorf("prepare grant: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinalizeGrant activates a prepared grant after the on-chain installation
// transaction confirmed. Conditional on pending_grant so a duplicate
// finalize or a finalize after revocation is refused.
func (s *Store) FinalizeGrant(accountID, txRef string, expiresAt time.Time, perTxCeiling, dailyCeiling int64, now time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE accounts
		 SET grant_status = ?, grant_tx_ref = ?, grant_expires_at = ?, per_tx_ceiling = ?, daily_ceiling = ?
		 WHERE id = ? AND grant_status = ?`,
		string(GrantActive), txRef, expiresAt, perTxCeiling, dailyCeiling, accountID, string(GrantPending),
	)
	if err != nil {
		return false, fmt.Errorf("finalize grant: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RevokeGrant terminally revokes an active grant.
func (s *Store) RevokeGrant(accountID string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE accounts SET grant_status = ? WHERE id = ? AND grant_status = ?`,
		string(GrantRevoked), accountID, string(GrantActive),
	)
	if err != nil {
		return false, fmt.Errorf("revoke grant: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkGrantExpired moves an active grant past its expiry to expired.
// Evaluated lazily on read, like payment expiry.
func (s *Store) MarkGrantExpired(accountID string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE accounts SET grant_status = ? WHERE id = ? AND grant_status = ?`,
		string(GrantExpired), accountID, string(GrantActive),
	)
	if err != nil {
		return false, fmt.Errorf("mark grant expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
