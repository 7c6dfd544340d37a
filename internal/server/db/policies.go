package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrPolicyDuplicate is returned when a policy already exists for the same
// (account, chain, origin).
var ErrPolicyDuplicate = errors.New("policy already exists for this origin")

const policyColumns = `id, account_id, chain_id, origin, auto_sign, status, archived_at, created_at, updated_at`

// CreatePolicy inserts a new endpoint policy.
func (s *Store) CreatePolicy(p *EndpointPolicy) error {
	_, err := s.db.Exec(
		`INSERT INTO endpoint_policies (id, account_id, chain_id, origin, auto_sign, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.ChainID, p.Origin, p.AutoSign, string(p.Status), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPolicyDuplicate
		}
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

func scanPolicy(row interface{ Scan(...any) error }) (*EndpointPolicy, error) {
	p := &EndpointPolicy{}
	var status string
	err := row.Scan(&p.ID, &p.AccountID, &p.ChainID, &p.Origin, &p.AutoSign, &status, &p.ArchivedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = PolicyStatus(status)
	return p, nil
}

// GetPolicy retrieves a policy by id, scoped to its owning account.
// Returns nil when absent or owned by someone else.
func (s *Store) GetPolicy(accountID, id string) (*EndpointPolicy, error) {
	row := s.db.QueryRow(
		`SELECT `+policyColumns+` FROM endpoint_policies WHERE id = ? AND account_id = ?`,
		id, accountID,
	)
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return p, nil
}

// GetPolicyByOrigin retrieves the policy for (account, chain, origin).
func (s *Store) GetPolicyByOrigin(accountID, chainID, origin string) (*EndpointPolicy, error) {
	row := s.db.QueryRow(
		`SELECT `+policyColumns+` FROM endpoint_policies
		 WHERE account_id = ? AND chain_id = ? AND origin = ?`,
		accountID, chainID, origin,
	)
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get policy by origin: %w", err)
	}
	return p, nil
}

// ListPolicies returns all policies for an account ordered by creation time.
func (s *Store) ListPolicies(accountID string) ([]EndpointPolicy, error) {
	rows, err := s.db.Query(
		`SELECT `+policyColumns+` FROM endpoint_policies WHERE account_id = ? ORDER BY created_at`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var policies []EndpointPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		policies = append(policies, *p)
	}
	return policies, rows.Err()
}

// UpdatePolicyStatus transitions a policy's status, conditional on its
// current status being one of from. Returns false when no row matched
// (absent, foreign, or already moved on).
func (s *Store) UpdatePolicyStatus(accountID, id string, from []PolicyStatus, to PolicyStatus, archivedAt *time.Time, now time.Time) (bool, error) {
	in, args := statusPlaceholders(from)
	query := `UPDATE endpoint_policies SET status = ?, archived_at = ?, updated_at = ?
		 WHERE id = ? AND account_id = ? AND status IN (` + in + `)`
	execArgs := append([]any{string(to), archivedAt, now, id, accountID}, args...)
	res, err := s.db.Exec(query, execArgs...)
	if err != nil {
		return false, fmt.Errorf("update policy status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetPolicyAutoSign flips the auto-sign flag. Archived policies keep their
// flag but never auto-sign; the decision engine checks status separately.
func (s *Store) SetPolicyAutoSign(accountID, id string, autoSign bool, now time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE endpoint_policies SET auto_sign = ?, updated_at = ? WHERE id = ? AND account_id = ?`,
		autoSign, now, id, accountID,
	)
	if err != nil {
		return false, fmt.Errorf("set policy auto-sign: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListAutoSignOrigins returns the origins with an active auto-sign policy,
// grouped for the agent's discover-resources tool.
func (s *Store) ListAutoSignOrigins(accountID string) ([]EndpointPolicy, error) {
	rows, err := s.db.Query(
		`SELECT `+policyColumns+` FROM endpoint_policies
		 WHERE account_id = ? AND status = ? AND auto_sign = 1
		 ORDER BY origin`,
		accountID, string(PolicyActive),
	)
	if err != nil {
		return nil, fmt.Errorf("list auto-sign origins: %w", err)
	}
	defer rows.Close()

	var policies []EndpointPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		policies = append(policies, *p)
	}
	return policies, rows.Err()
}
