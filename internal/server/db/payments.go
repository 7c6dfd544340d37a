package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDailyCeilingExceeded is returned when marking a payment processing
	// would push the day's signed total over the grant's daily ceiling.
	ErrDailyCeilingExceeded = errors.New("daily spend ceiling exceeded")

	// ErrPaymentStateChanged is returned when a conditional transition
	// found the payment no longer in the expected status.
	ErrPaymentStateChanged = errors.New("payment is no longer in the expected state")
)

const paymentColumns = `id, account_id, chain_id, target_url, amount, requirements, status,
	expires_at, authorization, signed_at, settlement_ref, response_status, response_payload,
	error_message, decision_note, created_at, updated_at, completed_at`

// CreatePayment inserts a new pending payment.
func (s *Store) CreatePayment(p *PendingPayment) error {
	_, err := s.db.Exec(
		`INSERT INTO pending_payments
		 (id, account_id, chain_id, target_url, amount, requirements, status, expires_at, decision_note, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.ChainID, p.TargetURL, p.Amount, string(p.Requirements),
		string(p.Status), p.ExpiresAt, p.DecisionNote, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func scanPayment(row interface{ Scan(...any) error }) (*PendingPayment, error) {
	p := &PendingPayment{}
	var status string
	var requirements string
	var authorization, responsePayload sql.NullString
	err := row.Scan(
		&p.ID, &p.AccountID, &p.ChainID, &p.TargetURL, &p.Amount, &requirements, &status,
		&p.ExpiresAt, &authorization, &p.SignedAt, &p.SettlementRef, &p.ResponseStatus,
		&responsePayload, &p.ErrorMessage, &p.DecisionNote, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = PaymentStatus(status)
	p.Requirements = []byte(requirements)
	if authorization.Valid {
		p.Authorization = []byte(authorization.String)
	}
	if responsePayload.Valid {
		p.ResponsePayload = []byte(responsePayload.String)
	}
	return p, nil
}

// GetPayment retrieves a payment by id scoped to its owning account.
// Returns nil when absent or foreign.
func (s *Store) GetPayment(accountID, id string) (*PendingPayment, error) {
	row := s.db.QueryRow(
		`SELECT `+paymentColumns+` FROM pending_payments WHERE id = ? AND account_id = ?`,
		id, accountID,
	)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// GetPaymentAnyAccount retrieves a payment by id alone. Used by the
// settlement callback, which is keyed by payment identity.
func (s *Store) GetPaymentAnyAccount(id string) (*PendingPayment, error) {
	row := s.db.QueryRow(
		`SELECT `+paymentColumns+` FROM pending_payments WHERE id = ?`, id,
	)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// ListPayments returns an account's payments newest-first.
func (s *Store) ListPayments(accountID string, limit int) ([]PendingPayment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT `+paymentColumns+` FROM pending_payments
		 WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []PendingPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// MarkExpired moves a payment to expired, conditional on it still being in
// one of the expirable states. Under two concurrent readers exactly one
// write wins; the loser observes zero rows affected.
func (s *Store) MarkExpired(id string, now time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE pending_payments SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(PaymentExpired), now, id, string(PaymentPending), string(PaymentApproved),
	)
	if err != nil {
		return false, fmt.Errorf("mark payment expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TransitionStatus moves a payment from exactly one status to another,
// optionally recording a decision note. Returns false when the payment was
// not in the expected state (absent, foreign, or raced).
func (s *Store) TransitionStatus(accountID, id string, from, to PaymentStatus, note string, now time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE pending_payments SET status = ?, decision_note = ?, updated_at = ?
		 WHERE id = ? AND account_id = ? AND status = ?`,
		string(to), note, now, id, accountID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("transition payment %s -> %s: %w", from, to, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetDecisionNote records why a payment is waiting without changing status.
func (s *Store) SetDecisionNote(id, note string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE pending_payments SET decision_note = ?, updated_at = ? WHERE id = ?`,
		note, now, id,
	)
	if err != nil {
		return fmt.Errorf("set decision note: %w", err)
	}
	return nil
}

// MarkProcessingWithDailyCap atomically checks the daily spend ledger and,
// if the ceiling holds, moves the payment to processing with its signed
// authorization. The SUM and the conditional UPDATE share one transaction
// so two concurrent requests cannot both pass a ceiling only one fits
// under.
func (s *Store) MarkProcessingWithDailyCap(
	id, accountID, chainID string,
	from PaymentStatus,
	amount, dailyCeiling int64,
	dayStart time.Time,
	authorization []byte,
	now time.Time,
) (spent int64, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRow(
		`SELECT COALESCE(SUM(amount), 0) FROM pending_payments
		 WHERE account_id = ? AND chain_id = ?
		   AND status IN (?, ?)
		   AND signed_at IS NOT NULL AND signed_at >= ?`,
		accountID, chainID, string(PaymentProcessing), string(PaymentCompleted), dayStart,
	).Scan(&spent)
	if err != nil {
		return 0, fmt.Errorf("sum daily spend: %w", err)
	}

	if spent+amount > dailyCeiling {
		return spent, ErrDailyCeilingExceeded
	}

	res, err := tx.Exec(
		`UPDATE pending_payments
		 SET status = ?, authorization = ?, signed_at = ?, decision_note = '', updated_at = ?
		 WHERE id = ? AND account_id = ? AND status = ?`,
		string(PaymentProcessing), string(authorization), now, now, id, accountID, string(from),
	)
	if err != nil {
		return spent, fmt.Errorf("mark payment processing: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return spent, ErrPaymentStateChanged
	}

	if err := tx.Commit(); err != nil {
		return spent, fmt.Errorf("commit tx: %w", err)
	}
	return spent, nil
}

// CompleteSettlement writes the terminal settlement outcome, conditional on
// the payment being in processing. Returns false without error when the
// payment already left processing, which makes callback re-delivery a
// no-op.
func (s *Store) CompleteSettlement(id string, to PaymentStatus, outcome SettlementOutcome, now time.Time) (bool, error) {
	if to != PaymentCompleted && to != PaymentFailed {
		return false, fmt.Errorf("settlement outcome must be completed or failed, got %s", to)
	}
	res, err := s.db.Exec(
		`UPDATE pending_payments
		 SET status = ?, settlement_ref = ?, response_status = ?, response_payload = ?,
		     error_message = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), outcome.TransactionRef, outcome.ResponseStatus, string(outcome.ResponsePayload),
		outcome.ErrorMessage, now, now, id, string(PaymentProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("complete settlement: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SumSpentSince returns the signed amount total for an account+chain since
// the given instant. Counts processing and completed payments: an in-flight
// authorization is spend until it terminally fails.
func (s *Store) SumSpentSince(accountID, chainID string, since time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(amount), 0) FROM pending_payments
		 WHERE account_id = ? AND chain_id = ?
		   AND status IN (?, ?)
		   AND signed_at IS NOT NULL AND signed_at >= ?`,
		accountID, chainID, string(PaymentProcessing), string(PaymentCompleted), since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum spent: %w", err)
	}
	return total, nil
}
