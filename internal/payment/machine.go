// Package payment drives a pending payment through its lifecycle: created
// against an x402 challenge, auto-signed or held for a human, settled
// through a facilitator, and finished in exactly one terminal state.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vaultline/payguard/internal/apperr"
	"github.com/vaultline/payguard/internal/chain"
	"github.com/vaultline/payguard/internal/executor"
	"github.com/vaultline/payguard/internal/logx"
	"github.com/vaultline/payguard/internal/metrics"
	"github.com/vaultline/payguard/internal/policy"
	"github.com/vaultline/payguard/internal/server/db"
	"github.com/vaultline/payguard/internal/sessionkey"
	"github.com/vaultline/payguard/internal/x402"
)

// defaultTimeout bounds a payment's life when the resource server does not
// declare maxTimeoutSeconds.
const defaultTimeout = 300 * time.Second

// settleTimeout caps one background settlement attempt.
const settleTimeout = 60 * time.Second

// Machine coordinates the payment lifecycle. Every transition goes through
// a status-guarded conditional write; the machine never trusts a record it
// read a moment ago.
type Machine struct {
	store    *db.Store
	registry *chain.Registry
	policies *policy.Engine
	signer   *sessionkey.Service
	exec     executor.Executor
	recorder metrics.Recorder
	nowFunc  func() time.Time
}

// NewMachine builds a Machine. exec may be nil, in which case signed
// payments wait in processing for an external settlement callback.
func NewMachine(store *db.Store, registry *chain.Registry, policies *policy.Engine, signer *sessionkey.Service, exec executor.Executor, recorder metrics.Recorder) *Machine {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Machine{
		store:    store,
		registry: registry,
		policies: policies,
		signer:   signer,
		exec:     exec,
		recorder: recorder,
		nowFunc:  time.Now,
	}
}

// Initiate records a payment for an x402 challenge and renders the policy
// verdict. An auto verdict attempts the signing step immediately; a signing
// refusal is never fatal and leaves the payment pending with a note for the
// human queue.
func (m *Machine) Initiate(accountID string, rawRequirements []byte) (*db.PendingPayment, policy.Verdict, error) {
	req, err := x402.ParseRequirements(rawRequirements)
	if err != nil {
		return nil, "", err
	}
	c, err := m.registry.Get(req.Network)
	if err != nil {
		return nil, "", err
	}
	amount, err := req.Amount()
	if err != nil {
		return nil, "", err
	}

	account, err := m.store.GetAccount(accountID)
	if err != nil {
		return nil, "", err
	}
	if account == nil {
		return nil, "", apperr.NotFound("account not found")
	}
	// The grant's ceilings and asset scope are defined on the account's
	// chain; a requirement for any other chain or asset never enters the
	// state machine.
	if req.Network != account.ChainID {
		return nil, "", apperr.Validationf("requirement settles on %s but the account is bound to %s", req.Network, account.ChainID)
	}
	if !common.IsHexAddress(req.Asset) || common.HexToAddress(req.Asset) != c.Asset() {
		return nil, "", apperr.Validationf("asset %q is not the %s settlement asset", req.Asset, c.ID)
	}

	stored, err := req.Serialize()
	if err != nil {
		return nil, "", fmt.Errorf("serialize requirements: %w", err)
	}

	timeout := defaultTimeout
	if req.MaxTimeoutSeconds > 0 {
		timeout = time.Duration(req.MaxTimeoutSeconds) * time.Second
	}

	now := m.nowFunc().UTC()
	p := &db.PendingPayment{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		ChainID:      req.Network,
		TargetURL:    req.Resource,
		Amount:       amount,
		Requirements: stored,
		Status:       db.PaymentPending,
		ExpiresAt:    now.Add(timeout),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreatePayment(p); err != nil {
		return nil, "", err
	}
	m.recorder.IncCounter("payment_initiated", map[string]string{"chain": p.ChainID})
	logx.Infof("payment %s initiated: %d atomic units to %s on %s", p.ID, amount, req.Resource, req.Network)

	verdict, pol, err := m.policies.Decide(accountID, req.Network, req.Resource)
	if err != nil {
		return nil, "", err
	}

	if verdict == policy.VerdictManual {
		note := fmt.Sprintf("awaiting manual approval; policy for %s is %s", pol.Origin, pol.Status)
		if err := m.store.SetDecisionNote(p.ID, note, m.nowFunc().UTC()); err != nil {
			return nil, "", err
		}
	} else {
		if err := m.trySign(account, p, db.PaymentPending); err != nil {
			return nil, "", err
		}
	}

	fresh, err := m.store.GetPayment(accountID, p.ID)
	if err != nil {
		return nil, "", err
	}
	return fresh, verdict, nil
}

// trySign runs the spend-limited signing step for a payment in `from`
// status. Ceiling and grant refusals are recorded as a decision note and
// swallowed; the payment simply waits for a human instead.
func (m *Machine) trySign(account *db.Account, p *db.PendingPayment, from db.PaymentStatus) error {
	auth, err := m.signer.Authorize(account, p, from)
	switch err {
	case nil:
	case sessionkey.ErrSpendLimitExceeded, sessionkey.ErrGrantExpired:
		note := err.Error() + "; held for manual approval"
		logx.Infof("payment %s not auto-signed: %v", p.ID, err)
		return m.store.SetDecisionNote(p.ID, note, m.nowFunc().UTC())
	default:
		return err
	}

	if m.exec != nil {
		go m.settle(p.ID, auth)
	}
	return nil
}

// settle submits one signed authorization and records the outcome. Runs in
// its own goroutine; a transport failure leaves the payment in processing
// for the settlement callback or a retry to finish.
func (m *Machine) settle(paymentID string, auth *sessionkey.SignedAuthorization) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	p, err := m.store.GetPaymentAnyAccount(paymentID)
	if err != nil || p == nil {
		logx.Errorf("settle payment %s: load failed: %v", paymentID, err)
		return
	}

	outcome, err := m.exec.Submit(ctx, p, auth)
	if err != nil {
		logx.Warnf("settle payment %s: %v", paymentID, err)
		return
	}
	if _, err := m.HandleSettlement(paymentID, *outcome); err != nil {
		logx.Errorf("record settlement for payment %s: %v", paymentID, err)
	}
}

// Get returns an account's payment, applying lazy expiry: a pending or
// approved payment read past its deadline is transitioned to expired first.
// Under concurrent readers the conditional write lets exactly one win.
func (m *Machine) Get(accountID, id string) (*db.PendingPayment, error) {
	p, err := m.store.GetPayment(accountID, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperr.NotFound("payment not found")
	}

	now := m.nowFunc().UTC()
	expirable := p.Status == db.PaymentPending || p.Status == db.PaymentApproved
	if expirable && !now.Before(p.ExpiresAt) {
		if _, err := m.store.MarkExpired(p.ID, now); err != nil {
			return nil, err
		}
		p, err = m.store.GetPayment(accountID, id)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, apperr.NotFound("payment not found")
		}
		m.recorder.IncCounter("payment_expired", map[string]string{"chain": p.ChainID})
	}
	return p, nil
}

// Approve moves a pending payment to approved by explicit human decision,
// then attempts the signing step from approved. A signing refusal leaves
// the payment approved with a note rather than undoing the approval.
func (m *Machine) Approve(accountID, id string) (*db.PendingPayment, error) {
	p, err := m.Get(accountID, id)
	if err != nil {
		return nil, err
	}

	now := m.nowFunc().UTC()
	ok, err := m.store.TransitionStatus(accountID, id, db.PaymentPending, db.PaymentApproved, "approved by owner", now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict(fmt.Sprintf("payment is %s, only pending payments can be approved", p.Status))
	}
	m.recorder.IncCounter("payment_approved", map[string]string{"chain": p.ChainID})

	account, err := m.store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apperr.NotFound("account not found")
	}
	if err := m.trySign(account, p, db.PaymentApproved); err != nil {
		return nil, err
	}
	return m.store.GetPayment(accountID, id)
}

// Reject terminally rejects a pending payment.
func (m *Machine) Reject(accountID, id, reason string) (*db.PendingPayment, error) {
	p, err := m.Get(accountID, id)
	if err != nil {
		return nil, err
	}

	note := "rejected by owner"
	if reason != "" {
		note = "rejected: " + reason
	}
	ok, err := m.store.TransitionStatus(accountID, id, db.PaymentPending, db.PaymentRejected, note, m.nowFunc().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict(fmt.Sprintf("payment is %s, only pending payments can be rejected", p.Status))
	}
	m.recorder.IncCounter("payment_rejected", map[string]string{"chain": p.ChainID})
	return m.store.GetPayment(accountID, id)
}

// HandleSettlement records a settlement outcome for a processing payment.
// The outcome is failed iff it carries an error message or a 4xx/5xx
// response status. Re-delivery of an already-recorded outcome is a no-op
// that returns the payment as-is.
func (m *Machine) HandleSettlement(paymentID string, outcome db.SettlementOutcome) (*db.PendingPayment, error) {
	p, err := m.store.GetPaymentAnyAccount(paymentID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperr.NotFound("payment not found")
	}

	to := db.PaymentCompleted
	if outcome.ErrorMessage != "" || outcome.ResponseStatus >= 400 {
		to = db.PaymentFailed
	}

	applied, err := m.store.CompleteSettlement(paymentID, to, outcome, m.nowFunc().UTC())
	if err != nil {
		return nil, err
	}
	if applied {
		m.recorder.IncCounter("payment_"+string(to), map[string]string{"chain": p.ChainID})
		logx.Infof("payment %s settled as %s (tx %q)", paymentID, to, outcome.TransactionRef)
	} else {
		logx.Debugf("settlement for payment %s ignored: status is %s", paymentID, p.Status)
	}
	return m.store.GetPaymentAnyAccount(paymentID)
}

// List returns an account's payments newest-first.
func (m *Machine) List(accountID string, limit int) ([]db.PendingPayment, error) {
	return m.store.ListPayments(accountID, limit)
}

// Now reports the machine's clock, so callers rendering time-derived fields
// from its records stay on the same time source as expiry itself.
func (m *Machine) Now() time.Time {
	return m.nowFunc().UTC()
}
