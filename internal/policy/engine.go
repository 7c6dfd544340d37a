// Package policy decides, for each incoming payment requirement, whether it
// may be signed automatically or must wait for a human. Policies are scoped
// to an endpoint's origin, never the full URL.
package policy

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vaultline/payguard/internal/apperr"
	"github.com/vaultline/payguard/internal/chain"
	"github.com/vaultline/payguard/internal/logx"
	"github.com/vaultline/payguard/internal/metrics"
	"github.com/vaultline/payguard/internal/server/db"
)

// Verdict is the engine's answer for one payment requirement.
type Verdict string

const (
	VerdictAuto   Verdict = "auto"
	VerdictManual Verdict = "manual"
)

// Engine looks up or creates endpoint policies and renders verdicts.
type Engine struct {
	store    *db.Store
	registry *chain.Registry
	recorder metrics.Recorder
	nowFunc  func() time.Time
}

func NewEngine(store *db.Store, registry *chain.Registry, recorder metrics.Recorder) *Engine {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Engine{
		store:    store,
		registry: registry,
		recorder: recorder,
		nowFunc:  time.Now,
	}
}

// NormalizeOrigin reduces an endpoint URL to scheme://host[:port],
// discarding path, query, and fragment. Host is lowercased.
func NormalizeOrigin(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", apperr.Validationf("malformed endpoint %q", endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", apperr.Validationf("endpoint must be http or https, got %q", endpoint)
	}
	if u.Host == "" {
		return "", apperr.Validationf("endpoint %q has no host", endpoint)
	}
	return u.Scheme + "://" + strings.ToLower(u.Host), nil
}

// Decide returns the verdict for (account, chain, endpoint). An unknown
// origin gets a draft policy with auto-sign off, so the first sighting of
// any endpoint always requires a human.
func (e *Engine) Decide(accountID, chainID, endpoint string) (Verdict, *db.EndpointPolicy, error) {
	if _, err := e.registry.Get(chainID); err != nil {
		return "", nil, err
	}
	origin, err := NormalizeOrigin(endpoint)
	if err != nil {
		return "", nil, err
	}

	p, err := e.ensurePolicy(accountID, chainID, origin)
	if err != nil {
		return "", nil, err
	}

	verdict := VerdictManual
	if p.Status == db.PolicyActive && p.AutoSign {
		verdict = VerdictAuto
	}
	e.recorder.IncCounter("policy_decision_"+string(verdict), map[string]string{"chain": chainID})
	return verdict, p, nil
}

// ensurePolicy looks up the policy for an origin, creating a draft when
// none exists. A creation race is resolved by swallowing the duplicate-key
// error and re-fetching the winner, so concurrent first sightings converge
// on one record.
func (e *Engine) ensurePolicy(accountID, chainID, origin string) (*db.EndpointPolicy, error) {
	p, err := e.store.GetPolicyByOrigin(accountID, chainID, origin)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	now := e.nowFunc().UTC()
	fresh := &db.EndpointPolicy{
		ID:        uuid.NewString(),
		AccountID: accountID,
		ChainID:   chainID,
		Origin:    origin,
		AutoSign:  false,
		Status:    db.PolicyDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = e.store.CreatePolicy(fresh)
	if err == nil {
		logx.Infof("created draft policy %s for %s on %s", fresh.ID, origin, chainID)
		return fresh, nil
	}
	if err != db.ErrPolicyDuplicate {
		return nil, err
	}

	p, err = e.store.GetPolicyByOrigin(accountID, chainID, origin)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("policy for %s vanished after duplicate-key create", origin)
	}
	return p, nil
}

// Create makes a policy explicitly, in any status, for the calling
// account. A duplicate origin is a Conflict.
func (e *Engine) Create(accountID, chainID, endpoint string, autoSign bool, status db.PolicyStatus) (*db.EndpointPolicy, error) {
	if _, err := e.registry.Get(chainID); err != nil {
		return nil, err
	}
	origin, err := NormalizeOrigin(endpoint)
	if err != nil {
		return nil, err
	}
	switch status {
	case db.PolicyDraft, db.PolicyActive, db.PolicyArchived:
	default:
		return nil, apperr.Validationf("invalid policy status %q", status)
	}

	now := e.nowFunc().UTC()
	p := &db.EndpointPolicy{
		ID:        uuid.NewString(),
		AccountID: accountID,
		ChainID:   chainID,
		Origin:    origin,
		AutoSign:  autoSign,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status == db.PolicyArchived {
		p.ArchivedAt = &now
	}
	if err := e.store.CreatePolicy(p); err != nil {
		if err == db.ErrPolicyDuplicate {
			return nil, apperr.Conflict("a policy already exists for this origin")
		}
		return nil, err
	}
	return p, nil
}

// Activate promotes a draft or archived policy to active.
func (e *Engine) Activate(accountID, policyID string) (*db.EndpointPolicy, error) {
	return e.transition(accountID, policyID, []db.PolicyStatus{db.PolicyDraft, db.PolicyArchived}, db.PolicyActive, nil)
}

// Archive retires an active or draft policy.
func (e *Engine) Archive(accountID, policyID string) (*db.EndpointPolicy, error) {
	now := e.nowFunc().UTC()
	return e.transition(accountID, policyID, []db.PolicyStatus{db.PolicyDraft, db.PolicyActive}, db.PolicyArchived, &now)
}

// Unarchive returns an archived policy to active, not draft: the human
// already vetted this origin once.
func (e *Engine) Unarchive(accountID, policyID string) (*db.EndpointPolicy, error) {
	return e.transition(accountID, policyID, []db.PolicyStatus{db.PolicyArchived}, db.PolicyActive, nil)
}

func (e *Engine) transition(accountID, policyID string, from []db.PolicyStatus, to db.PolicyStatus, archivedAt *time.Time) (*db.EndpointPolicy, error) {
	ok, err := e.store.UpdatePolicyStatus(accountID, policyID, from, to, archivedAt, e.nowFunc().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		// Absent, foreign, or not in a valid source state. Distinguish the
		// state conflict for the owner; everything else is NotFound.
		p, err := e.store.GetPolicy(accountID, policyID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, apperr.NotFound("policy not found")
		}
		return nil, apperr.Conflict(fmt.Sprintf("policy is %s", p.Status))
	}
	return e.store.GetPolicy(accountID, policyID)
}

// SetAutoSign toggles whether an owned policy may sign without a human.
func (e *Engine) SetAutoSign(accountID, policyID string, autoSign bool) (*db.EndpointPolicy, error) {
	ok, err := e.store.SetPolicyAutoSign(accountID, policyID, autoSign, e.nowFunc().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound("policy not found")
	}
	return e.store.GetPolicy(accountID, policyID)
}

// List returns the account's policies.
func (e *Engine) List(accountID string) ([]db.EndpointPolicy, error) {
	return e.store.ListPolicies(accountID)
}

// AutoSignOrigins returns the origins this account can currently pay
// without approval, for the agent's resource discovery.
func (e *Engine) AutoSignOrigins(accountID string) ([]db.EndpointPolicy, error) {
	return e.store.ListAutoSignOrigins(accountID)
}
