// Package rpchealth tracks per-chain reachability as a live, process-local
// signal. It is advisory: callers keep attempting chain calls while a chain
// is down; the tracker only surfaces degraded confidence.
package rpchealth

import (
	"errors"
	"sync"
	"time"

	"github.com/vaultline/payguard/internal/metrics"
)

// Status is a chain's current liveness classification.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Reason classifies why an upstream call failed. Produced at the call site
// as a typed error, never inferred from message text.
type Reason string

const (
	ReasonRateLimited Reason = "rate_limited"
	ReasonUnreachable Reason = "unreachable"
)

// UpstreamError is the typed failure an upstream chain call reports.
type UpstreamError struct {
	Chain  string
	Reason Reason
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return "upstream " + e.Chain + " " + string(e.Reason) + ": " + e.Err.Error()
	}
	return "upstream " + e.Chain + " " + string(e.Reason)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Classify extracts the failure reason from an error chain, defaulting to
// unreachable.
func Classify(err error) Reason {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Reason
	}
	return ReasonUnreachable
}

// Record is the health snapshot for one chain.
type Record struct {
	Status      Status     `json:"status"`
	LastError   string     `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
	LastOKAt    *time.Time `json:"last_ok_at,omitempty"`
}

// downEscalationWindow bounds how recent the previous failure must be for a
// second failure to escalate degraded to down. A stale blip from hours ago
// does not count against the chain.
const downEscalationWindow = 10 * time.Minute

// Tracker holds in-memory health records. Constructed explicitly and
// injected; state resets on restart by design.
type Tracker struct {
	mu       sync.Mutex
	chains   map[string]*Record
	recorder metrics.Recorder
	nowFunc  func() time.Time
}

func NewTracker(recorder metrics.Recorder) *Tracker {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Tracker{
		chains:   make(map[string]*Record),
		recorder: recorder,
		nowFunc:  time.Now,
	}
}

// ReportError records a failed chain call and escalates: healthy becomes
// degraded on the first failure; degraded becomes down on a second
// consecutive failure within the escalation window.
func (t *Tracker) ReportError(chain string, err error) {
	now := t.nowFunc().UTC()
	msg := err.Error()
	reason := Classify(err)

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.chains[chain]
	if !ok {
		rec = &Record{Status: StatusHealthy}
		t.chains[chain] = rec
	}

	switch rec.Status {
	case StatusHealthy:
		rec.Status = StatusDegraded
	case StatusDegraded:
		if rec.LastErrorAt != nil && now.Sub(*rec.LastErrorAt) <= downEscalationWindow {
			rec.Status = StatusDown
		}
		// Otherwise the previous failure is stale; this one counts as a
		// first failure again and the chain stays degraded.
	}

	rec.LastError = msg
	rec.LastErrorAt = &now
	t.recorder.IncCounter("rpc_error_"+string(reason), map[string]string{"chain": chain})
}

// ReportSuccess resets a chain to healthy. Skips the write when already
// healthy to avoid needless lock contention from the hot path.
func (t *Tracker) ReportSuccess(chain string) {
	now := t.nowFunc().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.chains[chain]
	if ok && rec.Status == StatusHealthy && rec.LastOKAt != nil {
		return
	}
	if !ok {
		rec = &Record{}
		t.chains[chain] = rec
	}
	rec.Status = StatusHealthy
	rec.LastError = ""
	rec.LastErrorAt = nil
	rec.LastOKAt = &now
}

// Health returns the record for one chain. Chains with no recorded events
// default to healthy.
func (t *Tracker) Health(chain string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.chains[chain]; ok {
		return *rec
	}
	return Record{Status: StatusHealthy}
}

// Snapshot returns a copy of all records.
func (t *Tracker) Snapshot() map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Record, len(t.chains))
	for chain, rec := range t.chains {
		out[chain] = *rec
	}
	return out
}

// OverallStatus aggregates across chains: down beats degraded beats
// healthy.
func (t *Tracker) OverallStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	overall := StatusHealthy
	for _, rec := range t.chains {
		switch rec.Status {
		case StatusDown:
			return StatusDown
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}
