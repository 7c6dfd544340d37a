package db

import "time"

// PolicyStatus is the lifecycle state of an endpoint policy.
type PolicyStatus string

const (
	PolicyDraft    PolicyStatus = "draft"
	PolicyActive   PolicyStatus = "active"
	PolicyArchived PolicyStatus = "archived"
)

// PaymentStatus is the lifecycle state of a pending payment. Once a payment
// leaves "pending" it never returns.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentApproved   PaymentStatus = "approved"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRejected   PaymentStatus = "rejected"
	PaymentExpired    PaymentStatus = "expired"
)

// GrantStatus is the lifecycle state of a session-key grant.
type GrantStatus string

const (
	GrantNone    GrantStatus = "none"
	GrantPending GrantStatus = "pending_grant"
	GrantActive  GrantStatus = "active"
	GrantExpired GrantStatus = "expired"
	GrantRevoked GrantStatus = "revoked"
)

// EndpointPolicy records whether payments to one origin may be auto-signed.
// Unique per (account, chain, origin).
type EndpointPolicy struct {
	ID         string       `json:"id"`
	AccountID  string       `json:"account_id"`
	ChainID    string       `json:"chain_id"`
	Origin     string       `json:"origin"`
	AutoSign   bool         `json:"auto_sign"`
	Status     PolicyStatus `json:"status"`
	ArchivedAt *time.Time   `json:"archived_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// PendingPayment is one payment requirement instance moving through the
// state machine.
type PendingPayment struct {
	ID              string        `json:"id"`
	AccountID       string        `json:"account_id"`
	ChainID         string        `json:"chain_id"`
	TargetURL       string        `json:"target_url"`
	Amount          int64         `json:"amount"`
	Requirements    []byte        `json:"-"`
	Status          PaymentStatus `json:"status"`
	ExpiresAt       time.Time     `json:"expires_at"`
	Authorization   []byte        `json:"-"`
	SignedAt        *time.Time    `json:"signed_at,omitempty"`
	SettlementRef   string        `json:"settlement_ref,omitempty"`
	ResponseStatus  *int          `json:"response_status,omitempty"`
	ResponsePayload []byte        `json:"-"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	DecisionNote    string        `json:"decision_note,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// Account is a principal's custodial smart account with its embedded
// session-key grant.
type Account struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Address string `json:"address"`
	ChainID string `json:"chain_id"`

	SignerAddress   string      `json:"signer_address,omitempty"`
	SignerKeySealed []byte      `json:"-"`
	GrantStatus     GrantStatus `json:"grant_status"`
	GrantTxRef      string      `json:"grant_tx_ref,omitempty"`
	GrantExpiresAt  *time.Time  `json:"grant_expires_at,omitempty"`
	PerTxCeiling    int64       `json:"per_tx_ceiling"`
	DailyCeiling    int64       `json:"daily_ceiling"`

	CreatedAt time.Time `json:"created_at"`
}

// APIKey authenticates an agent runtime to the tool surface. Only the
// sha256 hash of the raw token is stored.
type APIKey struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// SettlementOutcome is what the payment executor reports back for one
// payment.
type SettlementOutcome struct {
	TransactionRef  string `json:"transactionReference,omitempty"`
	ResponseStatus  int    `json:"responseStatus"`
	ResponsePayload []byte `json:"responsePayload,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
}
