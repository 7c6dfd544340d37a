// Package x402 carries the wire types of the x402 pay-per-call protocol:
// the payment requirements a resource server declares and the response
// envelope they arrive in.
package x402

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/vaultline/payguard/internal/apperr"
)

var validate = validator.New()

// PaymentRequirements defines the terms a resource server accepts for
// payment, analogous to an HTTP 402 challenge.
type PaymentRequirements struct {
	// Scheme of the payment protocol, e.g. "exact".
	Scheme string `json:"scheme" validate:"required"`

	// Network identifier of the chain to settle on.
	Network string `json:"network" validate:"required"`

	// MaxAmountRequired is the price in atomic units of the asset,
	// represented as a decimal string.
	MaxAmountRequired string `json:"maxAmountRequired" validate:"required"`

	// Resource is the URL being paid for.
	Resource string `json:"resource" validate:"required,url"`

	// Description of the resource being purchased.
	Description string `json:"description"`

	// MimeType of the resource response.
	MimeType string `json:"mimeType"`

	// PayTo is the address payment must be sent to.
	PayTo string `json:"payTo" validate:"required"`

	// MaxTimeoutSeconds is how long the resource server will wait for
	// payment before the requirement lapses.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Asset is the token contract the payment is denominated in.
	Asset string `json:"asset" validate:"required"`

	// Extra carries scheme-specific details such as the token's EIP-712
	// name and version.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Response is the x402 envelope a resource server returns alongside a 402.
type Response struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error,omitempty"`
}

// ParseRequirements parses and validates a PaymentRequirements payload.
func ParseRequirements(data []byte) (*PaymentRequirements, error) {
	var req PaymentRequirements
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, apperr.Validationf("malformed payment requirements: %v", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks structural validity via struct tags plus the amount.
func (pr *PaymentRequirements) Validate() error {
	if err := validate.Struct(pr); err != nil {
		return apperr.Validationf("invalid payment requirements: %v", err)
	}
	if _, err := pr.Amount(); err != nil {
		return err
	}
	if pr.MaxTimeoutSeconds < 0 {
		return apperr.Validation("maxTimeoutSeconds must not be negative")
	}
	return nil
}

// Amount returns the required amount in atomic units. The protocol carries
// it as a string because the asset unit is a uint256 on chain; this core
// accepts amounts up to int64, which covers any plausible 6-decimal
// stablecoin payment.
func (pr *PaymentRequirements) Amount() (int64, error) {
	n, err := strconv.ParseInt(pr.MaxAmountRequired, 10, 64)
	if err != nil || n <= 0 {
		return 0, apperr.Validationf("maxAmountRequired must be a positive integer, got %q", pr.MaxAmountRequired)
	}
	return n, nil
}

// Serialize returns the canonical JSON encoding stored with a pending
// payment.
func (pr *PaymentRequirements) Serialize() ([]byte, error) {
	return json.Marshal(pr)
}

// FormatAmount renders an atomic amount as a display string in the asset's
// nominal unit, e.g. FormatAmount(5_000_000, 6) == "5".
func FormatAmount(atomic int64, decimals int32) string {
	return decimal.New(atomic, -decimals).String()
}

// ParseDisplayAmount converts a display amount ("5.25") into atomic units.
func ParseDisplayAmount(display string, decimals int32) (int64, error) {
	d, err := decimal.NewFromString(display)
	if err != nil {
		return 0, apperr.Validationf("invalid amount %q", display)
	}
	atomic := d.Shift(decimals)
	if !atomic.IsInteger() {
		return 0, apperr.Validationf("amount %q has more than %d decimal places", display, decimals)
	}
	if atomic.Sign() <= 0 {
		return 0, apperr.Validationf("amount must be positive, got %q", display)
	}
	bi := atomic.BigInt()
	if !bi.IsInt64() {
		return 0, apperr.Validationf("amount %q out of range", display)
	}
	return bi.Int64(), nil
}

// AmountBig returns the atomic amount as a big.Int for chain-facing code.
func AmountBig(atomic int64) *big.Int {
	return big.NewInt(atomic)
}

func (pr *PaymentRequirements) String() string {
	return fmt.Sprintf("x402 requirement %s %s on %s for %s", pr.Scheme, pr.MaxAmountRequired, pr.Network, pr.Resource)
}
