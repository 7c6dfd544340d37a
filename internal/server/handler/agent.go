package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vaultline/payguard/internal/apperr"
	"github.com/vaultline/payguard/internal/chain"
	"github.com/vaultline/payguard/internal/payment"
	"github.com/vaultline/payguard/internal/policy"
	"github.com/vaultline/payguard/internal/server/db"
	"github.com/vaultline/payguard/internal/sessionkey"
	"github.com/vaultline/payguard/internal/x402"
)

// maxRequirementsBody bounds an initiate-payment body.
const maxRequirementsBody = 64 * 1024

// paymentView is the agent-facing shape of a payment: the lifecycle state,
// a human-readable message, and how long the agent may keep polling.
type paymentView struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Message         string `json:"message,omitempty"`
	TargetURL       string `json:"target_url"`
	ChainID         string `json:"chain_id"`
	Amount          int64  `json:"amount"`
	DisplayAmount   string `json:"display_amount,omitempty"`
	SecondsToExpiry int64  `json:"seconds_to_expiry"`
	CreatedAt       string `json:"created_at"`
}

// newPaymentView renders a payment for the agent. now must come from the
// same clock the machine judges expiry with, so the reported countdown and
// the lazy expiry transition agree.
func newPaymentView(p *db.PendingPayment, registry *chain.Registry, now time.Time) paymentView {
	v := paymentView{
		ID:        p.ID,
		Status:    string(p.Status),
		Message:   p.DecisionNote,
		TargetURL: p.TargetURL,
		ChainID:   p.ChainID,
		Amount:    p.Amount,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
	if c, err := registry.Get(p.ChainID); err == nil {
		v.DisplayAmount = x402.FormatAmount(p.Amount, c.AssetDecimals) + " " + c.AssetSymbol
	}
	if p.Status == db.PaymentPending || p.Status == db.PaymentApproved {
		if remaining := p.ExpiresAt.Sub(now); remaining > 0 {
			v.SecondsToExpiry = int64(remaining.Seconds())
		}
	}
	return v
}

// HandleInitiatePayment handles POST /v1/agent/payments. The body is the
// x402 payment requirements object from a 402 response.
func HandleInitiatePayment(machine *payment.Machine, registry *chain.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequirementsBody))
		if err != nil {
			respondError(c, apperr.Validation("unreadable request body"))
			return
		}

		p, verdict, err := machine.Initiate(agentAccount(c), raw)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"payment": newPaymentView(p, registry, machine.Now()),
			"verdict": verdict,
		})
	}
}

// HandleCheckPayment handles GET /v1/agent/payments/:id.
func HandleCheckPayment(machine *payment.Machine, registry *chain.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := machine.Get(agentAccount(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, newPaymentView(p, registry, machine.Now()))
	}
}

// HandlePaymentResult handles GET /v1/agent/payments/:id/result: the
// settlement outcome for a finished payment.
func HandlePaymentResult(machine *payment.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := machine.Get(agentAccount(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}

		resp := gin.H{"id": p.ID, "status": p.Status}
		if p.SettlementRef != "" {
			resp["transaction_reference"] = p.SettlementRef
		}
		if p.ResponseStatus != nil {
			resp["response_status"] = *p.ResponseStatus
		}
		if len(p.ResponsePayload) > 0 {
			if json.Valid(p.ResponsePayload) {
				resp["response_payload"] = json.RawMessage(p.ResponsePayload)
			} else {
				resp["response_payload"] = string(p.ResponsePayload)
			}
		}
		if p.ErrorMessage != "" {
			resp["error_message"] = p.ErrorMessage
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleSpendingHistory handles GET /v1/agent/history.
func HandleSpendingHistory(machine *payment.Machine, registry *chain.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		payments, err := machine.List(agentAccount(c), 100)
		if err != nil {
			respondError(c, err)
			return
		}
		now := machine.Now()
		views := make([]paymentView, 0, len(payments))
		for i := range payments {
			views = append(views, newPaymentView(&payments[i], registry, now))
		}
		c.JSON(http.StatusOK, gin.H{"payments": views})
	}
}

// HandleBalance handles GET /v1/agent/balance: the grant's remaining
// signing headroom, not an on-chain balance.
func HandleBalance(store *db.Store, svc *sessionkey.Service, registry *chain.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := store.GetAccount(agentAccount(c))
		if err != nil {
			respondError(c, err)
			return
		}
		if account == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}

		headroom, err := svc.DailyHeadroom(account)
		if err != nil {
			respondError(c, err)
			return
		}

		resp := gin.H{
			"grant_status":   account.GrantStatus,
			"per_tx_ceiling": account.PerTxCeiling,
			"daily_ceiling":  account.DailyCeiling,
			"daily_headroom": headroom,
		}
		if ch, err := registry.Get(account.ChainID); err == nil {
			resp["asset_symbol"] = ch.AssetSymbol
			resp["daily_headroom_display"] = x402.FormatAmount(headroom, ch.AssetDecimals)
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleWalletInfo handles GET /v1/agent/wallet.
func HandleWalletInfo(store *db.Store, registry *chain.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := store.GetAccount(agentAccount(c))
		if err != nil {
			respondError(c, err)
			return
		}
		if account == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}

		resp := gin.H{
			"address":      account.Address,
			"chain_id":     account.ChainID,
			"grant_status": account.GrantStatus,
		}
		if account.SignerAddress != "" {
			resp["signer_address"] = account.SignerAddress
		}
		if account.GrantExpiresAt != nil {
			resp["grant_expires_at"] = account.GrantExpiresAt.Format(time.RFC3339)
		}
		if ch, err := registry.Get(account.ChainID); err == nil {
			resp["chain_name"] = ch.Name
			resp["asset"] = ch.AssetAddress
			resp["asset_symbol"] = ch.AssetSymbol
			resp["asset_decimals"] = ch.AssetDecimals
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleDiscoverResources handles GET /v1/agent/resources: the origins this
// account can pay without waiting for a human.
func HandleDiscoverResources(engine *policy.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		policies, err := engine.AutoSignOrigins(agentAccount(c))
		if err != nil {
			respondError(c, err)
			return
		}
		type resource struct {
			Origin  string `json:"origin"`
			ChainID string `json:"chain_id"`
		}
		resources := make([]resource, 0, len(policies))
		for _, p := range policies {
			resources = append(resources, resource{Origin: p.Origin, ChainID: p.ChainID})
		}
		c.JSON(http.StatusOK, gin.H{"resources": resources})
	}
}
