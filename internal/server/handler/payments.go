package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vaultline/payguard/internal/payment"
	"github.com/vaultline/payguard/internal/server/db"
)

// HandleListPayments handles GET /v1/payments?account_id=...&limit=....
func HandleListPayments(machine *payment.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountScope(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		payments, err := machine.List(accountID, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		if payments == nil {
			payments = []db.PendingPayment{}
		}
		c.JSON(http.StatusOK, payments)
	}
}

// HandleGetPayment handles GET /v1/payments/:id?account_id=....
func HandleGetPayment(machine *payment.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountScope(c)
		if !ok {
			return
		}
		p, err := machine.Get(accountID, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// HandleApprovePayment handles POST /v1/payments/:id/approve.
func HandleApprovePayment(machine *payment.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountScope(c)
		if !ok {
			return
		}
		p, err := machine.Approve(accountID, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// HandleRejectPayment handles POST /v1/payments/:id/reject.
func HandleRejectPayment(machine *payment.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountScope(c)
		if !ok {
			return
		}
		var req rejectRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p, err := machine.Reject(accountID, c.Param("id"), req.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type settlementCallbackRequest struct {
	TransactionRef  string          `json:"transactionReference"`
	ResponseStatus  int             `json:"responseStatus"`
	ResponsePayload json.RawMessage `json:"responsePayload"`
	ErrorMessage    string          `json:"errorMessage"`
}

// HandleSettlementCallback handles POST /v1/callbacks/settlement/:id.
// Re-delivery after the payment left processing is a 200 no-op.
func HandleSettlementCallback(machine *payment.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req settlementCallbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p, err := machine.HandleSettlement(c.Param("id"), db.SettlementOutcome{
			TransactionRef:  req.TransactionRef,
			ResponseStatus:  req.ResponseStatus,
			ResponsePayload: req.ResponsePayload,
			ErrorMessage:    req.ErrorMessage,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}
