package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vaultline/payguard/internal/policy"
	"github.com/vaultline/payguard/internal/server/db"
)

// accountScope extracts the account_id query parameter every admin policy
// and payment route is scoped by.
func accountScope(c *gin.Context) (string, bool) {
	accountID := c.Query("account_id")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id query parameter is required"})
		return "", false
	}
	return accountID, true
}

type createPolicyRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	ChainID   string `json:"chain_id" binding:"required"`
	Endpoint  string `json:"endpoint" binding:"required"`
	AutoSign  bool   `json:"auto_sign"`
	Status    string `json:"status"`
}

// HandleCreatePolicy handles POST /v1/policies.
func HandleCreatePolicy(engine *policy.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createPolicyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		status := db.PolicyStatus(req.Status)
		if req.Status == "" {
			status = db.PolicyDraft
		}

		p, err := engine.Create(req.AccountID, req.ChainID, req.Endpoint, req.AutoSign, status)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, p)
	}
}

// HandleListPolicies handles GET /v1/policies?account_id=....
func HandleListPolicies(engine *policy.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountScope(c)
		if !ok {
			return
		}
		policies, err := engine.List(accountID)
		if err != nil {
			respondError(c, err)
			return
		}
		if policies == nil {
			policies = []db.EndpointPolicy{}
		}
		c.JSON(http.StatusOK, policies)
	}
}

// HandlePolicyTransition builds the handler for the activate, archive, and
// unarchive routes; they differ only in the engine call.
func HandlePolicyTransition(transition func(accountID, policyID string) (*db.EndpointPolicy, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountScope(c)
		if !ok {
			return
		}
		p, err := transition(accountID, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type autoSignRequest struct {
	AutoSign *bool `json:"auto_sign" binding:"required"`
}

// HandleSetAutoSign handles PUT /v1/policies/:id/auto-sign.
func HandleSetAutoSign(engine *policy.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountScope(c)
		if !ok {
			return
		}
		var req autoSignRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p, err := engine.SetAutoSign(accountID, c.Param("id"), *req.AutoSign)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}
