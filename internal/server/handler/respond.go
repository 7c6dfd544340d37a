package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vaultline/payguard/internal/apperr"
	"github.com/vaultline/payguard/internal/logx"
)

// ContextAccountID is the gin context key the agent auth middleware stores
// the authenticated account id under.
const ContextAccountID = "account_id"

// agentAccount returns the authenticated agent's account id.
func agentAccount(c *gin.Context) string {
	return c.GetString(ContextAccountID)
}

// respondError maps a domain error to its HTTP status. Untyped errors are
// internal: logged in full, reported generically.
func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logx.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
