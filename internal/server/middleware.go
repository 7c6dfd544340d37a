package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vaultline/payguard/internal/logx"
	"github.com/vaultline/payguard/internal/ratelimit"
	"github.com/vaultline/payguard/internal/server/db"
	"github.com/vaultline/payguard/internal/server/handler"
)

// CORS returns a Gin middleware that handles Cross-Origin Resource Sharing.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed[strings.TrimRight(origin, "/")] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")

			if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
		}

		c.Next()
	}
}

// AdminAuth returns a Gin middleware that requires a valid Bearer token.
func AdminAuth(token string) gin.HandlerFunc {
	expected := "Bearer " + token
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header must use Bearer scheme"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}

// AgentAuth returns a Gin middleware that authenticates agent runtimes. The
// key arrives as a Bearer token or, for clients that cannot set headers, an
// api_key query parameter. Only its sha256 hash is ever compared or stored.
func AgentAuth(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := ""
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			raw = strings.TrimPrefix(auth, "Bearer ")
		}
		if raw == "" {
			raw = c.Query("api_key")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key required"})
			return
		}

		accountID, err := store.LookupAPIKey(handler.HashAPIKey(raw), time.Now().UTC())
		if err != nil {
			logx.Errorf("api key lookup: %v", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication unavailable"})
			return
		}
		if accountID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}

		c.Set(handler.ContextAccountID, accountID)
		c.Next()
	}
}

// RateLimit returns a Gin middleware enforcing limit requests per window per
// caller. Refusals carry Retry-After in whole seconds.
func RateLimit(limiter *ratelimit.Limiter, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ratelimit.ClientKey(c.Request)
		if !limiter.Allow(key, limit, window) {
			c.Header("Retry-After", strconv.Itoa(ratelimit.RetryAfter(window)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
