package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vaultline/payguard/internal/chain"
	"github.com/vaultline/payguard/internal/payment"
	"github.com/vaultline/payguard/internal/policy"
	"github.com/vaultline/payguard/internal/ratelimit"
	"github.com/vaultline/payguard/internal/rpchealth"
	"github.com/vaultline/payguard/internal/server/db"
	"github.com/vaultline/payguard/internal/server/handler"
	"github.com/vaultline/payguard/internal/sessionkey"
)

// Deps bundles everything the router mounts.
type Deps struct {
	Store    *db.Store
	Registry *chain.Registry
	Policies *policy.Engine
	Signer   *sessionkey.Service
	Machine  *payment.Machine
	Health   *rpchealth.Tracker
	Metrics  *prometheus.Registry
}

// NewRouter creates and configures the Gin router with all routes.
func NewRouter(deps Deps, cfg *Config) *gin.Engine {
	r := gin.Default()

	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORS(cfg.CORSOrigins))
	}

	limiter := ratelimit.NewLimiter(cfg.RateMaxKeys)
	r.Use(RateLimit(limiter, cfg.RateLimit, cfg.RateWindow))

	r.GET("/", func(c *gin.Context) {
		c.String(200, "ok")
	})
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	admin := AdminAuth(cfg.AdminToken)
	agent := AgentAuth(deps.Store)

	v1 := r.Group("/v1")
	{
		// Accounts and session-key grants
		v1.POST("/accounts", admin, handler.HandleCreateAccount(deps.Store, deps.Registry))
		v1.GET("/accounts", admin, handler.HandleListAccounts(deps.Store))
		v1.GET("/accounts/:id", admin, handler.HandleGetAccount(deps.Store))
		v1.POST("/accounts/:id/grant/prepare", admin, handler.HandlePrepareGrant(deps.Signer))
		v1.POST("/accounts/:id/grant/finalize", admin, handler.HandleFinalizeGrant(deps.Signer))
		v1.POST("/accounts/:id/grant/revoke", admin, handler.HandleRevokeGrant(deps.Signer))
		v1.POST("/accounts/:id/apikeys", admin, handler.HandleCreateAPIKey(deps.Store))
		v1.GET("/accounts/:id/apikeys", admin, handler.HandleListAPIKeys(deps.Store))

		// Endpoint policies
		v1.POST("/policies", admin, handler.HandleCreatePolicy(deps.Policies))
		v1.GET("/policies", admin, handler.HandleListPolicies(deps.Policies))
		v1.POST("/policies/:id/activate", admin, handler.HandlePolicyTransition(deps.Policies.Activate))
		v1.POST("/policies/:id/archive", admin, handler.HandlePolicyTransition(deps.Policies.Archive))
		v1.POST("/policies/:id/unarchive", admin, handler.HandlePolicyTransition(deps.Policies.Unarchive))
		v1.PUT("/policies/:id/auto-sign", admin, handler.HandleSetAutoSign(deps.Policies))

		// Human approval queue
		v1.GET("/payments", admin, handler.HandleListPayments(deps.Machine))
		v1.GET("/payments/:id", admin, handler.HandleGetPayment(deps.Machine))
		v1.POST("/payments/:id/approve", admin, handler.HandleApprovePayment(deps.Machine))
		v1.POST("/payments/:id/reject", admin, handler.HandleRejectPayment(deps.Machine))

		// Chain health
		v1.GET("/health/rpc", admin, handler.HandleRPCHealth(deps.Health, deps.Registry))

		// Agent tool surface
		v1.POST("/agent/payments", agent, handler.HandleInitiatePayment(deps.Machine, deps.Registry))
		v1.GET("/agent/payments/:id", agent, handler.HandleCheckPayment(deps.Machine, deps.Registry))
		v1.GET("/agent/payments/:id/result", agent, handler.HandlePaymentResult(deps.Machine))
		v1.GET("/agent/history", agent, handler.HandleSpendingHistory(deps.Machine, deps.Registry))
		v1.GET("/agent/balance", agent, handler.HandleBalance(deps.Store, deps.Signer, deps.Registry))
		v1.GET("/agent/wallet", agent, handler.HandleWalletInfo(deps.Store, deps.Registry))
		v1.GET("/agent/resources", agent, handler.HandleDiscoverResources(deps.Policies))

		// Settlement callback from the facilitator
		v1.POST("/callbacks/settlement/:id", handler.HandleSettlementCallback(deps.Machine))
	}

	return r
}
