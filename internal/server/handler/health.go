package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vaultline/payguard/internal/chain"
	"github.com/vaultline/payguard/internal/rpchealth"
)

// HandleRPCHealth handles GET /v1/health/rpc. Chains with no recorded
// events are reported healthy so the snapshot always covers the registry.
func HandleRPCHealth(tracker *rpchealth.Tracker, registry *chain.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		chains := make(map[string]rpchealth.Record)
		for _, id := range registry.IDs() {
			chains[id] = tracker.Health(id)
		}
		for id, rec := range tracker.Snapshot() {
			chains[id] = rec
		}
		c.JSON(http.StatusOK, gin.H{
			"status": tracker.OverallStatus(),
			"chains": chains,
		})
	}
}
