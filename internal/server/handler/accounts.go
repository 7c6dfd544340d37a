package handler

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vaultline/payguard/internal/apperr"
	"github.com/vaultline/payguard/internal/chain"
	"github.com/vaultline/payguard/internal/server/db"
	"github.com/vaultline/payguard/internal/sessionkey"
)

// HashAPIKey returns the stored form of a raw agent API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// mintAPIKey generates a raw agent key. The prefix makes leaked keys easy
// to recognize in logs and secret scanners.
func mintAPIKey() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "pg_" + base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

type createAccountRequest struct {
	Label   string `json:"label"`
	Address string `json:"address" binding:"required"`
	ChainID string `json:"chain_id" binding:"required"`
}

// HandleCreateAccount handles POST /v1/accounts.
func HandleCreateAccount(store *db.Store, registry *chain.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if _, err := registry.Get(req.ChainID); err != nil {
			respondError(c, err)
			return
		}
		if !common.IsHexAddress(req.Address) {
			respondError(c, apperr.Validationf("address %q is not a valid address", req.Address))
			return
		}

		a := &db.Account{
			ID:        uuid.NewString(),
			Label:     req.Label,
			Address:   common.HexToAddress(req.Address).Hex(),
			ChainID:   req.ChainID,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.CreateAccount(a); err != nil {
			if err == db.ErrAccountDuplicate {
				c.JSON(http.StatusConflict, gin.H{"error": "account already exists for this address"})
				return
			}
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, a)
	}
}

// HandleListAccounts handles GET /v1/accounts.
func HandleListAccounts(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		accounts, err := store.ListAccounts()
		if err != nil {
			respondError(c, err)
			return
		}
		if accounts == nil {
			accounts = []db.Account{}
		}
		c.JSON(http.StatusOK, accounts)
	}
}

// HandleGetAccount handles GET /v1/accounts/:id.
func HandleGetAccount(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, err := store.GetAccount(c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if a == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusOK, a)
	}
}

// HandlePrepareGrant handles POST /v1/accounts/:id/grant/prepare.
func HandlePrepareGrant(svc *sessionkey.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		prepared, err := svc.Prepare(c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, prepared)
	}
}

type finalizeGrantRequest struct {
	GrantTxRef   string    `json:"grant_tx_ref" binding:"required"`
	ExpiresAt    time.Time `json:"expires_at" binding:"required"`
	PerTxCeiling int64     `json:"per_tx_ceiling" binding:"required"`
	DailyCeiling int64     `json:"daily_ceiling" binding:"required"`
}

// HandleFinalizeGrant handles POST /v1/accounts/:id/grant/finalize.
func HandleFinalizeGrant(svc *sessionkey.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req finalizeGrantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		account, err := svc.Finalize(c.Param("id"), req.GrantTxRef, req.ExpiresAt, req.PerTxCeiling, req.DailyCeiling)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, account)
	}
}

// HandleRevokeGrant handles POST /v1/accounts/:id/grant/revoke.
func HandleRevokeGrant(svc *sessionkey.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Revoke(c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "revoked"})
	}
}

type createAPIKeyRequest struct {
	Name string `json:"name"`
}

// HandleCreateAPIKey handles POST /v1/accounts/:id/apikeys. The raw key is
// returned exactly once; only its hash survives.
func HandleCreateAPIKey(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("id")
		var req createAPIKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		account, err := store.GetAccount(accountID)
		if err != nil {
			respondError(c, err)
			return
		}
		if account == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}

		raw, err := mintAPIKey()
		if err != nil {
			respondError(c, err)
			return
		}
		k := &db.APIKey{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Name:      req.Name,
			KeyHash:   HashAPIKey(raw),
			CreatedAt: time.Now().UTC(),
		}
		if err := store.CreateAPIKey(k); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": k.ID, "name": k.Name, "api_key": raw})
	}
}

// HandleListAPIKeys handles GET /v1/accounts/:id/apikeys.
func HandleListAPIKeys(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		keys, err := store.ListAPIKeys(c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if keys == nil {
			keys = []db.APIKey{}
		}
		c.JSON(http.StatusOK, keys)
	}
}
