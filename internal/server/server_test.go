package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vaultline/payguard/internal/chain"
	"github.com/vaultline/payguard/internal/crypto"
	"github.com/vaultline/payguard/internal/payment"
	"github.com/vaultline/payguard/internal/policy"
	"github.com/vaultline/payguard/internal/rpchealth"
	"github.com/vaultline/payguard/internal/server/db"
	"github.com/vaultline/payguard/internal/sessionkey"
)

const (
	testAdminToken = "test-admin-token-0123456789"
	testChainsYAML = `
chains:
  - id: base-sepolia
    name: Base Sepolia
    numeric_id: 84532
    asset_address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
    asset_decimals: 6
    asset_symbol: USDC
    domain_name: USDC
    domain_version: "2"
    rpc_endpoint: https://sepolia.base.org
    facilitator_url: https://facilitator.example.com/settle
`
)

func testRequirements(amount int64) []byte {
	raw, _ := json.Marshal(map[string]any{
		"scheme":            "exact",
		"network":           "base-sepolia",
		"maxAmountRequired": fmt.Sprintf("%d", amount),
		"resource":          "https://api.example.com/v1/data",
		"payTo":             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		"maxTimeoutSeconds": 300,
		"asset":             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	})
	return raw
}

func newTestRouter(t *testing.T, cfg *Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.NewStore(filepath.Join(t.TempDir(), "server_test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry, err := chain.Parse([]byte(testChainsYAML))
	if err != nil {
		t.Fatalf("chain.Parse: %v", err)
	}

	masterKey, err := crypto.ParseMasterKey(strings.Repeat("ef", 32))
	if err != nil {
		t.Fatalf("ParseMasterKey: %v", err)
	}
	if cfg == nil {
		cfg = &Config{
			AdminToken:  testAdminToken,
			RateLimit:   1000,
			RateWindow:  time.Minute,
			RateMaxKeys: 100,
		}
	}
	cfg.MasterKey = masterKey

	tracker := rpchealth.NewTracker(nil)
	policies := policy.NewEngine(store, registry, nil)
	signer := sessionkey.NewService(store, registry, masterKey, nil)
	machine := payment.NewMachine(store, registry, policies, signer, nil, nil)

	return NewRouter(Deps{
		Store:    store,
		Registry: registry,
		Policies: policies,
		Signer:   signer,
		Machine:  machine,
		Health:   tracker,
	}, cfg)
}

func do(r *gin.Engine, method, path, bearer string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func createAccount(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := do(r, "POST", "/v1/accounts", testAdminToken, []byte(
		`{"label":"test","address":"0x3333333333333333333333333333333333333333","chain_id":"base-sepolia"}`,
	))
	if w.Code != http.StatusCreated {
		t.Fatalf("create account: %d %s", w.Code, w.Body.String())
	}
	var a struct {
		ID string `json:"id"`
	}
	decode(t, w, &a)
	return a.ID
}

func mintKey(t *testing.T, r *gin.Engine, accountID string) string {
	t.Helper()
	w := do(r, "POST", "/v1/accounts/"+accountID+"/apikeys", testAdminToken, []byte(`{"name":"agent"}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("mint api key: %d %s", w.Code, w.Body.String())
	}
	var k struct {
		APIKey string `json:"api_key"`
	}
	decode(t, w, &k)
	if !strings.HasPrefix(k.APIKey, "pg_") {
		t.Fatalf("api key %q missing pg_ prefix", k.APIKey)
	}
	return k.APIKey
}

func activateGrant(t *testing.T, r *gin.Engine, accountID string) {
	t.Helper()
	w := do(r, "POST", "/v1/accounts/"+accountID+"/grant/prepare", testAdminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("prepare grant: %d %s", w.Code, w.Body.String())
	}
	body, _ := json.Marshal(map[string]any{
		"grant_tx_ref":   "0xinstall",
		"expires_at":     time.Now().UTC().Add(30 * 24 * time.Hour).Format(time.RFC3339),
		"per_tx_ceiling": 10_000_000,
		"daily_ceiling":  50_000_000,
	})
	w = do(r, "POST", "/v1/accounts/"+accountID+"/grant/finalize", testAdminToken, body)
	if w.Code != http.StatusOK {
		t.Fatalf("finalize grant: %d %s", w.Code, w.Body.String())
	}
}

func TestAdminAuth(t *testing.T) {
	r := newTestRouter(t, nil)

	if w := do(r, "GET", "/v1/accounts", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: %d", w.Code)
	}
	if w := do(r, "GET", "/v1/accounts", "wrong-token-wrong-token", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: %d", w.Code)
	}
	if w := do(r, "GET", "/v1/accounts", testAdminToken, nil); w.Code != http.StatusOK {
		t.Errorf("valid token: %d", w.Code)
	}
}

func TestAgentAuth(t *testing.T) {
	r := newTestRouter(t, nil)
	accountID := createAccount(t, r)
	key := mintKey(t, r, accountID)

	if w := do(r, "GET", "/v1/agent/wallet", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: %d", w.Code)
	}
	if w := do(r, "GET", "/v1/agent/wallet", "pg_bogus", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("bogus key: %d", w.Code)
	}
	if w := do(r, "GET", "/v1/agent/wallet", key, nil); w.Code != http.StatusOK {
		t.Errorf("bearer key: %d %s", w.Code, w.Body.String())
	}
	// Query param fallback for clients that cannot set headers.
	if w := do(r, "GET", "/v1/agent/wallet?api_key="+key, "", nil); w.Code != http.StatusOK {
		t.Errorf("query key: %d %s", w.Code, w.Body.String())
	}
}

func TestAgentPaymentManualFlow(t *testing.T) {
	r := newTestRouter(t, nil)
	accountID := createAccount(t, r)
	key := mintKey(t, r, accountID)

	w := do(r, "POST", "/v1/agent/payments", key, testRequirements(1_000_000))
	if w.Code != http.StatusCreated {
		t.Fatalf("initiate: %d %s", w.Code, w.Body.String())
	}
	var initiated struct {
		Verdict string `json:"verdict"`
		Payment struct {
			ID              string `json:"id"`
			Status          string `json:"status"`
			Message         string `json:"message"`
			SecondsToExpiry int64  `json:"seconds_to_expiry"`
		} `json:"payment"`
	}
	decode(t, w, &initiated)
	if initiated.Verdict != "manual" {
		t.Errorf("verdict = %s", initiated.Verdict)
	}
	if initiated.Payment.Status != "pending" {
		t.Errorf("status = %s", initiated.Payment.Status)
	}
	if initiated.Payment.SecondsToExpiry <= 0 || initiated.Payment.SecondsToExpiry > 300 {
		t.Errorf("seconds_to_expiry = %d", initiated.Payment.SecondsToExpiry)
	}

	// Admin queue sees it; approving without a grant holds it in approved.
	w = do(r, "POST", "/v1/payments/"+initiated.Payment.ID+"/approve?account_id="+accountID, testAdminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", w.Code, w.Body.String())
	}
	var approved struct {
		Status       string `json:"status"`
		DecisionNote string `json:"decision_note"`
	}
	decode(t, w, &approved)
	if approved.Status != "approved" {
		t.Errorf("status after approve = %s", approved.Status)
	}

	// Rejecting an approved payment is a conflict.
	w = do(r, "POST", "/v1/payments/"+initiated.Payment.ID+"/reject?account_id="+accountID, testAdminToken, []byte(`{"reason":"nope"}`))
	if w.Code != http.StatusConflict {
		t.Errorf("reject approved: %d %s", w.Code, w.Body.String())
	}
}

func TestAutoSignAndSettlementCallback(t *testing.T) {
	r := newTestRouter(t, nil)
	accountID := createAccount(t, r)
	key := mintKey(t, r, accountID)
	activateGrant(t, r, accountID)

	body, _ := json.Marshal(map[string]any{
		"account_id": accountID,
		"chain_id":   "base-sepolia",
		"endpoint":   "https://api.example.com",
		"auto_sign":  true,
		"status":     "active",
	})
	if w := do(r, "POST", "/v1/policies", testAdminToken, body); w.Code != http.StatusCreated {
		t.Fatalf("create policy: %d %s", w.Code, w.Body.String())
	}

	w := do(r, "POST", "/v1/agent/payments", key, testRequirements(2_000_000))
	if w.Code != http.StatusCreated {
		t.Fatalf("initiate: %d %s", w.Code, w.Body.String())
	}
	var initiated struct {
		Verdict string `json:"verdict"`
		Payment struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"payment"`
	}
	decode(t, w, &initiated)
	if initiated.Verdict != "auto" || initiated.Payment.Status != "processing" {
		t.Fatalf("verdict=%s status=%s", initiated.Verdict, initiated.Payment.Status)
	}

	callback := []byte(`{"transactionReference":"0xabc","responseStatus":200,"responsePayload":{"ok":true}}`)
	w = do(r, "POST", "/v1/callbacks/settlement/"+initiated.Payment.ID, "", callback)
	if w.Code != http.StatusOK {
		t.Fatalf("callback: %d %s", w.Code, w.Body.String())
	}

	w = do(r, "GET", "/v1/agent/payments/"+initiated.Payment.ID+"/result", key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("result: %d %s", w.Code, w.Body.String())
	}
	var result struct {
		Status         string `json:"status"`
		TransactionRef string `json:"transaction_reference"`
	}
	decode(t, w, &result)
	if result.Status != "completed" || result.TransactionRef != "0xabc" {
		t.Errorf("result = %+v", result)
	}

	// Re-delivery with a contradictory outcome is a no-op.
	w = do(r, "POST", "/v1/callbacks/settlement/"+initiated.Payment.ID, "", []byte(`{"errorMessage":"late"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("re-delivery: %d %s", w.Code, w.Body.String())
	}
	var after struct {
		Status string `json:"status"`
	}
	decode(t, w, &after)
	if after.Status != "completed" {
		t.Errorf("status after re-delivery = %s", after.Status)
	}

	// The agent's balance reflects the signed spend.
	w = do(r, "GET", "/v1/agent/balance", key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: %d %s", w.Code, w.Body.String())
	}
	var balance struct {
		DailyHeadroom int64 `json:"daily_headroom"`
	}
	decode(t, w, &balance)
	if balance.DailyHeadroom != 48_000_000 {
		t.Errorf("daily_headroom = %d", balance.DailyHeadroom)
	}

	// Auto-signable origins are discoverable.
	w = do(r, "GET", "/v1/agent/resources", key, nil)
	var resources struct {
		Resources []struct {
			Origin string `json:"origin"`
		} `json:"resources"`
	}
	decode(t, w, &resources)
	if len(resources.Resources) != 1 || resources.Resources[0].Origin != "https://api.example.com" {
		t.Errorf("resources = %+v", resources.Resources)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := &Config{
		AdminToken:  testAdminToken,
		RateLimit:   2,
		RateWindow:  time.Minute,
		RateMaxKeys: 10,
	}
	r := newTestRouter(t, cfg)

	for i := 0; i < 2; i++ {
		if w := do(r, "GET", "/", "", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i+1, w.Code)
		}
	}
	w := do(r, "GET", "/", "", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("PAYGUARD_ADMIN_TOKEN", testAdminToken)
	t.Setenv("PAYGUARD_MASTER_KEY", strings.Repeat("ab", 32))

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.DBPath != "payguard.db" || cfg.RateLimit != 60 {
		t.Errorf("defaults: %+v", cfg)
	}

	t.Setenv("PAYGUARD_MASTER_KEY", "not-hex")
	if _, err := LoadConfig(); err == nil {
		t.Error("bad master key accepted")
	}

	t.Setenv("PAYGUARD_MASTER_KEY", strings.Repeat("ab", 32))
	t.Setenv("PAYGUARD_ADMIN_TOKEN", "short")
	if _, err := LoadConfig(); err == nil {
		t.Error("short admin token accepted")
	}
}
