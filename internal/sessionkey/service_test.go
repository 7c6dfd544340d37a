package sessionkey

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vaultline/payguard/internal/apperr"
	"github.com/vaultline/payguard/internal/chain"
	"github.com/vaultline/payguard/internal/crypto"
	"github.com/vaultline/payguard/internal/server/db"
)

const testChains = `
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

  - id: base
    name: Base
    numeric_id: 8453
    asset_address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
    asset_decimals: 6
    asset_symbol: USDC
    domain_name: USD Coin
    domain_version: "2"
    rpc_endpoint: https://mainnet.base.org
    facilitator_url: https://facilitator.example.com/settle
`

type fixture struct {
	svc     *Service
	store   *db.Store
	account *db.Account
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.NewStore(filepath.Join(t.TempDir(), "sessionkey_test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry, err := chain.Parse([]byte(testChains))
	if err != nil {
		t.Fatalf("chain.Parse: %v", err)
	}

	masterKey, err := crypto.ParseMasterKey(strings.Repeat("cd", 32))
	if err != nil {
		t.Fatalf("ParseMasterKey: %v", err)
	}

	account := &db.Account{
		ID: uuid.NewString(), Address: "0x1111111111111111111111111111111111111111",
		ChainID: "base-sepolia", CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateAccount(account); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	svc := NewService(store, registry, masterKey, nil)
	f := &fixture{
		svc: svc, store: store, account: account,
		now: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC),
	}
	svc.nowFunc = func() time.Time { return f.now }
	return f
}

func (f *fixture) activateGrant(t *testing.T, perTx, daily int64) *db.Account {
	t.Helper()
	if _, err := f.svc.Prepare(f.account.ID); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := f.svc.Finalize(f.account.ID, "0xinstall", f.now.Add(30*24*time.Hour), perTx, daily); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	account, err := f.store.GetAccount(f.account.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return account
}

func (f *fixture) newPayment(t *testing.T, amount int64) *db.PendingPayment {
	t.Helper()
	reqJSON, _ := json.Marshal(map[string]any{
		"scheme":            "exact",
		"network":           "base-sepolia",
		"maxAmountRequired": "1",
		"resource":          "https://api.example.com/v1/data",
		"payTo":             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		"maxTimeoutSeconds": 300,
		"asset":             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	})
	p := &db.PendingPayment{
		ID:           uuid.NewString(),
		AccountID:    f.account.ID,
		ChainID:      "base-sepolia",
		TargetURL:    "https://api.example.com/v1/data",
		Amount:       amount,
		Requirements: reqJSON,
		Status:       db.PaymentPending,
		ExpiresAt:    f.now.Add(5 * time.Minute),
		CreatedAt:    f.now,
		UpdatedAt:    f.now,
	}
	if err := f.store.CreatePayment(p); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	return p
}

func TestFinalizeValidation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Prepare(f.account.ID); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	cases := []struct {
		name   string
		txRef  string
		expiry time.Time
		perTx  int64
		daily  int64
	}{
		{"missing tx ref", "", f.now.Add(time.Hour), 10, 100},
		{"past expiry", "0xtx", f.now.Add(-time.Hour), 10, 100},
		{"zero per-tx", "0xtx", f.now.Add(time.Hour), 0, 100},
		{"negative daily", "0xtx", f.now.Add(time.Hour), 10, -1},
	}
	for _, c := range cases {
		if _, err := f.svc.Finalize(f.account.ID, c.txRef, c.expiry, c.perTx, c.daily); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}

func TestAuthorizeWithoutGrant(t *testing.T) {
	f := newFixture(t)
	p := f.newPayment(t, 1000)

	account, _ := f.store.GetAccount(f.account.ID)
	if _, err := f.svc.Authorize(account, p, db.PaymentPending); err != ErrGrantExpired {
		t.Fatalf("got %v, want ErrGrantExpired", err)
	}

	// pending_grant is equally unusable.
	if _, err := f.svc.Prepare(f.account.ID); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	account, _ = f.store.GetAccount(f.account.ID)
	if _, err := f.svc.Authorize(account, p, db.PaymentPending); err != ErrGrantExpired {
		t.Fatalf("pending grant: got %v, want ErrGrantExpired", err)
	}
}

func TestAuthorizeSignsWithinLimits(t *testing.T) {
	f := newFixture(t)
	account := f.activateGrant(t, 10_000_000, 50_000_000)
	p := f.newPayment(t, 5_000_000)

	auth, err := f.svc.Authorize(account, p, db.PaymentPending)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if auth.Value != "5000000" {
		t.Errorf("value = %s", auth.Value)
	}
	if auth.From != account.SignerAddress {
		t.Errorf("from = %s, want delegated signer %s", auth.From, account.SignerAddress)
	}
	if auth.ValidBefore != account.GrantExpiresAt.Unix() {
		t.Errorf("validBefore = %d, want grant expiry %d", auth.ValidBefore, account.GrantExpiresAt.Unix())
	}

	// The signature recovers to the delegated signer under the asset's
	// EIP-712 domain.
	registry, _ := chain.Parse([]byte(testChains))
	c, _ := registry.Get("base-sepolia")
	signer, err := RecoverSigner(auth, c)
	if err != nil {
		t.Fatalf("RecoverSigner: %v", err)
	}
	if signer.Hex() != account.SignerAddress {
		t.Errorf("recovered %s, want %s", signer.Hex(), account.SignerAddress)
	}

	got, err := f.store.GetPayment(f.account.ID, p.ID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if got.Status != db.PaymentProcessing {
		t.Errorf("status = %s", got.Status)
	}
	if len(got.Authorization) == 0 {
		t.Error("authorization not persisted")
	}
}

func TestAuthorizePerTransactionCeiling(t *testing.T) {
	f := newFixture(t)
	account := f.activateGrant(t, 1_000_000, 50_000_000)
	p := f.newPayment(t, 1_000_001)

	if _, err := f.svc.Authorize(account, p, db.PaymentPending); err != ErrSpendLimitExceeded {
		t.Fatalf("got %v, want ErrSpendLimitExceeded", err)
	}

	got, _ := f.store.GetPayment(f.account.ID, p.ID)
	if got.Status != db.PaymentPending {
		t.Errorf("refused payment status = %s, must stay pending", got.Status)
	}
}

func TestAuthorizeDailyCeilingFromLedger(t *testing.T) {
	f := newFixture(t)
	account := f.activateGrant(t, 10_000_000, 10_000_000)

	// Two signings summing exactly to the daily ceiling succeed.
	first := f.newPayment(t, 4_000_000)
	if _, err := f.svc.Authorize(account, first, db.PaymentPending); err != nil {
		t.Fatalf("first: %v", err)
	}
	second := f.newPayment(t, 6_000_000)
	if _, err := f.svc.Authorize(account, second, db.PaymentPending); err != nil {
		t.Fatalf("second: %v", err)
	}

	// Any further positive amount the same UTC day is refused.
	third := f.newPayment(t, 1)
	if _, err := f.svc.Authorize(account, third, db.PaymentPending); err != ErrSpendLimitExceeded {
		t.Fatalf("third: got %v, want ErrSpendLimitExceeded", err)
	}

	// The next UTC day the ledger window rolls over.
	f.now = f.now.Add(24 * time.Hour)
	fourth := f.newPayment(t, 1_000_000)
	if _, err := f.svc.Authorize(account, fourth, db.PaymentPending); err != nil {
		t.Fatalf("next day: %v", err)
	}
}

func TestAuthorizeRejectsForeignChainPayment(t *testing.T) {
	f := newFixture(t)
	account := f.activateGrant(t, 10_000_000, 10_000_000)

	// Exhaust the daily ceiling on the grant's own chain.
	first := f.newPayment(t, 10_000_000)
	if _, err := f.svc.Authorize(account, first, db.PaymentPending); err != nil {
		t.Fatalf("first: %v", err)
	}

	// A payment recorded against another registered chain must not sign:
	// its ledger SUM would start from zero and the signature would scope
	// to a different asset contract than the grant's.
	reqJSON, _ := json.Marshal(map[string]any{
		"scheme":            "exact",
		"network":           "base",
		"maxAmountRequired": "1",
		"resource":          "https://api.example.com/v1/data",
		"payTo":             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		"maxTimeoutSeconds": 300,
		"asset":             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	})
	p := &db.PendingPayment{
		ID:           uuid.NewString(),
		AccountID:    f.account.ID,
		ChainID:      "base",
		TargetURL:    "https://api.example.com/v1/data",
		Amount:       5_000_000,
		Requirements: reqJSON,
		Status:       db.PaymentPending,
		ExpiresAt:    f.now.Add(5 * time.Minute),
		CreatedAt:    f.now,
		UpdatedAt:    f.now,
	}
	if err := f.store.CreatePayment(p); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	_, err := f.svc.Authorize(account, p, db.PaymentPending)
	if kind, ok := apperr.KindOf(err); !ok || kind != apperr.KindValidation {
		t.Fatalf("got %v, want validation error for a foreign chain", err)
	}
	got, _ := f.store.GetPayment(f.account.ID, p.ID)
	if got.Status != db.PaymentPending {
		t.Errorf("refused payment status = %s, must stay pending", got.Status)
	}
}

func TestAuthorizeExpiredGrantLazilyMarked(t *testing.T) {
	f := newFixture(t)
	account := f.activateGrant(t, 10_000_000, 10_000_000)
	p := f.newPayment(t, 1000)

	f.now = account.GrantExpiresAt.Add(time.Second)
	if _, err := f.svc.Authorize(account, p, db.PaymentPending); err != ErrGrantExpired {
		t.Fatalf("got %v, want ErrGrantExpired", err)
	}

	got, _ := f.store.GetAccount(f.account.ID)
	if got.GrantStatus != db.GrantExpired {
		t.Errorf("grant status = %s, want expired after lazy check", got.GrantStatus)
	}
}

func TestDailyHeadroom(t *testing.T) {
	f := newFixture(t)
	account := f.activateGrant(t, 10_000_000, 10_000_000)

	headroom, err := f.svc.DailyHeadroom(account)
	if err != nil {
		t.Fatalf("DailyHeadroom: %v", err)
	}
	if headroom != 10_000_000 {
		t.Errorf("headroom = %d", headroom)
	}

	p := f.newPayment(t, 3_000_000)
	if _, err := f.svc.Authorize(account, p, db.PaymentPending); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	headroom, err = f.svc.DailyHeadroom(account)
	if err != nil {
		t.Fatalf("DailyHeadroom: %v", err)
	}
	if headroom != 7_000_000 {
		t.Errorf("headroom = %d", headroom)
	}
}
