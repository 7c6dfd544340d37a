package policy

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vaultline/payguard/internal/apperr"
	"github.com/vaultline/payguard/internal/chain"
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
`

func newTestEngine(t *testing.T) (*Engine, *db.Store, string) {
	t.Helper()
	store, err := db.NewStore(filepath.Join(t.TempDir(), "policy_test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry, err := chain.Parse([]byte(testChains))
	if err != nil {
		t.Fatalf("chain.Parse: %v", err)
	}

	account := &db.Account{
		ID: uuid.NewString(), Address: "0xacc", ChainID: "base-sepolia", CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateAccount(account); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	return NewEngine(store, registry, nil), store, account.ID
}

func TestNormalizeOrigin(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{"https://api.example.com/v1/data?q=1", "https://api.example.com", false},
		{"https://API.Example.COM/path", "https://api.example.com", false},
		{"http://localhost:8402/tool", "http://localhost:8402", false},
		{"ftp://api.example.com", "", true},
		{"not a url", "", true},
		{"https://", "", true},
	}
	for _, c := range cases {
		got, err := NormalizeOrigin(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("NormalizeOrigin(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeOrigin(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("NormalizeOrigin(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDecideUnknownOriginCreatesDraft(t *testing.T) {
	engine, _, accountID := newTestEngine(t)

	verdict, p, err := engine.Decide(accountID, "base-sepolia", "https://api.example.com/v1/data")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if verdict != VerdictManual {
		t.Errorf("first sighting verdict = %s, want manual", verdict)
	}
	if p.Status != db.PolicyDraft || p.AutoSign {
		t.Errorf("first-sight policy = %+v", p)
	}
	if p.Origin != "https://api.example.com" {
		t.Errorf("origin = %q", p.Origin)
	}
}

func TestDecideUnknownChain(t *testing.T) {
	engine, _, accountID := newTestEngine(t)

	_, _, err := engine.Decide(accountID, "no-such-chain", "https://api.example.com")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind, ok := apperr.KindOf(err); !ok || kind != apperr.KindValidation {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestDecideAutoRequiresActiveAndAutoSign(t *testing.T) {
	engine, _, accountID := newTestEngine(t)
	endpoint := "https://api.example.com/v1"

	// Draft with autoSign on is still manual.
	_, p, err := engine.Decide(accountID, "base-sepolia", endpoint)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := engine.SetAutoSign(accountID, p.ID, true); err != nil {
		t.Fatalf("SetAutoSign: %v", err)
	}
	verdict, _, err := engine.Decide(accountID, "base-sepolia", endpoint)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if verdict != VerdictManual {
		t.Errorf("draft policy verdict = %s, want manual", verdict)
	}

	if _, err := engine.Activate(accountID, p.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	verdict, _, err = engine.Decide(accountID, "base-sepolia", endpoint)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if verdict != VerdictAuto {
		t.Errorf("active+autoSign verdict = %s, want auto", verdict)
	}

	// Archiving suspends auto-sign without touching the flag.
	if _, err := engine.Archive(accountID, p.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	verdict, _, err = engine.Decide(accountID, "base-sepolia", endpoint)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if verdict != VerdictManual {
		t.Errorf("archived policy verdict = %s, want manual", verdict)
	}

	// Unarchive restores active and the previous flag.
	restored, err := engine.Unarchive(accountID, p.ID)
	if err != nil {
		t.Fatalf("Unarchive: %v", err)
	}
	if restored.Status != db.PolicyActive || !restored.AutoSign {
		t.Errorf("restored policy = %+v", restored)
	}
}

func TestConcurrentFirstSightingsConverge(t *testing.T) {
	engine, _, accountID := newTestEngine(t)

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, p, err := engine.Decide(accountID, "base-sepolia", "https://racy.example.com/data")
			if err != nil {
				t.Errorf("Decide: %v", err)
				return
			}
			ids[i] = p.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("callers observed different policies: %q vs %q", ids[0], ids[i])
		}
	}
}

func TestMutationsOnForeignPolicyAreNotFound(t *testing.T) {
	engine, store, accountID := newTestEngine(t)

	stranger := &db.Account{ID: uuid.NewString(), Address: "0xother", ChainID: "base-sepolia", CreatedAt: time.Now().UTC()}
	if err := store.CreateAccount(stranger); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	_, p, err := engine.Decide(accountID, "base-sepolia", "https://api.example.com")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}

	ops := map[string]func() error{
		"activate":  func() error { _, err := engine.Activate(stranger.ID, p.ID); return err },
		"archive":   func() error { _, err := engine.Archive(stranger.ID, p.ID); return err },
		"unarchive": func() error { _, err := engine.Unarchive(stranger.ID, p.ID); return err },
		"autosign":  func() error { _, err := engine.SetAutoSign(stranger.ID, p.ID, true); return err },
	}
	for name, op := range ops {
		err := op()
		if err == nil {
			t.Errorf("%s on foreign policy: expected error", name)
			continue
		}
		if kind, ok := apperr.KindOf(err); !ok || kind != apperr.KindNotFound {
			t.Errorf("%s on foreign policy: got %v, want NotFound", name, err)
		}
	}
}

func TestCreateDuplicateIsConflict(t *testing.T) {
	engine, _, accountID := newTestEngine(t)

	if _, err := engine.Create(accountID, "base-sepolia", "https://api.example.com/a", true, db.PolicyActive); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := engine.Create(accountID, "base-sepolia", "https://api.example.com/b", false, db.PolicyDraft)
	if err == nil {
		t.Fatal("expected conflict for same origin")
	}
	if kind, ok := apperr.KindOf(err); !ok || kind != apperr.KindConflict {
		t.Errorf("got %v, want Conflict", err)
	}
}
