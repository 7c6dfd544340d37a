package chain

import (
	"testing"
)

const testRegistry = `
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

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Parse([]byte(testRegistry))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return r
}

func TestParseAndGet(t *testing.T) {
	r := newTestRegistry(t)

	c, err := r.Get("base-sepolia")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.NumericID != 84532 {
		t.Errorf("NumericID = %d", c.NumericID)
	}
	if c.Asset().Hex() != "0x036CbD53842c5426634e7929541eC2318f3dCF7e" {
		t.Errorf("Asset = %s", c.Asset().Hex())
	}

	if _, err := r.Get("unknown-chain"); err == nil {
		t.Fatal("expected error for unknown chain")
	}

	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "base-sepolia" || ids[1] != "base" {
		t.Errorf("IDs = %v", ids)
	}
}

func TestParseRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"empty":        `chains: []`,
		"missing id":   "chains:\n  - name: x\n    numeric_id: 1\n",
		"bad address":  "chains:\n  - id: c\n    numeric_id: 1\n    asset_address: nothex\n    domain_name: n\n    domain_version: \"1\"\n    facilitator_url: http://f\n",
		"zero chainid": "chains:\n  - id: c\n    numeric_id: 0\n    asset_address: \"0x036CbD53842c5426634e7929541eC2318f3dCF7e\"\n    domain_name: n\n    domain_version: \"1\"\n    facilitator_url: http://f\n",
		"duplicate": `
chains:
  - {id: c, numeric_id: 1, asset_address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", domain_name: n, domain_version: "1", facilitator_url: "http://f"}
  - {id: c, numeric_id: 2, asset_address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", domain_name: n, domain_version: "1", facilitator_url: "http://f"}
`,
	}
	for name, body := range cases {
		if _, err := Parse([]byte(body)); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}
