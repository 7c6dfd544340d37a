// Package chain holds the static per-chain metadata the payment core
// consumes: the settlement asset, its EIP-712 domain, and where to reach
// the chain. The registry is loaded once at startup and never mutated.
package chain

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/vaultline/payguard/internal/apperr"
)

// Chain describes one supported settlement network.
type Chain struct {
	// ID is the payguard-internal chain identifier, e.g. "base-sepolia".
	ID string `yaml:"id"`

	// Name is a human-readable label.
	Name string `yaml:"name"`

	// NumericID is the EIP-155 chain id used in the EIP-712 domain.
	NumericID int64 `yaml:"numeric_id"`

	// AssetAddress is the EIP-3009 token contract payments settle in.
	AssetAddress string `yaml:"asset_address"`

	// AssetDecimals converts atomic units to display amounts.
	AssetDecimals int32 `yaml:"asset_decimals"`

	// AssetSymbol is the token ticker shown in the agent surface.
	AssetSymbol string `yaml:"asset_symbol"`

	// DomainName and DomainVersion are the token's EIP-712 domain fields.
	DomainName    string `yaml:"domain_name"`
	DomainVersion string `yaml:"domain_version"`

	// RPCEndpoint is the JSON-RPC URL for this chain.
	RPCEndpoint string `yaml:"rpc_endpoint"`

	// FacilitatorURL is where signed authorizations are submitted for
	// settlement.
	FacilitatorURL string `yaml:"facilitator_url"`
}

// Registry is the immutable set of supported chains.
type Registry struct {
	chains map[string]*Chain
	order  []string
}

type registryFile struct {
	Chains []*Chain `yaml:"chains"`
}

// Load reads a registry from a YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain registry: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse chain registry: %w", err)
	}
	if len(f.Chains) == 0 {
		return nil, fmt.Errorf("chain registry contains no chains")
	}

	r := &Registry{chains: make(map[string]*Chain, len(f.Chains))}
	for _, c := range f.Chains {
		if err := validateChain(c); err != nil {
			return nil, err
		}
		if _, dup := r.chains[c.ID]; dup {
			return nil, fmt.Errorf("duplicate chain id %q in registry", c.ID)
		}
		r.chains[c.ID] = c
		r.order = append(r.order, c.ID)
	}
	return r, nil
}

func validateChain(c *Chain) error {
	if c.ID == "" {
		return fmt.Errorf("chain entry missing id")
	}
	if c.NumericID <= 0 {
		return fmt.Errorf("chain %s: numeric_id must be positive", c.ID)
	}
	if !common.IsHexAddress(c.AssetAddress) {
		return fmt.Errorf("chain %s: invalid asset_address %q", c.ID, c.AssetAddress)
	}
	if c.AssetDecimals < 0 || c.AssetDecimals > 36 {
		return fmt.Errorf("chain %s: asset_decimals out of range", c.ID)
	}
	if c.DomainName == "" || c.DomainVersion == "" {
		return fmt.Errorf("chain %s: domain_name and domain_version are required", c.ID)
	}
	if c.FacilitatorURL == "" {
		return fmt.Errorf("chain %s: facilitator_url is required", c.ID)
	}
	return nil
}

// Get returns the chain for id. Unknown ids are a validation error, since
// they always originate from caller input.
func (r *Registry) Get(id string) (*Chain, error) {
	c, ok := r.chains[id]
	if !ok {
		return nil, apperr.Validationf("unknown chain id %q", id)
	}
	return c, nil
}

// IDs returns chain ids in registry order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Asset returns the checksummed asset contract address for a chain.
func (c *Chain) Asset() common.Address {
	return common.HexToAddress(c.AssetAddress)
}
