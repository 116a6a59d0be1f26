package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Well-known EVM chain ids.
const (
	NetworkMainnet  = 1
	NetworkOptimism = 10
	NetworkBSC      = 56
	NetworkGnosis   = 100
	NetworkPolygon  = 137
	NetworkBase     = 8453
	NetworkArbitrum = 42161
	NetworkSepolia  = 11155111
)

var networkNames = map[int]string{
	NetworkMainnet:  "mainnet",
	NetworkOptimism: "optimism",
	NetworkBSC:      "bsc",
	NetworkGnosis:   "gnosis",
	NetworkPolygon:  "polygon",
	NetworkBase:     "base",
	NetworkArbitrum: "arbitrum",
	NetworkSepolia:  "sepolia",
}

// NetworkName returns a display name for a chain id.
func NetworkName(network int) string {
	if name, ok := networkNames[network]; ok {
		return name
	}
	return fmt.Sprintf("chain-%d", network)
}

// IsTestnet reports whether the chain id is a known test network.
func IsTestnet(network int) bool {
	return network == NetworkSepolia
}

// Validate checks the structural invariants a checkout needs.
// A config without locks is valid: it renders nothing.
func (c *PaywallConfig) Validate() error {
	if c.MaxRecipients > 0 && c.MinRecipients > c.MaxRecipients {
		return NewError(ErrInvalidConfig, "minRecipients (%d) exceeds maxRecipients (%d)", c.MinRecipients, c.MaxRecipients)
	}

	for _, e := range c.Locks.Entries() {
		if !common.IsHexAddress(e.Address) {
			return NewError(ErrInvalidConfig, "lock %q is not a valid address", e.Address)
		}
		if c.NetworkFor(e.Config) <= 0 {
			return NewError(ErrInvalidConfig, "lock %s has no network", e.Address)
		}
		if e.Config.MaxRecipients > 0 && e.Config.MinRecipients > e.Config.MaxRecipients {
			return NewError(ErrInvalidConfig, "lock %s: minRecipients (%d) exceeds maxRecipients (%d)",
				e.Address, e.Config.MinRecipients, e.Config.MaxRecipients)
		}
	}

	return nil
}
