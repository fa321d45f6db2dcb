package registry

import (
	"fmt"
	"strings"
)

// Canonical default EVM RPC endpoints by chain ID.
// These values are used whenever neither config nor flags override a chain.
var defaultRPCByChainID = map[int64]string{
	1:     "https://eth.llamarpc.com",
	10:    "https://mainnet.optimism.io",
	56:    "https://bsc-dataseed.binance.org",
	137:   "https://polygon-rpc.com",
	8453:  "https://mainnet.base.org",
	42161: "https://arb1.arbitrum.io/rpc",
	43114: "https://api.avax.network/ext/bc/C/rpc",
	59144: "https://rpc.linea.build",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

// ResolveRPCURL prefers an explicit override, then the per-chain overrides map, then defaults.
func ResolveRPCURL(override string, chainID int64, overrides ...map[int64]string) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	for _, m := range overrides {
		if v := strings.TrimSpace(m[chainID]); v != "" {
			return v, nil
		}
	}
	if value, ok := DefaultRPCURL(chainID); ok {
		return value, nil
	}
	return "", fmt.Errorf("no default rpc configured for chain id %d; set rpc.%d in config", chainID, chainID)
}
