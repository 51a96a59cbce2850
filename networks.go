package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// CAIP-2 network identifiers.
const (
	NetworkBase          = "eip155:8453"
	NetworkBaseSepolia   = "eip155:84532"
	NetworkEthereum      = "eip155:1"
	NetworkSepolia       = "eip155:11155111"
	NetworkPolygon       = "eip155:137"
	NetworkPolygonAmoy   = "eip155:80002"
	NetworkAvalanche     = "eip155:43114"
	NetworkAvalancheFuji = "eip155:43113"
)

// legacyNetworks maps V1 network names to CAIP-2.
var legacyNetworks = map[string]string{
	"base":           NetworkBase,
	"base-sepolia":   NetworkBaseSepolia,
	"ethereum":       NetworkEthereum,
	"sepolia":        NetworkSepolia,
	"polygon":        NetworkPolygon,
	"polygon-amoy":   NetworkPolygonAmoy,
	"avalanche":      NetworkAvalanche,
	"avalanche-fuji": NetworkAvalancheFuji,
}

// NormalizeNetwork converts legacy V1 network names to CAIP-2. CAIP-2
// identifiers and unknown names are returned unchanged.
func NormalizeNetwork(network string) string {
	if caip, ok := legacyNetworks[strings.ToLower(network)]; ok {
		return caip
	}
	return network
}

// SameNetwork reports whether two network identifiers name the same chain.
func SameNetwork(a, b string) bool {
	return NormalizeNetwork(a) == NormalizeNetwork(b)
}

// ChainID returns the EVM chain id of an eip155 network.
func ChainID(network string) (*big.Int, error) {
	network = NormalizeNetwork(network)
	namespace, reference, ok := strings.Cut(network, ":")
	if !ok || namespace == "" || reference == "" {
		return nil, fmt.Errorf("invalid CAIP-2 network %q", network)
	}
	if namespace != "eip155" {
		return nil, fmt.Errorf("network %q is not an eip155 chain", network)
	}
	id, ok := new(big.Int).SetString(reference, 10)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain id in %q", network)
	}
	return id, nil
}
