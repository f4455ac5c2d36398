package x402

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
)

// ErrUnknownNetwork is returned for a network name with no chain id.
var ErrUnknownNetwork = errors.New("x402: unknown network")

// Network describes an EVM network the protocol can settle on.
type Network struct {
	Name    string
	ChainID int64
	// USDC is the canonical USDC contract, empty when unknown.
	USDC string
	// TokenName and TokenVersion are the EIP-712 domain of that contract.
	TokenName    string
	TokenVersion string
}

// networks is read-only after package init.
var networks = map[string]Network{
	"base":           {Name: "base", ChainID: 8453, USDC: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", TokenName: "USD Coin", TokenVersion: "2"},
	"base-sepolia":   {Name: "base-sepolia", ChainID: 84532, USDC: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", TokenName: "USDC", TokenVersion: "2"},
	"ethereum":       {Name: "ethereum", ChainID: 1, USDC: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", TokenName: "USD Coin", TokenVersion: "2"},
	"sepolia":        {Name: "sepolia", ChainID: 11155111, USDC: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", TokenName: "USDC", TokenVersion: "2"},
	"avalanche":      {Name: "avalanche", ChainID: 43114, USDC: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", TokenName: "USD Coin", TokenVersion: "2"},
	"avalanche-fuji": {Name: "avalanche-fuji", ChainID: 43113, USDC: "0x5425890298aed601595a70AB815c96711a31Bc65", TokenName: "USD Coin", TokenVersion: "2"},
}

// LookupNetwork returns the network known under name.
func LookupNetwork(name string) (Network, bool) {
	n, ok := networks[name]
	return n, ok
}

// ChainID resolves a network name to its EIP-155 chain id.
func ChainID(name string) (*big.Int, error) {
	n, ok := LookupNetwork(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}
	return big.NewInt(n.ChainID), nil
}

// Networks lists known network names in sorted order.
func Networks() []string {
	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
