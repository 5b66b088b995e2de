package config

import (
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// NetworkType represents mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// ParseNetwork maps user input to a NetworkType. "devnet" and "signet"
// are accepted as aliases for testnet.
func ParseNetwork(s string) (NetworkType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mainnet", "main":
		return Mainnet, true
	case "testnet", "test", "devnet", "signet":
		return Testnet, true
	default:
		return "", false
	}
}

// TokenConfig describes a token on the escrow chain.
type TokenConfig struct {
	// ID is the symbol used in intents (e.g. "USDC").
	ID string `yaml:"id"`

	// Address is the ERC-20 contract; empty means the native coin.
	Address string `yaml:"address"`

	Decimals uint8 `yaml:"decimals"`

	// PriceID is the CoinGecko coin id used for reference prices.
	PriceID string `yaml:"price_id"`
}

// NetworkParams bundles everything that differs between mainnet and testnet.
type NetworkParams struct {
	Name    NetworkType
	Bitcoin *chaincfg.Params

	MempoolURL string
	EsploraURL string

	EscrowRPCURL   string
	EscrowChainID  uint64
	EscrowContract string

	IntermediaryURL string
	Confirmations   uint32

	Tokens []TokenConfig
}

var networkParams = map[NetworkType]*NetworkParams{
	Mainnet: {
		Name:            Mainnet,
		Bitcoin:         &chaincfg.MainNetParams,
		MempoolURL:      "https://mempool.space/api",
		EsploraURL:      "https://blockstream.info/api",
		EscrowRPCURL:    "https://eth.llamarpc.com",
		EscrowChainID:   1,
		IntermediaryURL: "https://lp.atomiq.exchange",
		Confirmations:   2,
		Tokens: []TokenConfig{
			{ID: "ETH", Decimals: 18, PriceID: "ethereum"},
			{ID: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6, PriceID: "usd-coin"},
			{ID: "USDT", Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6, PriceID: "tether"},
		},
	},
	Testnet: {
		Name:            Testnet,
		Bitcoin:         &chaincfg.TestNet3Params,
		MempoolURL:      "https://mempool.space/testnet/api",
		EsploraURL:      "https://blockstream.info/testnet/api",
		EscrowRPCURL:    "https://rpc.sepolia.org",
		EscrowChainID:   11155111,
		EscrowContract:  "0x628c677e7b8889e64564d3f381565a9e6656aade",
		IntermediaryURL: "https://lp-testnet.atomiq.exchange",
		Confirmations:   1,
		Tokens: []TokenConfig{
			{ID: "ETH", Decimals: 18, PriceID: "ethereum"},
		},
	},
}

// Params returns the presets for a network, falling back to mainnet.
func Params(network NetworkType) *NetworkParams {
	if p, ok := networkParams[network]; ok {
		return p
	}
	return networkParams[Mainnet]
}
