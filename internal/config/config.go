// Package config holds the swap daemon configuration and its network presets.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Config holds all configuration for the swap daemon. It is passed
// explicitly to every component; there is no process-wide instance.
type Config struct {
	// Network selects mainnet or testnet presets.
	Network NetworkType `yaml:"network"`

	// DataDir holds the database, key file and logs.
	DataDir string `yaml:"data_dir"`

	Logging      LoggingConfig      `yaml:"logging"`
	Quote        QuoteConfig        `yaml:"quote"`
	Swap         SwapConfig         `yaml:"swap"`
	Escrow       EscrowConfig       `yaml:"escrow"`
	Lightning    LightningConfig    `yaml:"lightning"`
	Bitcoin      BitcoinConfig      `yaml:"bitcoin"`
	Price        PriceConfig        `yaml:"price"`
	Intermediary IntermediaryConfig `yaml:"intermediary"`
	RPC          RPCConfig          `yaml:"rpc"`

	// Tokens lists the swappable tokens. Empty means the network defaults.
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// QuoteConfig controls quote validation.
type QuoteConfig struct {
	// TolerancePPM is the maximum deviation of an intermediary's rate from
	// the reference price, in parts per million (2500 = 0.25%).
	TolerancePPM uint32 `yaml:"tolerance_ppm"`

	// TTL caps how long a quote stays committable.
	TTL time.Duration `yaml:"ttl"`
}

// SwapConfig controls the swap lifecycle.
type SwapConfig struct {
	// Confirmations is the default on-chain confirmation target.
	Confirmations uint32 `yaml:"confirmations"`

	// PollInterval is how often the chain watcher polls the backend.
	PollInterval time.Duration `yaml:"poll_interval"`

	// EscrowRetries is how many times a transient escrow error is retried.
	EscrowRetries int `yaml:"escrow_retries"`

	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// SweepInterval is how often expired swaps are checked and refunded.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Retention is how long terminal swaps are kept before deletion (0 keeps forever).
	Retention time.Duration `yaml:"retention"`

	// ClaimMargin is how long before the escrow timeout a payment stops
	// being claimed; later payments are left to the refund.
	ClaimMargin time.Duration `yaml:"claim_margin"`
}

// EscrowConfig configures the smart-contract chain connection.
type EscrowConfig struct {
	RPCURL   string `yaml:"rpc_url"`
	ChainID  uint64 `yaml:"chain_id"`
	Contract string `yaml:"contract"`

	// KeyFile is an encrypted mnemonic, relative to DataDir.
	KeyFile string `yaml:"key_file"`

	// AccountIndex selects m/44'/60'/0'/0/<index>.
	AccountIndex uint32 `yaml:"account_index"`

	// GasLimit overrides gas estimation when non-zero.
	GasLimit uint64 `yaml:"gas_limit"`
}

// LightningConfig configures the LND connection.
type LightningConfig struct {
	Host         string `yaml:"host"`
	TLSCertPath  string `yaml:"tls_cert_path"`
	MacaroonPath string `yaml:"macaroon_path"`
}

// BitcoinConfig configures the on-chain data backend.
type BitcoinConfig struct {
	// Backend is "mempool" or "esplora".
	Backend string `yaml:"backend"`

	// URL overrides the network default.
	URL string `yaml:"url,omitempty"`
}

// PriceConfig configures the reference price oracle.
type PriceConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// IntermediaryConfig configures the counterparty quote service.
type IntermediaryConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RPCConfig configures the JSON-RPC and websocket listener.
type RPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults for the given network.
func DefaultConfig(network NetworkType) *Config {
	params := Params(network)

	return &Config{
		Network: params.Name,
		DataDir: "~/.atomiq",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Quote: QuoteConfig{
			TolerancePPM: 2500,
			TTL:          30 * time.Second,
		},
		Swap: SwapConfig{
			Confirmations: params.Confirmations,
			PollInterval:  15 * time.Second,
			EscrowRetries: 3,
			RetryBackoff:  2 * time.Second,
			SweepInterval: time.Minute,
			Retention:     30 * 24 * time.Hour,
			ClaimMargin:   10 * time.Minute,
		},
		Escrow: EscrowConfig{
			RPCURL:   params.EscrowRPCURL,
			ChainID:  params.EscrowChainID,
			Contract: params.EscrowContract,
			KeyFile:  "escrow.key",
		},
		Lightning: LightningConfig{
			Host: "localhost:10009",
		},
		Bitcoin: BitcoinConfig{
			Backend: "mempool",
		},
		Price: PriceConfig{
			URL:      "https://api.coingecko.com/api/v3",
			CacheTTL: 30 * time.Second,
		},
		Intermediary: IntermediaryConfig{
			URL:     params.IntermediaryURL,
			Timeout: 15 * time.Second,
		},
		RPC: RPCConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9736",
		},
	}
}

// Validate checks the configuration for values the swap engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Network != Mainnet && c.Network != Testnet {
		errs = append(errs, fmt.Errorf("unknown network %q", c.Network))
	}
	if c.Quote.TolerancePPM == 0 || c.Quote.TolerancePPM >= 1_000_000 {
		errs = append(errs, fmt.Errorf("quote.tolerance_ppm must be in (0, 1000000), got %d", c.Quote.TolerancePPM))
	}
	if c.Quote.TTL <= 0 {
		errs = append(errs, errors.New("quote.ttl must be positive"))
	}
	if c.Swap.Confirmations == 0 {
		errs = append(errs, errors.New("swap.confirmations must be at least 1"))
	}
	if c.Swap.PollInterval <= 0 {
		errs = append(errs, errors.New("swap.poll_interval must be positive"))
	}
	if c.Swap.EscrowRetries < 0 {
		errs = append(errs, errors.New("swap.escrow_retries cannot be negative"))
	}
	if c.Swap.ClaimMargin < 0 {
		errs = append(errs, errors.New("swap.claim_margin cannot be negative"))
	}
	switch strings.ToLower(c.Bitcoin.Backend) {
	case "mempool", "esplora":
	default:
		errs = append(errs, fmt.Errorf("unknown bitcoin backend %q", c.Bitcoin.Backend))
	}
	for _, tok := range c.Tokens {
		if tok.ID == "" {
			errs = append(errs, errors.New("token entry without id"))
		}
	}

	return errors.Join(errs...)
}

// BitcoinBackendURL returns the configured backend URL or the network default.
func (c *Config) BitcoinBackendURL() string {
	if c.Bitcoin.URL != "" {
		return c.Bitcoin.URL
	}
	params := Params(c.Network)
	if strings.EqualFold(c.Bitcoin.Backend, "esplora") {
		return params.EsploraURL
	}
	return params.MempoolURL
}

// TokenList returns the configured tokens or the network defaults.
func (c *Config) TokenList() []TokenConfig {
	if len(c.Tokens) > 0 {
		return c.Tokens
	}
	return Params(c.Network).Tokens
}

// Token looks up a token by id (case-insensitive).
func (c *Config) Token(id string) (TokenConfig, bool) {
	for _, tok := range c.TokenList() {
		if strings.EqualFold(tok.ID, id) {
			return tok, true
		}
	}
	return TokenConfig{}, false
}

// ResolvePath expands ~ and makes relative paths relative to DataDir.
func (c *Config) ResolvePath(path string) string {
	if path == "" {
		return ""
	}
	path = ExpandPath(path)
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ExpandPath(c.DataDir), path)
}

// LoadConfig loads configuration from a YAML file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string, network NetworkType) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig(network)
		cfg.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig(network)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# atomiq swap daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
