package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(Mainnet)

	if cfg.Network != Mainnet {
		t.Errorf("expected mainnet, got %s", cfg.Network)
	}
	if cfg.Quote.TolerancePPM != 2500 {
		t.Errorf("expected tolerance 2500 ppm, got %d", cfg.Quote.TolerancePPM)
	}
	if cfg.Quote.TTL != 30*time.Second {
		t.Errorf("expected quote ttl 30s, got %v", cfg.Quote.TTL)
	}
	if cfg.Swap.Confirmations != 2 {
		t.Errorf("expected 2 confirmations on mainnet, got %d", cfg.Swap.Confirmations)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestTestnetDefaults(t *testing.T) {
	cfg := DefaultConfig(Testnet)

	if cfg.Escrow.ChainID != 11155111 {
		t.Errorf("expected sepolia chain id, got %d", cfg.Escrow.ChainID)
	}
	if cfg.Escrow.Contract == "" {
		t.Error("expected testnet escrow contract preset")
	}
	if got := cfg.BitcoinBackendURL(); got != "https://mempool.space/testnet/api" {
		t.Errorf("BitcoinBackendURL = %s", got)
	}
	cfg.Bitcoin.Backend = "esplora"
	if got := cfg.BitcoinBackendURL(); got != "https://blockstream.info/testnet/api" {
		t.Errorf("BitcoinBackendURL(esplora) = %s", got)
	}
}

func TestParseNetwork(t *testing.T) {
	tests := []struct {
		in   string
		want NetworkType
		ok   bool
	}{
		{"mainnet", Mainnet, true},
		{"", Mainnet, true},
		{"DEVNET", Testnet, true},
		{"testnet", Testnet, true},
		{"regtest", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseNetwork(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseNetwork(%q) = %s, %v; want %s, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{"zero tolerance", func(c *Config) { c.Quote.TolerancePPM = 0 }, "tolerance_ppm"},
		{"zero confirmations", func(c *Config) { c.Swap.Confirmations = 0 }, "confirmations"},
		{"negative claim margin", func(c *Config) { c.Swap.ClaimMargin = -time.Minute }, "claim_margin"},
		{"bad backend", func(c *Config) { c.Bitcoin.Backend = "electrum" }, "bitcoin backend"},
		{"bad network", func(c *Config) { c.Network = "regtest" }, "unknown network"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(Mainnet)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.substr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.substr)
			}
		})
	}
}

func TestTokenLookup(t *testing.T) {
	cfg := DefaultConfig(Mainnet)

	tok, ok := cfg.Token("usdc")
	if !ok {
		t.Fatal("expected USDC in mainnet defaults")
	}
	if tok.Decimals != 6 {
		t.Errorf("USDC decimals = %d", tok.Decimals)
	}

	cfg.Tokens = []TokenConfig{{ID: "WBTC", Decimals: 8, PriceID: "wrapped-bitcoin"}}
	if _, ok := cfg.Token("USDC"); ok {
		t.Error("explicit token list should replace defaults")
	}
	if _, ok := cfg.Token("wbtc"); !ok {
		t.Error("expected WBTC from explicit list")
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir, Testnet)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Network != Testnet {
		t.Errorf("expected testnet, got %s", cfg.Network)
	}

	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if !strings.HasPrefix(string(data), "# atomiq swap daemon configuration") {
		t.Error("config file missing header")
	}
}

func TestLoadConfigRoundtrip(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig(Mainnet)
	cfg.DataDir = dir
	cfg.Quote.TolerancePPM = 5000
	cfg.Swap.PollInterval = 3 * time.Second
	if err := cfg.Save(ConfigPath(dir)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadConfig(dir, Mainnet)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Quote.TolerancePPM != 5000 {
		t.Errorf("tolerance = %d, want 5000", loaded.Quote.TolerancePPM)
	}
	if loaded.Swap.PollInterval != 3*time.Second {
		t.Errorf("poll interval = %v, want 3s", loaded.Swap.PollInterval)
	}
}

func TestResolvePath(t *testing.T) {
	cfg := DefaultConfig(Mainnet)
	cfg.DataDir = "/var/lib/atomiq"

	if got := cfg.ResolvePath("escrow.key"); got != "/var/lib/atomiq/escrow.key" {
		t.Errorf("ResolvePath(relative) = %s", got)
	}
	if got := cfg.ResolvePath("/etc/key"); got != "/etc/key" {
		t.Errorf("ResolvePath(absolute) = %s", got)
	}
	if got := cfg.ResolvePath(""); got != "" {
		t.Errorf("ResolvePath(empty) = %s", got)
	}
}
