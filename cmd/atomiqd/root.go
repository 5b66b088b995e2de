package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rkmonarch/atomiq-mark-1/internal/config"
	"github.com/rkmonarch/atomiq-mark-1/pkg/logging"
)

// Environment keys. Viper maps "wallet-password" to ATOMIQ_WALLET_PASSWORD.
const (
	envPrefix           = "ATOMIQ"
	keyWalletPassword   = "wallet-password"
	keyWalletPassphrase = "wallet-passphrase"
	keyEscrowKey        = "escrow-key"
	keyCoinGeckoKey     = "coingecko-key"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "atomiqd",
		Short: "Trustless swaps between EVM tokens and Bitcoin",
		Long: `atomiqd swaps ERC-20 tokens for Bitcoin and back without trusting the
counterparty. Funds are locked in a hash-time-locked escrow and released
only against proof of the Bitcoin or Lightning payment.

Secrets are read from the environment or a .env file:
  ATOMIQ_WALLET_PASSWORD   password of the encrypted key file
  ATOMIQ_ESCROW_KEY        raw hex signing key, used instead of the key file
  ATOMIQ_COINGECKO_KEY     CoinGecko API key for reference prices`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("data-dir", "~/.atomiq", "Data directory")
	flags.String("network", "mainnet", "Network (mainnet, testnet)")
	flags.String("log-level", "", "Log level override (debug, info, warn, error)")
	flags.String("log-format", "", "Log format override (text, json)")
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		newRunCmd(v),
		newSwapCmd(v),
		newStatusCmd(v),
		newListCmd(v),
		newWalletCmd(v),
	)
	return rootCmd
}

// bindFlags binds a subcommand's local flags right before it runs, so
// commands sharing a flag name don't overwrite each other's binding.
func bindFlags(v *viper.Viper) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return v.BindPFlags(cmd.Flags())
	}
}

// session is the loaded configuration plus what must be released on exit.
type session struct {
	cfg     *config.Config
	params  *config.NetworkParams
	log     *logging.Logger
	logFile io.Closer
}

func (s *session) Close() {
	if s.logFile != nil {
		s.logFile.Close()
	}
}

// loadSession resolves the data directory, loads or creates the config file
// and sets up the default logger.
func loadSession(v *viper.Viper) (*session, error) {
	network, ok := config.ParseNetwork(v.GetString("network"))
	if !ok {
		return nil, fmt.Errorf("unknown network %q", v.GetString("network"))
	}

	// Testnet keeps its own database and key file.
	dataDir := config.ExpandPath(v.GetString("data-dir"))
	if network == config.Testnet {
		dataDir = filepath.Join(dataDir, "testnet")
	}

	cfg, err := config.LoadConfig(dataDir, network)
	if err != nil {
		return nil, err
	}
	cfg.Network = network
	cfg.DataDir = dataDir

	if lvl := v.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if format := v.GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", config.ConfigPath(dataDir), err)
	}

	s := &session{cfg: cfg, params: config.Params(network)}

	var output io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		f, err := logging.OpenFile(cfg.ResolvePath(cfg.Logging.File))
		if err != nil {
			return nil, err
		}
		output = f
		s.logFile = f
	}

	s.log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.TimeOnly,
		Output:     output,
	})
	logging.SetDefault(s.log)

	return s, nil
}
