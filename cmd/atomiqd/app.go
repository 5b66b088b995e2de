package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/rkmonarch/atomiq-mark-1/internal/backend"
	"github.com/rkmonarch/atomiq-mark-1/internal/chainwatch"
	"github.com/rkmonarch/atomiq-mark-1/internal/config"
	"github.com/rkmonarch/atomiq-mark-1/internal/escrow"
	"github.com/rkmonarch/atomiq-mark-1/internal/intermediary"
	"github.com/rkmonarch/atomiq-mark-1/internal/lightning"
	"github.com/rkmonarch/atomiq-mark-1/internal/price"
	"github.com/rkmonarch/atomiq-mark-1/internal/storage"
	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
	"github.com/rkmonarch/atomiq-mark-1/internal/wallet"
	"github.com/rkmonarch/atomiq-mark-1/pkg/logging"
)

// app holds every wired component of a running swapper.
type app struct {
	cfg    *config.Config
	params *config.NetworkParams
	log    *logging.Logger

	store     *storage.Storage
	wallet    *wallet.Wallet // nil when a raw escrow key is used
	lightning *lightning.Client
	escrow    *escrow.Client
	swapper   *swap.Swapper
}

// newApp opens the database, connects to the chains and builds the swapper.
func newApp(ctx context.Context, v *viper.Viper, s *session) (*app, error) {
	cfg := s.cfg
	a := &app{
		cfg:    cfg,
		params: s.params,
		log:    s.log.Component("app"),
	}

	var err error
	a.store, err = storage.New(&storage.Config{DataDir: cfg.DataDir})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	if err := a.connect(ctx, v); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) connect(ctx context.Context, v *viper.Viper) error {
	cfg := a.cfg

	signer, err := a.signer(v)
	if err != nil {
		return err
	}

	a.lightning, err = lightning.New(lightning.Config{
		Host:         cfg.Lightning.Host,
		TLSCertPath:  cfg.ResolvePath(cfg.Lightning.TLSCertPath),
		MacaroonPath: cfg.ResolvePath(cfg.Lightning.MacaroonPath),
		Params:       a.params.Bitcoin,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to lnd: %w", err)
	}

	btc, err := backend.New(backend.Config{
		Type:    backend.Type(strings.ToLower(cfg.Bitcoin.Backend)),
		URL:     cfg.BitcoinBackendURL(),
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create bitcoin backend: %w", err)
	}
	watcherCfg := chainwatch.DefaultConfig()
	watcherCfg.PollInterval = cfg.Swap.PollInterval
	chain := chainwatch.New(btc, a.params.Bitcoin, watcherCfg)

	tokens := cfg.TokenList()
	tokenIDs := make([]string, 0, len(tokens))
	priceTokens := make([]price.Token, 0, len(tokens))
	escrowTokens := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		tokenIDs = append(tokenIDs, tok.ID)
		priceTokens = append(priceTokens, price.Token{ID: tok.ID, PriceID: tok.PriceID, Decimals: int32(tok.Decimals)})
		escrowTokens[tok.ID] = tok.Address
	}

	oracle := price.New(price.Config{
		URL:      cfg.Price.URL,
		APIKey:   v.GetString(keyCoinGeckoKey),
		CacheTTL: cfg.Price.CacheTTL,
		Tokens:   priceTokens,
	})

	lp, err := intermediary.New(intermediary.Config{
		URL:     cfg.Intermediary.URL,
		Timeout: cfg.Intermediary.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create intermediary client: %w", err)
	}

	a.escrow, err = escrow.Dial(ctx, &escrow.Config{
		RPCURL:   cfg.Escrow.RPCURL,
		Contract: cfg.Escrow.Contract,
		ChainID:  cfg.Escrow.ChainID,
		Tokens:   escrowTokens,
		Signer:   signer,
		GasLimit: cfg.Escrow.GasLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to escrow chain: %w", err)
	}

	quotes, err := swap.NewQuoteEngine(&swap.QuoteConfig{
		Oracle:        oracle,
		Intermediary:  lp,
		Lightning:     a.lightning,
		Network:       a.params.Bitcoin,
		Tokens:        tokenIDs,
		TolerancePPM:  cfg.Quote.TolerancePPM,
		TTL:           cfg.Quote.TTL,
		Confirmations: cfg.Swap.Confirmations,
	})
	if err != nil {
		return err
	}

	a.swapper, err = swap.NewSwapper(&swap.Config{
		Quotes:             quotes,
		Escrow:             a.escrow,
		Watcher:            swap.NewPaymentWatcher(a.lightning, chain),
		Lightning:          a.lightning,
		Store:              a.store,
		EscrowRetries:      cfg.Swap.EscrowRetries,
		RetryBackoff:       cfg.Swap.RetryBackoff,
		ClaimMargin:        cfg.Swap.ClaimMargin,
		EscrowPollInterval: cfg.Swap.PollInterval,
	})
	if err != nil {
		return err
	}

	a.swapper.OnEvent(newInvoiceSettler(a.swapper, a.lightning).handle)

	a.log.Info("Swapper ready",
		"network", cfg.Network,
		"escrow", cfg.Escrow.Contract,
		"chain_id", a.escrow.ChainID(),
		"signer", signer.Address().Hex(),
		"tokens", strings.Join(tokenIDs, ","))
	return nil
}

// signer returns the escrow signing key: ATOMIQ_ESCROW_KEY when set,
// otherwise the account key of the encrypted wallet.
func (a *app) signer(v *viper.Viper) (*escrow.KeySigner, error) {
	if hexKey := v.GetString(keyEscrowKey); hexKey != "" {
		a.log.Warn("Using raw escrow key from environment")
		return escrow.ParseKeySigner(hexKey)
	}

	w, err := unlockWallet(v, a.cfg, a.params)
	if err != nil {
		return nil, err
	}
	a.wallet = w

	key, err := w.EVMKey(a.cfg.Escrow.AccountIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to derive escrow key: %w", err)
	}
	return escrow.NewKeySigner(key), nil
}

func unlockWallet(v *viper.Viper, cfg *config.Config, params *config.NetworkParams) (*wallet.Wallet, error) {
	path := cfg.ResolvePath(cfg.Escrow.KeyFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no key file at %s, run 'atomiqd wallet init' first", path)
	}

	password := v.GetString(keyWalletPassword)
	if password == "" {
		var err error
		password, err = readPassword("Wallet password: ")
		if err != nil {
			return nil, err
		}
	}

	w, err := wallet.Unlock(path, password, v.GetString(keyWalletPassphrase), params.Bitcoin)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock wallet: %w", err)
	}
	return w, nil
}

// readPassword prompts on stderr and reads a line from the terminal
// without echo.
func readPassword(prompt string) (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("no terminal to read the password from, set %s_WALLET_PASSWORD", envPrefix)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

// Close stops the swapper and releases connections in reverse order.
func (a *app) Close() {
	if a.swapper != nil {
		a.swapper.Close()
	}
	if a.escrow != nil {
		a.escrow.Close()
	}
	if a.lightning != nil {
		if err := a.lightning.Close(); err != nil {
			a.log.Warn("Failed to close lnd connection", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("Failed to close storage", "error", err)
		}
	}
}
