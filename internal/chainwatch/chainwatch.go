// Package chainwatch reports Bitcoin payments to swap addresses by polling
// a chain backend.
package chainwatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/rkmonarch/atomiq-mark-1/internal/backend"
	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
	"github.com/rkmonarch/atomiq-mark-1/pkg/logging"
)

// ErrTooManyFailures is returned on the error channel when the backend keeps
// failing.
var ErrTooManyFailures = errors.New("chain backend failed repeatedly")

// Config configures the watcher behavior.
type Config struct {
	PollInterval time.Duration // How often to query the backend
	MaxFailures  int           // Consecutive poll failures before giving up
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		MaxFailures:  20,
	}
}

// Watcher implements swap.BitcoinChainWatcher over a backend.
type Watcher struct {
	backend backend.Backend
	params  *chaincfg.Params
	config  Config
	log     *logging.Logger
}

var _ swap.BitcoinChainWatcher = (*Watcher)(nil)

// New creates a watcher for addresses on the network in params.
func New(b backend.Backend, params *chaincfg.Params, cfg Config) *Watcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	return &Watcher{
		backend: b,
		params:  params,
		config:  cfg,
		log:     logging.GetDefault().Component("chainwatch"),
	}
}

// WatchAddress polls for transactions paying at least minAmount sats to
// address. An event is sent when such a transaction first appears and each
// time its depth changes. Both channels close when ctx ends or after an
// error is sent.
func (w *Watcher) WatchAddress(ctx context.Context, address string, minAmount int64) (<-chan swap.ConfirmationEvent, <-chan error, error) {
	addr, err := btcutil.DecodeAddress(address, w.params)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid address %s: %w", address, err)
	}
	if !addr.IsForNet(w.params) {
		return nil, nil, fmt.Errorf("address %s is not for %s", address, w.params.Name)
	}

	events := make(chan swap.ConfirmationEvent, 8)
	errc := make(chan error, 1)

	go w.run(ctx, addr.EncodeAddress(), minAmount, events, errc)

	w.log.Debug("Watching address", "address", address, "min_amount", minAmount)
	return events, errc, nil
}

// run is the polling loop for one address.
func (w *Watcher) run(ctx context.Context, address string, minAmount int64, events chan<- swap.ConfirmationEvent, errc chan<- error) {
	defer close(events)
	defer close(errc)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	reported := make(map[string]uint32)
	failures := 0

	for {
		found, err := w.poll(ctx, address, minAmount)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			failures++
			w.log.Warn("Chain poll failed", "address", address, "attempt", failures, "error", err)
			if failures >= w.config.MaxFailures {
				errc <- fmt.Errorf("%w: %v", ErrTooManyFailures, err)
				return
			}
		default:
			failures = 0
			for _, ev := range found {
				if last, ok := reported[ev.TxID]; ok && last == ev.Confirmations {
					continue
				}
				reported[ev.TxID] = ev.Confirmations
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll returns the qualifying transactions currently paying address.
func (w *Watcher) poll(ctx context.Context, address string, minAmount int64) ([]swap.ConfirmationEvent, error) {
	txs, err := w.backend.GetAddressTxs(ctx, address)
	if err != nil {
		if errors.Is(err, backend.ErrAddressNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}

	var tip int64
	for _, tx := range txs {
		if tx.Confirmed {
			tip, err = w.backend.GetBlockHeight(ctx)
			if err != nil {
				return nil, fmt.Errorf("get block height: %w", err)
			}
			break
		}
	}

	var found []swap.ConfirmationEvent
	// Oldest first, so the first payment is reported first.
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		paid := tx.PaidTo(address)
		if paid == 0 || int64(paid) < minAmount {
			continue
		}
		found = append(found, swap.ConfirmationEvent{
			TxID:          tx.TxID,
			Amount:        int64(paid),
			Confirmations: tx.Confirmations(tip),
		})
	}
	return found, nil
}
