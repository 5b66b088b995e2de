// Package swap - Payment watcher: turns Lightning settlements and on-chain
// confirmations into payment events.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rkmonarch/atomiq-mark-1/pkg/logging"
)

const defaultEscrowPollInterval = 15 * time.Second

// ErrWatchClosed is reported when an observation stream ends before the
// payment qualified.
var ErrWatchClosed = errors.New("payment stream closed")

// PaymentWatcher observes the counter-leg payment of a swap.
//
// Outgoing legs are paid by the counterparty to someone else, so besides
// the destination address the watcher polls the escrow: a claim by the
// counterparty means it has paid.
type PaymentWatcher struct {
	lightning LightningGateway
	chain     BitcoinChainWatcher

	escrow       EscrowClient
	pollInterval time.Duration

	log *logging.Logger
}

// NewPaymentWatcher creates a watcher. Either collaborator may be nil when
// the corresponding legs are not used.
func NewPaymentWatcher(ln LightningGateway, chain BitcoinChainWatcher) *PaymentWatcher {
	return &PaymentWatcher{
		lightning: ln,
		chain:     chain,
		log:       logging.GetDefault().Component("watcher"),
	}
}

// attachEscrow sets the escrow polled for outgoing legs unless one is set.
func (w *PaymentWatcher) attachEscrow(escrow EscrowClient, interval time.Duration) {
	if w.escrow == nil {
		w.escrow = escrow
	}
	if interval > 0 {
		w.pollInterval = interval
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultEscrowPollInterval
	}
}

// Watch starts observing the payment for s. The events channel is closed
// once the payment qualifies or the context ends. At most one error is
// delivered on the error channel, after which both channels are closed.
func (w *PaymentWatcher) Watch(ctx context.Context, s *Swap) (<-chan PaymentEvent, <-chan error, error) {
	switch s.Direction {
	case FromLightning:
		return w.watchLightning(ctx, s)
	case ToLightning:
		// The recipient's invoice lives on someone else's node.
		return w.watchEscrowClaim(ctx, s)
	case ToOnchain:
		return w.watchPayout(ctx, s)
	default:
		return w.watchOnchain(ctx, s)
	}
}

func (w *PaymentWatcher) watchLightning(ctx context.Context, s *Swap) (<-chan PaymentEvent, <-chan error, error) {
	if w.lightning == nil {
		return nil, nil, errors.New("lightning gateway not configured")
	}

	inv := Invoice{PaymentHash: s.HashLock, PaymentRequest: s.PaymentRequest}

	settlements, upstreamErrs, err := w.lightning.WatchInvoice(ctx, inv)
	if err != nil {
		return nil, nil, fmt.Errorf("watch invoice: %w", err)
	}

	events := make(chan PaymentEvent, 1)
	errc := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errc)

		for {
			select {
			case <-ctx.Done():
				return

			case err, ok := <-upstreamErrs:
				if !ok {
					upstreamErrs = nil
					continue
				}
				errc <- err
				return

			case st, ok := <-settlements:
				if !ok {
					errc <- ErrWatchClosed
					return
				}
				preimage := st.Preimage
				if preimage == nil && s.Preimage != nil {
					preimage = s.Preimage
				}
				if preimage == nil || !preimage.Matches(s.HashLock) {
					w.log.Warn("Dropping settlement with mismatched preimage",
						"swap_id", s.ID,
						"hash_lock", s.HashLock.String())
					continue
				}

				p := *preimage
				ev := PaymentEvent{
					SwapID:   s.ID,
					Kind:     EventInvoiceSettled,
					Preimage: &p,
				}
				select {
				case events <- ev:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return events, errc, nil
}

func (w *PaymentWatcher) watchOnchain(ctx context.Context, s *Swap) (<-chan PaymentEvent, <-chan error, error) {
	if w.chain == nil {
		return nil, nil, errors.New("bitcoin chain watcher not configured")
	}

	var address string
	var amount *big.Int
	switch s.Direction {
	case FromOnchain:
		address, amount = s.Quote.PaymentTarget, s.Quote.InputAmount
	case ToOnchain:
		address, amount = s.Quote.Intent.Destination, s.Quote.CounterAmount
	}
	var minAmount int64
	if amount != nil {
		minAmount = amount.Int64()
	}
	target := s.Quote.Confirmations
	if target == 0 {
		target = 1
	}

	confs, upstreamErrs, err := w.chain.WatchAddress(ctx, address, minAmount)
	if err != nil {
		return nil, nil, fmt.Errorf("watch address %s: %w", address, err)
	}

	events := make(chan PaymentEvent, 8)
	errc := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errc)

		send := func(ev PaymentEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		seen := make(map[string]bool)
		best := make(map[string]uint32)

		for {
			select {
			case <-ctx.Done():
				return

			case err, ok := <-upstreamErrs:
				if !ok {
					upstreamErrs = nil
					continue
				}
				errc <- err
				return

			case c, ok := <-confs:
				if !ok {
					errc <- ErrWatchClosed
					return
				}
				if c.TxID == "" {
					continue
				}

				if !seen[c.TxID] {
					seen[c.TxID] = true
					if !send(PaymentEvent{
						SwapID:              s.ID,
						Kind:                EventTxSeen,
						TxID:                c.TxID,
						TargetConfirmations: target,
					}) {
						return
					}
				}

				// Depth going down is a reorg; only report progress.
				if c.Confirmations == 0 || c.Confirmations <= best[c.TxID] {
					continue
				}
				best[c.TxID] = c.Confirmations

				if !send(PaymentEvent{
					SwapID:              s.ID,
					Kind:                EventTxConfirmed,
					TxID:                c.TxID,
					Confirmations:       c.Confirmations,
					TargetConfirmations: target,
				}) {
					return
				}
				if c.Confirmations >= target {
					return
				}
			}
		}
	}()

	return events, errc, nil
}

// watchPayout follows the BTC payout of a ToOnchain swap and the escrow at
// the same time. Errors come from the chain stream only.
func (w *PaymentWatcher) watchPayout(ctx context.Context, s *Swap) (<-chan PaymentEvent, <-chan error, error) {
	chainEvents, chainErrs, err := w.watchOnchain(ctx, s)
	if err != nil {
		return nil, nil, err
	}
	if w.escrow == nil || s.Escrow == nil {
		return chainEvents, chainErrs, nil
	}
	claims, _, err := w.watchEscrowClaim(ctx, s)
	if err != nil {
		return nil, nil, err
	}

	events := make(chan PaymentEvent, 8)
	errc := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errc)

		for chainEvents != nil || claims != nil {
			var ev PaymentEvent
			var ok bool
			select {
			case <-ctx.Done():
				return

			case err, open := <-chainErrs:
				if !open {
					chainErrs = nil
					continue
				}
				errc <- err
				return

			case ev, ok = <-chainEvents:
				if !ok {
					chainEvents = nil
					continue
				}

			case ev, ok = <-claims:
				if !ok {
					claims = nil
					continue
				}
			}

			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, errc, nil
}

// watchEscrowClaim polls the escrow of an outgoing swap until the
// counterparty claims it. Failed polls are retried on the next tick; the
// error channel only closes.
func (w *PaymentWatcher) watchEscrowClaim(ctx context.Context, s *Swap) (<-chan PaymentEvent, <-chan error, error) {
	if w.escrow == nil {
		return nil, nil, errors.New("escrow client not configured")
	}
	if s.Escrow == nil {
		return nil, nil, fmt.Errorf("swap %s: %w", s.ID, ErrEscrowNotFound)
	}
	handle := *s.Escrow
	interval := w.pollInterval
	if interval <= 0 {
		interval = defaultEscrowPollInterval
	}

	events := make(chan PaymentEvent, 1)
	errc := make(chan error)

	go func() {
		defer close(events)
		defer close(errc)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			state, err := w.escrow.State(ctx, handle)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				w.log.Debug("Escrow poll failed", "swap_id", s.ID, "error", err)
			case state == EscrowClaimed:
				w.log.Info("Counterparty claimed escrow", "swap_id", s.ID, "escrow_id", handle.ID)
				select {
				case events <- PaymentEvent{SwapID: s.ID, Kind: EventEscrowClaimed}:
				case <-ctx.Done():
				}
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return events, errc, nil
}
