package main

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
	"github.com/rkmonarch/atomiq-mark-1/pkg/logging"
)

// holdInvoices is the part of the lnd client that resolves held payments.
type holdInvoices interface {
	SettleInvoice(ctx context.Context, preimage lntypes.Preimage) error
	CancelInvoice(ctx context.Context, hash lntypes.Hash) error
}

type swapLookup interface {
	GetStatus(id string) (*swap.Swap, error)
}

// invoiceSettler resolves the hold invoice of an incoming Lightning swap.
// Once the escrow is claimed the preimage is public, so the held payment
// is settled; a refunded or expired swap cancels it back to the payer.
type invoiceSettler struct {
	swaps    swapLookup
	node     holdInvoices
	attempts int
	backoff  time.Duration
	timeout  time.Duration
	log      *logging.Logger
}

func newInvoiceSettler(swaps swapLookup, node holdInvoices) *invoiceSettler {
	return &invoiceSettler{
		swaps:    swaps,
		node:     node,
		attempts: 5,
		backoff:  2 * time.Second,
		timeout:  30 * time.Second,
		log:      logging.GetDefault().Component("settler"),
	}
}

// handle is registered as a swap event handler.
func (s *invoiceSettler) handle(ev swap.SwapEvent) {
	switch ev.EventType {
	case swap.EventSwapClaimed, swap.EventSwapRefunded, swap.EventSwapExpired:
	default:
		return
	}

	sw, err := s.swaps.GetStatus(ev.SwapID)
	if err != nil {
		s.log.Warn("Failed to load swap", "swap_id", ev.SwapID, "error", err)
		return
	}
	if sw.Direction != swap.FromLightning || sw.PaymentRequest == "" {
		return
	}

	switch ev.EventType {
	case swap.EventSwapClaimed:
		if sw.Preimage == nil {
			s.log.Error("Claimed incoming swap has no preimage", "swap_id", sw.ID)
			return
		}
		preimage := *sw.Preimage
		s.retry(sw.ID, "settle", func(ctx context.Context) error {
			return s.node.SettleInvoice(ctx, preimage)
		})
	default:
		hash := sw.HashLock
		s.retry(sw.ID, "cancel", func(ctx context.Context) error {
			return s.node.CancelInvoice(ctx, hash)
		})
	}
}

func (s *invoiceSettler) retry(swapID, op string, fn func(ctx context.Context) error) {
	delay := s.backoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := fn(ctx)
		cancel()
		if err == nil {
			s.log.Info("Hold invoice resolved", "swap_id", swapID, "op", op)
			return
		}
		if attempt >= s.attempts {
			s.log.Error("Giving up on hold invoice", "swap_id", swapID, "op", op, "error", err)
			return
		}
		s.log.Warn("Hold invoice call failed, retrying", "swap_id", swapID, "op", op, "attempt", attempt, "error", err)
		time.Sleep(delay)
		delay *= 2
	}
}
