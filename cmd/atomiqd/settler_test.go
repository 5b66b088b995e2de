package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
)

type fakeNode struct {
	mu       sync.Mutex
	failures int
	settled  []lntypes.Preimage
	canceled []lntypes.Hash
	calls    int
}

func (f *fakeNode) fail() error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("lnd unavailable")
	}
	return nil
}

func (f *fakeNode) SettleInvoice(ctx context.Context, preimage lntypes.Preimage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.settled = append(f.settled, preimage)
	return nil
}

func (f *fakeNode) CancelInvoice(ctx context.Context, hash lntypes.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.canceled = append(f.canceled, hash)
	return nil
}

type fakeLookup map[string]*swap.Swap

func (f fakeLookup) GetStatus(id string) (*swap.Swap, error) {
	sw, ok := f[id]
	if !ok {
		return nil, swap.ErrSwapNotFound
	}
	return sw, nil
}

func incomingSwap(id string, d swap.Direction) (*swap.Swap, lntypes.Preimage) {
	preimage := lntypes.Preimage{1, 2, 3}
	return &swap.Swap{
		ID:             id,
		Direction:      d,
		HashLock:       preimage.Hash(),
		Preimage:       &preimage,
		PaymentRequest: "lnbc1...",
	}, preimage
}

func newTestSettler(swaps swapLookup, node holdInvoices) *invoiceSettler {
	s := newInvoiceSettler(swaps, node)
	s.attempts = 3
	s.backoff = time.Millisecond
	return s
}

func TestSettlerSettlesClaimedIncoming(t *testing.T) {
	sw, preimage := incomingSwap("s1", swap.FromLightning)
	node := &fakeNode{failures: 1}
	s := newTestSettler(fakeLookup{"s1": sw}, node)

	s.handle(swap.SwapEvent{SwapID: "s1", EventType: swap.EventSwapClaimed})

	if len(node.settled) != 1 || node.settled[0] != preimage {
		t.Fatalf("settled = %v, want [%v]", node.settled, preimage)
	}
	if node.calls != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", node.calls)
	}
}

func TestSettlerCancelsRefunded(t *testing.T) {
	for _, event := range []string{swap.EventSwapRefunded, swap.EventSwapExpired} {
		sw, _ := incomingSwap("s1", swap.FromLightning)
		node := &fakeNode{}
		s := newTestSettler(fakeLookup{"s1": sw}, node)

		s.handle(swap.SwapEvent{SwapID: "s1", EventType: event})

		if len(node.canceled) != 1 || node.canceled[0] != sw.HashLock {
			t.Errorf("%s: canceled = %v, want [%v]", event, node.canceled, sw.HashLock)
		}
		if len(node.settled) != 0 {
			t.Errorf("%s: settled = %v, want none", event, node.settled)
		}
	}
}

func TestSettlerIgnoresOtherSwaps(t *testing.T) {
	tests := []struct {
		name      string
		direction swap.Direction
		event     string
		noInvoice bool
	}{
		{"outgoing lightning", swap.ToLightning, swap.EventSwapClaimed, false},
		{"on-chain", swap.FromOnchain, swap.EventSwapClaimed, false},
		{"not resolving event", swap.FromLightning, swap.EventPaymentDetected, false},
		{"invoice never created", swap.FromLightning, swap.EventSwapRefunded, true},
		{"unknown swap", swap.FromLightning, swap.EventSwapClaimed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw, _ := incomingSwap("s1", tt.direction)
			if tt.noInvoice {
				sw.PaymentRequest = ""
			}
			lookup := fakeLookup{"s1": sw}
			id := "s1"
			if tt.name == "unknown swap" {
				id = "missing"
			}
			node := &fakeNode{}
			s := newTestSettler(lookup, node)

			s.handle(swap.SwapEvent{SwapID: id, EventType: tt.event})

			if node.calls != 0 {
				t.Errorf("node called %d times, want 0", node.calls)
			}
		})
	}
}

func TestSettlerGivesUp(t *testing.T) {
	sw, _ := incomingSwap("s1", swap.FromLightning)
	node := &fakeNode{failures: 10}
	s := newTestSettler(fakeLookup{"s1": sw}, node)

	s.handle(swap.SwapEvent{SwapID: "s1", EventType: swap.EventSwapClaimed})

	if node.calls != 3 {
		t.Errorf("calls = %d, want 3", node.calls)
	}
	if len(node.settled) != 0 {
		t.Errorf("settled = %v, want none", node.settled)
	}
}
