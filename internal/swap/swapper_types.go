// Package swap - Type definitions for the Swapper.
package swap

import (
	"context"
	"sync"
	"time"

	"github.com/rkmonarch/atomiq-mark-1/pkg/logging"
)

// Event types emitted by the Swapper.
const (
	EventSwapCommitted   = "swap_committed"
	EventPaymentProgress = "payment_progress"
	EventPaymentDetected = "payment_detected"
	EventSwapClaimed     = "swap_claimed"
	EventSwapExpired     = "swap_expired"
	EventSwapRefunded    = "swap_refunded"
	EventSwapFailed      = "swap_failed"
	EventSwapStuck       = "swap_stuck"
)

// SwapEvent represents an event that occurred during a swap.
type SwapEvent struct {
	SwapID    string
	EventType string
	State     State
	Data      interface{}
	Timestamp time.Time
}

// EventHandler is called when swap events occur.
type EventHandler func(event SwapEvent)

// activeSwap holds runtime data for a swap in the active set.
type activeSwap struct {
	// op serializes operations on this swap. Operations fail fast with
	// ErrSwapBusy instead of queueing.
	op sync.Mutex

	// mu guards swap for snapshot readers.
	mu   sync.RWMutex
	swap *Swap
}

func (a *activeSwap) snapshot() *Swap {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.swap.Clone()
}

// Swapper manages active swaps and drives them through their lifecycle.
type Swapper struct {
	mu sync.RWMutex

	// Dependencies
	quotes    *QuoteEngine
	escrow    EscrowClient
	watcher   *PaymentWatcher
	resolver  *ClaimRaceResolver
	lightning LightningGateway
	store     SwapStore

	// Retry policy for escrow operations
	retries    int
	backoff    time.Duration
	maxBackoff time.Duration

	invoiceExpiry time.Duration
	claimMargin   time.Duration

	// Active swaps (swap ID -> activeSwap)
	swaps map[string]*activeSwap
	// Committed quotes (quote ID -> swap ID)
	byQuote map[string]string

	// Event handlers
	eventHandlers []EventHandler

	now func() time.Time
	log *logging.Logger

	// Context for background drivers
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds configuration for the Swapper.
type Config struct {
	Quotes    *QuoteEngine
	Escrow    EscrowClient
	Watcher   *PaymentWatcher
	Lightning LightningGateway // creates invoices for FromLightning
	Store     SwapStore

	EscrowRetries   int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// InvoiceExpiry caps incoming invoice lifetimes. Zero uses the
	// escrow lock duration.
	InvoiceExpiry time.Duration

	// ClaimMargin is kept free before the escrow timeout: a payment seen
	// later is not claimed, since the counterparty may refund first.
	ClaimMargin time.Duration

	// EscrowPollInterval is how often outgoing swaps check whether the
	// counterparty claimed the escrow.
	EscrowPollInterval time.Duration
}

// ExecuteOptions customizes Execute.
type ExecuteOptions struct {
	// Approve is called with the quote before committing. A non-nil
	// error aborts the swap.
	Approve func(*Quote) error

	// OnCommitted is called once funds are locked. Incoming swaps should
	// show Swap.PaymentRequest or Swap.QRData() to the payer here.
	OnCommitted func(*Swap)

	OnProgress ProgressFunc
}

// Result is the outcome of Execute.
type Result struct {
	Swap          *Swap
	Paid          bool
	SuccessAction *SuccessAction
}
