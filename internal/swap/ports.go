// Package swap - Collaborator interfaces used by the swapper.
package swap

import (
	"context"
	"math/big"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/shopspring/decimal"

	"github.com/rkmonarch/atomiq-mark-1/internal/storage"
)

// =============================================================================
// Escrow
// =============================================================================

// EscrowState is the on-chain state of an escrow lock.
type EscrowState int

const (
	EscrowNotFound EscrowState = iota
	EscrowLocked
	EscrowClaimed
	EscrowRefunded
)

func (s EscrowState) String() string {
	switch s {
	case EscrowLocked:
		return "locked"
	case EscrowClaimed:
		return "claimed"
	case EscrowRefunded:
		return "refunded"
	default:
		return "not_found"
	}
}

// EscrowHandle identifies a lock on the escrow contract.
type EscrowHandle struct {
	ID       string
	TxID     string
	Contract string
}

// LockRequest carries everything needed to lock funds in escrow.
type LockRequest struct {
	Nonce        string
	Direction    Direction
	HashLock     lntypes.Hash
	Timeout      time.Time
	Amount       *big.Int
	Token        string
	Counterparty string

	SecurityDeposit *big.Int
	ClaimerBounty   *big.Int
	Authorization   []byte
}

// EscrowClient talks to the hash/time-locked escrow contract.
//
// Lock must be idempotent for a given nonce: a retried lock that already
// landed returns the existing handle. Errors should wrap ErrEscrowRejected,
// ErrInsufficientFunds, ErrAlreadyClaimed, ErrAlreadyRefunded or
// ErrEscrowNotFound where they apply; anything else is treated as transient.
//
// Locate derives the handle a lock request maps to without sending anything
// and reports the on-chain state of that escrow.
type EscrowClient interface {
	Lock(ctx context.Context, req LockRequest) (*EscrowHandle, error)
	Locate(ctx context.Context, req LockRequest) (*EscrowHandle, EscrowState, error)
	Claim(ctx context.Context, handle EscrowHandle, proof PaymentProof) (string, error)
	Refund(ctx context.Context, handle EscrowHandle) (string, error)
	State(ctx context.Context, handle EscrowHandle) (EscrowState, error)
}

// =============================================================================
// Pricing and counterparty
// =============================================================================

// PriceOracle returns reference prices in token base units per satoshi.
type PriceOracle interface {
	ReferenceRate(ctx context.Context, token string) (decimal.Decimal, error)
}

// OfferRequest asks the intermediary to price an intent.
type OfferRequest struct {
	Direction Direction
	Token     string
	Amount    *big.Int
	HashLock  *lntypes.Hash // set when the hash lock is fixed by an invoice
	Invoice   string
	Address   string
}

// Offer is the intermediary's answer. Amounts follow the quote unit rules:
// InputAmount and Fee are token base units for outgoing swaps, sats for
// incoming ones.
type Offer struct {
	ID            string
	InputAmount   *big.Int
	Fee           *big.Int
	CounterAmount *big.Int
	Expiry        time.Time

	HashLock     lntypes.Hash
	LockDuration time.Duration
	Counterparty string

	SwapAddress   string
	Confirmations uint32

	SecurityDeposit *big.Int
	ClaimerBounty   *big.Int
	Authorization   []byte
}

// Intermediary is the counterparty that prices and fulfils the Bitcoin leg.
type Intermediary interface {
	RequestOffer(ctx context.Context, req OfferRequest) (*Offer, error)
}

// =============================================================================
// Lightning
// =============================================================================

// Invoice is a decoded bolt11 invoice.
type Invoice struct {
	PaymentRequest string
	PaymentHash    lntypes.Hash
	AmountSat      int64
	Expiry         time.Time
	Description    string
}

// ResolvedInvoice is an invoice obtained from an LNURL-pay service.
type ResolvedInvoice struct {
	Invoice
	SuccessAction *SuccessAction
}

// InvoiceRequest asks the node for a hold invoice bound to a hash.
type InvoiceRequest struct {
	AmountSat   int64
	Memo        string
	PaymentHash lntypes.Hash
	Expiry      time.Duration
}

// SettlementEvent reports that an invoice was paid. Preimage is nil when
// the payment is only held (hold invoices) and the preimage is known locally.
type SettlementEvent struct {
	PaymentHash lntypes.Hash
	Preimage    *lntypes.Preimage
}

// LightningGateway covers the Lightning operations the swapper needs.
type LightningGateway interface {
	DecodeInvoice(paymentRequest string) (*Invoice, error)
	ResolveLNURL(ctx context.Context, target string, amountSat int64, comment string) (*ResolvedInvoice, error)
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
	WatchInvoice(ctx context.Context, inv Invoice) (<-chan SettlementEvent, <-chan error, error)
}

// =============================================================================
// Bitcoin
// =============================================================================

// ConfirmationEvent reports a transaction paying a watched address.
type ConfirmationEvent struct {
	TxID          string
	Amount        int64
	Confirmations uint32
}

// BitcoinChainWatcher reports payments to an address as their depth grows.
type BitcoinChainWatcher interface {
	WatchAddress(ctx context.Context, address string, minAmount int64) (<-chan ConfirmationEvent, <-chan error, error)
}

// =============================================================================
// Storage
// =============================================================================

// SwapStore persists swap snapshots.
type SwapStore interface {
	SaveSwap(record *storage.SwapRecord) error
	GetSwap(id string) (*storage.SwapRecord, error)
	ListActiveSwaps() ([]*storage.SwapRecord, error)
	DeleteSwap(id string) error
}

// HistoryStore is implemented by stores that keep a transition log.
type HistoryStore interface {
	AppendSwapEvent(ev *storage.SwapEventRecord) error
	ListSwapEvents(swapID string) ([]*storage.SwapEventRecord, error)
}

// Lister is implemented by stores that can list all swaps.
type Lister interface {
	ListSwaps(limit int, states ...string) ([]*storage.SwapRecord, error)
}

// Pruner is implemented by stores that can drop old completed swaps.
type Pruner interface {
	DeleteCompletedBefore(cutoff time.Time) (int64, error)
}
