// Package swap - Intents, quotes and payment events.
package swap

import (
	"math/big"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/shopspring/decimal"
)

// Units in which quote amounts are expressed.
const (
	UnitSats      = "sats"
	UnitBaseUnits = "base_units"
)

// Intent is what the user asked for. It is never modified after creation.
type Intent struct {
	Direction Direction
	Token     string

	// Amount is the Bitcoin leg in sats: what the destination receives on
	// outgoing swaps, what the payer sends on incoming ones.
	Amount *big.Int

	// Destination is a bolt11 invoice, an LNURL, a lightning address or a
	// BTC address. Incoming swaps leave it empty.
	Destination string

	// Comment is forwarded to LNURL-pay services that accept one.
	Comment string
}

// SuccessAction is the LNURL-pay success action shown after an outgoing
// Lightning payment completes.
type SuccessAction struct {
	Tag         string `json:"tag"`
	Description string `json:"description,omitempty"`
	Message     string `json:"message,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Quote is a priced offer for an intent.
//
// Outgoing quotes hold InputAmount == OutputAmount + Fee in token base
// units. Incoming quotes hold OutputAmount == requested - Fee in sats.
type Quote struct {
	ID     string
	Intent Intent

	InputAmount  *big.Int
	OutputAmount *big.Int
	Fee          *big.Int
	Unit         string

	// CounterAmount is the other leg: sats paid out for outgoing swaps,
	// token base units received for incoming swaps.
	CounterAmount *big.Int
	CounterUnit   string

	OfferedRate   decimal.Decimal // token base units per sat
	ReferenceRate decimal.Decimal
	DeviationPPM  int64

	Expiry time.Time

	HashLock     lntypes.Hash
	LockDuration time.Duration
	Counterparty string

	// PaymentTarget is the invoice being paid (ToLightning), the BTC
	// destination (ToOnchain) or the swap address to pay (FromOnchain).
	PaymentTarget string
	Confirmations uint32

	SecurityDeposit *big.Int
	ClaimerBounty   *big.Int

	SuccessAction *SuccessAction

	// Authorization is the intermediary's opaque signature over the offer,
	// forwarded to the escrow contract on lock.
	Authorization []byte
}

// Expired reports whether the quote can no longer be committed.
func (q *Quote) Expired(now time.Time) bool {
	return !now.Before(q.Expiry)
}

func (q Quote) clone() Quote {
	c := q
	c.Intent.Amount = cloneInt(q.Intent.Amount)
	c.InputAmount = cloneInt(q.InputAmount)
	c.OutputAmount = cloneInt(q.OutputAmount)
	c.Fee = cloneInt(q.Fee)
	c.CounterAmount = cloneInt(q.CounterAmount)
	c.SecurityDeposit = cloneInt(q.SecurityDeposit)
	c.ClaimerBounty = cloneInt(q.ClaimerBounty)
	if q.SuccessAction != nil {
		sa := *q.SuccessAction
		c.SuccessAction = &sa
	}
	if q.Authorization != nil {
		c.Authorization = append([]byte(nil), q.Authorization...)
	}
	return c
}

// PaymentEventKind identifies a payment observation.
type PaymentEventKind string

const (
	EventInvoiceSettled PaymentEventKind = "invoice_settled"
	EventTxSeen         PaymentEventKind = "tx_seen"
	EventTxConfirmed    PaymentEventKind = "tx_confirmed"

	// EventEscrowClaimed reports that the counterparty claimed the escrow
	// of an outgoing swap, which it can only do after paying out.
	EventEscrowClaimed PaymentEventKind = "escrow_claimed"
)

// PaymentEvent is an observation of the counter-leg payment.
type PaymentEvent struct {
	SwapID              string
	Kind                PaymentEventKind
	Preimage            *lntypes.Preimage
	TxID                string
	Confirmations       uint32
	TargetConfirmations uint32
}

// ProgressFunc receives every accepted payment event while waiting.
type ProgressFunc func(PaymentEvent)
