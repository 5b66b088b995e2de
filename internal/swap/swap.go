// Package swap implements the swap lifecycle: quoting, escrow commitment,
// payment observation, the claim race against watchtowers, and refunds.
package swap

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/rkmonarch/atomiq-mark-1/pkg/helpers"
)

// Direction is the swap direction relative to the escrow-chain token.
type Direction string

const (
	// ToLightning pays a Lightning invoice with tokens.
	ToLightning Direction = "to_lightning"
	// FromLightning receives tokens for a paid Lightning invoice.
	FromLightning Direction = "from_lightning"
	// ToOnchain sends BTC to an on-chain address for tokens.
	ToOnchain Direction = "to_onchain"
	// FromOnchain receives tokens for an on-chain BTC payment.
	FromOnchain Direction = "from_onchain"
)

// ParseDirection parses a direction name. Dashes and case are ignored.
func ParseDirection(s string) (Direction, error) {
	d := Direction(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !d.Valid() {
		return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidIntent, s)
	}
	return d, nil
}

// Valid reports whether d is one of the four directions.
func (d Direction) Valid() bool {
	switch d {
	case ToLightning, FromLightning, ToOnchain, FromOnchain:
		return true
	}
	return false
}

// Outgoing is true when the user spends tokens and receives BTC.
func (d Direction) Outgoing() bool {
	return d == ToLightning || d == ToOnchain
}

// Lightning is true for Lightning legs.
func (d Direction) Lightning() bool {
	return d == ToLightning || d == FromLightning
}

// String returns the direction name.
func (d Direction) String() string {
	return string(d)
}

// State represents the current state of a swap.
type State string

const (
	StateCreated         State = "created"
	StateCommitted       State = "committed"
	StatePaymentPending  State = "payment_pending"
	StatePaymentDetected State = "payment_detected"
	StateClaiming        State = "claiming"
	StateClaimed         State = "claimed"
	StateExpired         State = "expired"
	StateRefunded        State = "refunded"
	StateFailed          State = "failed"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// ClaimedBy identifies who released the escrow.
type ClaimedBy string

const (
	ClaimedBySelf         ClaimedBy = "self"
	ClaimedByWatchtower   ClaimedBy = "watchtower"
	ClaimedByCounterparty ClaimedBy = "counterparty"
)

// PaymentProof is the evidence that the counter-leg was paid.
type PaymentProof struct {
	Preimage            *lntypes.Preimage
	TxID                string
	Confirmations       uint32
	TargetConfirmations uint32

	// ClaimedOnChain is set when the counterparty's claim of the escrow
	// was observed in place of the payment itself.
	ClaimedOnChain bool
}

// Outcome describes how a swap ended.
type Outcome struct {
	ClaimTxID     string
	RefundTxID    string
	ClaimedBy     ClaimedBy
	SuccessAction *SuccessAction
	Reason        string
}

// Swap is a single swap attempt. Only the Swapper mutates it; everything
// handed to callers is a clone.
type Swap struct {
	ID        string
	Direction Direction
	Token     string
	Quote     Quote
	State     State

	HashLock lntypes.Hash
	Preimage *lntypes.Preimage // known locally for FromLightning
	Timeout  time.Time         // escrow refund time
	Escrow   *EscrowHandle

	// Committed is set once the escrow lock is confirmed.
	Committed bool

	// LockInDoubt marks a swap whose lock transaction may have been sent
	// without its outcome being known. Such swaps are kept until the
	// escrow is found refunded or missing after the timeout.
	LockInDoubt bool

	SecurityDeposit *big.Int
	ClaimerBounty   *big.Int

	// PaymentRequest is what the payer must pay: the invoice for
	// FromLightning, the swap address for FromOnchain.
	PaymentRequest string

	Proof   PaymentProof
	Outcome Outcome

	LastError string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// TransitionTo attempts to transition the swap to a new state.
func (s *Swap) TransitionTo(newState State) error {
	valid := map[State][]State{
		StateCreated:         {StateCommitted, StateFailed},
		StateCommitted:       {StatePaymentPending, StateExpired, StateFailed},
		StatePaymentPending:  {StatePaymentDetected, StateExpired, StateCommitted, StateFailed},
		StatePaymentDetected: {StateClaiming, StateFailed},
		StateClaiming:        {StateClaimed, StatePaymentDetected, StateFailed},
		StateExpired:         {StateRefunded, StateClaimed, StateFailed},
		StateFailed:          {StateRefunded, StateClaimed},
		StateClaimed:         {}, // Terminal state
		StateRefunded:        {}, // Terminal state
	}

	validTransitions, ok := valid[s.State]
	if !ok {
		return fmt.Errorf("%w: unknown current state %s", ErrInvalidState, s.State)
	}

	// A failure before the lock has no escrow to refund or claim.
	if s.State == StateFailed && !s.Committed && newState != StateFailed {
		return fmt.Errorf("%w: swap failed before commit, no escrow", ErrInvalidState)
	}

	for _, validState := range validTransitions {
		if validState == newState {
			s.State = newState
			return nil
		}
	}

	return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidState, s.State, newState)
}

// IsTerminal returns true if no further action is possible on the swap.
// A failure after commit is not terminal: the lock still has to be refunded.
func (s *Swap) IsTerminal() bool {
	switch s.State {
	case StateClaimed, StateRefunded:
		return true
	case StateFailed:
		return !s.Committed
	default:
		return false
	}
}

// Refundable reports whether Refund may be attempted from the current state.
func (s *Swap) Refundable() bool {
	return s.State == StateExpired || (s.State == StateFailed && s.Committed)
}

// TimedOut reports whether the escrow timeout has passed.
func (s *Swap) TimedOut(now time.Time) bool {
	return !s.Timeout.IsZero() && !now.Before(s.Timeout)
}

// RecordPayment folds a payment event into the proof. It returns whether the
// event changed anything and whether the payment now qualifies. Replayed or
// stale events change nothing.
func (s *Swap) RecordPayment(ev PaymentEvent) (changed, detected bool) {
	switch ev.Kind {
	case EventInvoiceSettled:
		if s.Proof.Preimage != nil || ev.Preimage == nil {
			return false, false
		}
		if !ev.Preimage.Matches(s.HashLock) {
			return false, false
		}
		p := *ev.Preimage
		s.Proof.Preimage = &p
		return true, true

	case EventEscrowClaimed:
		if s.Proof.ClaimedOnChain {
			return false, false
		}
		s.Proof.ClaimedOnChain = true
		return true, true

	case EventTxSeen:
		if s.Proof.TxID != "" || ev.TxID == "" {
			return false, false
		}
		s.Proof.TxID = ev.TxID
		s.Proof.TargetConfirmations = ev.TargetConfirmations
		return true, false

	case EventTxConfirmed:
		if ev.Confirmations <= s.Proof.Confirmations {
			return false, false
		}
		s.Proof.TxID = ev.TxID
		s.Proof.Confirmations = ev.Confirmations
		if ev.TargetConfirmations > 0 {
			s.Proof.TargetConfirmations = ev.TargetConfirmations
		}
		return true, s.Proof.Confirmations >= s.Proof.TargetConfirmations
	}

	return false, false
}

// HasProof reports whether a qualifying payment proof was recorded.
func (s *Swap) HasProof() bool {
	if s.Proof.ClaimedOnChain {
		return true
	}
	if s.Direction.Lightning() {
		return s.Proof.Preimage != nil
	}
	return s.Proof.TxID != "" && s.Proof.TargetConfirmations > 0 &&
		s.Proof.Confirmations >= s.Proof.TargetConfirmations
}

// QRData returns a payable URI for the payment request of incoming swaps.
func (s *Swap) QRData() string {
	switch {
	case s.PaymentRequest == "":
		return ""
	case s.Direction == FromLightning:
		return "lightning:" + strings.ToUpper(s.PaymentRequest)
	case s.Direction == FromOnchain:
		amount := s.Quote.InputAmount
		if amount == nil {
			return "bitcoin:" + s.PaymentRequest
		}
		return fmt.Sprintf("bitcoin:%s?amount=%s", s.PaymentRequest, helpers.FormatAmount(amount, helpers.BitcoinDecimals))
	default:
		return s.PaymentRequest
	}
}

// Clone returns a deep copy safe to hand to callers.
func (s *Swap) Clone() *Swap {
	c := *s
	c.Quote = s.Quote.clone()
	if s.Preimage != nil {
		p := *s.Preimage
		c.Preimage = &p
	}
	if s.Proof.Preimage != nil {
		p := *s.Proof.Preimage
		c.Proof.Preimage = &p
	}
	if s.Escrow != nil {
		h := *s.Escrow
		c.Escrow = &h
	}
	if s.Outcome.SuccessAction != nil {
		sa := *s.Outcome.SuccessAction
		c.Outcome.SuccessAction = &sa
	}
	c.SecurityDeposit = cloneInt(s.SecurityDeposit)
	c.ClaimerBounty = cloneInt(s.ClaimerBounty)
	return &c
}

func cloneInt(n *big.Int) *big.Int {
	if n == nil {
		return nil
	}
	return new(big.Int).Set(n)
}
