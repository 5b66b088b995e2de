// Package swap - Error taxonomy.
package swap

import (
	"context"
	"errors"
	"fmt"
)

// Quote errors.
var (
	ErrPriceUnavailable  = errors.New("reference price unavailable")
	ErrToleranceExceeded = errors.New("offered price outside tolerance")
	ErrInvalidIntent     = errors.New("invalid swap intent")
	ErrInvalidOffer      = errors.New("invalid offer from intermediary")
	ErrQuoteExpired      = errors.New("quote expired")
)

// Escrow errors. Escrow adapters wrap these so the swapper can classify
// failures without knowing the chain.
var (
	ErrEscrowRejected    = errors.New("escrow rejected the transaction")
	ErrInsufficientFunds = errors.New("insufficient funds for escrow")
	ErrAlreadyClaimed    = errors.New("escrow already claimed")
	ErrAlreadyRefunded   = errors.New("escrow already refunded")
	ErrEscrowNotFound    = errors.New("escrow not found")
)

// Lifecycle errors.
var (
	ErrInvalidState  = errors.New("invalid swap state")
	ErrNotRefundable = errors.New("swap is not refundable")
	ErrSwapNotFound  = errors.New("swap not found")
	ErrSwapBusy      = errors.New("swap has an operation in progress")
	ErrNoProof       = errors.New("no payment proof recorded")
	ErrClosed        = errors.New("swapper closed")
	ErrLockInDoubt   = errors.New("escrow lock outcome unknown")
)

// Kind classifies swap errors for callers.
type Kind string

const (
	KindQuote          Kind = "quote"
	KindCommit         Kind = "commit"
	KindWatcher        Kind = "watcher"
	KindClaimRaceLoss  Kind = "claim_race_loss"
	KindTerminalEscrow Kind = "terminal_escrow"
	KindRefund         Kind = "refund"
	KindClaim          Kind = "claim"
	KindStore          Kind = "store"
)

// Error wraps a failure with the swap it happened to.
type Error struct {
	Kind   Kind
	SwapID string
	State  State
	Op     string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.SwapID != "" {
		msg += fmt.Sprintf(" (swap %s", e.SwapID)
		if e.State != "" {
			msg += ", state " + string(e.State)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, s *Swap, err error) *Error {
	e := &Error{Kind: kind, Op: op, Err: err}
	if s != nil {
		e.SwapID = s.ID
		e.State = s.State
	}
	return e
}

// wrapError attaches swap context to err unless it already carries it.
func wrapError(kind Kind, op string, s *Swap, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(kind, op, s, err)
}

// KindOf returns the kind of a swap error, or "" if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsClaimRaceLoss reports whether someone else claimed the escrow first.
// The funds still reached the intended recipient.
func IsClaimRaceLoss(err error) bool {
	return KindOf(err) == KindClaimRaceLoss
}

// IsRetryable reports whether retrying the failed operation may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindQuote, KindTerminalEscrow, KindClaimRaceLoss:
		return false
	case KindWatcher, KindStore:
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		return isTransient(e.Err)
	}
	return isTransient(err)
}

// isTransient reports whether an escrow or collaborator error may go away
// on retry. Known sentinels are permanent.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, permanent := range []error{
		ErrEscrowRejected,
		ErrInsufficientFunds,
		ErrAlreadyClaimed,
		ErrAlreadyRefunded,
		ErrEscrowNotFound,
		ErrInvalidState,
		ErrNotRefundable,
		ErrQuoteExpired,
		ErrInvalidIntent,
		ErrInvalidOffer,
		ErrToleranceExceeded,
		ErrSwapNotFound,
		ErrSwapBusy,
		ErrNoProof,
		ErrClosed,
		ErrLockInDoubt,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	var e *Error
	return !errors.As(err, &e)
}

