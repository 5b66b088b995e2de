// Package swap - Claim and refund of the escrow.
package swap

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Claim releases the escrow with the recorded payment proof. It is valid
// from PaymentDetected, and from Claiming when a previous attempt was
// interrupted. Losing the claim race to a watchtower or the counterparty is
// reported as success. A permanent rejection moves the swap to Failed and
// returns a KindTerminalEscrow error.
func (s *Swapper) Claim(ctx context.Context, id string) error {
	a, err := s.acquire(id, "claim")
	if err != nil {
		return err
	}
	defer a.op.Unlock()

	snap := a.snapshot()
	switch snap.State {
	case StateClaimed:
		return nil
	case StatePaymentDetected:
		if err := s.transition(a, StateClaiming, "claiming escrow"); err != nil {
			return wrapError(KindClaim, "claim", snap, err)
		}
	case StateClaiming:
	default:
		return newError(KindClaim, "claim", snap,
			fmt.Errorf("%w: cannot claim in state %s", ErrInvalidState, snap.State))
	}

	var outcome *ClaimOutcome
	err = s.withRetry(ctx, snap.ID, "claim", func() error {
		var err error
		outcome, err = s.resolver.Resolve(ctx, a.snapshot())
		return err
	})

	switch {
	case err == nil || IsClaimRaceLoss(err):
		if err != nil {
			s.log.Info("Escrow claimed by another party", "swap_id", snap.ID, "claimed_by", outcome.ClaimedBy)
		}
		return s.finishClaim(a, outcome)

	case KindOf(err) == KindTerminalEscrow:
		s.log.Error("Claim permanently rejected", "swap_id", snap.ID, "error", err)
		if failErr := s.stuck(a, err); failErr != nil {
			return errors.Join(err, failErr)
		}
		return err

	default:
		a.mu.Lock()
		a.swap.LastError = err.Error()
		a.mu.Unlock()
		if revertErr := s.transition(a, StatePaymentDetected, "claim attempt failed"); revertErr != nil {
			return errors.Join(wrapError(KindClaim, "claim", snap, err), revertErr)
		}
		return wrapError(KindClaim, "claim", a.snapshot(), err)
	}
}

func (s *Swapper) finishClaim(a *activeSwap, outcome *ClaimOutcome) error {
	a.mu.Lock()
	a.swap.Outcome.ClaimTxID = outcome.TxID
	a.swap.Outcome.ClaimedBy = outcome.ClaimedBy
	a.swap.Outcome.SuccessAction = a.swap.Quote.SuccessAction
	a.swap.LastError = ""
	a.mu.Unlock()

	if err := s.transition(a, StateClaimed, fmt.Sprintf("claimed by %s", outcome.ClaimedBy)); err != nil {
		return wrapError(KindClaim, "claim", a.snapshot(), err)
	}

	snap := a.snapshot()
	s.log.Info("Swap claimed", "swap_id", snap.ID, "claimed_by", outcome.ClaimedBy, "tx", outcome.TxID)
	s.emitEvent(snap, EventSwapClaimed, snap.Outcome)
	return nil
}

// stuck records a permanent escrow rejection and fails the swap. The swap
// stays refundable after its timeout.
func (s *Swapper) stuck(a *activeSwap, cause error) error {
	a.mu.Lock()
	a.swap.LastError = cause.Error()
	a.swap.Outcome.Reason = cause.Error()
	a.mu.Unlock()

	snap := a.snapshot()
	if snap.State != StateFailed {
		if err := s.transition(a, StateFailed, cause.Error()); err != nil {
			return err
		}
		snap = a.snapshot()
	} else if err := s.persist(snap); err != nil {
		return err
	}

	s.emitEvent(snap, EventSwapStuck, cause.Error())
	s.emitEvent(snap, EventSwapFailed, cause.Error())
	return nil
}

// Refund returns the locked funds after the escrow timeout. It is valid from
// Expired, or from Failed once committed. Committed swaps past their timeout
// are expired first. Anything else returns ErrNotRefundable.
//
// An escrow found already claimed means the counterparty completed the
// swap, so the swap ends Claimed rather than failing. A swap whose lock was
// in doubt and never appeared on chain is closed with nothing to refund.
func (s *Swapper) Refund(ctx context.Context, id string) error {
	a, err := s.acquire(id, "refund")
	if err != nil {
		return err
	}
	defer a.op.Unlock()

	snap := a.snapshot()
	now := s.now()
	if snap.State == StateRefunded {
		return nil
	}
	if (snap.State == StateCommitted || snap.State == StatePaymentPending) && snap.TimedOut(now) {
		if err := s.expire(a); err != nil {
			return wrapError(KindRefund, "refund", snap, err)
		}
		snap = a.snapshot()
	}
	if !snap.Refundable() {
		return newError(KindRefund, "refund", snap,
			fmt.Errorf("%w: state %s", ErrNotRefundable, snap.State))
	}
	if !snap.TimedOut(now) {
		return newError(KindRefund, "refund", snap,
			fmt.Errorf("%w: timeout %s not reached", ErrNotRefundable, snap.Timeout.Format("2006-01-02 15:04:05")))
	}
	if snap.Escrow == nil {
		return s.refundRejected(a, newError(KindTerminalEscrow, "refund", snap, ErrEscrowNotFound))
	}

	var txID string
	alreadyRefunded, claimed, neverLocked := false, false, false
	err = s.withRetry(ctx, snap.ID, "refund", func() error {
		state, err := s.escrow.State(ctx, *snap.Escrow)
		if err != nil {
			return fmt.Errorf("escrow state: %w", err)
		}
		switch state {
		case EscrowRefunded:
			alreadyRefunded = true
			return nil
		case EscrowClaimed:
			claimed = true
			return nil
		case EscrowNotFound:
			if snap.LockInDoubt {
				neverLocked = true
				return nil
			}
			return ErrEscrowNotFound
		}

		txID, err = s.escrow.Refund(ctx, *snap.Escrow)
		switch {
		case errors.Is(err, ErrAlreadyRefunded):
			alreadyRefunded = true
			return nil
		case errors.Is(err, ErrAlreadyClaimed):
			claimed = true
			return nil
		}
		return err
	})
	if err != nil {
		if IsRetryable(err) || ctx.Err() != nil {
			a.mu.Lock()
			a.swap.LastError = err.Error()
			a.mu.Unlock()
			return newError(KindRefund, "refund", a.snapshot(), err)
		}
		return s.refundRejected(a, newError(KindTerminalEscrow, "refund", a.snapshot(), err))
	}

	switch {
	case claimed:
		by := otherClaimer(snap.Direction)
		s.log.Info("Escrow claimed before refund", "swap_id", snap.ID, "claimed_by", by)
		return s.finishClaim(a, &ClaimOutcome{ClaimedBy: by})
	case neverLocked:
		return s.closeNeverLocked(a)
	}

	a.mu.Lock()
	a.swap.Outcome.RefundTxID = txID
	a.swap.LastError = ""
	a.mu.Unlock()

	detail := "refunded in " + txID
	if alreadyRefunded {
		detail = "escrow already refunded"
	}
	if err := s.transition(a, StateRefunded, detail); err != nil {
		return wrapError(KindRefund, "refund", a.snapshot(), err)
	}

	snap = a.snapshot()
	s.log.Info("Swap refunded", "swap_id", snap.ID, "tx", txID)
	s.emitEvent(snap, EventSwapRefunded, snap.Outcome)
	return nil
}

func (s *Swapper) refundRejected(a *activeSwap, cause *Error) error {
	s.log.Error("Refund permanently rejected", "swap_id", cause.SwapID, "error", cause.Err)
	if err := s.stuck(a, cause); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// closeNeverLocked ends a failed swap whose doubted lock never reached the
// chain. Clearing Committed makes the failure terminal.
// NOTE: Caller must hold a.op.
func (s *Swapper) closeNeverLocked(a *activeSwap) error {
	now := s.now()
	a.mu.Lock()
	a.swap.Committed = false
	a.swap.LockInDoubt = false
	a.swap.UpdatedAt = now
	a.swap.CompletedAt = now
	snap := a.swap.Clone()
	a.mu.Unlock()

	if err := s.persist(snap); err != nil {
		a.mu.Lock()
		a.swap.Committed = true
		a.swap.LockInDoubt = true
		a.swap.CompletedAt = time.Time{}
		a.mu.Unlock()
		return err
	}
	s.appendHistory(snap.ID, snap.State, snap.State, "escrow lock never landed")
	s.log.Info("Escrow lock never landed, nothing to refund", "swap_id", snap.ID)
	return nil
}
