// Package swap - Waiting for the counter-leg payment.
package swap

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// errClaimWindowClosed ends a wait whose payment qualified too late to claim.
var errClaimWindowClosed = errors.New("claim window closed")

// WaitForPayment blocks until the counter-leg payment of a committed swap
// qualifies, the claim window closes, or ctx ends. The claim window ends
// ClaimMargin before the escrow timeout.
//
// It returns (true, nil) once the swap reaches PaymentDetected and
// (false, nil) when the window closed and the swap is now Expired. A
// cancelled ctx puts the swap back to Committed and returns ctx.Err(). A
// broken observation stream also returns the swap to Committed, with a
// KindWatcher error. onProgress, when set, receives every accepted event.
func (s *Swapper) WaitForPayment(ctx context.Context, id string, onProgress ProgressFunc) (bool, error) {
	a, err := s.acquire(id, "wait")
	if err != nil {
		return false, err
	}
	defer a.op.Unlock()

	snap := a.snapshot()
	switch snap.State {
	case StatePaymentDetected, StateClaiming, StateClaimed:
		return true, nil
	case StateExpired:
		return false, nil
	case StateCommitted, StatePaymentPending:
	default:
		return false, newError(KindWatcher, "wait", snap,
			fmt.Errorf("%w: cannot wait for payment in state %s", ErrInvalidState, snap.State))
	}

	deadline := s.claimDeadline(snap)
	if !s.now().Before(deadline) {
		return false, s.expire(a)
	}

	if snap.State == StateCommitted {
		if err := s.transition(a, StatePaymentPending, "waiting for payment"); err != nil {
			return false, wrapError(KindWatcher, "wait", snap, err)
		}
		snap = a.snapshot()
	}

	waitCtx, cancel := context.WithTimeout(ctx, deadline.Sub(s.now()))
	defer cancel()

	events, errc, err := s.watcher.Watch(waitCtx, snap)
	if err != nil {
		return false, s.abandonWait(a, newError(KindWatcher, "wait", snap, err))
	}

	s.log.Info("Waiting for payment",
		"swap_id", snap.ID,
		"direction", snap.Direction,
		"timeout", snap.Timeout)

	for {
		if events == nil && errc == nil {
			if waitCtx.Err() != nil {
				return s.waitEnded(ctx, a)
			}
			return false, s.abandonWait(a, newError(KindWatcher, "wait", a.snapshot(), ErrWatchClosed))
		}

		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			detected, err := s.applyPayment(a, ev, onProgress, deadline)
			if errors.Is(err, errClaimWindowClosed) {
				return false, s.expire(a)
			}
			if err != nil {
				return false, err
			}
			if detected {
				return true, nil
			}

		case err, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			if waitCtx.Err() != nil {
				return s.waitEnded(ctx, a)
			}
			s.log.Warn("Payment watcher failed", "swap_id", snap.ID, "error", err)
			return false, s.abandonWait(a, newError(KindWatcher, "wait", a.snapshot(), err))

		case <-waitCtx.Done():
			return s.waitEnded(ctx, a)
		}
	}
}

// applyPayment records a payment event and moves the swap to
// PaymentDetected when the payment qualifies before deadline. A payment
// qualifying later returns errClaimWindowClosed. An observed escrow claim
// is always accepted.
// NOTE: Caller must hold a.op.
func (s *Swapper) applyPayment(a *activeSwap, ev PaymentEvent, onProgress ProgressFunc, deadline time.Time) (bool, error) {
	a.mu.Lock()
	ev.SwapID = a.swap.ID
	changed, detected := a.swap.RecordPayment(ev)
	a.mu.Unlock()

	if !changed {
		return false, nil
	}

	if err := s.update(a, func(*Swap) {}); err != nil {
		return false, err
	}

	snap := a.snapshot()
	if onProgress != nil {
		onProgress(ev)
	}
	s.emitEvent(snap, EventPaymentProgress, ev)

	if !detected {
		return false, nil
	}
	if ev.Kind != EventEscrowClaimed && !s.now().Before(deadline) {
		s.log.Warn("Payment qualified after the claim window", "swap_id", snap.ID, "deadline", deadline)
		return false, errClaimWindowClosed
	}

	if err := s.transition(a, StatePaymentDetected, paymentDetail(ev)); err != nil {
		return false, wrapError(KindWatcher, "wait", snap, err)
	}
	snap = a.snapshot()
	s.log.Info("Payment detected", "swap_id", snap.ID, "kind", ev.Kind, "tx", ev.TxID)
	s.emitEvent(snap, EventPaymentDetected, snap.Proof)
	return true, nil
}

func paymentDetail(ev PaymentEvent) string {
	switch ev.Kind {
	case EventInvoiceSettled:
		return "invoice settled"
	case EventEscrowClaimed:
		return "escrow claimed by counterparty"
	}
	return fmt.Sprintf("%s confirmed %d/%d", ev.TxID, ev.Confirmations, ev.TargetConfirmations)
}

// claimDeadline is the last moment a detected payment may still be claimed.
func (s *Swapper) claimDeadline(sw *Swap) time.Time {
	return sw.Timeout.Add(-s.claimMargin)
}

// awaitPayment runs WaitForPayment and reopens a broken observation stream
// with backoff until the payment qualifies, the claim window closes or ctx
// ends.
func (s *Swapper) awaitPayment(ctx context.Context, id string, onProgress ProgressFunc) (bool, error) {
	backoff := s.backoff
	for {
		paid, err := s.WaitForPayment(ctx, id, onProgress)
		if err == nil || !reconnectable(err) {
			return paid, err
		}

		s.log.Warn("Payment watcher lost, reconnecting", "swap_id", id, "backoff", backoff, "error", err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// reconnectable reports whether a wait failed only because its
// observation stream broke.
func reconnectable(err error) bool {
	if KindOf(err) != KindWatcher {
		return false
	}
	for _, fatal := range []error{ErrInvalidState, ErrSwapBusy, ErrSwapNotFound, context.Canceled} {
		if errors.Is(err, fatal) {
			return false
		}
	}
	return true
}

// waitEnded handles the end of the wait context: caller cancellation
// returns the swap to Committed, the escrow deadline expires it.
func (s *Swapper) waitEnded(ctx context.Context, a *activeSwap) (bool, error) {
	if err := ctx.Err(); err != nil {
		if revertErr := s.revertToCommitted(a); revertErr != nil {
			return false, errors.Join(err, revertErr)
		}
		return false, err
	}
	return false, s.expire(a)
}

// abandonWait returns the swap to Committed and reports cause.
func (s *Swapper) abandonWait(a *activeSwap, cause error) error {
	if err := s.revertToCommitted(a); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *Swapper) revertToCommitted(a *activeSwap) error {
	if a.snapshot().State != StatePaymentPending {
		return nil
	}
	return s.transition(a, StateCommitted, "stopped waiting for payment")
}

// expire moves a committed swap past its timeout to Expired.
// NOTE: Caller must hold a.op.
func (s *Swapper) expire(a *activeSwap) error {
	snap := a.snapshot()
	if snap.State == StateExpired {
		return nil
	}
	if err := s.transition(a, StateExpired, "escrow timeout reached"); err != nil {
		return wrapError(KindWatcher, "expire", snap, err)
	}
	snap = a.snapshot()
	s.log.Info("Swap expired", "swap_id", snap.ID, "timeout", snap.Timeout)
	s.emitEvent(snap, EventSwapExpired, nil)
	return nil
}
