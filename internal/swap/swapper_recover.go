// Package swap - Recovery after restart, expiry sweeps and retention.
package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rkmonarch/atomiq-mark-1/internal/storage"
)

// Resume loads every active swap from the store and starts a background
// driver for each one. It returns the number of swaps resumed.
func (s *Swapper) Resume(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}

	records, err := s.store.ListActiveSwaps()
	if err != nil {
		return 0, newError(KindStore, "resume", nil, err)
	}

	resumed := 0
	for _, rec := range records {
		sw, err := swapFromRecord(rec)
		if err != nil {
			s.log.Error("Skipping unreadable swap", "swap_id", rec.ID, "error", err)
			continue
		}

		s.mu.Lock()
		if _, exists := s.swaps[sw.ID]; exists {
			s.mu.Unlock()
			continue
		}
		s.swaps[sw.ID] = &activeSwap{swap: sw}
		if sw.Quote.ID != "" {
			s.byQuote[sw.Quote.ID] = sw.ID
		}
		s.mu.Unlock()

		s.log.Info("Resuming swap", "swap_id", sw.ID, "state", sw.State, "direction", sw.Direction)

		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			s.drive(ctx, id)
		}(sw.ID)
		resumed++
	}

	return resumed, nil
}

// Drive starts a background driver for a committed swap. The driver waits
// for payment, then claims, or refunds once the escrow times out. It stops
// when the swapper is closed.
func (s *Swapper) Drive(id string) error {
	a := s.lookup(id)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	if snap := a.snapshot(); snap.IsTerminal() {
		return newError(KindStore, "drive", snap, fmt.Errorf("%w: swap is %s", ErrInvalidState, snap.State))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drive(s.ctx, id)
	}()
	return nil
}

// drive pushes a swap toward a terminal state.
func (s *Swapper) drive(ctx context.Context, id string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	a := s.lookup(id)
	if a == nil {
		return
	}

	switch a.snapshot().State {
	case StateCommitted, StatePaymentPending:
		paid, err := s.awaitPayment(ctx, id, nil)
		if err != nil {
			s.logDriveError(id, "wait", err)
			return
		}
		if !paid {
			s.driveRefund(ctx, id)
			return
		}
		fallthrough
	case StatePaymentDetected, StateClaiming:
		if err := s.Claim(ctx, id); err != nil {
			s.logDriveError(id, "claim", err)
		}
	case StateExpired, StateFailed:
		s.driveRefund(ctx, id)
	}
}

func (s *Swapper) driveRefund(ctx context.Context, id string) {
	err := s.Refund(ctx, id)
	if err == nil {
		return
	}
	if errors.Is(err, ErrNotRefundable) {
		s.log.Debug("Refund not yet possible", "swap_id", id, "error", err)
		return
	}
	s.logDriveError(id, "refund", err)
}

func (s *Swapper) logDriveError(id, op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.log.Warn("Swap driver stopped", "swap_id", id, "op", op, "error", err)
}

// SweepExpired expires committed swaps past their timeout and refunds
// expired and failed ones. Swaps with an operation in progress are skipped.
// It returns the number of swaps refunded.
func (s *Swapper) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	refunded := 0
	var errs []error

	for _, a := range s.actives() {
		snap := a.snapshot()
		if !snap.Committed || snap.IsTerminal() || !snap.TimedOut(now) {
			continue
		}
		switch snap.State {
		case StateCommitted, StatePaymentPending, StateExpired:
		case StateFailed:
			// Stuck swaps need an operator.
			if snap.Outcome.Reason != "" {
				continue
			}
		default:
			continue
		}

		err := s.Refund(ctx, snap.ID)
		switch {
		case err == nil:
			// The escrow may have been claimed, or never locked at all.
			if a.snapshot().State == StateRefunded {
				refunded++
			}
		case errors.Is(err, ErrSwapBusy):
		default:
			errs = append(errs, err)
		}
	}

	if refunded > 0 {
		s.log.Info("Expiry sweep refunded swaps", "count", refunded)
	}
	return refunded, errors.Join(errs...)
}

// PurgeCompleted drops terminal swaps from the active set and deletes
// stored swaps that completed before now minus retention.
func (s *Swapper) PurgeCompleted(retention time.Duration) (int64, error) {
	for _, a := range s.actives() {
		snap := a.snapshot()
		if snap.IsTerminal() {
			s.forget(snap.ID, snap.Quote.ID)
		}
	}

	pruner, ok := s.store.(Pruner)
	if !ok || retention <= 0 {
		return 0, nil
	}
	n, err := pruner.DeleteCompletedBefore(s.now().Add(-retention))
	if err != nil {
		return 0, newError(KindStore, "purge", nil, err)
	}
	if n > 0 {
		s.log.Info("Purged completed swaps", "count", n, "retention", retention)
	}
	return n, nil
}

// Forget removes a finished swap from memory and storage.
func (s *Swapper) Forget(id string) error {
	if a := s.lookup(id); a != nil {
		snap := a.snapshot()
		if !snap.IsTerminal() {
			return newError(KindStore, "forget", snap,
				fmt.Errorf("%w: swap still has funds in escrow", ErrInvalidState))
		}
		s.forget(id, snap.Quote.ID)
	} else if s.store != nil {
		rec, err := s.store.GetSwap(id)
		if err == nil {
			sw, err := swapFromRecord(rec)
			if err == nil && !sw.IsTerminal() {
				return newError(KindStore, "forget", sw,
					fmt.Errorf("%w: swap still has funds in escrow", ErrInvalidState))
			}
		}
	}
	if s.store == nil {
		return nil
	}
	if err := s.store.DeleteSwap(id); err != nil {
		if errors.Is(err, storage.ErrSwapNotFound) {
			return fmt.Errorf("%w: %s", ErrSwapNotFound, id)
		}
		return newError(KindStore, "forget", &Swap{ID: id}, err)
	}
	return nil
}

// History returns the recorded state transitions of a swap.
func (s *Swapper) History(id string) ([]*storage.SwapEventRecord, error) {
	hs, ok := s.store.(HistoryStore)
	if !ok {
		return nil, nil
	}
	events, err := hs.ListSwapEvents(id)
	if err != nil {
		return nil, newError(KindStore, "history", &Swap{ID: id}, err)
	}
	return events, nil
}
