package swap

import (
	"context"
	"errors"
)

// Execute runs a whole swap: quote, commit, wait for payment, then claim,
// or refund once the escrow times out.
//
// The returned Result always carries the latest swap snapshot when the swap
// got past commit, even if a later step failed.
func (s *Swapper) Execute(ctx context.Context, intent Intent, opts ExecuteOptions) (*Result, error) {
	quote, err := s.Quote(ctx, intent)
	if err != nil {
		return nil, err
	}

	if opts.Approve != nil {
		if err := opts.Approve(quote); err != nil {
			return nil, &Error{Kind: KindQuote, Op: "approve", Err: err}
		}
	}

	sw, err := s.Commit(ctx, quote)
	if err != nil {
		return nil, err
	}
	if opts.OnCommitted != nil {
		opts.OnCommitted(sw)
	}

	result := &Result{Swap: sw}

	paid, err := s.awaitPayment(ctx, sw.ID, opts.OnProgress)
	if err != nil {
		result.Swap = s.snapshotOr(sw)
		return result, err
	}

	if !paid {
		err := s.Refund(ctx, sw.ID)
		result.Swap = s.snapshotOr(sw)
		if err == nil && result.Swap.State == StateClaimed {
			result.Paid = true
			result.SuccessAction = result.Swap.Outcome.SuccessAction
		}
		return result, err
	}

	if err := s.Claim(ctx, sw.ID); err != nil {
		result.Swap = s.snapshotOr(sw)
		return result, err
	}

	result.Swap = s.snapshotOr(sw)
	result.Paid = true
	result.SuccessAction = result.Swap.Outcome.SuccessAction
	return result, nil
}

func (s *Swapper) snapshotOr(sw *Swap) *Swap {
	latest, err := s.GetStatus(sw.ID)
	if err != nil {
		if !errors.Is(err, ErrSwapNotFound) {
			s.log.Warn("Failed to load swap snapshot", "swap_id", sw.ID, "error", err)
		}
		return sw
	}
	return latest
}
