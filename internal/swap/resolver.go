// Package swap - Claim race resolution against watchtowers and counterparties.
package swap

import (
	"context"
	"errors"
	"fmt"

	"github.com/rkmonarch/atomiq-mark-1/pkg/logging"
)

// ClaimOutcome reports who released the escrow.
type ClaimOutcome struct {
	TxID      string
	ClaimedBy ClaimedBy
}

// ClaimRaceResolver claims the escrow and treats a claim by anyone else as
// the payment completing.
type ClaimRaceResolver struct {
	escrow EscrowClient
	log    *logging.Logger
}

// NewClaimRaceResolver creates a resolver over an escrow client.
func NewClaimRaceResolver(escrow EscrowClient) *ClaimRaceResolver {
	return &ClaimRaceResolver{
		escrow: escrow,
		log:    logging.GetDefault().Component("claim"),
	}
}

// otherClaimer is who claims when we do not.
func otherClaimer(d Direction) ClaimedBy {
	if d == FromOnchain {
		return ClaimedByWatchtower
	}
	return ClaimedByCounterparty
}

// Resolve drives the escrow of s to Claimed.
//
// A claim that lands first returns (outcome, nil). Losing the race returns
// the outcome together with a KindClaimRaceLoss error. A permanent rejection
// while the escrow is not claimed returns KindTerminalEscrow. Anything else
// is a KindClaim error that IsRetryable reports as retryable.
func (r *ClaimRaceResolver) Resolve(ctx context.Context, s *Swap) (*ClaimOutcome, error) {
	if s.Escrow == nil {
		return nil, newError(KindTerminalEscrow, "claim", s, ErrEscrowNotFound)
	}

	state, err := r.escrow.State(ctx, *s.Escrow)
	if err != nil {
		return nil, newError(KindClaim, "claim", s, fmt.Errorf("escrow state: %w", err))
	}

	switch state {
	case EscrowClaimed:
		by := otherClaimer(s.Direction)
		r.log.Info("Escrow already claimed", "swap_id", s.ID, "claimed_by", by)
		return &ClaimOutcome{ClaimedBy: by}, nil
	case EscrowRefunded:
		return nil, newError(KindTerminalEscrow, "claim", s, ErrAlreadyRefunded)
	case EscrowNotFound:
		return nil, newError(KindTerminalEscrow, "claim", s, ErrEscrowNotFound)
	}

	if !s.HasProof() {
		return nil, newError(KindClaim, "claim", s, ErrNoProof)
	}

	txID, claimErr := r.escrow.Claim(ctx, *s.Escrow, s.Proof)
	if claimErr == nil {
		r.log.Info("Escrow claimed", "swap_id", s.ID, "tx", txID)
		return &ClaimOutcome{TxID: txID, ClaimedBy: ClaimedBySelf}, nil
	}

	if !errors.Is(claimErr, ErrAlreadyClaimed) && !errors.Is(claimErr, ErrEscrowRejected) {
		return nil, newError(KindClaim, "claim", s, claimErr)
	}

	// Someone may have claimed between our state read and our submission.
	state, err = r.escrow.State(ctx, *s.Escrow)
	if err != nil {
		return nil, newError(KindClaim, "claim", s,
			fmt.Errorf("escrow state after rejected claim: %w (claim: %v)", err, claimErr))
	}
	if state == EscrowClaimed {
		by := otherClaimer(s.Direction)
		r.log.Info("Lost claim race", "swap_id", s.ID, "claimed_by", by)
		return &ClaimOutcome{ClaimedBy: by}, newError(KindClaimRaceLoss, "claim", s, claimErr)
	}

	return nil, newError(KindTerminalEscrow, "claim", s,
		fmt.Errorf("claim rejected with escrow %s: %w", state, claimErr))
}
