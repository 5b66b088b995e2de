package swap

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func claimableSwap(d Direction) *Swap {
	p := testPreimage
	s := &Swap{
		ID:        "escrow-1",
		Direction: d,
		State:     StateClaiming,
		Committed: true,
		HashLock:  testPreimage.Hash(),
		Escrow:    &EscrowHandle{ID: "escrow-1"},
	}
	if d.Lightning() {
		s.Proof.Preimage = &p
	} else {
		s.Proof = PaymentProof{TxID: "tx1", Confirmations: 1, TargetConfirmations: 1}
	}
	return s
}

func TestResolveClaimsWhenLocked(t *testing.T) {
	escrow := newFakeEscrow()
	escrow.setState("escrow-1", EscrowLocked)
	r := NewClaimRaceResolver(escrow)

	out, err := r.Resolve(context.Background(), claimableSwap(ToLightning))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.ClaimedBy != ClaimedBySelf || out.TxID != "0xclaim" {
		t.Errorf("outcome = %+v", out)
	}
	if escrow.proofs[0].Preimage == nil {
		t.Error("claim submitted without preimage")
	}
}

func TestResolveAlreadyClaimed(t *testing.T) {
	tests := []struct {
		direction Direction
		want      ClaimedBy
	}{
		{FromOnchain, ClaimedByWatchtower},
		{ToLightning, ClaimedByCounterparty},
	}

	for _, tt := range tests {
		escrow := newFakeEscrow()
		escrow.setState("escrow-1", EscrowClaimed)
		r := NewClaimRaceResolver(escrow)

		out, err := r.Resolve(context.Background(), claimableSwap(tt.direction))
		if err != nil {
			t.Fatalf("%s: Resolve() error = %v", tt.direction, err)
		}
		if out.ClaimedBy != tt.want {
			t.Errorf("%s: ClaimedBy = %s, want %s", tt.direction, out.ClaimedBy, tt.want)
		}
		if _, claims, _ := escrow.counts(); claims != 0 {
			t.Errorf("%s: submitted %d claims for a claimed escrow", tt.direction, claims)
		}
	}
}

func TestResolveLostRace(t *testing.T) {
	escrow := newFakeEscrow()
	escrow.setState("escrow-1", EscrowLocked)
	escrow.beforeClaim = func(h EscrowHandle) {
		escrow.setState(h.ID, EscrowClaimed)
	}
	r := NewClaimRaceResolver(escrow)

	out, err := r.Resolve(context.Background(), claimableSwap(FromOnchain))
	if !IsClaimRaceLoss(err) {
		t.Fatalf("Resolve() error = %v, want claim race loss", err)
	}
	if out == nil || out.ClaimedBy != ClaimedByWatchtower {
		t.Errorf("outcome = %+v, want watchtower", out)
	}
}

func TestResolveRejectedWhileLocked(t *testing.T) {
	escrow := newFakeEscrow()
	escrow.setState("escrow-1", EscrowLocked)
	escrow.claimErr = fmt.Errorf("execution reverted: %w", ErrEscrowRejected)
	r := NewClaimRaceResolver(escrow)

	_, err := r.Resolve(context.Background(), claimableSwap(FromLightning))
	if KindOf(err) != KindTerminalEscrow {
		t.Fatalf("Resolve() error = %v, want terminal escrow", err)
	}
	if !errors.Is(err, ErrEscrowRejected) {
		t.Error("terminal error does not wrap the rejection")
	}
}

func TestResolveTransientError(t *testing.T) {
	escrow := newFakeEscrow()
	escrow.setState("escrow-1", EscrowLocked)
	escrow.claimErr = errors.New(errTransientText)
	r := NewClaimRaceResolver(escrow)

	_, err := r.Resolve(context.Background(), claimableSwap(ToOnchain))
	if KindOf(err) != KindClaim || !IsRetryable(err) {
		t.Fatalf("Resolve() error = %v (kind %s), want retryable claim error", err, KindOf(err))
	}
}

func TestResolveRefundedEscrow(t *testing.T) {
	escrow := newFakeEscrow()
	escrow.setState("escrow-1", EscrowRefunded)
	r := NewClaimRaceResolver(escrow)

	_, err := r.Resolve(context.Background(), claimableSwap(ToOnchain))
	if !errors.Is(err, ErrAlreadyRefunded) || KindOf(err) != KindTerminalEscrow {
		t.Fatalf("Resolve() error = %v, want terminal ErrAlreadyRefunded", err)
	}
}
