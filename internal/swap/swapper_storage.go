// Package swap - Storage and persistence functions for the Swapper.
package swap

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/shopspring/decimal"

	"github.com/rkmonarch/atomiq-mark-1/internal/storage"
	"github.com/rkmonarch/atomiq-mark-1/pkg/helpers"
)

// =============================================================================
// State changes
// =============================================================================

// transition moves the swap to a new state and persists it. Swaps that never
// reached the escrow are kept in memory only. When the save fails the
// in-memory state is rolled back so it never runs ahead of the store.
// NOTE: Caller must hold a.op.
func (s *Swapper) transition(a *activeSwap, to State, detail string) error {
	a.mu.Lock()
	from := a.swap.State
	prevUpdated, prevCompleted := a.swap.UpdatedAt, a.swap.CompletedAt
	if err := a.swap.TransitionTo(to); err != nil {
		a.mu.Unlock()
		return err
	}
	now := s.now()
	a.swap.UpdatedAt = now
	if a.swap.IsTerminal() {
		a.swap.CompletedAt = now
	}
	snap := a.swap.Clone()
	a.mu.Unlock()

	s.log.Debug("Swap state changed", "swap_id", snap.ID, "from", from, "to", to)

	if !snap.Committed {
		return nil
	}
	if err := s.persist(snap); err != nil {
		a.mu.Lock()
		if a.swap.State == to {
			a.swap.State = from
			a.swap.UpdatedAt = prevUpdated
			a.swap.CompletedAt = prevCompleted
		}
		a.mu.Unlock()
		s.log.Warn("Swap state change rolled back", "swap_id", snap.ID, "from", from, "to", to)
		return err
	}
	s.appendHistory(snap.ID, from, to, detail)
	return nil
}

// update applies fn to the swap and persists the result.
// NOTE: Caller must hold a.op.
func (s *Swapper) update(a *activeSwap, fn func(*Swap)) error {
	a.mu.Lock()
	fn(a.swap)
	a.swap.UpdatedAt = s.now()
	snap := a.swap.Clone()
	a.mu.Unlock()

	if !snap.Committed {
		return nil
	}
	return s.persist(snap)
}

// persist saves a snapshot, retrying failed writes with the escrow backoff.
func (s *Swapper) persist(sw *Swap) error {
	if s.store == nil {
		return nil
	}
	rec, err := swapToRecord(sw)
	if err != nil {
		return newError(KindStore, "persist", sw, err)
	}
	err = s.withRetry(s.ctx, sw.ID, "persist", func() error {
		return s.store.SaveSwap(rec)
	})
	if err != nil {
		s.log.Error("Failed to persist swap", "swap_id", sw.ID, "state", sw.State, "error", err)
		return newError(KindStore, "persist", sw, err)
	}
	return nil
}

func (s *Swapper) appendHistory(id string, from, to State, detail string) {
	hs, ok := s.store.(HistoryStore)
	if !ok {
		return
	}
	err := hs.AppendSwapEvent(&storage.SwapEventRecord{
		SwapID:    id,
		FromState: string(from),
		ToState:   string(to),
		Detail:    detail,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.log.Warn("Failed to record swap history", "swap_id", id, "error", err)
	}
}

// =============================================================================
// Serialization for storage
// =============================================================================

// swapData is the JSON stored alongside the indexed swap columns.
type swapData struct {
	QuoteID       string `json:"quote_id"`
	Destination   string `json:"destination,omitempty"`
	Comment       string `json:"comment,omitempty"`
	IntentAmount  string `json:"intent_amount"`
	Unit          string `json:"unit"`
	CounterAmount string `json:"counter_amount"`
	CounterUnit   string `json:"counter_unit"`
	OfferedRate   string `json:"offered_rate"`
	ReferenceRate string `json:"reference_rate"`
	DeviationPPM  int64  `json:"deviation_ppm"`
	QuoteExpiry   int64  `json:"quote_expiry"`
	LockDuration  int64  `json:"lock_duration"` // seconds
	Counterparty  string `json:"counterparty,omitempty"`
	PaymentTarget string `json:"payment_target,omitempty"`
	Confirmations uint32 `json:"confirmations"`
	Authorization string `json:"authorization,omitempty"` // Hex

	SecurityDeposit string         `json:"security_deposit,omitempty"`
	ClaimerBounty   string         `json:"claimer_bounty,omitempty"`
	SuccessAction   *SuccessAction `json:"success_action,omitempty"`

	Preimage       string `json:"preimage,omitempty"` // Hex, only for FromLightning
	PaymentRequest string `json:"payment_request,omitempty"`
	EscrowContract string `json:"escrow_contract,omitempty"`
	LockInDoubt    bool   `json:"lock_in_doubt,omitempty"`

	ProofPreimage       string `json:"proof_preimage,omitempty"`
	ProofTxID           string `json:"proof_txid,omitempty"`
	ProofConfirmations  uint32 `json:"proof_confirmations,omitempty"`
	TargetConfirmations uint32 `json:"target_confirmations,omitempty"`
	ClaimedOnChain      bool   `json:"claimed_on_chain,omitempty"`

	ClaimTxID  string `json:"claim_txid,omitempty"`
	RefundTxID string `json:"refund_txid,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func swapToRecord(sw *Swap) (*storage.SwapRecord, error) {
	q := sw.Quote
	data := swapData{
		QuoteID:         q.ID,
		Destination:     q.Intent.Destination,
		Comment:         q.Intent.Comment,
		IntentAmount:    helpers.BigIntString(q.Intent.Amount),
		Unit:            q.Unit,
		CounterAmount:   helpers.BigIntString(q.CounterAmount),
		CounterUnit:     q.CounterUnit,
		OfferedRate:     q.OfferedRate.String(),
		ReferenceRate:   q.ReferenceRate.String(),
		DeviationPPM:    q.DeviationPPM,
		QuoteExpiry:     q.Expiry.Unix(),
		LockDuration:    int64(q.LockDuration / time.Second),
		Counterparty:    q.Counterparty,
		PaymentTarget:   q.PaymentTarget,
		Confirmations:   q.Confirmations,
		SecurityDeposit: helpers.BigIntString(sw.SecurityDeposit),
		ClaimerBounty:   helpers.BigIntString(sw.ClaimerBounty),
		SuccessAction:   q.SuccessAction,
		PaymentRequest:  sw.PaymentRequest,
		LockInDoubt:     sw.LockInDoubt,

		ProofTxID:           sw.Proof.TxID,
		ProofConfirmations:  sw.Proof.Confirmations,
		TargetConfirmations: sw.Proof.TargetConfirmations,
		ClaimedOnChain:      sw.Proof.ClaimedOnChain,

		ClaimTxID:  sw.Outcome.ClaimTxID,
		RefundTxID: sw.Outcome.RefundTxID,
		Reason:     sw.Outcome.Reason,
	}
	if len(q.Authorization) > 0 {
		data.Authorization = hex.EncodeToString(q.Authorization)
	}
	if sw.Preimage != nil {
		data.Preimage = sw.Preimage.String()
	}
	if sw.Proof.Preimage != nil {
		data.ProofPreimage = sw.Proof.Preimage.String()
	}

	rec := &storage.SwapRecord{
		ID:          sw.ID,
		Direction:   string(sw.Direction),
		State:       string(sw.State),
		Token:       sw.Token,
		AmountIn:    cloneInt(q.InputAmount),
		AmountOut:   cloneInt(q.OutputAmount),
		Fee:         cloneInt(q.Fee),
		HashLock:    sw.HashLock.String(),
		Timeout:     sw.Timeout,
		Committed:   sw.Committed,
		ClaimedBy:   string(sw.Outcome.ClaimedBy),
		LastError:   sw.LastError,
		CreatedAt:   sw.CreatedAt,
		UpdatedAt:   sw.UpdatedAt,
		CompletedAt: sw.CompletedAt,
	}
	if sw.Escrow != nil {
		rec.EscrowID = sw.Escrow.ID
		rec.EscrowTx = sw.Escrow.TxID
		data.EscrowContract = sw.Escrow.Contract
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal swap data: %w", err)
	}
	rec.Data = raw
	return rec, nil
}

func swapFromRecord(rec *storage.SwapRecord) (*Swap, error) {
	var data swapData
	if len(rec.Data) > 0 {
		if err := json.Unmarshal(rec.Data, &data); err != nil {
			return nil, fmt.Errorf("swap %s: failed to unmarshal data: %w", rec.ID, err)
		}
	}

	sw := &Swap{
		ID:             rec.ID,
		Direction:      Direction(rec.Direction),
		Token:          rec.Token,
		State:          State(rec.State),
		Timeout:        rec.Timeout,
		Committed:      rec.Committed,
		LockInDoubt:    data.LockInDoubt,
		PaymentRequest: data.PaymentRequest,
		LastError:      rec.LastError,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		CompletedAt:    rec.CompletedAt,
		Proof: PaymentProof{
			TxID:                data.ProofTxID,
			Confirmations:       data.ProofConfirmations,
			TargetConfirmations: data.TargetConfirmations,
			ClaimedOnChain:      data.ClaimedOnChain,
		},
		Outcome: Outcome{
			ClaimTxID:     data.ClaimTxID,
			RefundTxID:    data.RefundTxID,
			ClaimedBy:     ClaimedBy(rec.ClaimedBy),
			SuccessAction: data.SuccessAction,
			Reason:        data.Reason,
		},
	}

	var err error
	if rec.HashLock != "" {
		if sw.HashLock, err = lntypes.MakeHashFromStr(rec.HashLock); err != nil {
			return nil, fmt.Errorf("swap %s: bad hash lock: %w", rec.ID, err)
		}
	}
	if data.Preimage != "" {
		p, err := lntypes.MakePreimageFromStr(data.Preimage)
		if err != nil {
			return nil, fmt.Errorf("swap %s: bad preimage: %w", rec.ID, err)
		}
		sw.Preimage = &p
	}
	if data.ProofPreimage != "" {
		p, err := lntypes.MakePreimageFromStr(data.ProofPreimage)
		if err != nil {
			return nil, fmt.Errorf("swap %s: bad proof preimage: %w", rec.ID, err)
		}
		sw.Proof.Preimage = &p
	}
	if rec.EscrowID != "" || rec.EscrowTx != "" {
		sw.Escrow = &EscrowHandle{ID: rec.EscrowID, TxID: rec.EscrowTx, Contract: data.EscrowContract}
	}

	q := Quote{
		ID: data.QuoteID,
		Intent: Intent{
			Direction:   sw.Direction,
			Token:       sw.Token,
			Destination: data.Destination,
			Comment:     data.Comment,
		},
		InputAmount:   cloneInt(rec.AmountIn),
		OutputAmount:  cloneInt(rec.AmountOut),
		Fee:           cloneInt(rec.Fee),
		Unit:          data.Unit,
		CounterUnit:   data.CounterUnit,
		DeviationPPM:  data.DeviationPPM,
		LockDuration:  time.Duration(data.LockDuration) * time.Second,
		Counterparty:  data.Counterparty,
		PaymentTarget: data.PaymentTarget,
		Confirmations: data.Confirmations,
		HashLock:      sw.HashLock,
		SuccessAction: data.SuccessAction,
	}
	if data.QuoteExpiry > 0 {
		q.Expiry = time.Unix(data.QuoteExpiry, 0)
	}
	if q.Intent.Amount, err = helpers.ParseBigInt(data.IntentAmount); err != nil {
		return nil, fmt.Errorf("swap %s: intent amount: %w", rec.ID, err)
	}
	if q.CounterAmount, err = helpers.ParseBigInt(data.CounterAmount); err != nil {
		return nil, fmt.Errorf("swap %s: counter amount: %w", rec.ID, err)
	}
	if sw.SecurityDeposit, err = helpers.ParseBigInt(data.SecurityDeposit); err != nil {
		return nil, fmt.Errorf("swap %s: security deposit: %w", rec.ID, err)
	}
	if sw.ClaimerBounty, err = helpers.ParseBigInt(data.ClaimerBounty); err != nil {
		return nil, fmt.Errorf("swap %s: claimer bounty: %w", rec.ID, err)
	}
	q.SecurityDeposit = cloneInt(sw.SecurityDeposit)
	q.ClaimerBounty = cloneInt(sw.ClaimerBounty)
	if data.OfferedRate != "" {
		if q.OfferedRate, err = decimal.NewFromString(data.OfferedRate); err != nil {
			return nil, fmt.Errorf("swap %s: offered rate: %w", rec.ID, err)
		}
	}
	if data.ReferenceRate != "" {
		if q.ReferenceRate, err = decimal.NewFromString(data.ReferenceRate); err != nil {
			return nil, fmt.Errorf("swap %s: reference rate: %w", rec.ID, err)
		}
	}
	if data.Authorization != "" {
		if q.Authorization, err = hex.DecodeString(data.Authorization); err != nil {
			return nil, fmt.Errorf("swap %s: authorization: %w", rec.ID, err)
		}
	}
	sw.Quote = q

	return sw, nil
}
