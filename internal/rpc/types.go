// Package rpc - Request and response types.
package rpc

import (
	"math/big"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/rkmonarch/atomiq-mark-1/internal/storage"
	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
)

// Amounts cross the wire as decimal strings so token base units keep their
// precision in JavaScript clients.

// QuoteParams are the parameters for swap_quote.
type QuoteParams struct {
	Direction   string `json:"direction"`
	Token       string `json:"token"`
	Amount      string `json:"amount"` // sats
	Destination string `json:"destination,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

// QuoteInfo describes a priced quote.
type QuoteInfo struct {
	ID            string              `json:"id"`
	Direction     string              `json:"direction"`
	Token         string              `json:"token"`
	InputAmount   string              `json:"input_amount"`
	OutputAmount  string              `json:"output_amount"`
	Fee           string              `json:"fee"`
	Unit          string              `json:"unit"`
	CounterAmount string              `json:"counter_amount,omitempty"`
	CounterUnit   string              `json:"counter_unit,omitempty"`
	OfferedRate   string              `json:"offered_rate"`
	ReferenceRate string              `json:"reference_rate"`
	DeviationPPM  int64               `json:"deviation_ppm"`
	ExpiresAt     int64               `json:"expires_at"`
	HashLock      string              `json:"hash_lock,omitempty"`
	LockDuration  int64               `json:"lock_duration"`
	Counterparty  string              `json:"counterparty,omitempty"`
	PaymentTarget string              `json:"payment_target,omitempty"`
	Confirmations uint32              `json:"confirmations,omitempty"`
	Deposit       string              `json:"security_deposit,omitempty"`
	Bounty        string              `json:"claimer_bounty,omitempty"`
	SuccessAction *swap.SuccessAction `json:"success_action,omitempty"`
}

// CommitParams are the parameters for swap_commit.
type CommitParams struct {
	QuoteID string `json:"quote_id"`
	// Manual leaves waiting and claiming to the caller instead of driving
	// the swap in the background.
	Manual bool `json:"manual,omitempty"`
}

// SwapIDParams identify a single swap.
type SwapIDParams struct {
	SwapID string `json:"swap_id"`
}

// ListParams are the parameters for swap_list.
type ListParams struct {
	Limit  int      `json:"limit,omitempty"`
	States []string `json:"states,omitempty"`
}

// ListResult is returned by swap_list.
type ListResult struct {
	Swaps []*SwapInfo `json:"swaps"`
	Count int         `json:"count"`
}

// SwapInfo describes a swap.
type SwapInfo struct {
	ID             string              `json:"id"`
	Direction      string              `json:"direction"`
	Token          string              `json:"token"`
	State          string              `json:"state"`
	Committed      bool                `json:"committed"`
	Refundable     bool                `json:"refundable"`
	Quote          *QuoteInfo          `json:"quote"`
	HashLock       string              `json:"hash_lock"`
	Timeout        int64               `json:"timeout,omitempty"`
	EscrowID       string              `json:"escrow_id,omitempty"`
	EscrowTxID     string              `json:"escrow_txid,omitempty"`
	PaymentRequest string              `json:"payment_request,omitempty"`
	QRData         string              `json:"qr_data,omitempty"`
	Proof          *ProofInfo          `json:"proof,omitempty"`
	ClaimTxID      string              `json:"claim_txid,omitempty"`
	RefundTxID     string              `json:"refund_txid,omitempty"`
	ClaimedBy      string              `json:"claimed_by,omitempty"`
	SuccessAction  *swap.SuccessAction `json:"success_action,omitempty"`
	Reason         string              `json:"reason,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
	CreatedAt      int64               `json:"created_at"`
	UpdatedAt      int64               `json:"updated_at"`
	CompletedAt    int64               `json:"completed_at,omitempty"`
}

// ProofInfo describes the observed counter-leg payment. The preimage is
// only included once the swap is claimed.
type ProofInfo struct {
	Preimage            string `json:"preimage,omitempty"`
	TxID                string `json:"txid,omitempty"`
	Confirmations       uint32 `json:"confirmations,omitempty"`
	TargetConfirmations uint32 `json:"target_confirmations,omitempty"`
}

// OutcomeInfo is the payload of claim and refund events.
type OutcomeInfo struct {
	ClaimTxID     string              `json:"claim_txid,omitempty"`
	RefundTxID    string              `json:"refund_txid,omitempty"`
	ClaimedBy     string              `json:"claimed_by,omitempty"`
	SuccessAction *swap.SuccessAction `json:"success_action,omitempty"`
	Reason        string              `json:"reason,omitempty"`
}

// PaymentInfo is the payload of payment_progress events.
type PaymentInfo struct {
	Kind                string `json:"kind"`
	Settled             bool   `json:"settled,omitempty"`
	TxID                string `json:"txid,omitempty"`
	Confirmations       uint32 `json:"confirmations,omitempty"`
	TargetConfirmations uint32 `json:"target_confirmations,omitempty"`
}

// SwapEventInfo is pushed to websocket clients for every swap event.
type SwapEventInfo struct {
	SwapID    string      `json:"swap_id"`
	Event     string      `json:"event"`
	State     string      `json:"state"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// HistoryEntry is one recorded state transition.
type HistoryEntry struct {
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// HistoryResult is returned by swap_history.
type HistoryResult struct {
	SwapID string          `json:"swap_id"`
	Events []*HistoryEntry `json:"events"`
}

// ActionResult is returned by swap_claim and swap_refund.
type ActionResult struct {
	Swap *SwapInfo `json:"swap"`
}

// =============================================================================
// Conversions
// =============================================================================

func amountString(n *big.Int) string {
	if n == nil {
		return ""
	}
	return n.String()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func quoteToInfo(q *swap.Quote) *QuoteInfo {
	info := &QuoteInfo{
		ID:            q.ID,
		Direction:     q.Intent.Direction.String(),
		Token:         q.Intent.Token,
		InputAmount:   amountString(q.InputAmount),
		OutputAmount:  amountString(q.OutputAmount),
		Fee:           amountString(q.Fee),
		Unit:          q.Unit,
		CounterAmount: amountString(q.CounterAmount),
		CounterUnit:   q.CounterUnit,
		OfferedRate:   q.OfferedRate.String(),
		ReferenceRate: q.ReferenceRate.String(),
		DeviationPPM:  q.DeviationPPM,
		ExpiresAt:     unixOrZero(q.Expiry),
		LockDuration:  int64(q.LockDuration / time.Second),
		Counterparty:  q.Counterparty,
		PaymentTarget: q.PaymentTarget,
		Confirmations: q.Confirmations,
		Deposit:       amountString(q.SecurityDeposit),
		Bounty:        amountString(q.ClaimerBounty),
		SuccessAction: q.SuccessAction,
	}
	if q.HashLock != lntypes.ZeroHash {
		info.HashLock = q.HashLock.String()
	}
	return info
}

func swapToInfo(sw *swap.Swap) *SwapInfo {
	info := &SwapInfo{
		ID:             sw.ID,
		Direction:      sw.Direction.String(),
		Token:          sw.Token,
		State:          sw.State.String(),
		Committed:      sw.Committed,
		Refundable:     sw.Refundable(),
		Quote:          quoteToInfo(&sw.Quote),
		HashLock:       sw.HashLock.String(),
		Timeout:        unixOrZero(sw.Timeout),
		PaymentRequest: sw.PaymentRequest,
		QRData:         sw.QRData(),
		ClaimTxID:      sw.Outcome.ClaimTxID,
		RefundTxID:     sw.Outcome.RefundTxID,
		ClaimedBy:      string(sw.Outcome.ClaimedBy),
		SuccessAction:  sw.Outcome.SuccessAction,
		Reason:         sw.Outcome.Reason,
		LastError:      sw.LastError,
		CreatedAt:      unixOrZero(sw.CreatedAt),
		UpdatedAt:      unixOrZero(sw.UpdatedAt),
		CompletedAt:    unixOrZero(sw.CompletedAt),
	}
	if sw.Escrow != nil {
		info.EscrowID = sw.Escrow.ID
		info.EscrowTxID = sw.Escrow.TxID
	}
	if sw.HasProof() {
		info.Proof = proofToInfo(sw.Proof, sw.State == swap.StateClaimed)
	}
	return info
}

func proofToInfo(p swap.PaymentProof, withPreimage bool) *ProofInfo {
	info := &ProofInfo{
		TxID:                p.TxID,
		Confirmations:       p.Confirmations,
		TargetConfirmations: p.TargetConfirmations,
	}
	if withPreimage && p.Preimage != nil {
		info.Preimage = p.Preimage.String()
	}
	return info
}

func outcomeToInfo(o swap.Outcome) *OutcomeInfo {
	return &OutcomeInfo{
		ClaimTxID:     o.ClaimTxID,
		RefundTxID:    o.RefundTxID,
		ClaimedBy:     string(o.ClaimedBy),
		SuccessAction: o.SuccessAction,
		Reason:        o.Reason,
	}
}

func historyToResult(id string, events []*storage.SwapEventRecord) *HistoryResult {
	result := &HistoryResult{SwapID: id, Events: make([]*HistoryEntry, 0, len(events))}
	for _, ev := range events {
		result.Events = append(result.Events, &HistoryEntry{
			From:      ev.FromState,
			To:        ev.ToState,
			Detail:    ev.Detail,
			Timestamp: ev.CreatedAt.Unix(),
		})
	}
	return result
}

// swapEventToInfo converts an event payload into its wire form. Preimages
// in payment events are never pushed.
func swapEventToInfo(ev swap.SwapEvent) *SwapEventInfo {
	info := &SwapEventInfo{
		SwapID:    ev.SwapID,
		Event:     ev.EventType,
		State:     ev.State.String(),
		Timestamp: ev.Timestamp.Unix(),
	}

	switch data := ev.Data.(type) {
	case *swap.Swap:
		info.Data = swapToInfo(data)
	case swap.Outcome:
		info.Data = outcomeToInfo(data)
	case swap.PaymentProof:
		info.Data = proofToInfo(data, false)
	case swap.PaymentEvent:
		info.Data = &PaymentInfo{
			Kind:                string(data.Kind),
			Settled:             data.Preimage != nil,
			TxID:                data.TxID,
			Confirmations:       data.Confirmations,
			TargetConfirmations: data.TargetConfirmations,
		}
	case string:
		info.Data = map[string]string{"reason": data}
	}
	return info
}
