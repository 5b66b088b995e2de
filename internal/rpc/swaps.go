// Package rpc - Swap handlers.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"

	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
)

var errQuoteNotFound = errors.New("quote not found or expired")

const defaultListLimit = 50

// decodeParams unmarshals params into v. Empty params leave v untouched.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &ParamsError{Err: err}
	}
	return nil
}

func decodeSwapID(params json.RawMessage) (string, error) {
	var p SwapIDParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.SwapID == "" {
		return "", invalidParams("swap_id is required")
	}
	return p.SwapID, nil
}

// swapQuote prices a swap intent and caches the quote for swap_commit.
func (s *Server) swapQuote(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p QuoteParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	direction, err := swap.ParseDirection(p.Direction)
	if err != nil {
		return nil, &ParamsError{Err: err}
	}
	if p.Token == "" {
		return nil, invalidParams("token is required")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(p.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, invalidParams("amount must be a positive number of sats, got %q", p.Amount)
	}

	q, err := s.swaps.Quote(ctx, swap.Intent{
		Direction:   direction,
		Token:       p.Token,
		Amount:      amount,
		Destination: p.Destination,
		Comment:     p.Comment,
	})
	if err != nil {
		return nil, err
	}

	s.quotes.Add(q.ID, q)
	return quoteToInfo(q), nil
}

// swapCommit locks the escrow for a cached quote. Unless the caller asks
// for manual control, the swap is then driven to completion in the
// background and progress is pushed over the websocket.
func (s *Server) swapCommit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CommitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.QuoteID == "" {
		return nil, invalidParams("quote_id is required")
	}

	q, ok := s.quotes.Get(p.QuoteID)
	if !ok {
		return nil, errQuoteNotFound
	}

	sw, err := s.swaps.Commit(ctx, q)
	if err != nil {
		return nil, err
	}

	if !p.Manual {
		if err := s.swaps.Drive(sw.ID); err != nil {
			s.log.Warn("Failed to start swap driver", "swap_id", sw.ID, "error", err)
		}
	}

	s.log.Info("Swap committed over RPC", "swap_id", sw.ID, "direction", sw.Direction, "manual", p.Manual)
	return swapToInfo(sw), nil
}

// swapStatus returns the current state of a swap.
func (s *Server) swapStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := decodeSwapID(params)
	if err != nil {
		return nil, err
	}
	sw, err := s.swaps.GetStatus(id)
	if err != nil {
		return nil, err
	}
	return swapToInfo(sw), nil
}

// swapClaim claims the escrow of a paid swap.
func (s *Server) swapClaim(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := decodeSwapID(params)
	if err != nil {
		return nil, err
	}
	if err := s.swaps.Claim(ctx, id); err != nil {
		return nil, err
	}
	return s.actionResult(id)
}

// swapRefund refunds the escrow of a timed-out swap.
func (s *Server) swapRefund(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := decodeSwapID(params)
	if err != nil {
		return nil, err
	}
	if err := s.swaps.Refund(ctx, id); err != nil {
		return nil, err
	}
	return s.actionResult(id)
}

func (s *Server) actionResult(id string) (interface{}, error) {
	sw, err := s.swaps.GetStatus(id)
	if err != nil {
		return nil, err
	}
	return &ActionResult{Swap: swapToInfo(sw)}, nil
}

// swapList lists swaps, newest first, optionally filtered by state.
func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = defaultListLimit
	}

	states := make([]swap.State, 0, len(p.States))
	for _, st := range p.States {
		states = append(states, swap.State(strings.ToLower(st)))
	}

	swaps, err := s.swaps.List(p.Limit, states...)
	if err != nil {
		return nil, err
	}

	result := &ListResult{Swaps: make([]*SwapInfo, 0, len(swaps))}
	for _, sw := range swaps {
		result.Swaps = append(result.Swaps, swapToInfo(sw))
	}
	result.Count = len(result.Swaps)
	return result, nil
}

// swapHistory returns the recorded state transitions of a swap.
func (s *Server) swapHistory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := decodeSwapID(params)
	if err != nil {
		return nil, err
	}
	if _, err := s.swaps.GetStatus(id); err != nil {
		return nil, err
	}
	events, err := s.swaps.History(id)
	if err != nil {
		return nil, err
	}
	return historyToResult(id, events), nil
}
