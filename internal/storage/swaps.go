package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ErrSwapNotFound is returned when a swap record does not exist.
var ErrSwapNotFound = errors.New("swap not found")

// Terminal state names as written by the swap package. A committed swap in
// any other state still has funds in escrow.
const (
	StateClaimed  = "claimed"
	StateRefunded = "refunded"
)

// SwapRecord is the persisted snapshot of a swap.
type SwapRecord struct {
	ID        string
	Direction string
	State     string
	Token     string

	AmountIn  *big.Int
	AmountOut *big.Int
	Fee       *big.Int

	HashLock string
	EscrowID string
	EscrowTx string
	Timeout  time.Time

	Committed bool
	ClaimedBy string
	LastError string

	// Data holds the remaining swap fields (quote, proof, outcome) as JSON.
	Data json.RawMessage

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// SaveSwap saves or updates a swap record.
func (s *Storage) SaveSwap(rec *SwapRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("swap record without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `
		INSERT INTO swaps (
			id, direction, state, token,
			amount_in, amount_out, fee,
			hash_lock, escrow_id, escrow_tx, timeout,
			committed, claimed_by, last_error, data,
			created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			amount_in = excluded.amount_in,
			amount_out = excluded.amount_out,
			fee = excluded.fee,
			hash_lock = excluded.hash_lock,
			escrow_id = excluded.escrow_id,
			escrow_tx = excluded.escrow_tx,
			timeout = excluded.timeout,
			committed = excluded.committed,
			claimed_by = excluded.claimed_by,
			last_error = excluded.last_error,
			data = excluded.data,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.Exec(query,
		rec.ID,
		rec.Direction,
		rec.State,
		rec.Token,
		bigToText(rec.AmountIn),
		bigToText(rec.AmountOut),
		bigToText(rec.Fee),
		rec.HashLock,
		rec.EscrowID,
		rec.EscrowTx,
		timeToUnixOrZero(rec.Timeout),
		boolToInt(rec.Committed),
		rec.ClaimedBy,
		rec.LastError,
		string(rec.Data),
		rec.CreatedAt.Unix(),
		rec.UpdatedAt.Unix(),
		timeToUnixOrZero(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save swap %s: %w", rec.ID, err)
	}
	return nil
}

const swapColumns = `
	id, direction, state, token,
	amount_in, amount_out, fee,
	hash_lock, escrow_id, escrow_tx, timeout,
	committed, claimed_by, last_error, data,
	created_at, updated_at, completed_at
`

// GetSwap retrieves a swap by ID.
func (s *Storage) GetSwap(id string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+swapColumns+" FROM swaps WHERE id = ?", id)
	rec, err := scanSwap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSwapNotFound
	}
	return rec, err
}

// ListActiveSwaps returns committed swaps that have not reached a terminal
// state. These must be resumed on startup.
func (s *Storage) ListActiveSwaps() ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT "+swapColumns+" FROM swaps WHERE committed = 1 AND state NOT IN (?, ?) ORDER BY created_at ASC",
		StateClaimed, StateRefunded,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSwaps(rows)
}

// ListSwaps returns the most recent swaps, optionally filtered by state.
func (s *Storage) ListSwaps(limit int, states ...string) ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + swapColumns + " FROM swaps"
	var args []interface{}
	if len(states) > 0 {
		query += " WHERE state IN (?" + strings.Repeat(", ?", len(states)-1) + ")"
		for _, st := range states {
			args = append(args, st)
		}
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSwaps(rows)
}

// DeleteSwap deletes a swap and its history.
func (s *Storage) DeleteSwap(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM swaps WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete swap %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSwapNotFound
	}
	return nil
}

// DeleteCompletedBefore removes terminal swaps completed before the cutoff
// and returns how many were removed.
func (s *Storage) DeleteCompletedBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"DELETE FROM swaps WHERE state IN (?, ?) AND completed_at > 0 AND completed_at < ?",
		StateClaimed, StateRefunded, cutoff.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SwapCount returns the number of active and completed swaps.
func (s *Storage) SwapCount() (active, completed int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN committed = 1 AND state NOT IN (?, ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state IN (?, ?) THEN 1 ELSE 0 END), 0)
		FROM swaps`,
		StateClaimed, StateRefunded, StateClaimed, StateRefunded,
	).Scan(&active, &completed)
	return active, completed, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSwap(row rowScanner) (*SwapRecord, error) {
	var rec SwapRecord
	var amountIn, amountOut, fee, hashLock, escrowID, escrowTx, claimedBy, lastError, data sql.NullString
	var timeout, completedAt sql.NullInt64
	var committed int
	var createdAt, updatedAt int64

	err := row.Scan(
		&rec.ID,
		&rec.Direction,
		&rec.State,
		&rec.Token,
		&amountIn,
		&amountOut,
		&fee,
		&hashLock,
		&escrowID,
		&escrowTx,
		&timeout,
		&committed,
		&claimedBy,
		&lastError,
		&data,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if rec.AmountIn, err = textToBig(amountIn); err != nil {
		return nil, fmt.Errorf("swap %s amount_in: %w", rec.ID, err)
	}
	if rec.AmountOut, err = textToBig(amountOut); err != nil {
		return nil, fmt.Errorf("swap %s amount_out: %w", rec.ID, err)
	}
	if rec.Fee, err = textToBig(fee); err != nil {
		return nil, fmt.Errorf("swap %s fee: %w", rec.ID, err)
	}

	rec.HashLock = hashLock.String
	rec.EscrowID = escrowID.String
	rec.EscrowTx = escrowTx.String
	rec.ClaimedBy = claimedBy.String
	rec.LastError = lastError.String
	rec.Committed = committed == 1
	if data.Valid && data.String != "" {
		rec.Data = json.RawMessage(data.String)
	}
	if timeout.Valid && timeout.Int64 > 0 {
		rec.Timeout = time.Unix(timeout.Int64, 0)
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt.Valid && completedAt.Int64 > 0 {
		rec.CompletedAt = time.Unix(completedAt.Int64, 0)
	}

	return &rec, nil
}

func scanSwaps(rows *sql.Rows) ([]*SwapRecord, error) {
	var out []*SwapRecord
	for rows.Next() {
		rec, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func bigToText(n *big.Int) sql.NullString {
	if n == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: n.String(), Valid: true}
}

func textToBig(s sql.NullString) (*big.Int, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(s.String, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s.String)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
