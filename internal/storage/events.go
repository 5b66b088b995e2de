package storage

import (
	"fmt"
	"time"
)

// SwapEventRecord is one entry in a swap's transition history.
type SwapEventRecord struct {
	ID        int64
	SwapID    string
	FromState string
	ToState   string
	Detail    string
	CreatedAt time.Time
}

// AppendSwapEvent records a state transition.
func (s *Storage) AppendSwapEvent(ev *SwapEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	res, err := s.db.Exec(
		"INSERT INTO swap_events (swap_id, from_state, to_state, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		ev.SwapID, ev.FromState, ev.ToState, ev.Detail, ev.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event for swap %s: %w", ev.SwapID, err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// ListSwapEvents returns the transition history of a swap, oldest first.
func (s *Storage) ListSwapEvents(swapID string) ([]*SwapEventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, swap_id, from_state, to_state, detail, created_at FROM swap_events WHERE swap_id = ? ORDER BY id ASC",
		swapID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SwapEventRecord
	for rows.Next() {
		var ev SwapEventRecord
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.SwapID, &ev.FromState, &ev.ToState, &ev.Detail, &createdAt); err != nil {
			return nil, err
		}
		ev.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
