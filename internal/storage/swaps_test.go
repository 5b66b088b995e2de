package storage

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"
)

// createTestSwapRecord creates a committed swap record with sensible defaults.
func createTestSwapRecord(id string) *SwapRecord {
	return &SwapRecord{
		ID:        id,
		Direction: "to_lightning",
		State:     "committed",
		Token:     "USDC",
		AmountIn:  big.NewInt(1_002_500),
		AmountOut: big.NewInt(1_000_000),
		Fee:       big.NewInt(2_500),
		HashLock:  "0xabcd",
		EscrowID:  "0x01",
		EscrowTx:  "0xfeed",
		Timeout:   time.Unix(1_900_000_000, 0),
		Committed: true,
		Data:      json.RawMessage(`{"invoice":"lnbc1"}`),
	}
}

func TestSwapCRUD(t *testing.T) {
	store := newTestStorage(t)

	rec := createTestSwapRecord("swap-001")
	if err := store.SaveSwap(rec); err != nil {
		t.Fatalf("SaveSwap() error = %v", err)
	}

	got, err := store.GetSwap("swap-001")
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}

	if got.Direction != rec.Direction {
		t.Errorf("Direction = %s, want %s", got.Direction, rec.Direction)
	}
	if got.AmountIn.Cmp(rec.AmountIn) != 0 {
		t.Errorf("AmountIn = %s, want %s", got.AmountIn, rec.AmountIn)
	}
	if got.Fee.Cmp(rec.Fee) != 0 {
		t.Errorf("Fee = %s, want %s", got.Fee, rec.Fee)
	}
	if !got.Timeout.Equal(rec.Timeout) {
		t.Errorf("Timeout = %v, want %v", got.Timeout, rec.Timeout)
	}
	if !got.Committed {
		t.Error("Committed = false, want true")
	}
	if string(got.Data) != string(rec.Data) {
		t.Errorf("Data = %s, want %s", got.Data, rec.Data)
	}

	// Update
	rec.State = StateClaimed
	rec.ClaimedBy = "watchtower"
	rec.CompletedAt = time.Now()
	if err := store.SaveSwap(rec); err != nil {
		t.Fatalf("SaveSwap(update) error = %v", err)
	}

	got, err = store.GetSwap("swap-001")
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}
	if got.State != StateClaimed {
		t.Errorf("State = %s, want %s", got.State, StateClaimed)
	}
	if got.ClaimedBy != "watchtower" {
		t.Errorf("ClaimedBy = %s, want watchtower", got.ClaimedBy)
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt not persisted")
	}

	// Delete
	if err := store.DeleteSwap("swap-001"); err != nil {
		t.Fatalf("DeleteSwap() error = %v", err)
	}
	if _, err := store.GetSwap("swap-001"); !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("GetSwap() after delete error = %v, want ErrSwapNotFound", err)
	}
	if err := store.DeleteSwap("swap-001"); !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("second DeleteSwap() error = %v, want ErrSwapNotFound", err)
	}
}

func TestSaveSwapRequiresID(t *testing.T) {
	store := newTestStorage(t)

	if err := store.SaveSwap(&SwapRecord{}); err == nil {
		t.Fatal("expected error for record without id")
	}
}

func TestAmountsArbitraryPrecision(t *testing.T) {
	store := newTestStorage(t)

	huge, _ := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	rec := createTestSwapRecord("swap-huge")
	rec.AmountIn = huge

	if err := store.SaveSwap(rec); err != nil {
		t.Fatalf("SaveSwap() error = %v", err)
	}
	got, err := store.GetSwap("swap-huge")
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}
	if got.AmountIn.Cmp(huge) != 0 {
		t.Errorf("AmountIn = %s, want %s", got.AmountIn, huge)
	}
}

func TestListActiveSwaps(t *testing.T) {
	store := newTestStorage(t)

	records := []struct {
		id        string
		state     string
		committed bool
	}{
		{"active-1", "committed", true},
		{"active-2", "payment_detected", true},
		{"failed-after-commit", "failed", true},
		{"claimed", StateClaimed, true},
		{"refunded", StateRefunded, true},
		{"failed-before-commit", "failed", false},
	}

	for _, r := range records {
		rec := createTestSwapRecord(r.id)
		rec.State = r.state
		rec.Committed = r.committed
		if err := store.SaveSwap(rec); err != nil {
			t.Fatalf("SaveSwap(%s) error = %v", r.id, err)
		}
	}

	active, err := store.ListActiveSwaps()
	if err != nil {
		t.Fatalf("ListActiveSwaps() error = %v", err)
	}

	want := map[string]bool{"active-1": true, "active-2": true, "failed-after-commit": true}
	if len(active) != len(want) {
		t.Fatalf("ListActiveSwaps() returned %d swaps, want %d", len(active), len(want))
	}
	for _, rec := range active {
		if !want[rec.ID] {
			t.Errorf("unexpected active swap %s", rec.ID)
		}
	}

	activeCount, completed, err := store.SwapCount()
	if err != nil {
		t.Fatalf("SwapCount() error = %v", err)
	}
	if activeCount != 3 || completed != 2 {
		t.Errorf("SwapCount() = %d, %d; want 3, 2", activeCount, completed)
	}
}

func TestListSwapsFilter(t *testing.T) {
	store := newTestStorage(t)

	for i, state := range []string{"committed", StateClaimed, StateClaimed} {
		rec := createTestSwapRecord(string(rune('a' + i)))
		rec.State = state
		if err := store.SaveSwap(rec); err != nil {
			t.Fatalf("SaveSwap() error = %v", err)
		}
	}

	all, err := store.ListSwaps(0)
	if err != nil {
		t.Fatalf("ListSwaps() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListSwaps() = %d records, want 3", len(all))
	}

	claimed, err := store.ListSwaps(10, StateClaimed)
	if err != nil {
		t.Fatalf("ListSwaps(claimed) error = %v", err)
	}
	if len(claimed) != 2 {
		t.Errorf("ListSwaps(claimed) = %d records, want 2", len(claimed))
	}

	limited, err := store.ListSwaps(1)
	if err != nil {
		t.Fatalf("ListSwaps(1) error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("ListSwaps(1) = %d records, want 1", len(limited))
	}
}

func TestDeleteCompletedBefore(t *testing.T) {
	store := newTestStorage(t)

	old := createTestSwapRecord("old")
	old.State = StateRefunded
	old.CompletedAt = time.Now().Add(-48 * time.Hour)

	recent := createTestSwapRecord("recent")
	recent.State = StateClaimed
	recent.CompletedAt = time.Now()

	pending := createTestSwapRecord("pending")

	for _, rec := range []*SwapRecord{old, recent, pending} {
		if err := store.SaveSwap(rec); err != nil {
			t.Fatalf("SaveSwap(%s) error = %v", rec.ID, err)
		}
	}

	n, err := store.DeleteCompletedBefore(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteCompletedBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d swaps, want 1", n)
	}
	if _, err := store.GetSwap("old"); !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("old swap still present: %v", err)
	}
	if _, err := store.GetSwap("recent"); err != nil {
		t.Errorf("recent swap removed: %v", err)
	}
	if _, err := store.GetSwap("pending"); err != nil {
		t.Errorf("pending swap removed: %v", err)
	}
}

func TestSwapEvents(t *testing.T) {
	store := newTestStorage(t)

	if err := store.SaveSwap(createTestSwapRecord("swap-ev")); err != nil {
		t.Fatalf("SaveSwap() error = %v", err)
	}

	transitions := [][2]string{
		{"created", "committed"},
		{"committed", "payment_pending"},
		{"payment_pending", "payment_detected"},
	}
	for _, tr := range transitions {
		if err := store.AppendSwapEvent(&SwapEventRecord{SwapID: "swap-ev", FromState: tr[0], ToState: tr[1]}); err != nil {
			t.Fatalf("AppendSwapEvent() error = %v", err)
		}
	}

	events, err := store.ListSwapEvents("swap-ev")
	if err != nil {
		t.Fatalf("ListSwapEvents() error = %v", err)
	}
	if len(events) != len(transitions) {
		t.Fatalf("got %d events, want %d", len(events), len(transitions))
	}
	for i, ev := range events {
		if ev.FromState != transitions[i][0] || ev.ToState != transitions[i][1] {
			t.Errorf("event %d = %s->%s, want %s->%s", i, ev.FromState, ev.ToState, transitions[i][0], transitions[i][1])
		}
	}

	// History goes with the swap.
	if err := store.DeleteSwap("swap-ev"); err != nil {
		t.Fatalf("DeleteSwap() error = %v", err)
	}
	events, err = store.ListSwapEvents("swap-ev")
	if err != nil {
		t.Fatalf("ListSwapEvents() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events after delete, want 0", len(events))
	}
}

func TestAppendEventUnknownSwap(t *testing.T) {
	store := newTestStorage(t)

	err := store.AppendSwapEvent(&SwapEventRecord{SwapID: "missing", ToState: "committed"})
	if err == nil {
		t.Fatal("expected foreign key error for unknown swap")
	}
}
