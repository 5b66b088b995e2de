// Package swap - Swapper manages active swaps and orchestrates the swap flow.
package swap

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/rkmonarch/atomiq-mark-1/internal/storage"
	"github.com/rkmonarch/atomiq-mark-1/pkg/logging"
)

const (
	defaultEscrowRetries   = 3
	defaultRetryBackoff    = 2 * time.Second
	defaultMaxRetryBackoff = 30 * time.Second
	lockLocateTimeout      = 2 * time.Minute
)

// NewSwapper creates a new swapper.
func NewSwapper(cfg *Config) (*Swapper, error) {
	if cfg.Escrow == nil {
		return nil, errors.New("escrow client is required")
	}
	if cfg.Watcher == nil {
		return nil, errors.New("payment watcher is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Swapper{
		quotes:        cfg.Quotes,
		escrow:        cfg.Escrow,
		watcher:       cfg.Watcher,
		resolver:      NewClaimRaceResolver(cfg.Escrow),
		lightning:     cfg.Lightning,
		store:         cfg.Store,
		retries:       cfg.EscrowRetries,
		backoff:       cfg.RetryBackoff,
		maxBackoff:    cfg.MaxRetryBackoff,
		invoiceExpiry: cfg.InvoiceExpiry,
		claimMargin:   cfg.ClaimMargin,
		swaps:         make(map[string]*activeSwap),
		byQuote:       make(map[string]string),
		eventHandlers: make([]EventHandler, 0),
		now:           time.Now,
		log:           logging.GetDefault().Component("swap"),
		ctx:           ctx,
		cancel:        cancel,
	}
	if s.retries < 0 {
		s.retries = 0
	} else if cfg.EscrowRetries == 0 {
		s.retries = defaultEscrowRetries
	}
	if s.backoff <= 0 {
		s.backoff = defaultRetryBackoff
	}
	if s.maxBackoff <= 0 {
		s.maxBackoff = defaultMaxRetryBackoff
	}
	if s.claimMargin < 0 {
		s.claimMargin = 0
	}
	cfg.Watcher.attachEscrow(cfg.Escrow, cfg.EscrowPollInterval)
	return s, nil
}

// OnEvent registers an event handler.
func (s *Swapper) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventHandlers = append(s.eventHandlers, handler)
}

// emitEvent emits an event to all handlers.
func (s *Swapper) emitEvent(sw *Swap, eventType string, data interface{}) {
	event := SwapEvent{
		SwapID:    sw.ID,
		EventType: eventType,
		State:     sw.State,
		Data:      data,
		Timestamp: s.now(),
	}

	s.mu.RLock()
	handlers := make([]EventHandler, len(s.eventHandlers))
	copy(handlers, s.eventHandlers)
	s.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

// Close stops background drivers and waits for them to exit.
func (s *Swapper) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// Quote prices an intent.
func (s *Swapper) Quote(ctx context.Context, intent Intent) (*Quote, error) {
	if s.quotes == nil {
		return nil, &Error{Kind: KindQuote, Op: "quote", Err: errors.New("quote engine not configured")}
	}
	return s.quotes.Quote(ctx, intent)
}

// Commit locks the escrow for a quote and returns the committed swap.
// Committing the same quote again returns the existing swap, or
// ErrSwapBusy while its lock is still in flight.
//
// A lock error that does not prove the lock failed is checked on chain
// before giving up. If the lock cannot be found or ruled out, the swap is
// kept as failed with LockInDoubt set and a KindCommit error wrapping
// ErrLockInDoubt is returned; the expiry sweep settles it later.
func (s *Swapper) Commit(ctx context.Context, quote *Quote) (*Swap, error) {
	if quote == nil {
		return nil, &Error{Kind: KindQuote, Op: "commit", Err: fmt.Errorf("%w: nil quote", ErrInvalidIntent)}
	}

	s.mu.Lock()
	if id, ok := s.byQuote[quote.ID]; ok {
		a := s.swaps[id]
		s.mu.Unlock()
		if a == nil {
			return nil, &Error{Kind: KindCommit, Op: "commit", SwapID: id, Err: ErrSwapBusy}
		}
		return s.recommit(ctx, a, quote)
	}

	now := s.now()
	if quote.Expired(now) {
		s.mu.Unlock()
		return nil, &Error{Kind: KindQuote, Op: "commit", Err: ErrQuoteExpired}
	}

	sw := &Swap{
		ID:              uuid.New().String(),
		Direction:       quote.Intent.Direction,
		Token:           quote.Intent.Token,
		Quote:           quote.clone(),
		State:           StateCreated,
		HashLock:        quote.HashLock,
		Timeout:         now.Add(quote.LockDuration),
		SecurityDeposit: cloneInt(quote.SecurityDeposit),
		ClaimerBounty:   cloneInt(quote.ClaimerBounty),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if sw.Direction == FromLightning {
		var preimage lntypes.Preimage
		if _, err := rand.Read(preimage[:]); err != nil {
			s.mu.Unlock()
			return nil, newError(KindCommit, "commit", sw, fmt.Errorf("generate preimage: %w", err))
		}
		sw.Preimage = &preimage
		sw.HashLock = preimage.Hash()
		sw.Quote.HashLock = sw.HashLock
	}

	a := &activeSwap{swap: sw}
	a.op.Lock()
	defer a.op.Unlock()
	s.swaps[sw.ID] = a
	s.byQuote[quote.ID] = sw.ID
	s.mu.Unlock()

	req := lockRequest(sw, quote)

	var handle *EscrowHandle
	err := s.withRetry(ctx, sw.ID, "lock", func() error {
		h, err := s.escrow.Lock(ctx, req)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		if lockRejected(err) {
			s.forget(sw.ID, quote.ID)
			s.log.Warn("Escrow lock failed", "swap_id", sw.ID, "error", err)
			return nil, newError(KindCommit, "commit", sw, err)
		}
		s.log.Warn("Escrow lock outcome unclear, checking chain", "swap_id", sw.ID, "error", err)
		var locateErr error
		handle, locateErr = s.locateLock(req, err)
		if locateErr != nil {
			return nil, s.lockInDoubt(a, handle, locateErr)
		}
	}

	return s.finishCommit(ctx, a, quote, handle)
}

// recommit answers a repeated Commit of a quote. A swap whose lock landed
// but was never recorded as committed is committed now.
func (s *Swapper) recommit(ctx context.Context, a *activeSwap, quote *Quote) (*Swap, error) {
	if !a.op.TryLock() {
		return nil, newError(KindCommit, "commit", a.snapshot(), ErrSwapBusy)
	}
	defer a.op.Unlock()

	snap := a.snapshot()
	if snap.State != StateCreated {
		return snap, nil
	}
	if snap.Escrow == nil {
		return nil, newError(KindCommit, "commit", snap, ErrSwapBusy)
	}
	return s.finishCommit(ctx, a, quote, snap.Escrow)
}

// finishCommit records a landed lock and moves the swap to Committed.
// NOTE: Caller must hold a.op.
func (s *Swapper) finishCommit(ctx context.Context, a *activeSwap, quote *Quote, handle *EscrowHandle) (*Swap, error) {
	h := *handle

	// Re-key on the escrow handle once the lock exists.
	a.mu.Lock()
	localID := a.swap.ID
	a.swap.Escrow = &h
	a.swap.Committed = true
	if h.ID != "" {
		a.swap.ID = h.ID
	}
	if a.swap.Direction == FromOnchain {
		a.swap.PaymentRequest = quote.PaymentTarget
	}
	newID := a.swap.ID
	a.mu.Unlock()
	if newID != localID {
		s.rekey(localID, newID, quote.ID, a)
	}

	detail := "escrow locked in " + h.TxID
	if h.TxID == "" {
		detail = "escrow lock found on chain"
	}
	if err := s.transition(a, StateCommitted, detail); err != nil {
		return nil, wrapError(KindCommit, "commit", a.snapshot(), err)
	}

	snap := a.snapshot()
	s.log.Info("Swap committed",
		"swap_id", snap.ID,
		"direction", snap.Direction,
		"escrow_tx", h.TxID,
		"timeout", snap.Timeout.Format(time.RFC3339))

	if snap.Direction == FromLightning {
		if err := s.createInvoice(ctx, a); err != nil {
			return nil, err
		}
	}

	snap = a.snapshot()
	s.emitEvent(snap, EventSwapCommitted, snap)
	return snap, nil
}

func lockRequest(sw *Swap, quote *Quote) LockRequest {
	req := LockRequest{
		Nonce:           sw.ID,
		Direction:       sw.Direction,
		HashLock:        sw.HashLock,
		Timeout:         sw.Timeout,
		Token:           sw.Token,
		Counterparty:    quote.Counterparty,
		SecurityDeposit: cloneInt(quote.SecurityDeposit),
		ClaimerBounty:   cloneInt(quote.ClaimerBounty),
		Authorization:   quote.Authorization,
	}
	if sw.Direction.Outgoing() {
		req.Amount = cloneInt(quote.InputAmount)
	} else {
		req.Amount = cloneInt(quote.CounterAmount)
	}
	return req
}

// lockRejected reports whether a lock error proves nothing was locked.
func lockRejected(err error) bool {
	return errors.Is(err, ErrEscrowRejected) || errors.Is(err, ErrInsufficientFunds)
}

var errLockNotLanded = errors.New("lock not found on chain")

// locateLock looks for the escrow of req after a lock call failed without
// a clear answer. The lookup runs on the swapper's own context so a
// cancelled caller does not cut it short.
func (s *Swapper) locateLock(req LockRequest, lockErr error) (*EscrowHandle, error) {
	ctx, cancel := context.WithTimeout(s.ctx, lockLocateTimeout)
	defer cancel()

	var handle *EscrowHandle
	err := s.withRetry(ctx, req.Nonce, "locate", func() error {
		h, state, err := s.escrow.Locate(ctx, req)
		if h != nil {
			handle = h
		}
		if err != nil {
			return err
		}
		if state == EscrowNotFound || h == nil {
			return errLockNotLanded
		}
		return nil
	})
	if err != nil {
		return handle, fmt.Errorf("%w: %v (lock error: %v)", ErrLockInDoubt, err, lockErr)
	}

	s.log.Warn("Escrow lock landed despite error", "swap_id", req.Nonce, "escrow_id", handle.ID, "error", lockErr)
	return handle, nil
}

// lockInDoubt keeps a swap whose lock may exist on chain as a failed
// committed swap, so it is stored, resumed and swept like any other.
// NOTE: Caller must hold a.op.
func (s *Swapper) lockInDoubt(a *activeSwap, handle *EscrowHandle, cause error) error {
	a.mu.Lock()
	a.swap.Committed = true
	a.swap.LockInDoubt = true
	a.swap.LastError = cause.Error()
	if handle != nil {
		h := *handle
		a.swap.Escrow = &h
	}
	a.mu.Unlock()

	snap := a.snapshot()
	s.log.Error("Escrow lock outcome unknown", "swap_id", snap.ID, "error", cause)
	commitErr := newError(KindCommit, "commit", snap, cause)
	if err := s.transition(a, StateFailed, cause.Error()); err != nil {
		return errors.Join(commitErr, err)
	}
	s.emitEvent(a.snapshot(), EventSwapFailed, cause.Error())
	return commitErr
}

// createInvoice creates the hold invoice the payer settles for FromLightning.
// The escrow is already locked, so a failure leaves the swap refundable.
func (s *Swapper) createInvoice(ctx context.Context, a *activeSwap) error {
	snap := a.snapshot()
	if s.lightning == nil {
		return s.failCommitted(a, newError(KindCommit, "commit", snap, errors.New("lightning gateway not configured")))
	}

	expiry := snap.Timeout.Sub(s.now())
	if s.invoiceExpiry > 0 && s.invoiceExpiry < expiry {
		expiry = s.invoiceExpiry
	}

	inv, err := s.lightning.CreateInvoice(ctx, InvoiceRequest{
		AmountSat:   snap.Quote.InputAmount.Int64(),
		Memo:        fmt.Sprintf("swap %s", snap.ID),
		PaymentHash: snap.HashLock,
		Expiry:      expiry,
	})
	if err != nil {
		return s.failCommitted(a, newError(KindCommit, "commit", snap, fmt.Errorf("create invoice: %w", err)))
	}

	return s.update(a, func(sw *Swap) {
		sw.PaymentRequest = inv.PaymentRequest
	})
}

// failCommitted moves a committed swap to Failed and returns cause.
func (s *Swapper) failCommitted(a *activeSwap, cause *Error) error {
	a.mu.Lock()
	a.swap.LastError = cause.Error()
	a.mu.Unlock()
	if err := s.transition(a, StateFailed, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	snap := a.snapshot()
	s.emitEvent(snap, EventSwapFailed, cause.Error())
	return cause
}

// GetStatus returns a snapshot of a swap from the active set or the store.
func (s *Swapper) GetStatus(id string) (*Swap, error) {
	if a := s.lookup(id); a != nil {
		return a.snapshot(), nil
	}
	if s.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	rec, err := s.store.GetSwap(id)
	if err != nil {
		if errors.Is(err, storage.ErrSwapNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, id)
		}
		return nil, newError(KindStore, "status", &Swap{ID: id}, err)
	}
	sw, err := swapFromRecord(rec)
	if err != nil {
		return nil, newError(KindStore, "status", &Swap{ID: id}, err)
	}
	return sw, nil
}

// List returns stored swaps, newest first.
func (s *Swapper) List(limit int, states ...State) ([]*Swap, error) {
	lister, ok := s.store.(Lister)
	if !ok {
		return s.listActive(), nil
	}

	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	records, err := lister.ListSwaps(limit, names...)
	if err != nil {
		return nil, newError(KindStore, "list", nil, err)
	}

	out := make([]*Swap, 0, len(records))
	for _, rec := range records {
		if a := s.lookup(rec.ID); a != nil {
			out = append(out, a.snapshot())
			continue
		}
		sw, err := swapFromRecord(rec)
		if err != nil {
			return nil, newError(KindStore, "list", &Swap{ID: rec.ID}, err)
		}
		out = append(out, sw)
	}
	return out, nil
}

func (s *Swapper) listActive() []*Swap {
	actives := s.actives()
	out := make([]*Swap, 0, len(actives))
	for _, a := range actives {
		out = append(out, a.snapshot())
	}
	return out
}

// actives copies the active set so callers never hold s.mu while taking a
// swap lock.
func (s *Swapper) actives() []*activeSwap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*activeSwap, 0, len(s.swaps))
	for _, a := range s.swaps {
		out = append(out, a)
	}
	return out
}

// ActiveCount returns the number of swaps in the active set.
func (s *Swapper) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.swaps)
}

func (s *Swapper) lookup(id string) *activeSwap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.swaps[id]
}

// acquire returns the active swap with its operation lock held.
func (s *Swapper) acquire(id, op string) (*activeSwap, error) {
	a := s.lookup(id)
	if a == nil {
		return nil, &Error{Kind: kindForOp(op), Op: op, SwapID: id, Err: ErrSwapNotFound}
	}
	if !a.op.TryLock() {
		return nil, newError(kindForOp(op), op, a.snapshot(), ErrSwapBusy)
	}
	return a, nil
}

func kindForOp(op string) Kind {
	switch op {
	case "wait":
		return KindWatcher
	case "refund":
		return KindRefund
	default:
		return KindClaim
	}
}

func (s *Swapper) rekey(oldID, newID, quoteID string, a *activeSwap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.swaps, oldID)
	s.swaps[newID] = a
	s.byQuote[quoteID] = newID
}

func (s *Swapper) forget(id, quoteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.swaps, id)
	if quoteID != "" && s.byQuote[quoteID] == id {
		delete(s.byQuote, quoteID)
	}
}

// withRetry runs fn until it succeeds, fails permanently or the retry
// budget is spent. The delay doubles after each attempt.
func (s *Swapper) withRetry(ctx context.Context, swapID, op string, fn func() error) error {
	backoff := s.backoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !IsRetryable(err) || attempt >= s.retries {
			return err
		}

		s.log.Warn("Operation failed, retrying",
			"swap_id", swapID,
			"op", op,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s interrupted: %w (last error: %v)", op, ctx.Err(), err)
		case <-timer.C:
		}

		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}
