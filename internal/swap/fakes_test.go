package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/shopspring/decimal"

	"github.com/rkmonarch/atomiq-mark-1/internal/storage"
)

const (
	testInvoice      = "lnbc10u1ptestinvoice"
	testnetAddress   = "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"
	testnetSwapAddr  = "tb1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3q0sl5k7"
	mainnetAddress   = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	errTransientText = "connection reset by peer"
)

var testPreimage = lntypes.Preimage{
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18,
	0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f, 0x20,
}

// =============================================================================
// Escrow
// =============================================================================

type fakeEscrow struct {
	mu sync.Mutex

	states map[string]EscrowState
	locks  []LockRequest

	lockErr      error
	lockFailures int   // transient failures before a lock succeeds
	lockLandsErr error // returned by a lock that still lands on chain
	lockGate     chan struct{}
	locateErr    error
	claimErr     error
	refundErr    error
	stateErr     error

	// beforeClaim runs inside Claim before the state check, e.g. to let a
	// watchtower win the race.
	beforeClaim func(handle EscrowHandle)

	claims  int
	refunds int
	proofs  []PaymentProof
}

func newFakeEscrow() *fakeEscrow {
	return &fakeEscrow{states: make(map[string]EscrowState)}
}

func (f *fakeEscrow) Lock(ctx context.Context, req LockRequest) (*EscrowHandle, error) {
	if f.lockGate != nil {
		<-f.lockGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.locks = append(f.locks, req)
	if f.lockFailures > 0 {
		f.lockFailures--
		return nil, errors.New(errTransientText)
	}
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	id := "escrow-" + req.Nonce
	f.states[id] = EscrowLocked
	if f.lockLandsErr != nil {
		return nil, f.lockLandsErr
	}
	return &EscrowHandle{ID: id, TxID: "0xlock", Contract: "0xcontract"}, nil
}

func (f *fakeEscrow) Locate(ctx context.Context, req LockRequest) (*EscrowHandle, EscrowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &EscrowHandle{ID: "escrow-" + req.Nonce, Contract: "0xcontract"}
	if f.locateErr != nil {
		return h, EscrowNotFound, f.locateErr
	}
	return h, f.states[h.ID], nil
}

func (f *fakeEscrow) Claim(ctx context.Context, h EscrowHandle, proof PaymentProof) (string, error) {
	if f.beforeClaim != nil {
		f.beforeClaim(h)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.claims++
	f.proofs = append(f.proofs, proof)
	if f.states[h.ID] == EscrowClaimed {
		return "", fmt.Errorf("execution reverted: %w", ErrAlreadyClaimed)
	}
	if f.claimErr != nil {
		return "", f.claimErr
	}
	f.states[h.ID] = EscrowClaimed
	return "0xclaim", nil
}

func (f *fakeEscrow) Refund(ctx context.Context, h EscrowHandle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refunds++
	if f.refundErr != nil {
		return "", f.refundErr
	}
	f.states[h.ID] = EscrowRefunded
	return "0xrefund", nil
}

func (f *fakeEscrow) State(ctx context.Context, h EscrowHandle) (EscrowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return EscrowNotFound, f.stateErr
	}
	return f.states[h.ID], nil
}

func (f *fakeEscrow) setState(id string, st EscrowState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = st
}

func (f *fakeEscrow) counts() (locks, claims, refunds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locks), f.claims, f.refunds
}

// =============================================================================
// Pricing and counterparty
// =============================================================================

type fakeOracle struct {
	rate decimal.Decimal
	err  error
}

func (f *fakeOracle) ReferenceRate(ctx context.Context, token string) (decimal.Decimal, error) {
	return f.rate, f.err
}

type fakeIntermediary struct {
	mu    sync.Mutex
	offer Offer
	err   error
	last  OfferRequest
}

func (f *fakeIntermediary) RequestOffer(ctx context.Context, req OfferRequest) (*Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	o := f.offer
	return &o, nil
}

// =============================================================================
// Lightning
// =============================================================================

type fakeLightning struct {
	mu sync.Mutex

	invoices map[string]*Invoice
	resolved *ResolvedInvoice
	lastLNURL, lastComment string

	created []InvoiceRequest

	settlements chan SettlementEvent
	errs        chan error
	watchErr    error
}

func newFakeLightning() *fakeLightning {
	return &fakeLightning{
		invoices:    make(map[string]*Invoice),
		settlements: make(chan SettlementEvent, 4),
		errs:        make(chan error, 1),
	}
}

func (f *fakeLightning) DecodeInvoice(pr string) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[pr]
	if !ok {
		return nil, errors.New("invalid bolt11 checksum")
	}
	c := *inv
	return &c, nil
}

func (f *fakeLightning) ResolveLNURL(ctx context.Context, target string, amountSat int64, comment string) (*ResolvedInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLNURL = target
	f.lastComment = comment
	if f.resolved == nil {
		return nil, errors.New("lnurl service unreachable")
	}
	c := *f.resolved
	return &c, nil
}

func (f *fakeLightning) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return &Invoice{
		PaymentRequest: fmt.Sprintf("lnbc%dn1phold", req.AmountSat),
		PaymentHash:    req.PaymentHash,
		AmountSat:      req.AmountSat,
		Expiry:         time.Now().Add(req.Expiry),
	}, nil
}

func (f *fakeLightning) WatchInvoice(ctx context.Context, inv Invoice) (<-chan SettlementEvent, <-chan error, error) {
	if f.watchErr != nil {
		return nil, nil, f.watchErr
	}
	return f.settlements, f.errs, nil
}

// =============================================================================
// Bitcoin
// =============================================================================

type fakeChain struct {
	mu        sync.Mutex
	events    chan ConfirmationEvent
	errs      chan error
	address   string
	minAmount int64
	watches   int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		events: make(chan ConfirmationEvent, 16),
		errs:   make(chan error, 1),
	}
}

func (f *fakeChain) WatchAddress(ctx context.Context, address string, minAmount int64) (<-chan ConfirmationEvent, <-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.address = address
	f.minAmount = minAmount
	f.watches++
	return f.events, f.errs, nil
}

func (f *fakeChain) watchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watches
}

// =============================================================================
// Storage
// =============================================================================

// flakyStore fails SaveSwap while broken, and for the next failures calls.
type flakyStore struct {
	*storage.Storage

	mu       sync.Mutex
	broken   bool
	failures int
}

func (f *flakyStore) SaveSwap(record *storage.SwapRecord) error {
	f.mu.Lock()
	fail := f.broken || f.failures > 0
	if f.failures > 0 {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return f.Storage.SaveSwap(record)
}

func (f *flakyStore) setBroken(broken bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = broken
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	escrow       *fakeEscrow
	oracle       *fakeOracle
	intermediary *fakeIntermediary
	lightning    *fakeLightning
	chain        *fakeChain
	store        *storage.Storage
	quotes       *QuoteEngine
	swapper      *Swapper
}

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		escrow:       newFakeEscrow(),
		oracle:       &fakeOracle{rate: decimal.NewFromInt(2)},
		intermediary: &fakeIntermediary{},
		lightning:    newFakeLightning(),
		chain:        newFakeChain(),
		store:        newTestStore(t),
	}

	h.lightning.invoices[testInvoice] = &Invoice{
		PaymentRequest: testInvoice,
		PaymentHash:    testPreimage.Hash(),
		AmountSat:      1000,
		Expiry:         time.Now().Add(time.Hour),
	}

	var err error
	h.quotes, err = NewQuoteEngine(&QuoteConfig{
		Oracle:       h.oracle,
		Intermediary: h.intermediary,
		Lightning:    h.lightning,
		Network:      &chaincfg.TestNet3Params,
		Tokens:       []string{"USDC"},
		TolerancePPM: 2500,
	})
	if err != nil {
		t.Fatalf("NewQuoteEngine() error = %v", err)
	}

	h.swapper = h.newSwapper(t)
	return h
}

func (h *harness) newSwapper(t *testing.T, opts ...func(*Config)) *Swapper {
	t.Helper()
	cfg := &Config{
		Quotes:             h.quotes,
		Escrow:             h.escrow,
		Watcher:            NewPaymentWatcher(h.lightning, h.chain),
		Lightning:          h.lightning,
		Store:              h.store,
		EscrowRetries:      3,
		RetryBackoff:       time.Millisecond,
		MaxRetryBackoff:    5 * time.Millisecond,
		EscrowPollInterval: 5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	s, err := NewSwapper(cfg)
	if err != nil {
		t.Fatalf("NewSwapper() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// toLightningOffer prices 1000 sat at 2 base units per sat plus a 5 unit fee.
func toLightningOffer() Offer {
	return Offer{
		ID:           "offer-ln",
		InputAmount:  big.NewInt(2005),
		Fee:          big.NewInt(5),
		Expiry:       time.Now().Add(time.Minute),
		LockDuration: time.Hour,
		Counterparty: "0x00000000000000000000000000000000000000aa",
	}
}

// fromOnchainOffer buys 19800 base units for 10000 sat minus a 100 sat fee.
func fromOnchainOffer() Offer {
	return Offer{
		ID:              "offer-chain",
		InputAmount:     big.NewInt(10000),
		Fee:             big.NewInt(100),
		CounterAmount:   big.NewInt(19800),
		Expiry:          time.Now().Add(time.Minute),
		LockDuration:    time.Hour,
		Counterparty:    "0x00000000000000000000000000000000000000bb",
		SwapAddress:     testnetSwapAddr,
		Confirmations:   1,
		SecurityDeposit: big.NewInt(50),
		ClaimerBounty:   big.NewInt(10),
	}
}

func toLightningIntent() Intent {
	return Intent{
		Direction:   ToLightning,
		Token:       "USDC",
		Amount:      big.NewInt(1000),
		Destination: testInvoice,
	}
}

func fromOnchainIntent() Intent {
	return Intent{
		Direction: FromOnchain,
		Token:     "USDC",
		Amount:    big.NewInt(10000),
	}
}

// collectEvents records swapper events on a buffered channel.
func collectEvents(s *Swapper) <-chan SwapEvent {
	ch := make(chan SwapEvent, 64)
	s.OnEvent(func(ev SwapEvent) { ch <- ev })
	return ch
}

func waitForEvent(t *testing.T, ch <-chan SwapEvent, eventType string) SwapEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.EventType == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", eventType)
			return SwapEvent{}
		}
	}
}

func waitForState(t *testing.T, s *Swapper, id string, want State) *Swap {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		sw, err := s.GetStatus(id)
		if err == nil && sw.State == want {
			return sw
		}
		if time.Now().After(deadline) {
			got := State("")
			if sw != nil {
				got = sw.State
			}
			t.Fatalf("swap %s state = %s, want %s (err %v)", id, got, want, err)
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}
