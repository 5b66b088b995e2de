package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
)

var (
	testContract     = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	testToken        = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	testCounterparty = "0x00000000000000000000000000000000000000aa"
)

// =============================================================================
// Fake contract
// =============================================================================

type sentTx struct {
	method string
	params []interface{}
	value  *big.Int
	tx     *types.Transaction
}

type fakeContract struct {
	mu sync.Mutex

	states    map[[32]byte]uint8
	allowance *big.Int
	sent      []sentTx

	transactErr error
	callErr     error
	nonce       uint64
}

func newFakeContract() *fakeContract {
	return &fakeContract{states: make(map[[32]byte]uint8), allowance: new(big.Int)}
}

func (f *fakeContract) Call(opts *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return f.callErr
	}
	switch method {
	case "getState":
		*results = []interface{}{f.states[params[0].([32]byte)]}
	case "allowance":
		*results = []interface{}{new(big.Int).Set(f.allowance)}
	default:
		return fmt.Errorf("unexpected call %s", method)
	}
	return nil
}

func (f *fakeContract) Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transactErr != nil {
		return nil, f.transactErr
	}

	to := testContract
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    f.nonce,
		GasPrice: big.NewInt(1),
		Gas:      100000,
		To:       &to,
		Value:    opts.Value,
	})
	f.nonce++
	signed, err := opts.Signer(opts.From, tx)
	if err != nil {
		return nil, err
	}

	f.sent = append(f.sent, sentTx{method: method, params: params, value: opts.Value, tx: signed})
	switch method {
	case "lock":
		f.states[params[0].([32]byte)] = stateLocked
	case "claim":
		f.states[params[0].([32]byte)] = stateClaimed
	case "refund":
		f.states[params[0].([32]byte)] = stateRefunded
	case "approve":
		f.allowance = new(big.Int).Set(params[1].(*big.Int))
	}
	return signed, nil
}

func (f *fakeContract) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.method
	}
	return out
}

func newTestClient(t *testing.T, escrow, token *fakeContract, status uint64) *Client {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	c, err := newClient(escrow, testContract, big.NewInt(11155111), &Config{
		Tokens: map[string]string{
			"ETH":  "",
			"usdc": testToken.Hex(),
		},
		Signer: NewKeySigner(key),
	})
	if err != nil {
		t.Fatalf("newClient() error = %v", err)
	}
	c.bindToken = func(common.Address) contract { return token }
	c.waitMined = func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
		return &types.Receipt{Status: status, TxHash: tx.Hash()}, nil
	}
	return c
}

func testLockRequest(d swap.Direction, token string) swap.LockRequest {
	preimage := lntypes.Preimage{1, 2, 3}
	return swap.LockRequest{
		Nonce:        "swap-1",
		Direction:    d,
		HashLock:     preimage.Hash(),
		Timeout:      time.Unix(1_900_000_000, 0),
		Amount:       big.NewInt(2005),
		Token:        token,
		Counterparty: testCounterparty,
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestLockOutgoingERC20(t *testing.T) {
	escrow, token := newFakeContract(), newFakeContract()
	c := newTestClient(t, escrow, token, types.ReceiptStatusSuccessful)

	h, err := c.Lock(context.Background(), testLockRequest(swap.ToLightning, "USDC"))
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	if got := token.methods(); len(got) != 1 || got[0] != "approve" {
		t.Fatalf("token calls = %v, want one approve", got)
	}
	if len(escrow.sent) != 1 || escrow.sent[0].method != "lock" {
		t.Fatalf("escrow calls = %v, want one lock", escrow.methods())
	}

	lock := escrow.sent[0]
	if lock.params[1].(common.Address) != c.Address() {
		t.Error("offerer is not the signer for an outgoing swap")
	}
	if lock.params[2].(common.Address) != common.HexToAddress(testCounterparty) {
		t.Error("claimer is not the counterparty")
	}
	if lock.params[3].(common.Address) != testToken {
		t.Error("lock does not use the configured token")
	}
	if lock.params[7].(uint8) != kindPreimage {
		t.Error("lightning swap not locked as preimage escrow")
	}
	if lock.value != nil {
		t.Errorf("ERC-20 lock sent value %s", lock.value)
	}

	if h.ID != common.Hash(lock.params[0].([32]byte)).Hex() {
		t.Errorf("handle id %s does not match lock id", h.ID)
	}
	if h.TxID != lock.tx.Hash().Hex() || h.Contract != testContract.Hex() {
		t.Errorf("handle = %+v", h)
	}

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(11155111)), lock.tx)
	if err != nil || from != c.Address() {
		t.Errorf("lock tx signed by %s (%v), want %s", from.Hex(), err, c.Address().Hex())
	}
}

func TestLockIsIdempotent(t *testing.T) {
	escrow, token := newFakeContract(), newFakeContract()
	token.allowance = big.NewInt(1_000_000)
	c := newTestClient(t, escrow, token, types.ReceiptStatusSuccessful)

	req := testLockRequest(swap.ToLightning, "USDC")
	first, err := c.Lock(context.Background(), req)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	second, err := c.Lock(context.Background(), req)
	if err != nil {
		t.Fatalf("second Lock() error = %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("retried lock id %s, want %s", second.ID, first.ID)
	}
	if got := escrow.methods(); len(got) != 1 {
		t.Errorf("escrow transactions = %v, want one lock", got)
	}
	if got := token.methods(); len(got) != 0 {
		t.Errorf("approved despite sufficient allowance: %v", got)
	}
}

func TestLocateFindsLandedLock(t *testing.T) {
	escrow, token := newFakeContract(), newFakeContract()
	token.allowance = big.NewInt(1_000_000)
	c := newTestClient(t, escrow, token, types.ReceiptStatusSuccessful)
	req := testLockRequest(swap.ToLightning, "USDC")

	h, state, err := c.Locate(context.Background(), req)
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if state != swap.EscrowNotFound {
		t.Errorf("state before lock = %s, want not found", state)
	}

	locked, err := c.Lock(context.Background(), req)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if h.ID != locked.ID {
		t.Errorf("Locate() id %s, Lock() id %s", h.ID, locked.ID)
	}

	_, state, err = c.Locate(context.Background(), req)
	if err != nil || state != swap.EscrowLocked {
		t.Errorf("Locate() after lock = %s, %v, want locked", state, err)
	}
	if got := escrow.methods(); len(got) != 1 {
		t.Errorf("escrow transactions = %v, want one lock", got)
	}

	escrow.callErr = errors.New("connection refused")
	h, _, err = c.Locate(context.Background(), req)
	if err == nil {
		t.Fatal("Locate() error = nil with a failing node")
	}
	if h == nil || h.ID != locked.ID {
		t.Errorf("Locate() handle = %+v on read error, want %s", h, locked.ID)
	}
}

func TestLockIncomingPostsDeposit(t *testing.T) {
	escrow := newFakeContract()
	c := newTestClient(t, escrow, newFakeContract(), types.ReceiptStatusSuccessful)

	req := testLockRequest(swap.FromOnchain, "ETH")
	req.SecurityDeposit = big.NewInt(50)
	req.ClaimerBounty = big.NewInt(10)
	req.Authorization = []byte{0xde, 0xad}

	if _, err := c.Lock(context.Background(), req); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	lock := escrow.sent[0]
	if lock.params[1].(common.Address) != common.HexToAddress(testCounterparty) || lock.params[2].(common.Address) != c.Address() {
		t.Error("incoming swap must lock counterparty funds for the signer")
	}
	if lock.params[7].(uint8) != kindChainTx {
		t.Error("on-chain swap not locked as transaction escrow")
	}
	if lock.value == nil || lock.value.Int64() != 60 {
		t.Errorf("value = %v, want deposit + bounty = 60", lock.value)
	}
	if string(lock.params[10].([]byte)) != string(req.Authorization) {
		t.Error("authorization not forwarded")
	}
}

func TestLockRejectsBadRequest(t *testing.T) {
	c := newTestClient(t, newFakeContract(), newFakeContract(), types.ReceiptStatusSuccessful)

	tests := []struct {
		name string
		mod  func(*swap.LockRequest)
	}{
		{"unknown token", func(r *swap.LockRequest) { r.Token = "DOGE" }},
		{"zero amount", func(r *swap.LockRequest) { r.Amount = big.NewInt(0) }},
		{"bad counterparty", func(r *swap.LockRequest) { r.Counterparty = "bob" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testLockRequest(swap.ToOnchain, "ETH")
			tt.mod(&req)
			if _, err := c.Lock(context.Background(), req); !errors.Is(err, swap.ErrEscrowRejected) {
				t.Fatalf("Lock() error = %v, want ErrEscrowRejected", err)
			}
		})
	}
}

func TestClaimWitness(t *testing.T) {
	escrow := newFakeContract()
	c := newTestClient(t, escrow, newFakeContract(), types.ReceiptStatusSuccessful)

	h, err := c.Lock(context.Background(), testLockRequest(swap.ToLightning, "ETH"))
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	preimage := lntypes.Preimage{1, 2, 3}
	txid, err := c.Claim(context.Background(), *h, swap.PaymentProof{Preimage: &preimage})
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	claim := escrow.sent[1]
	if claim.method != "claim" || txid != claim.tx.Hash().Hex() {
		t.Fatalf("claim = %s %s", claim.method, txid)
	}
	if w := claim.params[1].([]byte); len(w) != 32 || lntypes.Preimage(w) != preimage {
		t.Errorf("witness = %x, want the preimage", w)
	}

	state, err := c.State(context.Background(), *h)
	if err != nil || state != swap.EscrowClaimed {
		t.Errorf("State() = %s, %v, want claimed", state, err)
	}
}

func TestEncodeTxProofWitness(t *testing.T) {
	txid := "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
	w, err := encodeWitness(swap.PaymentProof{TxID: txid, Confirmations: 2})
	if err != nil {
		t.Fatalf("encodeWitness() error = %v", err)
	}
	if len(w) != 64 {
		t.Fatalf("witness length = %d, want 64", len(w))
	}
	if common.Bytes2Hex(w[:32]) != txid || w[63] != 2 {
		t.Errorf("witness = %x", w)
	}

	if _, err := encodeWitness(swap.PaymentProof{}); !errors.Is(err, swap.ErrNoProof) {
		t.Errorf("empty proof error = %v, want ErrNoProof", err)
	}
}

func TestRevertedReceipt(t *testing.T) {
	escrow := newFakeContract()
	c := newTestClient(t, escrow, newFakeContract(), types.ReceiptStatusFailed)

	_, err := c.Lock(context.Background(), testLockRequest(swap.ToOnchain, "ETH"))
	if !errors.Is(err, swap.ErrEscrowRejected) {
		t.Fatalf("Lock() error = %v, want ErrEscrowRejected", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"execution reverted: already claimed", swap.ErrAlreadyClaimed},
		{"execution reverted: Escrow: already refunded", swap.ErrAlreadyRefunded},
		{"execution reverted: unknown escrow", swap.ErrEscrowNotFound},
		{"insufficient funds for gas * price + value", swap.ErrInsufficientFunds},
		{"execution reverted: ERC20: transfer amount exceeds allowance", swap.ErrInsufficientFunds},
		{"execution reverted: expired", swap.ErrEscrowRejected},
	}
	for _, tt := range tests {
		if err := classify(errors.New(tt.msg)); !errors.Is(err, tt.want) {
			t.Errorf("classify(%q) = %v, want %v", tt.msg, err, tt.want)
		}
	}

	transient := errors.New("dial tcp: connection refused")
	if err := classify(transient); err != transient {
		t.Errorf("classify() changed a transport error: %v", err)
	}
	if !swap.IsRetryable(classify(transient)) {
		t.Error("transport error should stay retryable")
	}
}

func TestEscrowIDDeterministic(t *testing.T) {
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")
	hash := [32]byte{9}

	id1, err := escrowID(a, b, common.Address{}, big.NewInt(5), hash, big.NewInt(100), "n1")
	if err != nil {
		t.Fatalf("escrowID() error = %v", err)
	}
	id2, _ := escrowID(a, b, common.Address{}, big.NewInt(5), hash, big.NewInt(100), "n1")
	id3, _ := escrowID(a, b, common.Address{}, big.NewInt(5), hash, big.NewInt(100), "n2")

	if id1 != id2 {
		t.Error("same terms produced different ids")
	}
	if id1 == id3 {
		t.Error("different nonces produced the same id")
	}
}

func TestParseKeySigner(t *testing.T) {
	// Anvil's first development key.
	s, err := ParseKeySigner("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	if err != nil {
		t.Fatalf("ParseKeySigner() error = %v", err)
	}
	if s.Address() != common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266") {
		t.Errorf("Address() = %s", s.Address().Hex())
	}
	if _, err := ParseKeySigner("nothex"); err == nil {
		t.Error("ParseKeySigner() accepted garbage")
	}
}

// =============================================================================
// Integration (requires a node with the escrow deployed)
// =============================================================================

func TestIntegrationEscrowState(t *testing.T) {
	rpcURL := os.Getenv("ATOMIQ_TEST_ESCROW_RPC")
	contractAddr := os.Getenv("ATOMIQ_TEST_ESCROW_CONTRACT")
	if rpcURL == "" || contractAddr == "" {
		t.Skip("ATOMIQ_TEST_ESCROW_RPC and ATOMIQ_TEST_ESCROW_CONTRACT not set")
	}

	key, _ := crypto.GenerateKey()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := Dial(ctx, &Config{RPCURL: rpcURL, Contract: contractAddr, Signer: NewKeySigner(key)})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	state, err := c.State(ctx, swap.EscrowHandle{ID: common.Hash{}.Hex()})
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state != swap.EscrowNotFound {
		t.Errorf("State(zero id) = %s, want not_found", state)
	}
}
