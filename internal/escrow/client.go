package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
	"github.com/rkmonarch/atomiq-mark-1/pkg/logging"
)

// On-chain escrow states, as returned by getState.
const (
	stateEmpty    uint8 = 0
	stateLocked   uint8 = 1
	stateClaimed  uint8 = 2
	stateRefunded uint8 = 3
)

// Claim conditions stored with a lock.
const (
	kindPreimage uint8 = 0 // Lightning: sha256(preimage) == paymentHash
	kindChainTx  uint8 = 1 // Bitcoin: confirmed transaction proof
)

const defaultReceiptTimeout = 5 * time.Minute

// contract is the subset of *bind.BoundContract the client uses.
type contract interface {
	Call(opts *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

// Config configures the escrow client.
type Config struct {
	RPCURL   string
	Contract string

	// ChainID is queried from the node when zero.
	ChainID uint64

	// Tokens maps token ids to ERC-20 addresses. An empty address is the
	// native coin.
	Tokens map[string]string

	Signer Signer

	// GasLimit overrides gas estimation when non-zero.
	GasLimit uint64

	ReceiptTimeout time.Duration
}

// Client locks, claims and refunds escrows. It implements swap.EscrowClient.
type Client struct {
	eth      *ethclient.Client
	escrow   contract
	address  common.Address
	chainID  *big.Int
	signer   Signer
	tokens   map[string]common.Address
	gasLimit uint64
	timeout  time.Duration

	bindToken func(common.Address) contract
	waitMined func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)

	// sendMu serialises transactions from the signer account so nonces
	// are assigned in order.
	sendMu sync.Mutex

	log *logging.Logger
}

var _ swap.EscrowClient = (*Client)(nil)

// Dial connects to the escrow chain and binds the contract.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg.Signer == nil {
		return nil, errors.New("escrow signer is required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid escrow contract address %q", cfg.Contract)
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	chainID := new(big.Int).SetUint64(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("failed to get chain ID: %w", err)
		}
	}

	address := common.HexToAddress(cfg.Contract)
	c, err := newClient(
		bind.NewBoundContract(address, parsedEscrowABI, eth, eth, eth),
		address, chainID, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.eth = eth
	c.bindToken = func(token common.Address) contract {
		return bind.NewBoundContract(token, parsedERC20ABI, eth, eth, eth)
	}
	c.waitMined = func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
		return bind.WaitMined(ctx, eth, tx)
	}
	return c, nil
}

func newClient(escrow contract, address common.Address, chainID *big.Int, cfg *Config) (*Client, error) {
	tokens := make(map[string]common.Address, len(cfg.Tokens))
	for id, addr := range cfg.Tokens {
		if addr != "" && !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid address %q for token %s", addr, id)
		}
		tokens[strings.ToUpper(id)] = common.HexToAddress(addr)
	}

	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = defaultReceiptTimeout
	}

	return &Client{
		escrow:   escrow,
		address:  address,
		chainID:  chainID,
		signer:   cfg.Signer,
		tokens:   tokens,
		gasLimit: cfg.GasLimit,
		timeout:  timeout,
		log:      logging.GetDefault().Component("escrow"),
	}, nil
}

// Close closes the RPC connection.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// Address returns the signer account.
func (c *Client) Address() common.Address {
	return c.signer.Address()
}

// ChainID returns the escrow chain id.
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// =============================================================================
// swap.EscrowClient
// =============================================================================

// Lock creates the escrow for req. The escrow id is derived from the lock
// terms and req.Nonce, so a retry after a lock that already landed finds it
// on chain and returns the same handle without sending a second transaction.
func (c *Client) Lock(ctx context.Context, req swap.LockRequest) (*swap.EscrowHandle, error) {
	t, err := c.lockTerms(req)
	if err != nil {
		return nil, err
	}

	state, err := c.getState(ctx, t.id)
	if err != nil {
		return nil, err
	}
	switch state {
	case stateEmpty:
	case stateLocked:
		c.log.Info("Escrow already locked", "escrow_id", t.idHex())
		return c.handle(t.id, ""), nil
	default:
		return nil, fmt.Errorf("%w: escrow %s is already settled", swap.ErrEscrowRejected, t.idHex())
	}

	if req.Direction.Outgoing() && t.token != (common.Address{}) {
		if err := c.ensureAllowance(ctx, t.token, t.amount); err != nil {
			return nil, err
		}
	}

	tx, err := c.send(ctx, t.value, "lock",
		t.id, t.offerer, t.claimer, t.token, t.amount,
		[32]byte(req.HashLock), t.expiry, t.kind,
		t.deposit, t.bounty, req.Authorization)
	if err != nil {
		return nil, fmt.Errorf("lock escrow: %w", err)
	}

	c.log.Info("Escrow locked",
		"escrow_id", t.idHex(),
		"tx", tx.Hash().Hex(),
		"amount", t.amount,
		"expiry", req.Timeout.Format(time.RFC3339))

	return c.handle(t.id, tx.Hash().Hex()), nil
}

// Claim releases the escrow with the payment proof. A proof carrying a
// preimage claims a Lightning lock; otherwise the Bitcoin transaction is
// submitted as the witness.
func (c *Client) Claim(ctx context.Context, h swap.EscrowHandle, proof swap.PaymentProof) (string, error) {
	id, err := parseID(h.ID)
	if err != nil {
		return "", err
	}
	witness, err := encodeWitness(proof)
	if err != nil {
		return "", err
	}

	tx, err := c.send(ctx, nil, "claim", id, witness)
	if err != nil {
		return "", fmt.Errorf("claim escrow %s: %w", h.ID, err)
	}
	c.log.Info("Escrow claimed", "escrow_id", h.ID, "tx", tx.Hash().Hex())
	return tx.Hash().Hex(), nil
}

// Refund returns the locked funds to the offerer after the expiry.
func (c *Client) Refund(ctx context.Context, h swap.EscrowHandle) (string, error) {
	id, err := parseID(h.ID)
	if err != nil {
		return "", err
	}

	tx, err := c.send(ctx, nil, "refund", id)
	if err != nil {
		return "", fmt.Errorf("refund escrow %s: %w", h.ID, err)
	}
	c.log.Info("Escrow refunded", "escrow_id", h.ID, "tx", tx.Hash().Hex())
	return tx.Hash().Hex(), nil
}

// State reads the escrow state from the contract.
func (c *Client) State(ctx context.Context, h swap.EscrowHandle) (swap.EscrowState, error) {
	id, err := parseID(h.ID)
	if err != nil {
		return swap.EscrowNotFound, err
	}
	state, err := c.getState(ctx, id)
	if err != nil {
		return swap.EscrowNotFound, err
	}
	return escrowState(state), nil
}

// Locate derives the escrow a Lock of req would create and reads its state
// without sending a transaction. The handle is returned even when the state
// read fails.
func (c *Client) Locate(ctx context.Context, req swap.LockRequest) (*swap.EscrowHandle, swap.EscrowState, error) {
	t, err := c.lockTerms(req)
	if err != nil {
		return nil, swap.EscrowNotFound, err
	}
	h := c.handle(t.id, "")
	state, err := c.getState(ctx, t.id)
	if err != nil {
		return h, swap.EscrowNotFound, err
	}
	return h, escrowState(state), nil
}

func escrowState(state uint8) swap.EscrowState {
	switch state {
	case stateLocked:
		return swap.EscrowLocked
	case stateClaimed:
		return swap.EscrowClaimed
	case stateRefunded:
		return swap.EscrowRefunded
	default:
		return swap.EscrowNotFound
	}
}

// =============================================================================
// Lock terms
// =============================================================================

type lockTerms struct {
	id      [32]byte
	offerer common.Address
	claimer common.Address
	token   common.Address
	amount  *big.Int
	expiry  *big.Int
	kind    uint8
	deposit *big.Int
	bounty  *big.Int
	value   *big.Int
}

func (t *lockTerms) idHex() string {
	return common.Hash(t.id).Hex()
}

// lockTerms maps a lock request onto contract arguments. The signer is the
// offerer of outgoing swaps and the claimer of incoming ones.
func (c *Client) lockTerms(req swap.LockRequest) (*lockTerms, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: lock amount must be positive", swap.ErrEscrowRejected)
	}
	if !common.IsHexAddress(req.Counterparty) {
		return nil, fmt.Errorf("%w: invalid counterparty address %q", swap.ErrEscrowRejected, req.Counterparty)
	}
	token, ok := c.tokens[strings.ToUpper(req.Token)]
	if !ok {
		return nil, fmt.Errorf("%w: token %s not configured", swap.ErrEscrowRejected, req.Token)
	}

	t := &lockTerms{
		token:   token,
		amount:  new(big.Int).Set(req.Amount),
		expiry:  big.NewInt(req.Timeout.Unix()),
		deposit: orZero(req.SecurityDeposit),
		bounty:  orZero(req.ClaimerBounty),
		value:   new(big.Int),
	}
	if req.Direction.Lightning() {
		t.kind = kindPreimage
	} else {
		t.kind = kindChainTx
	}

	self := c.signer.Address()
	counterparty := common.HexToAddress(req.Counterparty)
	if req.Direction.Outgoing() {
		t.offerer, t.claimer = self, counterparty
		if token == (common.Address{}) {
			t.value.Set(t.amount)
		}
	} else {
		// The claimer posts the deposit and bounty; the token amount is
		// pulled from the offerer through its authorization.
		t.offerer, t.claimer = counterparty, self
		t.value.Add(t.deposit, t.bounty)
	}

	id, err := escrowID(t.offerer, t.claimer, t.token, t.amount, req.HashLock, t.expiry, req.Nonce)
	if err != nil {
		return nil, err
	}
	t.id = id
	return t, nil
}

// escrowID hashes the lock terms into the contract key.
func escrowID(offerer, claimer, token common.Address, amount *big.Int, paymentHash [32]byte, expiry *big.Int, nonce string) ([32]byte, error) {
	var nonceHash [32]byte
	copy(nonceHash[:], crypto.Keccak256([]byte(nonce)))

	packed, err := idArgs.Pack(offerer, claimer, token, amount, paymentHash, expiry, nonceHash)
	if err != nil {
		return [32]byte{}, fmt.Errorf("encode escrow id: %w", err)
	}
	var id [32]byte
	copy(id[:], crypto.Keccak256(packed))
	return id, nil
}

// encodeWitness builds the claim witness for proof.
func encodeWitness(proof swap.PaymentProof) ([]byte, error) {
	if proof.Preimage != nil {
		p := *proof.Preimage
		return p[:], nil
	}
	if proof.TxID == "" {
		return nil, fmt.Errorf("%w: proof has neither preimage nor transaction", swap.ErrNoProof)
	}
	txid, err := parseID(proof.TxID)
	if err != nil {
		return nil, err
	}
	return txProofArgs.Pack(txid, proof.Confirmations)
}

func parseID(s string) ([32]byte, error) {
	raw := strings.TrimPrefix(s, "0x")
	if len(raw) != 64 {
		return [32]byte{}, fmt.Errorf("%w: malformed id %q", swap.ErrEscrowNotFound, s)
	}
	b := common.FromHex(raw)
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("%w: malformed id %q", swap.ErrEscrowNotFound, s)
	}
	return [32]byte(b), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func (c *Client) handle(id [32]byte, txID string) *swap.EscrowHandle {
	return &swap.EscrowHandle{
		ID:       common.Hash(id).Hex(),
		TxID:     txID,
		Contract: c.address.Hex(),
	}
}

// =============================================================================
// Transaction helpers
// =============================================================================

func (c *Client) getState(ctx context.Context, id [32]byte) (uint8, error) {
	var out []interface{}
	if err := c.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "getState", id); err != nil {
		return 0, fmt.Errorf("read escrow state: %w", classify(err))
	}
	if len(out) == 0 {
		return 0, errors.New("read escrow state: empty result")
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

// ensureAllowance approves the escrow contract to pull amount of token.
func (c *Client) ensureAllowance(ctx context.Context, token common.Address, amount *big.Int) error {
	erc20 := c.bindToken(token)

	var out []interface{}
	if err := erc20.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", c.signer.Address(), c.address); err != nil {
		return fmt.Errorf("read allowance: %w", classify(err))
	}
	if len(out) > 0 {
		if current := abi.ConvertType(out[0], new(big.Int)).(*big.Int); current.Cmp(amount) >= 0 {
			return nil
		}
	}

	tx, err := c.sendTo(ctx, erc20, nil, "approve", c.address, amount)
	if err != nil {
		return fmt.Errorf("approve %s: %w", token.Hex(), err)
	}
	c.log.Debug("Token allowance approved", "token", token.Hex(), "amount", amount, "tx", tx.Hash().Hex())
	return nil
}

func (c *Client) send(ctx context.Context, value *big.Int, method string, params ...interface{}) (*types.Transaction, error) {
	return c.sendTo(ctx, c.escrow, value, method, params...)
}

// sendTo submits a transaction and waits for it to be mined. A reverted
// receipt is reported as ErrEscrowRejected.
func (c *Client) sendTo(ctx context.Context, target contract, value *big.Int, method string, params ...interface{}) (*types.Transaction, error) {
	c.sendMu.Lock()
	tx, err := target.Transact(c.transactOpts(ctx, value), method, params...)
	c.sendMu.Unlock()
	if err != nil {
		return nil, classify(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	receipt, err := c.waitMined(waitCtx, tx)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s reverted in %s", swap.ErrEscrowRejected, method, tx.Hash().Hex())
	}
	return tx, nil
}

func (c *Client) transactOpts(ctx context.Context, value *big.Int) *bind.TransactOpts {
	from := c.signer.Address()
	opts := &bind.TransactOpts{
		From:    from,
		Context: ctx,
		Signer: func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != from {
				return nil, fmt.Errorf("signer %s cannot sign for %s", from.Hex(), addr.Hex())
			}
			return c.signer.SignTx(tx, c.chainID)
		},
		GasLimit: c.gasLimit,
	}
	if value != nil && value.Sign() > 0 {
		opts.Value = value
	}
	return opts
}

// classify maps node and revert errors onto the swap sentinels. Anything
// unrecognised is returned unchanged and treated as transient by callers.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already claimed"):
		return fmt.Errorf("%w: %v", swap.ErrAlreadyClaimed, err)
	case strings.Contains(msg, "already refunded"):
		return fmt.Errorf("%w: %v", swap.ErrAlreadyRefunded, err)
	case strings.Contains(msg, "escrow not found"), strings.Contains(msg, "unknown escrow"):
		return fmt.Errorf("%w: %v", swap.ErrEscrowNotFound, err)
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "insufficient balance"),
		strings.Contains(msg, "insufficient allowance"),
		strings.Contains(msg, "exceeds balance"),
		strings.Contains(msg, "exceeds allowance"):
		return fmt.Errorf("%w: %v", swap.ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%w: %v", swap.ErrEscrowRejected, err)
	}
	return err
}
