// Package backend provides read-only Bitcoin chain data from HTTP block
// explorers. It never handles keys.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrAddressNotFound    = errors.New("address not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// Transaction is a Bitcoin transaction as seen by the explorer.
type Transaction struct {
	TxID        string     `json:"txid"`
	Confirmed   bool       `json:"confirmed"`
	BlockHash   string     `json:"block_hash,omitempty"`
	BlockHeight int64      `json:"block_height,omitempty"`
	BlockTime   int64      `json:"block_time,omitempty"`
	Fee         uint64     `json:"fee"`
	Outputs     []TxOutput `json:"vout"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type,omitempty"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// PaidTo sums the outputs of tx paying address.
func (tx *Transaction) PaidTo(address string) uint64 {
	var total uint64
	for _, out := range tx.Outputs {
		if out.ScriptPubKeyAddr == address {
			total += out.Value
		}
	}
	return total
}

// Confirmations returns the depth of tx given the chain tip height.
func (tx *Transaction) Confirmations(tip int64) uint32 {
	if !tx.Confirmed || tx.BlockHeight <= 0 || tip < tx.BlockHeight {
		return 0
	}
	return uint32(tip - tx.BlockHeight + 1)
}

// Backend defines the chain data the swap daemon reads.
type Backend interface {
	// Type returns the backend type (mempool, esplora).
	Type() Type

	// Connect checks that the backend is reachable.
	Connect(ctx context.Context) error

	// Close closes the connection.
	Close() error

	// IsConnected returns true if connected.
	IsConnected() bool

	// GetAddressTxs returns mempool and recent confirmed transactions
	// touching address, newest first.
	GetAddressTxs(ctx context.Context, address string) ([]Transaction, error)

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetBlockHeight(ctx context.Context) (int64, error)
}

// Config selects and configures a backend.
type Config struct {
	Type    Type
	URL     string
	Timeout time.Duration
}

// New creates the backend named by cfg.Type.
func New(cfg Config) (Backend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("backend URL is required")
	}
	switch cfg.Type {
	case TypeMempool, "":
		return NewMempoolBackend(cfg.URL, cfg.Timeout), nil
	case TypeEsplora:
		return NewEsploraBackend(cfg.URL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}
