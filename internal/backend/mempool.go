package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultTimeout = 30 * time.Second

// MempoolBackend implements Backend using the mempool.space API.
// Compatible with mempool.space and self-hosted instances.
type MempoolBackend struct {
	baseURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
}

// NewMempoolBackend creates a new mempool.space backend. A zero timeout
// uses 30 seconds.
func NewMempoolBackend(baseURL string, timeout time.Duration) *MempoolBackend {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &MempoolBackend{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Type returns TypeMempool.
func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// Connect tests the connection to the API.
func (m *MempoolBackend) Connect(ctx context.Context) error {
	if _, err := m.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Close closes the connection.
func (m *MempoolBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns true if connected.
func (m *MempoolBackend) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// GetAddressTxs returns transactions for an address.
func (m *MempoolBackend) GetAddressTxs(ctx context.Context, address string) ([]Transaction, error) {
	var result []mempoolTx
	if err := m.get(ctx, "/address/"+address+"/txs", &result); err != nil {
		return nil, err
	}
	return convertTxs(result), nil
}

// GetTransaction returns a transaction by ID.
func (m *MempoolBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result mempoolTx
	if err := m.get(ctx, "/tx/"+txID, &result); err != nil {
		if err == ErrAddressNotFound {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	txs := convertTxs([]mempoolTx{result})
	return &txs[0], nil
}

// GetBlockHeight returns the current block height.
func (m *MempoolBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := m.get(ctx, "/blocks/tip/height", &height); err != nil {
		return 0, err
	}
	return height, nil
}

// get performs a GET request and decodes JSON response.
func (m *MempoolBackend) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return err
	}

	// Avoid stale CDN responses.
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrAddressNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// mempoolTx is the mempool.space transaction format.
type mempoolTx struct {
	TxID   string        `json:"txid"`
	Fee    uint64        `json:"fee"`
	Status mempoolStatus `json:"status"`
	Vout   []TxOutput    `json:"vout"`
}

type mempoolStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

// convertTxs converts mempool format to our Transaction format.
func convertTxs(mTxs []mempoolTx) []Transaction {
	txs := make([]Transaction, len(mTxs))
	for i, mt := range mTxs {
		txs[i] = Transaction{
			TxID:        mt.TxID,
			Confirmed:   mt.Status.Confirmed,
			BlockHash:   mt.Status.BlockHash,
			BlockHeight: mt.Status.BlockHeight,
			BlockTime:   mt.Status.BlockTime,
			Fee:         mt.Fee,
			Outputs:     mt.Vout,
		}
	}
	return txs
}

// Ensure MempoolBackend implements Backend
var _ Backend = (*MempoolBackend)(nil)
