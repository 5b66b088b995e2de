// Package intermediary is the HTTP client for the counterparty that prices
// swaps and settles the Bitcoin leg.
package intermediary

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/shopspring/decimal"

	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
	"github.com/rkmonarch/atomiq-mark-1/pkg/logging"
)

// ErrOfferRefused is returned when the intermediary declines to quote.
var ErrOfferRefused = errors.New("intermediary refused the swap")

const (
	offersPath     = "/v1/offers"
	defaultTimeout = 15 * time.Second
	maxResponse    = 1 << 20
)

// offerRequest is the JSON body of an offer request.
type offerRequest struct {
	Direction string `json:"direction"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	HashLock  string `json:"hash_lock,omitempty"`
	Invoice   string `json:"invoice,omitempty"`
	Address   string `json:"address,omitempty"`
}

// offerResponse is the intermediary's JSON offer. Amounts are decimal
// strings of integers so they survive JSON number precision.
type offerResponse struct {
	ID            string          `json:"id"`
	InputAmount   decimal.Decimal `json:"input_amount"`
	Fee           decimal.Decimal `json:"fee"`
	CounterAmount decimal.Decimal `json:"counter_amount"`
	Expiry        int64           `json:"expiry"`

	HashLock     string `json:"hash_lock"`
	LockDuration int64  `json:"lock_duration"`
	Counterparty string `json:"counterparty"`

	SwapAddress   string `json:"swap_address,omitempty"`
	Confirmations uint32 `json:"confirmations,omitempty"`

	SecurityDeposit decimal.Decimal `json:"security_deposit"`
	ClaimerBounty   decimal.Decimal `json:"claimer_bounty"`
	Authorization   string          `json:"authorization,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Config configures the client.
type Config struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client implements swap.Intermediary over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logging.Logger
}

var _ swap.Intermediary = (*Client)(nil)

// New creates an intermediary client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("intermediary URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		http:    httpClient,
		log:     logging.GetDefault().Component("intermediary"),
	}, nil
}

// RequestOffer asks the intermediary to price req.
func (c *Client) RequestOffer(ctx context.Context, req swap.OfferRequest) (*swap.Offer, error) {
	if req.Amount == nil {
		return nil, errors.New("amount is required")
	}

	body := offerRequest{
		Direction: string(req.Direction),
		Token:     req.Token,
		Amount:    req.Amount.String(),
		Invoice:   req.Invoice,
		Address:   req.Address,
	}
	if req.HashLock != nil {
		body.HashLock = req.HashLock.String()
	}

	var resp offerResponse
	if err := c.post(ctx, offersPath, body, &resp); err != nil {
		return nil, err
	}

	offer, err := resp.toOffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", swap.ErrInvalidOffer, err)
	}
	if req.HashLock != nil && offer.HashLock != *req.HashLock {
		return nil, fmt.Errorf("%w: offer hash lock does not match the invoice", swap.ErrInvalidOffer)
	}

	c.log.Debug("Received offer",
		"offer_id", offer.ID,
		"direction", req.Direction,
		"token", req.Token,
		"input", offer.InputAmount.String(),
		"fee", offer.Fee.String())
	return offer, nil
}

func (r *offerResponse) toOffer() (*swap.Offer, error) {
	if r.ID == "" {
		return nil, errors.New("missing offer id")
	}

	var err error
	offer := &swap.Offer{
		ID:            r.ID,
		Counterparty:  r.Counterparty,
		SwapAddress:   r.SwapAddress,
		Confirmations: r.Confirmations,
		LockDuration:  time.Duration(r.LockDuration) * time.Second,
	}
	if r.Expiry > 0 {
		offer.Expiry = time.Unix(r.Expiry, 0)
	}

	amounts := []struct {
		name     string
		v        decimal.Decimal
		dst      **big.Int
		required bool
	}{
		{"input_amount", r.InputAmount, &offer.InputAmount, true},
		{"fee", r.Fee, &offer.Fee, true},
		{"counter_amount", r.CounterAmount, &offer.CounterAmount, true},
		{"security_deposit", r.SecurityDeposit, &offer.SecurityDeposit, false},
		{"claimer_bounty", r.ClaimerBounty, &offer.ClaimerBounty, false},
	}
	for _, a := range amounts {
		if *a.dst, err = toBaseUnits(a.name, a.v, a.required); err != nil {
			return nil, err
		}
	}

	if r.HashLock != "" {
		if offer.HashLock, err = lntypes.MakeHashFromStr(r.HashLock); err != nil {
			return nil, fmt.Errorf("invalid hash_lock: %w", err)
		}
	}
	if r.Authorization != "" {
		if offer.Authorization, err = hex.DecodeString(strings.TrimPrefix(r.Authorization, "0x")); err != nil {
			return nil, fmt.Errorf("invalid authorization: %w", err)
		}
	}
	return offer, nil
}

// toBaseUnits requires v to be a non-negative integer.
func toBaseUnits(name string, v decimal.Decimal, required bool) (*big.Int, error) {
	if v.IsZero() && !required {
		return nil, nil
	}
	if v.IsNegative() {
		return nil, fmt.Errorf("%s is negative", name)
	}
	if !v.IsInteger() {
		return nil, fmt.Errorf("%s %s is not an integer amount", name, v.String())
	}
	return v.BigInt(), nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("intermediary request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return fmt.Errorf("failed to read intermediary response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s", ErrOfferRefused, msg)
		}
		return fmt.Errorf("intermediary returned HTTP %d: %s", resp.StatusCode, msg)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", swap.ErrInvalidOffer, err)
	}
	return nil
}
