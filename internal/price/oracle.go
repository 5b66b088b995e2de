// Package price provides reference exchange rates between escrow tokens and
// bitcoin from the CoinGecko API.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
	"github.com/rkmonarch/atomiq-mark-1/pkg/logging"
)

// Oracle errors.
var (
	ErrUnknownToken = errors.New("no price source for token")
	ErrNoPrice      = errors.New("price not available")
)

const (
	DefaultURL      = "https://api.coingecko.com/api/v3"
	defaultCacheTTL = 30 * time.Second
	cacheSize       = 256
)

// satsPerBTC scales a BTC price to one satoshi.
var satsPerBTC = decimal.New(1, 8)

// Token maps a token id to its CoinGecko coin id and decimals.
type Token struct {
	ID       string
	PriceID  string
	Decimals int32
}

// Config configures the oracle.
type Config struct {
	URL        string
	APIKey     string
	CacheTTL   time.Duration
	Tokens     []Token
	HTTPClient *http.Client
}

// Oracle implements swap.PriceOracle. Rates are cached for CacheTTL and
// concurrent misses for the same token share one request.
type Oracle struct {
	baseURL string
	apiKey  string
	tokens  map[string]Token
	http    *http.Client

	cache *expirable.LRU[string, decimal.Decimal]
	group singleflight.Group
	log   *logging.Logger
}

var _ swap.PriceOracle = (*Oracle)(nil)

// New creates an oracle.
func New(cfg Config) *Oracle {
	baseURL := cfg.URL
	if baseURL == "" {
		baseURL = DefaultURL
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	tokens := make(map[string]Token, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens[strings.ToUpper(t.ID)] = t
	}

	return &Oracle{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.APIKey,
		tokens:  tokens,
		http:    httpClient,
		cache:   expirable.NewLRU[string, decimal.Decimal](cacheSize, nil, ttl),
		log:     logging.GetDefault().Component("price"),
	}
}

// ReferenceRate returns how many base units of token one satoshi buys.
func (o *Oracle) ReferenceRate(ctx context.Context, token string) (decimal.Decimal, error) {
	key := strings.ToUpper(token)
	tok, ok := o.tokens[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}

	if rate, ok := o.cache.Get(key); ok {
		return rate, nil
	}

	v, err, _ := o.group.Do(key, func() (interface{}, error) {
		btcPrice, err := o.fetchBTCPrice(ctx, tok.PriceID)
		if err != nil {
			return nil, err
		}
		rate := BaseUnitsPerSat(btcPrice, tok.Decimals)
		o.cache.Add(key, rate)
		o.log.Debug("Fetched reference rate", "token", key, "btc_price", btcPrice.String(), "rate", rate.String())
		return rate, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

// BaseUnitsPerSat converts a token price in BTC into base units per satoshi.
func BaseUnitsPerSat(btcPrice decimal.Decimal, decimals int32) decimal.Decimal {
	if !btcPrice.IsPositive() {
		return decimal.Zero
	}
	return decimal.New(1, decimals).Div(btcPrice.Mul(satsPerBTC))
}

// fetchBTCPrice returns the price of one whole token in BTC.
func (o *Oracle) fetchBTCPrice(ctx context.Context, priceID string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", priceID)
	q.Set("vs_currencies", "btc")
	q.Set("precision", "full")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if o.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", o.apiKey)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return decimal.Zero, fmt.Errorf("price service returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("invalid price response: %w", err)
	}

	price, ok := result[priceID]["btc"]
	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, priceID)
	}
	return price, nil
}
