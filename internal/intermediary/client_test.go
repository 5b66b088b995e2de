package intermediary

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
)

func newServer(t *testing.T, status int, response interface{}, got *offerRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != offersPath {
			http.NotFound(w, r)
			return
		}
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("bad request body: %v", err)
			}
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRequestOffer(t *testing.T) {
	preimage := lntypes.Preimage{1}
	hash := preimage.Hash()

	var got offerRequest
	srv := newServer(t, http.StatusOK, map[string]interface{}{
		"id":               "offer-1",
		"input_amount":     "2005000000000000",
		"fee":              "5000000000000",
		"counter_amount":   "1000",
		"expiry":           1893456000,
		"hash_lock":        hash.String(),
		"lock_duration":    3600,
		"counterparty":     "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		"security_deposit": "0",
		"claimer_bounty":   "1000",
		"authorization":    "0xdeadbeef",
	}, &got)

	c, err := New(Config{URL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	offer, err := c.RequestOffer(context.Background(), swap.OfferRequest{
		Direction: swap.ToLightning,
		Token:     "ETH",
		Amount:    big.NewInt(1000),
		HashLock:  &hash,
		Invoice:   "lnbc10u1...",
	})
	if err != nil {
		t.Fatalf("RequestOffer() error = %v", err)
	}

	if got.Direction != "to_lightning" || got.Token != "ETH" || got.Amount != "1000" {
		t.Errorf("request = %+v", got)
	}
	if got.HashLock != hash.String() || got.Invoice != "lnbc10u1..." {
		t.Errorf("request hash/invoice = %s %s", got.HashLock, got.Invoice)
	}

	want, _ := new(big.Int).SetString("2005000000000000", 10)
	if offer.InputAmount.Cmp(want) != 0 {
		t.Errorf("InputAmount = %s, want %s", offer.InputAmount, want)
	}
	if offer.Fee.String() != "5000000000000" || offer.CounterAmount.Int64() != 1000 {
		t.Errorf("Fee = %s, CounterAmount = %s", offer.Fee, offer.CounterAmount)
	}
	if offer.LockDuration != time.Hour {
		t.Errorf("LockDuration = %v, want 1h", offer.LockDuration)
	}
	if offer.Expiry.Unix() != 1893456000 {
		t.Errorf("Expiry = %v", offer.Expiry)
	}
	if offer.SecurityDeposit != nil {
		t.Errorf("SecurityDeposit = %s, want nil", offer.SecurityDeposit)
	}
	if offer.ClaimerBounty.Int64() != 1000 {
		t.Errorf("ClaimerBounty = %s", offer.ClaimerBounty)
	}
	if len(offer.Authorization) != 4 || offer.Authorization[0] != 0xde {
		t.Errorf("Authorization = %x", offer.Authorization)
	}
}

func TestRequestOfferRejectsBadOffers(t *testing.T) {
	preimage := lntypes.Preimage{2}
	hash := preimage.Hash()
	other := lntypes.Preimage{3}
	otherHash := other.Hash()

	base := func() map[string]interface{} {
		return map[string]interface{}{
			"id":             "offer-1",
			"input_amount":   "1000",
			"fee":            "10",
			"counter_amount": "990",
			"hash_lock":      hash.String(),
		}
	}

	tests := []struct {
		name   string
		modify func(map[string]interface{})
	}{
		{"missing id", func(m map[string]interface{}) { delete(m, "id") }},
		{"fractional amount", func(m map[string]interface{}) { m["input_amount"] = "10.5" }},
		{"negative fee", func(m map[string]interface{}) { m["fee"] = "-1" }},
		{"bad hash lock", func(m map[string]interface{}) { m["hash_lock"] = "zz" }},
		{"foreign hash lock", func(m map[string]interface{}) { m["hash_lock"] = otherHash.String() }},
		{"bad authorization", func(m map[string]interface{}) { m["authorization"] = "0xnothex" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := base()
			tc.modify(resp)
			srv := newServer(t, http.StatusOK, resp, nil)
			c, _ := New(Config{URL: srv.URL})

			_, err := c.RequestOffer(context.Background(), swap.OfferRequest{
				Direction: swap.ToLightning,
				Token:     "USDC",
				Amount:    big.NewInt(990),
				HashLock:  &hash,
			})
			if !errors.Is(err, swap.ErrInvalidOffer) {
				t.Errorf("error = %v, want ErrInvalidOffer", err)
			}
		})
	}
}

func TestRequestOfferHTTPErrors(t *testing.T) {
	tests := []struct {
		status      int
		wantRefused bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
	}

	for _, tc := range tests {
		srv := newServer(t, tc.status, map[string]string{"error": "amount too low"}, nil)
		c, _ := New(Config{URL: srv.URL})

		_, err := c.RequestOffer(context.Background(), swap.OfferRequest{
			Direction: swap.FromOnchain,
			Token:     "USDC",
			Amount:    big.NewInt(5000),
		})
		if err == nil {
			t.Errorf("HTTP %d: expected error", tc.status)
			continue
		}
		if got := errors.Is(err, ErrOfferRefused); got != tc.wantRefused {
			t.Errorf("HTTP %d: refused = %v, want %v (%v)", tc.status, got, tc.wantRefused, err)
		}
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without URL")
	}
}
