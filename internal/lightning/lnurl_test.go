package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

const testMetadata = `[["text/plain","pay alice"]]`

type lnurlService struct {
	server         *httptest.Server
	commentAllowed int
	minSendable    int64
	maxSendable    int64
	invoice        func(msat int64) string

	gotAmount  string
	gotComment string
}

func newLNURLService(t *testing.T) *lnurlService {
	t.Helper()
	s := &lnurlService{
		commentAllowed: 64,
		minSendable:    1_000,
		maxSendable:    100_000_000,
	}
	s.invoice = func(msat int64) string {
		return makeInvoice(t, &chaincfg.MainNetParams, testHash(8), lnwire.MilliSatoshi(msat),
			zpay32.DescriptionHash(sha256.Sum256([]byte(testMetadata))))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/lnurlp/alice", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"tag":            "payRequest",
			"callback":       s.server.URL + "/callback",
			"minSendable":    s.minSendable,
			"maxSendable":    s.maxSendable,
			"metadata":       testMetadata,
			"commentAllowed": s.commentAllowed,
		})
	})
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		s.gotAmount = r.URL.Query().Get("amount")
		s.gotComment = r.URL.Query().Get("comment")
		var msat int64
		for _, c := range s.gotAmount {
			msat = msat*10 + int64(c-'0')
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"pr":     s.invoice(msat),
			"routes": []interface{}{},
			"successAction": map[string]string{
				"tag":     "message",
				"message": "thanks",
			},
		})
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ERROR", "reason": "service offline"})
	})

	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

// address returns the lightning address of alice on the test server.
func (s *lnurlService) address() string {
	return "alice@" + strings.TrimPrefix(s.server.URL, "http://")
}

func TestLNURLEndpoint(t *testing.T) {
	encoded, err := EncodeLNURL("https://service.com/api?q=3fc3645b439ce8e7")
	if err != nil {
		t.Fatalf("EncodeLNURL() error = %v", err)
	}

	tests := []struct {
		target  string
		want    string
		wantErr bool
	}{
		{encoded, "https://service.com/api?q=3fc3645b439ce8e7", false},
		{"lightning:" + strings.ToLower(encoded), "https://service.com/api?q=3fc3645b439ce8e7", false},
		{"alice@example.com", "https://example.com/.well-known/lnurlp/alice", false},
		{"bob@abcdef.onion", "http://abcdef.onion/.well-known/lnurlp/bob", false},
		{"lnurl1qqqqqq", "", true},
		{"alice@", "", true},
		{"@example.com", "", true},
		{"lnbc1000n1p", "", true},
	}

	for _, tc := range tests {
		got, err := LNURLEndpoint(tc.target)
		if tc.wantErr {
			if err == nil {
				t.Errorf("LNURLEndpoint(%q) = %q, want error", tc.target, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("LNURLEndpoint(%q) error = %v", tc.target, err)
			continue
		}
		if got != tc.want {
			t.Errorf("LNURLEndpoint(%q) = %q, want %q", tc.target, got, tc.want)
		}
	}
}

func TestLNURLEndpointRejectsPlainHTTP(t *testing.T) {
	encoded, _ := EncodeLNURL("http://service.com/pay")
	if _, err := LNURLEndpoint(encoded); !errors.Is(err, ErrNotLNURL) {
		t.Errorf("error = %v, want ErrNotLNURL", err)
	}
}

func TestResolveLightningAddress(t *testing.T) {
	svc := newLNURLService(t)
	c := newClient(Config{Params: &chaincfg.MainNetParams}, nil)

	resolved, err := c.ResolveLNURL(context.Background(), svc.address(), 1000, "for coffee")
	if err != nil {
		t.Fatalf("ResolveLNURL() error = %v", err)
	}
	if resolved.AmountSat != 1000 {
		t.Errorf("AmountSat = %d, want 1000", resolved.AmountSat)
	}
	if resolved.PaymentHash != testHash(8) {
		t.Error("wrong payment hash")
	}
	if svc.gotAmount != "1000000" {
		t.Errorf("callback amount = %s msat, want 1000000", svc.gotAmount)
	}
	if svc.gotComment != "for coffee" {
		t.Errorf("callback comment = %q", svc.gotComment)
	}
	if resolved.SuccessAction == nil || resolved.SuccessAction.Message != "thanks" {
		t.Errorf("SuccessAction = %+v", resolved.SuccessAction)
	}
}

func TestResolveBech32LNURL(t *testing.T) {
	svc := newLNURLService(t)
	c := newClient(Config{Params: &chaincfg.MainNetParams}, nil)

	encoded, err := EncodeLNURL(svc.server.URL + "/.well-known/lnurlp/alice")
	if err != nil {
		t.Fatalf("EncodeLNURL() error = %v", err)
	}
	if _, err := c.ResolveLNURL(context.Background(), encoded, 2000, ""); err != nil {
		t.Fatalf("ResolveLNURL() error = %v", err)
	}
	if svc.gotComment != "" {
		t.Error("empty comment should not be sent")
	}
}

func TestResolveLNURLRejects(t *testing.T) {
	ctx := context.Background()
	c := newClient(Config{Params: &chaincfg.MainNetParams}, nil)

	t.Run("amount below minimum", func(t *testing.T) {
		svc := newLNURLService(t)
		svc.minSendable = 5_000_000
		if _, err := c.ResolveLNURL(ctx, svc.address(), 1000, ""); !errors.Is(err, ErrAmountOutOfRange) {
			t.Errorf("error = %v, want ErrAmountOutOfRange", err)
		}
	})

	t.Run("amount above bitcoin supply", func(t *testing.T) {
		svc := newLNURLService(t)
		svc.maxSendable = 0
		// 9.3e15 sat would wrap around when converted to msat.
		if _, err := c.ResolveLNURL(ctx, svc.address(), 9_300_000_000_000_000, ""); !errors.Is(err, ErrAmountOutOfRange) {
			t.Errorf("error = %v, want ErrAmountOutOfRange", err)
		}
		if svc.gotAmount != "" {
			t.Errorf("callback called with amount %s", svc.gotAmount)
		}
	})

	t.Run("comment too long", func(t *testing.T) {
		svc := newLNURLService(t)
		svc.commentAllowed = 3
		if _, err := c.ResolveLNURL(ctx, svc.address(), 1000, "too long"); !errors.Is(err, ErrCommentTooLong) {
			t.Errorf("error = %v, want ErrCommentTooLong", err)
		}
	})

	t.Run("comments not accepted are dropped", func(t *testing.T) {
		svc := newLNURLService(t)
		svc.commentAllowed = 0
		if _, err := c.ResolveLNURL(ctx, svc.address(), 1000, "hello"); err != nil {
			t.Fatalf("ResolveLNURL() error = %v", err)
		}
		if svc.gotComment != "" {
			t.Errorf("comment %q sent to a service that accepts none", svc.gotComment)
		}
	})

	t.Run("invoice amount mismatch", func(t *testing.T) {
		svc := newLNURLService(t)
		svc.invoice = func(int64) string {
			return makeInvoice(t, &chaincfg.MainNetParams, testHash(8), 5_000_000,
				zpay32.DescriptionHash(sha256.Sum256([]byte(testMetadata))))
		}
		if _, err := c.ResolveLNURL(ctx, svc.address(), 1000, ""); !errors.Is(err, ErrInvoiceMismatch) {
			t.Errorf("error = %v, want ErrInvoiceMismatch", err)
		}
	})

	t.Run("description hash mismatch", func(t *testing.T) {
		svc := newLNURLService(t)
		svc.invoice = func(msat int64) string {
			return makeInvoice(t, &chaincfg.MainNetParams, testHash(8), lnwire.MilliSatoshi(msat),
				zpay32.DescriptionHash(sha256.Sum256([]byte("other"))))
		}
		if _, err := c.ResolveLNURL(ctx, svc.address(), 1000, ""); !errors.Is(err, ErrInvoiceMismatch) {
			t.Errorf("error = %v, want ErrInvoiceMismatch", err)
		}
	})

	t.Run("service error", func(t *testing.T) {
		svc := newLNURLService(t)
		encoded, _ := EncodeLNURL(svc.server.URL + "/broken")
		_, err := c.ResolveLNURL(ctx, encoded, 1000, "")
		if err == nil || !strings.Contains(err.Error(), "service offline") {
			t.Errorf("error = %v, want service reason", err)
		}
	})
}
