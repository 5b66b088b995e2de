package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
)

// LNURL errors.
var (
	ErrNotLNURL         = errors.New("not an lnurl or lightning address")
	ErrNotPayRequest    = errors.New("lnurl is not a pay request")
	ErrAmountOutOfRange = errors.New("amount outside the range accepted by the lnurl service")
	ErrCommentTooLong   = errors.New("comment longer than the lnurl service accepts")
	ErrInvoiceMismatch  = errors.New("lnurl service returned a mismatching invoice")
)

const maxLNURLResponse = 1 << 20

// payParams is the first LNURL-pay response (LUD-06).
type payParams struct {
	Tag            string `json:"tag"`
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"`
	MaxSendable    int64  `json:"maxSendable"`
	Metadata       string `json:"metadata"`
	CommentAllowed int    `json:"commentAllowed"`

	Status string `json:"status"`
	Reason string `json:"reason"`
}

// payValues is the callback response carrying the invoice.
type payValues struct {
	PR            string         `json:"pr"`
	SuccessAction *successAction `json:"successAction"`

	Status string `json:"status"`
	Reason string `json:"reason"`
}

// successAction follows LUD-09 and LUD-10.
type successAction struct {
	Tag         string `json:"tag"`
	Message     string `json:"message"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// ResolveLNURL fetches an invoice for amountSat from an LNURL-pay endpoint
// or a lightning address. comment is sent only when non-empty.
func (c *Client) ResolveLNURL(ctx context.Context, target string, amountSat int64, comment string) (*swap.ResolvedInvoice, error) {
	endpoint, err := LNURLEndpoint(target)
	if err != nil {
		return nil, err
	}
	if amountSat <= 0 {
		return nil, fmt.Errorf("invalid amount %d", amountSat)
	}
	if amountSat > btcutil.MaxSatoshi {
		return nil, fmt.Errorf("%w: %d sat exceeds the bitcoin supply", ErrAmountOutOfRange, amountSat)
	}
	msat := amountSat * 1000

	var params payParams
	if err := c.getJSON(ctx, endpoint, &params); err != nil {
		return nil, err
	}
	if strings.EqualFold(params.Status, "ERROR") {
		return nil, fmt.Errorf("lnurl service error: %s", params.Reason)
	}
	if params.Tag != "payRequest" || params.Callback == "" {
		return nil, ErrNotPayRequest
	}
	if msat < params.MinSendable || (params.MaxSendable > 0 && msat > params.MaxSendable) {
		return nil, fmt.Errorf("%w: %d msat not in [%d, %d]",
			ErrAmountOutOfRange, msat, params.MinSendable, params.MaxSendable)
	}
	if len([]rune(comment)) > params.CommentAllowed {
		if params.CommentAllowed == 0 {
			comment = ""
		} else {
			return nil, fmt.Errorf("%w: %d characters allowed", ErrCommentTooLong, params.CommentAllowed)
		}
	}

	callback, err := url.Parse(params.Callback)
	if err != nil {
		return nil, fmt.Errorf("invalid lnurl callback: %w", err)
	}
	q := callback.Query()
	q.Set("amount", strconv.FormatInt(msat, 10))
	if comment != "" {
		q.Set("comment", comment)
	}
	callback.RawQuery = q.Encode()

	var values payValues
	if err := c.getJSON(ctx, callback.String(), &values); err != nil {
		return nil, err
	}
	if strings.EqualFold(values.Status, "ERROR") {
		return nil, fmt.Errorf("lnurl service error: %s", values.Reason)
	}
	if values.PR == "" {
		return nil, fmt.Errorf("%w: no payment request", ErrInvoiceMismatch)
	}

	inv, err := c.DecodeInvoice(values.PR)
	if err != nil {
		return nil, err
	}
	if inv.AmountSat != amountSat {
		return nil, fmt.Errorf("%w: amount %d sat, requested %d sat", ErrInvoiceMismatch, inv.AmountSat, amountSat)
	}
	if err := c.checkDescriptionHash(values.PR, params.Metadata); err != nil {
		return nil, err
	}

	resolved := &swap.ResolvedInvoice{Invoice: *inv}
	if sa := values.SuccessAction; sa != nil && sa.Tag != "" {
		resolved.SuccessAction = &swap.SuccessAction{
			Tag:         sa.Tag,
			Description: sa.Description,
			Message:     sa.Message,
			URL:         sa.URL,
		}
	}

	c.log.Debug("Resolved lnurl", "target", target, "amount_sat", amountSat, "hash", inv.PaymentHash.String())
	return resolved, nil
}

// checkDescriptionHash requires the invoice to commit to the metadata.
func (c *Client) checkDescriptionHash(pr, metadata string) error {
	payReq, err := zpay32.Decode(pr, c.params)
	if err != nil {
		return fmt.Errorf("decode payment request: %w", err)
	}
	if payReq.DescriptionHash == nil {
		return nil
	}
	if *payReq.DescriptionHash != sha256.Sum256([]byte(metadata)) {
		return fmt.Errorf("%w: description hash does not match metadata", ErrInvoiceMismatch)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("lnurl request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLNURLResponse))
	if err != nil {
		return fmt.Errorf("failed to read lnurl response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lnurl service returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid lnurl response: %w", err)
	}
	return nil
}

// LNURLEndpoint returns the HTTP endpoint of a bech32 LNURL or a lightning
// address (user@domain). Onion and localhost domains use plain http.
func LNURLEndpoint(target string) (string, error) {
	target = strings.TrimSpace(target)
	lower := strings.ToLower(target)
	lower = strings.TrimPrefix(lower, "lightning:")

	if strings.HasPrefix(lower, "lnurl") {
		hrp, data, err := bech32.DecodeNoLimit(lower)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotLNURL, err)
		}
		if hrp != "lnurl" {
			return "", fmt.Errorf("%w: prefix %q", ErrNotLNURL, hrp)
		}
		raw, err := bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotLNURL, err)
		}
		u, err := url.Parse(string(raw))
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return "", fmt.Errorf("%w: bad url", ErrNotLNURL)
		}
		if u.Scheme == "http" && !plainHTTPHost(u.Hostname()) {
			return "", fmt.Errorf("%w: http only allowed for onion and local hosts", ErrNotLNURL)
		}
		return u.String(), nil
	}

	user, domain, ok := strings.Cut(lower, "@")
	if !ok || user == "" || domain == "" || strings.ContainsAny(user, "/?#") || strings.ContainsAny(domain, "/?#@") {
		return "", ErrNotLNURL
	}
	scheme := "https"
	if plainHTTPHost(strings.Split(domain, ":")[0]) {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/.well-known/lnurlp/%s", scheme, domain, url.PathEscape(user)), nil
}

// EncodeLNURL bech32-encodes an endpoint URL.
func EncodeLNURL(endpoint string) (string, error) {
	data, err := bech32.ConvertBits([]byte(endpoint), 8, 5, true)
	if err != nil {
		return "", err
	}
	s, err := bech32.Encode("lnurl", data)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(s), nil
}

func plainHTTPHost(host string) bool {
	return strings.HasSuffix(host, ".onion") || host == "localhost" || host == "127.0.0.1" || host == "::1"
}
