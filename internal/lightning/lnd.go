// Package lightning connects the swapper to Lightning: bolt11 decoding,
// LNURL-pay resolution and hold invoices on an lnd node.
package lightning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/lightningnetwork/lnd/zpay32"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"gopkg.in/macaroon.v2"

	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
	"github.com/rkmonarch/atomiq-mark-1/pkg/logging"
)

// Gateway errors.
var (
	ErrNoNode           = errors.New("no lightning node configured")
	ErrInvoiceCanceled  = errors.New("invoice canceled")
	ErrInvoiceNotFound  = errors.New("invoice not found on node")
	ErrSubSatoshiAmount = errors.New("invoice amount is not a whole number of satoshis")
)

const (
	defaultCLTVExpiry  = 80
	defaultDialTimeout = 15 * time.Second
)

// invoiceService is the part of invoicesrpc.InvoicesClient the gateway uses.
type invoiceService interface {
	AddHoldInvoice(ctx context.Context, in *invoicesrpc.AddHoldInvoiceRequest, opts ...grpc.CallOption) (*invoicesrpc.AddHoldInvoiceResp, error)
	SubscribeSingleInvoice(ctx context.Context, in *invoicesrpc.SubscribeSingleInvoiceRequest, opts ...grpc.CallOption) (invoicesrpc.Invoices_SubscribeSingleInvoiceClient, error)
	SettleInvoice(ctx context.Context, in *invoicesrpc.SettleInvoiceMsg, opts ...grpc.CallOption) (*invoicesrpc.SettleInvoiceResp, error)
	CancelInvoice(ctx context.Context, in *invoicesrpc.CancelInvoiceMsg, opts ...grpc.CallOption) (*invoicesrpc.CancelInvoiceResp, error)
}

// Config holds the lnd connection settings. Host may be empty, in which
// case only decoding and LNURL resolution are available.
type Config struct {
	Host         string
	TLSCertPath  string
	MacaroonPath string

	Params *chaincfg.Params

	// CLTVExpiry is the final CLTV delta of created invoices.
	CLTVExpiry uint64

	HTTPClient *http.Client
}

// Client implements swap.LightningGateway.
type Client struct {
	invoices invoiceService
	conn     *grpc.ClientConn

	params     *chaincfg.Params
	cltvExpiry uint64
	http       *http.Client

	now func() time.Time
	log *logging.Logger
}

var _ swap.LightningGateway = (*Client)(nil)

// New creates a gateway. When cfg.Host is set it dials lnd using the TLS
// certificate and macaroon from disk.
func New(cfg Config) (*Client, error) {
	c := newClient(cfg, nil)
	if cfg.Host == "" {
		c.log.Info("No lnd host configured, invoice creation disabled")
		return c, nil
	}

	conn, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.invoices = invoicesrpc.NewInvoicesClient(conn)
	c.log.Info("Connected to lnd", "host", cfg.Host)
	return c, nil
}

func newClient(cfg Config, invoices invoiceService) *Client {
	params := cfg.Params
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	cltv := cfg.CLTVExpiry
	if cltv == 0 {
		cltv = defaultCLTVExpiry
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		invoices:   invoices,
		params:     params,
		cltvExpiry: cltv,
		http:       httpClient,
		now:        time.Now,
		log:        logging.GetDefault().Component("lightning"),
	}
}

func dial(cfg Config) (*grpc.ClientConn, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS cert: %w", err)
	}

	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal macaroon: %w", err)
	}
	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("failed to create macaroon credential: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial lnd: %w", err)
	}
	return conn, nil
}

// Close closes the node connection, if any.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// =============================================================================
// Decoding
// =============================================================================

// DecodeInvoice parses a bolt11 payment request for the configured network.
func (c *Client) DecodeInvoice(paymentRequest string) (*swap.Invoice, error) {
	payReq, err := zpay32.Decode(paymentRequest, c.params)
	if err != nil {
		return nil, fmt.Errorf("decode payment request: %w", err)
	}
	if payReq.PaymentHash == nil {
		return nil, errors.New("payment request has no payment hash")
	}

	inv := &swap.Invoice{
		PaymentRequest: paymentRequest,
		PaymentHash:    lntypes.Hash(*payReq.PaymentHash),
		Expiry:         payReq.Timestamp.Add(payReq.Expiry()),
	}
	if payReq.MilliSat != nil {
		msat := int64(*payReq.MilliSat)
		if msat%1000 != 0 {
			return nil, ErrSubSatoshiAmount
		}
		inv.AmountSat = msat / 1000
	}
	if payReq.Description != nil {
		inv.Description = *payReq.Description
	}
	return inv, nil
}

// =============================================================================
// Hold invoices
// =============================================================================

// CreateInvoice adds a hold invoice bound to req.PaymentHash. The node
// accepts the payment but only settles once SettleInvoice is called with
// the preimage.
func (c *Client) CreateInvoice(ctx context.Context, req swap.InvoiceRequest) (*swap.Invoice, error) {
	if c.invoices == nil {
		return nil, ErrNoNode
	}
	if req.AmountSat <= 0 {
		return nil, fmt.Errorf("invalid invoice amount %d", req.AmountSat)
	}

	expiry := req.Expiry
	if expiry < time.Second {
		expiry = time.Hour
	}

	resp, err := c.invoices.AddHoldInvoice(ctx, &invoicesrpc.AddHoldInvoiceRequest{
		Memo:       req.Memo,
		Hash:       req.PaymentHash[:],
		Value:      req.AmountSat,
		Expiry:     int64(expiry / time.Second),
		CltvExpiry: c.cltvExpiry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add hold invoice: %w", err)
	}

	c.log.Info("Hold invoice created",
		"hash", req.PaymentHash.String(),
		"amount_sat", req.AmountSat,
		"add_index", resp.AddIndex)

	return &swap.Invoice{
		PaymentRequest: resp.PaymentRequest,
		PaymentHash:    req.PaymentHash,
		AmountSat:      req.AmountSat,
		Expiry:         c.now().Add(expiry),
		Description:    req.Memo,
	}, nil
}

// SettleInvoice releases a held payment.
func (c *Client) SettleInvoice(ctx context.Context, preimage lntypes.Preimage) error {
	if c.invoices == nil {
		return ErrNoNode
	}
	if _, err := c.invoices.SettleInvoice(ctx, &invoicesrpc.SettleInvoiceMsg{
		Preimage: preimage[:],
	}); err != nil {
		return fmt.Errorf("failed to settle invoice: %w", err)
	}
	return nil
}

// CancelInvoice fails a held payment back to the payer.
func (c *Client) CancelInvoice(ctx context.Context, hash lntypes.Hash) error {
	if c.invoices == nil {
		return ErrNoNode
	}
	if _, err := c.invoices.CancelInvoice(ctx, &invoicesrpc.CancelInvoiceMsg{
		PaymentHash: hash[:],
	}); err != nil {
		return fmt.Errorf("failed to cancel invoice: %w", err)
	}
	return nil
}

// =============================================================================
// Watching
// =============================================================================

// WatchInvoice streams the settlement of an invoice known to the node.
//
// An accepted hold invoice is reported with a nil preimage; a settled
// invoice carries the preimage lnd revealed. The stream ends after the
// first settlement event. Cancellation is reported as ErrInvoiceCanceled.
func (c *Client) WatchInvoice(ctx context.Context, inv swap.Invoice) (<-chan swap.SettlementEvent, <-chan error, error) {
	if c.invoices == nil {
		return nil, nil, ErrNoNode
	}

	stream, err := c.invoices.SubscribeSingleInvoice(ctx, &invoicesrpc.SubscribeSingleInvoiceRequest{
		RHash: inv.PaymentHash[:],
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to invoice: %w", err)
	}

	events := make(chan swap.SettlementEvent, 1)
	errc := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errc)

		for {
			update, err := stream.Recv()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errc <- classify(err)
				return
			}

			ev, done, err := settlement(inv.PaymentHash, update)
			if err != nil {
				errc <- err
				return
			}
			if !done {
				continue
			}

			c.log.Debug("Invoice paid", "hash", inv.PaymentHash.String(), "state", update.State)
			select {
			case events <- *ev:
			case <-ctx.Done():
			}
			return
		}
	}()

	return events, errc, nil
}

// settlement maps an invoice update to a settlement event. done is false
// while the invoice is still open.
func settlement(hash lntypes.Hash, update *lnrpc.Invoice) (*swap.SettlementEvent, bool, error) {
	switch update.State {
	case lnrpc.Invoice_ACCEPTED:
		return &swap.SettlementEvent{PaymentHash: hash}, true, nil

	case lnrpc.Invoice_SETTLED:
		ev := &swap.SettlementEvent{PaymentHash: hash}
		if len(update.RPreimage) > 0 {
			preimage, err := lntypes.MakePreimage(update.RPreimage)
			if err != nil {
				return nil, false, fmt.Errorf("invalid preimage from node: %w", err)
			}
			ev.Preimage = &preimage
		}
		return ev, true, nil

	case lnrpc.Invoice_CANCELED:
		return nil, false, ErrInvoiceCanceled

	default:
		return nil, false, nil
	}
}

func classify(err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %v", ErrInvoiceNotFound, err)
	}
	return err
}
