// Package swap - Quote engine: intent validation, offer retrieval and the
// price tolerance check.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/shopspring/decimal"

	"github.com/rkmonarch/atomiq-mark-1/pkg/logging"
)

// DefaultTolerancePPM is the default allowed deviation from the reference price.
const DefaultTolerancePPM = 2500

// DefaultQuoteTTL bounds how long a quote stays committable.
const DefaultQuoteTTL = 30 * time.Second

var ppmScale = decimal.NewFromInt(1_000_000)

// QuoteConfig configures a QuoteEngine.
type QuoteConfig struct {
	Oracle       PriceOracle
	Intermediary Intermediary
	Lightning    LightningGateway // required for ToLightning
	Network      *chaincfg.Params

	// Tokens lists the accepted token ids. Empty accepts any token.
	Tokens []string

	TolerancePPM  uint32
	TTL           time.Duration
	Confirmations uint32 // default target for on-chain legs
}

// QuoteEngine turns intents into quotes. It performs no writes.
type QuoteEngine struct {
	oracle       PriceOracle
	intermediary Intermediary
	lightning    LightningGateway
	network      *chaincfg.Params
	tokens       map[string]bool

	tolerancePPM  uint32
	ttl           time.Duration
	confirmations uint32

	now func() time.Time
	log *logging.Logger
}

// NewQuoteEngine creates a quote engine.
func NewQuoteEngine(cfg *QuoteConfig) (*QuoteEngine, error) {
	if cfg.Oracle == nil {
		return nil, errors.New("price oracle is required")
	}
	if cfg.Intermediary == nil {
		return nil, errors.New("intermediary is required")
	}

	q := &QuoteEngine{
		oracle:        cfg.Oracle,
		intermediary:  cfg.Intermediary,
		lightning:     cfg.Lightning,
		network:       cfg.Network,
		tolerancePPM:  cfg.TolerancePPM,
		ttl:           cfg.TTL,
		confirmations: cfg.Confirmations,
		now:           time.Now,
		log:           logging.GetDefault().Component("quote"),
	}
	if q.network == nil {
		q.network = &chaincfg.MainNetParams
	}
	if q.tolerancePPM == 0 {
		q.tolerancePPM = DefaultTolerancePPM
	}
	if q.ttl <= 0 {
		q.ttl = DefaultQuoteTTL
	}
	if q.confirmations == 0 {
		q.confirmations = 1
	}
	if len(cfg.Tokens) > 0 {
		q.tokens = make(map[string]bool, len(cfg.Tokens))
		for _, t := range cfg.Tokens {
			q.tokens[strings.ToUpper(t)] = true
		}
	}
	return q, nil
}

// destination is the resolved form of an intent's destination.
type destination struct {
	invoice       *Invoice
	address       string
	successAction *SuccessAction
}

// Quote prices an intent. Failures are *Error values of KindQuote.
func (q *QuoteEngine) Quote(ctx context.Context, intent Intent) (*Quote, error) {
	quote, err := q.quote(ctx, intent)
	if err != nil {
		return nil, &Error{Kind: KindQuote, Op: "quote", Err: err}
	}
	return quote, nil
}

func (q *QuoteEngine) quote(ctx context.Context, intent Intent) (*Quote, error) {
	dest, err := q.validate(ctx, intent)
	if err != nil {
		return nil, err
	}

	req := OfferRequest{
		Direction: intent.Direction,
		Token:     intent.Token,
		Amount:    new(big.Int).Set(intent.Amount),
		Address:   dest.address,
	}
	if dest.invoice != nil {
		h := dest.invoice.PaymentHash
		req.HashLock = &h
		req.Invoice = dest.invoice.PaymentRequest
	}

	offer, err := q.intermediary.RequestOffer(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("intermediary offer: %w", err)
	}

	ref, err := q.oracle.ReferenceRate(ctx, intent.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if !ref.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive reference rate for %s", ErrPriceUnavailable, intent.Token)
	}

	quote, err := q.build(intent, dest, offer)
	if err != nil {
		return nil, err
	}
	quote.ReferenceRate = ref

	deviation := quote.OfferedRate.Sub(ref).Abs().Mul(ppmScale).Div(ref)
	quote.DeviationPPM = deviation.Ceil().IntPart()
	if deviation.GreaterThan(decimal.NewFromInt(int64(q.tolerancePPM))) {
		q.log.Warn("Offer outside price tolerance",
			"token", intent.Token,
			"offered", quote.OfferedRate.String(),
			"reference", ref.String(),
			"deviation_ppm", quote.DeviationPPM,
			"tolerance_ppm", q.tolerancePPM)
		return nil, fmt.Errorf("%w: deviation %d ppm exceeds %d ppm",
			ErrToleranceExceeded, quote.DeviationPPM, q.tolerancePPM)
	}

	q.log.Debug("Quote built",
		"quote_id", quote.ID,
		"direction", intent.Direction,
		"input", quote.InputAmount.String(),
		"output", quote.OutputAmount.String(),
		"fee", quote.Fee.String(),
		"deviation_ppm", quote.DeviationPPM)

	return quote, nil
}

func (q *QuoteEngine) validate(ctx context.Context, intent Intent) (*destination, error) {
	if !intent.Direction.Valid() {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidIntent, intent.Direction)
	}
	if intent.Amount == nil || intent.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
	}
	if intent.Amount.Cmp(big.NewInt(btcutil.MaxSatoshi)) > 0 {
		return nil, fmt.Errorf("%w: amount %s sat exceeds the bitcoin supply", ErrInvalidIntent, intent.Amount)
	}
	if intent.Token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidIntent)
	}
	if q.tokens != nil && !q.tokens[strings.ToUpper(intent.Token)] {
		return nil, fmt.Errorf("%w: unsupported token %s", ErrInvalidIntent, intent.Token)
	}

	dest := &destination{}
	switch intent.Direction {
	case ToOnchain:
		if err := q.checkAddress(intent.Destination); err != nil {
			return nil, err
		}
		dest.address = intent.Destination

	case ToLightning:
		if q.lightning == nil {
			return nil, fmt.Errorf("%w: lightning is not configured", ErrInvalidIntent)
		}
		target := strings.TrimSpace(intent.Destination)
		target = strings.TrimPrefix(strings.TrimPrefix(target, "lightning:"), "LIGHTNING:")
		if target == "" {
			return nil, fmt.Errorf("%w: destination invoice is required", ErrInvalidIntent)
		}

		if IsLNURLTarget(target) {
			resolved, err := q.lightning.ResolveLNURL(ctx, target, intent.Amount.Int64(), intent.Comment)
			if err != nil {
				return nil, fmt.Errorf("%w: resolve %s: %v", ErrInvalidIntent, target, err)
			}
			inv := resolved.Invoice
			dest.invoice = &inv
			dest.successAction = resolved.SuccessAction
		} else {
			inv, err := q.lightning.DecodeInvoice(target)
			if err != nil {
				return nil, fmt.Errorf("%w: decode invoice: %v", ErrInvalidIntent, err)
			}
			dest.invoice = inv
		}

		if dest.invoice.AmountSat != intent.Amount.Int64() {
			return nil, fmt.Errorf("%w: invoice amount %d sat does not match requested %s sat",
				ErrInvalidIntent, dest.invoice.AmountSat, intent.Amount.String())
		}
		if !dest.invoice.Expiry.IsZero() && !q.now().Before(dest.invoice.Expiry) {
			return nil, fmt.Errorf("%w: invoice expired", ErrInvalidIntent)
		}

	case FromLightning, FromOnchain:
		if intent.Destination != "" {
			return nil, fmt.Errorf("%w: incoming swaps take no destination", ErrInvalidIntent)
		}
	}

	return dest, nil
}

func (q *QuoteEngine) checkAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: destination address is required", ErrInvalidIntent)
	}
	decoded, err := btcutil.DecodeAddress(addr, q.network)
	if err != nil {
		return fmt.Errorf("%w: bad bitcoin address: %v", ErrInvalidIntent, err)
	}
	if !decoded.IsForNet(q.network) {
		return fmt.Errorf("%w: address %s is not for %s", ErrInvalidIntent, addr, q.network.Name)
	}
	return nil
}

// build converts an offer into a quote, enforcing the amount identities.
func (q *QuoteEngine) build(intent Intent, dest *destination, offer *Offer) (*Quote, error) {
	if offer == nil || offer.InputAmount == nil || offer.InputAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: missing input amount", ErrInvalidOffer)
	}
	fee := offer.Fee
	if fee == nil {
		fee = new(big.Int)
	}
	if fee.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative fee", ErrInvalidOffer)
	}
	if offer.LockDuration <= 0 {
		return nil, fmt.Errorf("%w: missing lock duration", ErrInvalidOffer)
	}

	now := q.now()
	if !offer.Expiry.IsZero() && !now.Before(offer.Expiry) {
		return nil, fmt.Errorf("%w: offer already expired", ErrInvalidOffer)
	}

	quote := &Quote{
		ID:              offer.ID,
		Intent:          intent,
		Fee:             new(big.Int).Set(fee),
		LockDuration:    offer.LockDuration,
		Counterparty:    offer.Counterparty,
		Confirmations:   offer.Confirmations,
		SecurityDeposit: cloneInt(offer.SecurityDeposit),
		ClaimerBounty:   cloneInt(offer.ClaimerBounty),
		SuccessAction:   dest.successAction,
		Authorization:   append([]byte(nil), offer.Authorization...),
		HashLock:        offer.HashLock,
	}
	quote.Intent.Amount = new(big.Int).Set(intent.Amount)
	if quote.ID == "" {
		quote.ID = uuid.New().String()
	}
	if quote.Confirmations == 0 {
		quote.Confirmations = q.confirmations
	}

	if intent.Direction.Outgoing() {
		// Token in, sats out. The fee is charged in the token.
		quote.InputAmount = new(big.Int).Set(offer.InputAmount)
		quote.OutputAmount = new(big.Int).Sub(offer.InputAmount, fee)
		quote.Unit = UnitBaseUnits
		quote.CounterAmount = new(big.Int).Set(intent.Amount)
		quote.CounterUnit = UnitSats
		if quote.OutputAmount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: fee exceeds input", ErrInvalidOffer)
		}
		quote.OfferedRate = decimal.NewFromBigInt(quote.OutputAmount, 0).
			Div(decimal.NewFromBigInt(quote.CounterAmount, 0))
	} else {
		// Sats in, token out. The fee is charged in sats.
		if offer.InputAmount.Cmp(intent.Amount) != 0 {
			return nil, fmt.Errorf("%w: input %s sat differs from requested %s sat",
				ErrInvalidOffer, offer.InputAmount.String(), intent.Amount.String())
		}
		if offer.CounterAmount == nil || offer.CounterAmount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: missing token amount", ErrInvalidOffer)
		}
		quote.InputAmount = new(big.Int).Set(intent.Amount)
		quote.OutputAmount = new(big.Int).Sub(intent.Amount, fee)
		quote.Unit = UnitSats
		quote.CounterAmount = new(big.Int).Set(offer.CounterAmount)
		quote.CounterUnit = UnitBaseUnits
		if quote.OutputAmount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: fee exceeds amount", ErrInvalidOffer)
		}
		quote.OfferedRate = decimal.NewFromBigInt(quote.CounterAmount, 0).
			Div(decimal.NewFromBigInt(quote.OutputAmount, 0))
	}

	switch intent.Direction {
	case ToLightning:
		if quote.HashLock == (lntypes.Hash{}) {
			quote.HashLock = dest.invoice.PaymentHash
		}
		if quote.HashLock != dest.invoice.PaymentHash {
			return nil, fmt.Errorf("%w: hash lock does not match invoice", ErrInvalidOffer)
		}
		quote.PaymentTarget = dest.invoice.PaymentRequest
	case ToOnchain:
		quote.PaymentTarget = dest.address
	case FromOnchain:
		if err := q.checkAddress(offer.SwapAddress); err != nil {
			return nil, fmt.Errorf("%w: swap address: %v", ErrInvalidOffer, err)
		}
		quote.PaymentTarget = offer.SwapAddress
		if quote.SecurityDeposit == nil {
			quote.SecurityDeposit = new(big.Int)
		}
		if quote.ClaimerBounty == nil {
			quote.ClaimerBounty = new(big.Int)
		}
	case FromLightning:
		// The hash lock is generated at commit time.
		quote.HashLock = lntypes.Hash{}
	}

	quote.Expiry = now.Add(q.ttl)
	if !offer.Expiry.IsZero() && offer.Expiry.Before(quote.Expiry) {
		quote.Expiry = offer.Expiry
	}
	if dest.invoice != nil && !dest.invoice.Expiry.IsZero() && dest.invoice.Expiry.Before(quote.Expiry) {
		quote.Expiry = dest.invoice.Expiry
	}

	return quote, nil
}

// IsLNURLTarget reports whether s is an LNURL or a lightning address rather
// than a bolt11 invoice.
func IsLNURLTarget(s string) bool {
	l := strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(l, "lnurl") || strings.Contains(l, "@")
}
