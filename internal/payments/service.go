// Package payments implements the finalization pipeline: quoting, gateway
// order creation, client-side confirmation, the idempotent capture finalizer,
// cash settlement, and webhook processing. Every stage tolerates retry.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/resq-labs/resq-core/internal/gateway"
	"github.com/resq-labs/resq-core/internal/models"
	"github.com/resq-labs/resq-core/internal/pricing"
	"github.com/resq-labs/resq-core/internal/store"
)

var (
	// ErrAlreadyPaid rejects payment operations on a paid request.
	ErrAlreadyPaid = errors.New("request is already paid")

	// ErrGatewayUnconfigured surfaces as 503 on gateway-dependent routes.
	ErrGatewayUnconfigured = errors.New("Payment gateway is not configured")

	// ErrSignatureMismatch rejects a client confirmation with a bad HMAC.
	ErrSignatureMismatch = errors.New("payment signature verification failed")
)

// CouponError carries the evaluation reason when a provided coupon cannot be
// applied during order creation.
type CouponError struct {
	Reason string
}

func (e *CouponError) Error() string { return e.Reason }

// Notifier is the push surface the pipeline needs, including the admin
// broadcast. The realtime hub satisfies it.
type Notifier interface {
	NotifyUser(userID int64, event string, payload interface{})
	NotifyTechnician(techID int64, event string, payload interface{})
	NotifyRequest(requestID int64, event string, payload interface{})
	Broadcast(event string, payload interface{})
}

// Service runs the payment pipeline.
type Service struct {
	store    *store.Store
	pricing  *pricing.ConfigCache
	gateway  *gateway.Client
	hub      Notifier
	mailer   Mailer
	renderer InvoiceRenderer
	log      zerolog.Logger
}

// New wires the pipeline. mailer and renderer may be nil; emails and PDF
// rendering are then skipped.
func New(st *store.Store, cache *pricing.ConfigCache, gw *gateway.Client, hub Notifier, mailer Mailer, renderer InvoiceRenderer, log zerolog.Logger) *Service {
	if renderer == nil {
		renderer = MinimalPDFRenderer{}
	}
	return &Service{
		store:    st,
		pricing:  cache,
		gateway:  gw,
		hub:      hub,
		mailer:   mailer,
		renderer: renderer,
		log:      log.With().Str("component", "payments").Logger(),
	}
}

// QuoteResult is an itemized preview; nothing is persisted.
type QuoteResult struct {
	pricing.Breakdown
	Coupon CouponResult `json:"coupon"`
}

// Quote recomputes the base amount for a request, evaluates the coupon, and
// returns the breakdown. An inapplicable coupon does not fail the quote; its
// reason rides along in the coupon block.
func (s *Service) Quote(ctx context.Context, requestID int64, couponCode string) (*QuoteResult, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.pricing.Get(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("pricing config: %w", err)
	}

	base, err := s.baseAmount(ctx, req, cfg)
	if err != nil {
		return nil, err
	}

	coupon := s.EvaluateCoupon(ctx, cfg, req, couponCode, true)

	var opts pricing.DiscountOpts
	if coupon.Applied {
		opts.Percent = coupon.Percent
	}
	breakdown := pricing.ComputePaymentAmounts(base, cfg, opts)
	coupon.DiscountAmount = breakdown.DiscountAmount

	return &QuoteResult{Breakdown: breakdown, Coupon: coupon}, nil
}

// baseAmount resolves the request's base via technician pricing, the stored
// amount, then the service matrix.
func (s *Service) baseAmount(ctx context.Context, req *models.ServiceRequest, cfg *models.PlatformPricingConfig) (float64, error) {
	var tech *models.Technician
	if req.TechnicianID != nil {
		t, err := s.store.GetTechnician(ctx, *req.TechnicianID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("load technician: %w", err)
		}
		tech = t
	}
	if resolved := pricing.ResolveBaseAmount(req, tech, cfg); resolved != nil {
		return *resolved, nil
	}
	return cfg.DefaultServiceAmount, nil
}

// storedDiscount reconstructs the discount the request reserved at order
// time so the webhook path computes the same totals the client saw.
func storedDiscount(req *models.ServiceRequest) pricing.DiscountOpts {
	if req.CouponDiscountAmount > 0 {
		amount := req.CouponDiscountAmount
		return pricing.DiscountOpts{Amount: &amount}
	}
	return pricing.DiscountOpts{Percent: req.CouponDiscountPercent}
}
