package payments

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"

	"github.com/resq-labs/resq-core/internal/gateway"
	"github.com/resq-labs/resq-core/internal/models"
	"github.com/resq-labs/resq-core/internal/pricing"
)

// OrderResult is everything the checkout UI needs to open the gateway widget.
type OrderResult struct {
	Order     *gateway.Order    `json:"order"`
	KeyID     string            `json:"key_id"`
	Breakdown pricing.Breakdown `json:"breakdown"`
	Coupon    CouponResult      `json:"coupon"`
}

// CreateOrder builds the quote, creates a gateway order for the total in
// minor units, and records a PENDING payment row keyed by
// (service_request_id, order_id). An applied coupon is written onto the
// request, reserving one use; a provided-but-inapplicable coupon fails with
// its reason.
func (s *Service) CreateOrder(ctx context.Context, requestID int64, couponCode string) (*OrderResult, error) {
	if s.gateway == nil || !s.gateway.Configured() {
		return nil, ErrGatewayUnconfigured
	}

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.IsPaid() {
		return nil, ErrAlreadyPaid
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
	if couponCode != "" && !coupon.Applied {
		return nil, &CouponError{Reason: coupon.Reason}
	}

	var opts pricing.DiscountOpts
	if coupon.Applied {
		opts.Percent = coupon.Percent
	}
	breakdown := pricing.ComputePaymentAmounts(base, cfg, opts)
	coupon.DiscountAmount = breakdown.DiscountAmount

	order, err := s.gateway.CreateOrder(ctx, gateway.OrderRequest{
		Amount:   int64(math.Round(breakdown.TotalAmount * 100)),
		Currency: breakdown.Currency,
		Receipt:  "resq_" + uuid.NewString()[:18],
		Notes: map[string]string{
			"requestId": strconv.FormatInt(req.ID, 10),
			"userId":    strconv.FormatInt(req.UserID, 10),
			"type":      "service_payment",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create gateway order: %w", err)
	}

	payment := &models.Payment{
		UserID:           req.UserID,
		ServiceRequestID: req.ID,
		PaymentMethod:    models.PaymentMethodRazorpay,
		Status:           models.PaymentStatusPending,
		Amount:           breakdown.TotalAmount,
		PlatformFee:      breakdown.PlatformFee,
		TechnicianAmount: breakdown.BaseAmount,
		RazorpayOrderID:  &order.ID,
	}
	if err := s.store.UpsertPaymentForOrder(ctx, payment); err != nil {
		return nil, fmt.Errorf("record pending payment: %w", err)
	}

	if coupon.Applied {
		err = s.store.ApplyCouponToRequest(ctx, req.ID, coupon.Code, coupon.Percent, coupon.DiscountAmount)
		if err != nil {
			return nil, fmt.Errorf("reserve coupon: %w", err)
		}
	}

	s.log.Info().Int64("request_id", req.ID).Str("order_id", order.ID).
		Float64("total", breakdown.TotalAmount).Bool("coupon", coupon.Applied).
		Msg("gateway order created")

	return &OrderResult{
		Order:     order,
		KeyID:     s.gateway.KeyID(),
		Breakdown: breakdown,
		Coupon:    coupon,
	}, nil
}
