package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/resq-labs/resq-core/internal/models"
	"github.com/resq-labs/resq-core/internal/store"
)

// ConfirmInput is the client-side checkout callback.
type ConfirmInput struct {
	RequestID int64  `json:"request_id"`
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

// ConfirmResult tells the client whether finalization already happened or
// the webhook will finish the job.
type ConfirmResult struct {
	ImmediateFinalization bool                   `json:"immediateFinalization"`
	Request               *models.ServiceRequest `json:"request,omitempty"`
	Message               string                 `json:"message,omitempty"`
}

// Confirm verifies the checkout signature, marks the payment PROCESSING, and
// attempts immediate finalization. A missing payment row is backfilled once;
// if finalization still cannot proceed the webhook path picks it up later.
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) (*ConfirmResult, error) {
	if s.gateway == nil || !s.gateway.Configured() {
		return nil, ErrGatewayUnconfigured
	}
	if in.OrderID == "" || in.PaymentID == "" || in.Signature == "" {
		return nil, ErrSignatureMismatch
	}
	if !s.gateway.VerifyCallbackSignature(in.OrderID, in.PaymentID, in.Signature) {
		return nil, ErrSignatureMismatch
	}

	if err := s.upsertProcessing(ctx, in); err != nil {
		return nil, err
	}

	result, err := s.Finalize(ctx, in.OrderID, in.PaymentID, "confirm")
	if err != nil {
		return nil, err
	}
	if !result.Processed && result.Reason == ReasonPaymentRowNotFound {
		if err := s.backfillPending(ctx, in.RequestID, in.OrderID); err != nil {
			return nil, err
		}
		if result, err = s.Finalize(ctx, in.OrderID, in.PaymentID, "confirm"); err != nil {
			return nil, err
		}
	}

	if result.Processed {
		return &ConfirmResult{ImmediateFinalization: true, Request: result.Request}, nil
	}
	return &ConfirmResult{ImmediateFinalization: false, Message: "Awaiting webhook"}, nil
}

// upsertProcessing records the gateway references on the payment row before
// finalization so a crash between here and commit leaves a recoverable trail.
func (s *Service) upsertProcessing(ctx context.Context, in ConfirmInput) error {
	existing, err := s.store.LatestPaymentByOrder(ctx, in.OrderID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load payment by order: %w", err)
	}

	payment := &models.Payment{
		PaymentMethod:     models.PaymentMethodRazorpay,
		Status:            models.PaymentStatusProcessing,
		RazorpayOrderID:   &in.OrderID,
		RazorpayPaymentID: &in.PaymentID,
		RazorpaySignature: &in.Signature,
	}
	switch {
	case existing != nil:
		payment.UserID = existing.UserID
		payment.ServiceRequestID = existing.ServiceRequestID
		payment.Amount = existing.Amount
		payment.PlatformFee = existing.PlatformFee
		payment.TechnicianAmount = existing.TechnicianAmount
	case in.RequestID > 0:
		req, err := s.store.GetRequest(ctx, in.RequestID)
		if err != nil {
			return err
		}
		payment.UserID = req.UserID
		payment.ServiceRequestID = req.ID
	default:
		// No row and no request hint; finalization will report
		// payment_row_not_found and the caller decides.
		return nil
	}
	return s.store.UpsertPaymentForOrder(ctx, payment)
}

// backfillPending writes the pending row a lost order-create would have left.
func (s *Service) backfillPending(ctx context.Context, requestID int64, orderID string) error {
	if requestID <= 0 {
		return nil
	}
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	return s.store.UpsertPaymentForOrder(ctx, &models.Payment{
		UserID:           req.UserID,
		ServiceRequestID: req.ID,
		PaymentMethod:    models.PaymentMethodRazorpay,
		Status:           models.PaymentStatusPending,
		RazorpayOrderID:  &orderID,
	})
}
