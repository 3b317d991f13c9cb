package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/resq-labs/resq-core/internal/metrics"
	"github.com/resq-labs/resq-core/internal/models"
	"github.com/resq-labs/resq-core/internal/pricing"
)

// ReasonPaymentRowNotFound is the retryable miss both entry paths handle by
// backfilling a pending row.
const ReasonPaymentRowNotFound = "payment_row_not_found"

// FinalizeResult reports one finalization attempt.
type FinalizeResult struct {
	Processed bool                   `json:"processed"`
	Duplicate bool                   `json:"duplicate"`
	Reason    string                 `json:"reason,omitempty"`
	Request   *models.ServiceRequest `json:"request,omitempty"`
}

// Finalize marks a captured gateway payment as settled: payment row
// completed, request paid, invoice present, technician counters bumped once.
// Entered by both the client confirm path and the webhook path; replays
// converge on the same state. Lock order is payment, then request, then
// invoice.
func (s *Service) Finalize(ctx context.Context, orderID, paymentID, source string) (*FinalizeResult, error) {
	cfg, err := s.pricing.Get(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("pricing config: %w", err)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	var payment models.Payment
	err = tx.GetContext(ctx, &payment, `
		SELECT * FROM payments WHERE razorpay_order_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1
		FOR UPDATE`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return &FinalizeResult{Processed: false, Reason: ReasonPaymentRowNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock payment: %w", err)
	}

	var req models.ServiceRequest
	err = tx.GetContext(ctx, &req, `
		SELECT * FROM service_requests WHERE id = $1 FOR UPDATE`,
		payment.ServiceRequestID)
	if err != nil {
		return nil, fmt.Errorf("lock request: %w", err)
	}

	var tech *models.Technician
	if req.TechnicianID != nil {
		var t models.Technician
		err = tx.GetContext(ctx, &t, `
			SELECT * FROM technicians WHERE id = $1`, *req.TechnicianID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load technician: %w", err)
		}
		if err == nil {
			tech = &t
		}
	}

	base := req.Amount
	if resolved := pricing.ResolveBaseAmount(&req, tech, cfg); resolved != nil {
		base = *resolved
	}
	breakdown := pricing.ComputePaymentAmounts(base, cfg, storedDiscount(&req))

	requestWasPaid := req.IsPaid()
	paymentWasCompleted := payment.Status == models.PaymentStatusCompleted

	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET
			status = 'completed', amount = $1, platform_fee = $2,
			technician_amount = $3, is_settled = TRUE,
			razorpay_payment_id = $4, updated_at = NOW()
		WHERE id = $5`,
		breakdown.TotalAmount, breakdown.PlatformFee, breakdown.BaseAmount,
		paymentID, payment.ID)
	if err != nil {
		return nil, fmt.Errorf("complete payment: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE service_requests SET
			payment_status = 'completed', payment_method = 'razorpay',
			status = 'paid', amount = $1,
			completed_at = COALESCE(completed_at, NOW()), updated_at = NOW()
		WHERE id = $2`, breakdown.BaseAmount, req.ID)
	if err != nil {
		return nil, fmt.Errorf("mark request paid: %w", err)
	}

	invoice, err := s.upsertInvoiceTx(ctx, tx, &req, breakdown, orderID, paymentID)
	if err != nil {
		return nil, err
	}

	if !requestWasPaid && tech != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE technicians SET
				jobs_completed = jobs_completed + 1,
				total_earnings = total_earnings + $1,
				is_available = TRUE, updated_at = NOW()
			WHERE id = $2`, breakdown.BaseAmount, tech.ID)
		if err != nil {
			return nil, fmt.Errorf("bump technician counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}

	duplicate := requestWasPaid && paymentWasCompleted
	metrics.Finalizations.WithLabelValues(source, strconv.FormatBool(duplicate)).Inc()

	req.Status = models.StatusPaid
	req.PaymentStatus = models.PaymentStatusCompleted
	method := models.PaymentMethodRazorpay
	req.PaymentMethod = &method
	req.Amount = breakdown.BaseAmount

	s.afterSettlement(ctx, &req, invoice, breakdown, duplicate)

	return &FinalizeResult{Processed: true, Duplicate: duplicate, Request: &req}, nil
}

// upsertInvoiceTx locks the invoice by order or payment id, updating its
// amounts and references when it exists, otherwise rendering and inserting a
// fresh one.
func (s *Service) upsertInvoiceTx(ctx context.Context, tx execGetter, req *models.ServiceRequest, breakdown pricing.Breakdown, orderID, paymentID string) (*models.Invoice, error) {
	var invoice models.Invoice
	err := tx.GetContext(ctx, &invoice, `
		SELECT * FROM invoices
		WHERE razorpay_order_id = $1 OR razorpay_payment_id = $2
		LIMIT 1 FOR UPDATE`, orderID, paymentID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock invoice: %w", err)
	}

	if err == nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE invoices SET
				base_amount = $1, platform_fee = $2, total_amount = $3,
				razorpay_order_id = $4, razorpay_payment_id = $5
			WHERE id = $6`,
			breakdown.BaseAmount, breakdown.PlatformFee, breakdown.TotalAmount,
			orderID, paymentID, invoice.ID)
		if err != nil {
			return nil, fmt.Errorf("update invoice: %w", err)
		}
		invoice.BaseAmount = breakdown.BaseAmount
		invoice.PlatformFee = breakdown.PlatformFee
		invoice.TotalAmount = breakdown.TotalAmount
		return &invoice, nil
	}

	invoice = models.Invoice{
		ServiceRequestID:  req.ID,
		UserID:            req.UserID,
		TechnicianID:      req.TechnicianID,
		BaseAmount:        breakdown.BaseAmount,
		PlatformFee:       breakdown.PlatformFee,
		TotalAmount:       breakdown.TotalAmount,
		RazorpayOrderID:   &orderID,
		RazorpayPaymentID: &paymentID,
		Status:            models.InvoiceGenerated,
	}

	pdf, renderErr := s.renderer.Render(&invoice, req)
	if renderErr != nil {
		s.log.Warn().Err(renderErr).Int64("request_id", req.ID).Msg("invoice PDF render failed, storing without pdf")
	}
	invoice.PDF = pdf

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO invoices
			(service_request_id, user_id, technician_id, base_amount,
			 platform_fee, gst, total_amount, razorpay_order_id,
			 razorpay_payment_id, pdf, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, 'GENERATED', NOW())
		RETURNING id`,
		invoice.ServiceRequestID, invoice.UserID, invoice.TechnicianID,
		invoice.BaseAmount, invoice.PlatformFee, invoice.TotalAmount,
		invoice.RazorpayOrderID, invoice.RazorpayPaymentID, invoice.PDF).
		Scan(&invoice.ID)
	if err != nil {
		return nil, fmt.Errorf("insert invoice: %w", err)
	}
	return &invoice, nil
}

// afterSettlement runs the post-commit side effects: invoice email and
// pushes. Failures here are logged and never surface as payment failures.
func (s *Service) afterSettlement(ctx context.Context, req *models.ServiceRequest, invoice *models.Invoice, breakdown pricing.Breakdown, duplicate bool) {
	if invoice != nil && invoice.Status != models.InvoiceEmailed && s.mailer != nil {
		s.emailInvoice(ctx, req, invoice)
	}

	payload := map[string]interface{}{
		"requestId":   req.ID,
		"status":      req.Status,
		"amount":      breakdown.TotalAmount,
		"platformFee": breakdown.PlatformFee,
		"duplicate":   duplicate,
	}
	s.hub.Broadcast("admin:payment_update", payload)
	s.hub.NotifyUser(req.UserID, "job:status_update", map[string]interface{}{
		"requestId": req.ID,
		"status":    req.Status,
	})
	s.hub.NotifyUser(req.UserID, "payment_completed", payload)
	if req.TechnicianID != nil {
		s.hub.NotifyTechnician(*req.TechnicianID, "payment_completed", payload)
	}
	metrics.PushEvents.WithLabelValues("payment_completed").Inc()
}

// emailInvoice sends the invoice and marks it EMAILED, best effort.
func (s *Service) emailInvoice(ctx context.Context, req *models.ServiceRequest, invoice *models.Invoice) {
	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil || user.Email == "" {
		return
	}
	if err := s.mailer.SendInvoice(ctx, user.Email, invoice); err != nil {
		s.log.Warn().Err(err).Int64("invoice_id", invoice.ID).Msg("invoice email failed")
		return
	}
	_, err = s.store.DB.ExecContext(ctx,
		`UPDATE invoices SET status = 'EMAILED' WHERE id = $1`, invoice.ID)
	if err != nil {
		s.log.Warn().Err(err).Int64("invoice_id", invoice.ID).Msg("marking invoice emailed")
		return
	}
	invoice.Status = models.InvoiceEmailed
}
