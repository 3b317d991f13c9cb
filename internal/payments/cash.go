package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/resq-labs/resq-core/internal/metrics"
	"github.com/resq-labs/resq-core/internal/models"
	"github.com/resq-labs/resq-core/internal/pricing"
	"github.com/resq-labs/resq-core/internal/store"
)

// CashResult reports a cash settlement.
type CashResult struct {
	Request *models.ServiceRequest `json:"request"`
	Payment *models.Payment        `json:"payment"`
	Due     *models.TechnicianDue  `json:"due,omitempty"`
}

// Cash settles a request paid in person. The technician collected the full
// total, so the platform fee becomes a pending due against them; the payment
// row stays is_settled=false until the due is paid. One transaction covers
// request, payment, invoice, due, and counters.
func (s *Service) Cash(ctx context.Context, requestID int64) (*CashResult, error) {
	cfg, err := s.pricing.Get(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("pricing config: %w", err)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cash settlement: %w", err)
	}
	defer tx.Rollback()

	var req models.ServiceRequest
	err = tx.GetContext(ctx, &req, `
		SELECT * FROM service_requests WHERE id = $1 FOR UPDATE`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock request: %w", err)
	}
	if req.IsPaid() {
		return nil, ErrAlreadyPaid
	}

	var tech *models.Technician
	if req.TechnicianID != nil {
		var t models.Technician
		err = tx.GetContext(ctx, &t, `SELECT * FROM technicians WHERE id = $1`, *req.TechnicianID)
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

	_, err = tx.ExecContext(ctx, `
		UPDATE service_requests SET
			payment_status = 'completed', payment_method = 'cash',
			status = 'paid', amount = $1,
			completed_at = COALESCE(completed_at, NOW()), updated_at = NOW()
		WHERE id = $2`, breakdown.BaseAmount, requestID)
	if err != nil {
		return nil, fmt.Errorf("mark request paid: %w", err)
	}

	payment := &models.Payment{
		UserID:           req.UserID,
		ServiceRequestID: req.ID,
		PaymentMethod:    models.PaymentMethodCash,
		Status:           models.PaymentStatusCompleted,
		Amount:           breakdown.TotalAmount,
		PlatformFee:      breakdown.PlatformFee,
		TechnicianAmount: breakdown.BaseAmount,
		IsSettled:        false,
	}
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO payments
			(user_id, service_request_id, payment_method, status, amount,
			 platform_fee, technician_amount, is_settled, created_at, updated_at)
		VALUES ($1, $2, 'cash', 'completed', $3, $4, $5, FALSE, NOW(), NOW())
		RETURNING id`,
		payment.UserID, payment.ServiceRequestID,
		payment.Amount, payment.PlatformFee, payment.TechnicianAmount).
		Scan(&payment.ID)
	if err != nil {
		return nil, fmt.Errorf("insert cash payment: %w", err)
	}

	invoice := &models.Invoice{
		ServiceRequestID: req.ID,
		UserID:           req.UserID,
		TechnicianID:     req.TechnicianID,
		BaseAmount:       breakdown.BaseAmount,
		PlatformFee:      breakdown.PlatformFee,
		TotalAmount:      breakdown.TotalAmount,
		Status:           models.InvoiceGenerated,
	}
	pdf, renderErr := s.renderer.Render(invoice, &req)
	if renderErr != nil {
		s.log.Warn().Err(renderErr).Int64("request_id", req.ID).Msg("invoice PDF render failed, storing without pdf")
	}
	invoice.PDF = pdf
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO invoices
			(service_request_id, user_id, technician_id, base_amount,
			 platform_fee, gst, total_amount, pdf, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, 'GENERATED', NOW())
		RETURNING id`,
		invoice.ServiceRequestID, invoice.UserID, invoice.TechnicianID,
		invoice.BaseAmount, invoice.PlatformFee, invoice.TotalAmount, invoice.PDF).
		Scan(&invoice.ID)
	if err != nil {
		return nil, fmt.Errorf("insert invoice: %w", err)
	}

	var due *models.TechnicianDue
	if tech != nil {
		due = &models.TechnicianDue{
			TechnicianID:     tech.ID,
			ServiceRequestID: req.ID,
			Amount:           breakdown.PlatformFee,
			Status:           models.DuePending,
		}
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO technician_dues
				(technician_id, service_request_id, amount, status, created_at)
			VALUES ($1, $2, $3, 'pending', NOW())
			RETURNING id`,
			due.TechnicianID, due.ServiceRequestID, due.Amount).
			Scan(&due.ID)
		if err != nil {
			return nil, fmt.Errorf("insert technician due: %w", err)
		}

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
		return nil, fmt.Errorf("commit cash settlement: %w", err)
	}
	metrics.Finalizations.WithLabelValues("cash", "false").Inc()

	req.Status = models.StatusPaid
	req.PaymentStatus = models.PaymentStatusCompleted
	method := models.PaymentMethodCash
	req.PaymentMethod = &method
	req.Amount = breakdown.BaseAmount

	s.afterSettlement(ctx, &req, invoice, breakdown, false)

	s.log.Info().Int64("request_id", req.ID).Float64("due", breakdown.PlatformFee).
		Msg("cash payment settled")
	return &CashResult{Request: &req, Payment: payment, Due: due}, nil
}
