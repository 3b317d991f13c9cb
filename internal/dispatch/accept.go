package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/resq-labs/resq-core/internal/metrics"
	"github.com/resq-labs/resq-core/internal/models"
	"github.com/resq-labs/resq-core/internal/pricing"
)

// ReasonJobTaken is returned to losers of the acceptance race.
const ReasonJobTaken = "Job already taken or cancelled"

// AcceptResult reports an acceptance attempt.
type AcceptResult struct {
	Success bool                   `json:"success"`
	Job     *models.ServiceRequest `json:"job,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
}

// AcceptJob atomically assigns a pending request to the accepting
// technician. The whole architecture's exclusivity guarantee hinges on the
// row lock gated on status='pending': concurrent acceptors serialize on the
// request row and only the first finds it still pending.
func (e *Engine) AcceptJob(ctx context.Context, technicianID, requestID int64) (*AcceptResult, error) {
	cfg, err := e.pricing.Get(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("pricing config: %w", err)
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin accept transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock the request row, gated on pending. No row means somebody else
	// won (or the customer cancelled); commit empty and report the loss.
	var req models.ServiceRequest
	err = tx.GetContext(ctx, &req, `
		SELECT * FROM service_requests
		WHERE id = $1 AND status = 'pending'
		FOR UPDATE`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit empty accept: %w", err)
		}
		metrics.AcceptAttempts.WithLabelValues("lost").Inc()
		return &AcceptResult{Success: false, Reason: ReasonJobTaken}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock request: %w", err)
	}

	var tech models.Technician
	err = tx.GetContext(ctx, &tech, `
		SELECT * FROM technicians WHERE id = $1 FOR UPDATE`, technicianID)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.AcceptAttempts.WithLabelValues("error").Inc()
		return &AcceptResult{Success: false, Reason: "Technician not found"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock technician: %w", err)
	}

	amount := req.Amount
	if resolved := pricing.ResolveBaseAmount(&req, &tech, cfg); resolved != nil {
		amount = *resolved
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE service_requests
		SET technician_id = $1, status = 'assigned', amount = $2, updated_at = NOW()
		WHERE id = $3`,
		technicianID, amount, requestID)
	if err != nil {
		return nil, fmt.Errorf("assign request: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE dispatch_offers SET status = 'accepted'
		WHERE service_request_id = $1 AND technician_id = $2`,
		requestID, technicianID)
	if err != nil {
		return nil, fmt.Errorf("accept offer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Acceptance without a prior offer row (direct accept) still leaves
		// exactly one accepted offer behind.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dispatch_offers
				(service_request_id, technician_id, status, sent_at, expires_at)
			VALUES ($1, $2, 'accepted', NOW(), NOW())`,
			requestID, technicianID)
		if err != nil {
			return nil, fmt.Errorf("record accepted offer: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE dispatch_offers SET status = 'rejected'
		WHERE service_request_id = $1 AND technician_id <> $2 AND status = 'pending'`,
		requestID, technicianID)
	if err != nil {
		return nil, fmt.Errorf("reject sibling offers: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE technicians SET is_available = FALSE, updated_at = NOW() WHERE id = $1`,
		technicianID)
	if err != nil {
		return nil, fmt.Errorf("mark technician busy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit accept: %w", err)
	}
	metrics.AcceptAttempts.WithLabelValues("won").Inc()

	req.TechnicianID = &technicianID
	req.Status = models.StatusAssigned
	req.Amount = amount

	e.notifyAcceptance(ctx, &req, &tech)
	return &AcceptResult{Success: true, Job: &req}, nil
}

// notifyAcceptance pushes the post-commit hints: revocations to losers,
// assignment to the winner, and the update to request watchers. Push
// failures never affect the persisted assignment.
func (e *Engine) notifyAcceptance(ctx context.Context, req *models.ServiceRequest, tech *models.Technician) {
	var rejectedIDs []int64
	err := e.store.DB.SelectContext(ctx, &rejectedIDs, `
		SELECT technician_id FROM dispatch_offers
		WHERE service_request_id = $1 AND status = 'rejected'`, req.ID)
	if err != nil {
		e.log.Warn().Err(err).Int64("request_id", req.ID).Msg("listing rejected offers for revocation pushes")
	}
	for _, id := range rejectedIDs {
		e.hub.NotifyTechnician(id, "job:revoked", map[string]interface{}{"requestId": req.ID})
	}

	assignment := map[string]interface{}{
		"requestId":   req.ID,
		"status":      req.Status,
		"amount":      req.Amount,
		"serviceType": req.ServiceType,
		"address":     req.Address,
		"customer": map[string]interface{}{
			"name":  req.ContactName,
			"phone": req.ContactPhone,
		},
	}
	e.hub.NotifyTechnician(tech.ID, "job_assigned", assignment)
	e.hub.NotifyTechnician(tech.ID, "job:assigned", assignment)

	e.hub.NotifyUser(req.UserID, "job:status_update", map[string]interface{}{
		"requestId": req.ID,
		"status":    req.Status,
		"technician": map[string]interface{}{
			"id":     tech.ID,
			"name":   tech.Name,
			"phone":  tech.Phone,
			"rating": tech.Rating,
		},
	})
	e.hub.NotifyRequest(req.ID, fmt.Sprintf("job_update_%d", req.ID), assignment)
}
