package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/resq-labs/resq-core/internal/dispatch"
	"github.com/resq-labs/resq-core/internal/models"
	"github.com/resq-labs/resq-core/internal/pricing"
	"github.com/resq-labs/resq-core/internal/store"
)

// statusRank orders the forward progression. Technicians may only move a
// request forward along this chain.
var statusRank = map[string]int{
	models.StatusPending:        0,
	models.StatusAssigned:       1,
	models.StatusAccepted:       2,
	models.StatusOnTheWay:       3,
	models.StatusArrived:        4,
	models.StatusInProgress:     5,
	models.StatusPaymentPending: 6,
	models.StatusPaid:           7,
}

// startedStatuses set started_at on first entry.
var startedStatuses = map[string]bool{
	models.StatusOnTheWay:   true,
	models.StatusInProgress: true,
}

// finishedStatuses set completed_at and free the technician.
var finishedStatuses = map[string]bool{
	models.StatusPaymentPending: true,
	models.StatusPaid:           true,
}

// UpdateStatus is the general PATCH transition. Users may only cancel, and
// only from early states; technicians progress their own job forward, reject
// it, or complete it (coerced to payment_pending until payment lands).
func (s *Service) UpdateStatus(ctx context.Context, requestID int64, actor Actor, rawStatus, reason string) (*models.ServiceRequest, error) {
	status := models.NormalizeStatus(rawStatus)
	if status == models.StatusCancelled {
		if actor.Role == RoleTechnician {
			return nil, ErrForbidden
		}
		blocked := generalCancelBlocked
		if actor.Role == RoleAdmin {
			blocked = map[string]bool{models.StatusPaid: true}
		}
		return s.cancelTx(ctx, requestID, actor, reason, blocked)
	}
	if status == models.StatusRejected {
		if actor.Role == RoleUser {
			return nil, ErrForbidden
		}
		return s.rejectAndReassign(ctx, requestID, actor.ID)
	}

	coerced := status
	if coerced == models.StatusCompleted {
		coerced = models.StatusPaymentPending
	}
	if _, known := statusRank[coerced]; !known {
		return nil, ErrUnknownStatus
	}
	if actor.Role == RoleUser {
		return nil, ErrForbidden
	}
	if coerced == models.StatusPaid && actor.Role != RoleAdmin {
		// paid is entered by the payment finalizer, not a status PATCH.
		return nil, ErrForbidden
	}
	return s.progressTx(ctx, requestID, actor, status, coerced)
}

func (s *Service) progressTx(ctx context.Context, requestID int64, actor Actor, requested, status string) (*models.ServiceRequest, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
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

	if actor.Role == RoleTechnician {
		if req.TechnicianID == nil || *req.TechnicianID != actor.ID {
			return nil, ErrForbidden
		}
	}
	if models.TerminalStatus(req.Status) {
		return nil, &TransitionError{From: req.Status, To: requested}
	}
	// completed on an already-paid request stays paid.
	if requested == models.StatusCompleted && req.IsPaid() {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit no-op transition: %w", err)
		}
		return &req, nil
	}
	if statusRank[status] <= statusRank[req.Status] {
		return nil, &TransitionError{From: req.Status, To: requested}
	}

	now := time.Now()
	sets := `status = $1, updated_at = NOW()`
	if startedStatuses[status] && req.StartedAt == nil {
		sets += `, started_at = NOW()`
		req.StartedAt = &now
	}
	if finishedStatuses[status] && req.CompletedAt == nil {
		sets += `, completed_at = NOW()`
		req.CompletedAt = &now
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE service_requests SET `+sets+` WHERE id = $2`, status, requestID)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	if finishedStatuses[status] && req.TechnicianID != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE technicians SET is_available = TRUE, updated_at = NOW() WHERE id = $1`,
			*req.TechnicianID)
		if err != nil {
			return nil, fmt.Errorf("free technician: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	req.Status = status
	payload := map[string]interface{}{
		"requestId": req.ID,
		"status":    status,
	}
	s.hub.NotifyUser(req.UserID, "job:status_update", payload)
	if req.TechnicianID != nil {
		s.hub.NotifyTechnician(*req.TechnicianID, "job:status_update", payload)
	}
	s.hub.NotifyRequest(req.ID, "job:status_update", payload)

	s.log.Info().Int64("request_id", req.ID).Str("status", status).
		Str("by", actor.Role).Msg("request transitioned")
	return &req, nil
}

// rejectAndReassign handles a technician bailing on an assigned job: hand the
// request to the next best candidate, or return it to pending for a fresh
// dispatch round when nobody else qualifies.
func (s *Service) rejectAndReassign(ctx context.Context, requestID, technicianID int64) (*models.ServiceRequest, error) {
	current, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	// Candidate search runs outside the transaction; the lock below
	// re-validates the assignment before anything is written.
	var next *dispatch.Candidate
	if s.matcher != nil {
		candidates, err := s.matcher.FindTopTechnicians(ctx, current, 0)
		if err != nil {
			s.log.Warn().Err(err).Int64("request_id", requestID).Msg("reassignment search failed, request returns to pending")
		}
		for i := range candidates {
			if candidates[i].Technician.ID != technicianID {
				next = &candidates[i]
				break
			}
		}
	}

	var cfg *models.PlatformPricingConfig
	if next != nil {
		if cfg, err = s.pricing.Get(ctx, false); err != nil {
			s.log.Warn().Err(err).Msg("pricing config unavailable during reassignment")
		}
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reject: %w", err)
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
	if req.TechnicianID == nil || *req.TechnicianID != technicianID {
		return nil, ErrForbidden
	}
	if models.TerminalStatus(req.Status) {
		return nil, &TransitionError{From: req.Status, To: models.StatusRejected}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE dispatch_offers SET status = 'rejected'
		WHERE service_request_id = $1 AND technician_id = $2`,
		requestID, technicianID)
	if err != nil {
		return nil, fmt.Errorf("reject offer: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE technicians SET is_available = TRUE, updated_at = NOW() WHERE id = $1`,
		technicianID)
	if err != nil {
		return nil, fmt.Errorf("free rejecting technician: %w", err)
	}

	if next != nil {
		amount := req.Amount
		if cfg != nil {
			if resolved := pricing.ResolveBaseAmount(&req, &next.Technician, cfg); resolved != nil {
				amount = *resolved
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE service_requests
			SET technician_id = $1, status = 'assigned', amount = $2, updated_at = NOW()
			WHERE id = $3`, next.Technician.ID, amount, requestID)
		if err != nil {
			return nil, fmt.Errorf("reassign request: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE technicians SET is_available = FALSE, updated_at = NOW() WHERE id = $1`,
			next.Technician.ID)
		if err != nil {
			return nil, fmt.Errorf("mark new technician busy: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit reassignment: %w", err)
		}

		nextID := next.Technician.ID
		req.TechnicianID = &nextID
		req.Status = models.StatusAssigned
		req.Amount = amount

		s.hub.NotifyTechnician(nextID, "job:assigned", map[string]interface{}{
			"requestId":   req.ID,
			"serviceType": req.ServiceType,
			"address":     req.Address,
			"amount":      amount,
		})
		s.hub.NotifyUser(req.UserID, "job:status_update", map[string]interface{}{
			"requestId": req.ID,
			"status":    models.StatusAssigned,
			"technician": map[string]interface{}{
				"id":   nextID,
				"name": next.Technician.Name,
			},
		})
		s.log.Info().Int64("request_id", req.ID).Int64("from", technicianID).
			Int64("to", nextID).Msg("request reassigned after rejection")
		return &req, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE service_requests
		SET technician_id = NULL, status = 'pending', updated_at = NOW()
		WHERE id = $1`, requestID)
	if err != nil {
		return nil, fmt.Errorf("return request to pending: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rejection: %w", err)
	}

	req.TechnicianID = nil
	req.Status = models.StatusPending

	s.hub.NotifyUser(req.UserID, "job:status_update", map[string]interface{}{
		"requestId": req.ID,
		"status":    models.StatusPending,
		"message":   "Looking for another technician",
	})
	s.log.Info().Int64("request_id", req.ID).Int64("rejected_by", technicianID).
		Msg("no replacement candidate, request back to pending")
	return &req, nil
}
