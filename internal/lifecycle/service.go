// Package lifecycle owns request creation and the status state machine:
// alias-normalized transitions, cancellation, technician rejection with
// reassignment, and the timestamps and availability changes each move implies.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/resq-labs/resq-core/internal/canon"
	"github.com/resq-labs/resq-core/internal/dispatch"
	"github.com/resq-labs/resq-core/internal/models"
	"github.com/resq-labs/resq-core/internal/pricing"
	"github.com/resq-labs/resq-core/internal/store"
)

// DuplicateWindow is how far back a same-service open booking blocks a new one.
const DuplicateWindow = 5 * time.Minute

// Matcher finds ranked candidates; the dispatch engine satisfies it. Used for
// reassignment after a technician rejection.
type Matcher interface {
	FindTopTechnicians(ctx context.Context, req *models.ServiceRequest, radiusKm float64) ([]dispatch.Candidate, error)
}

// Actor identifies who is driving a transition.
type Actor struct {
	Role string // user | technician | admin
	ID   int64
}

const (
	RoleUser       = "user"
	RoleTechnician = "technician"
	RoleAdmin      = "admin"
)

// Service implements the request lifecycle.
type Service struct {
	store   *store.Store
	matcher Matcher
	pricing *pricing.ConfigCache
	hub     dispatch.Notifier
	log     zerolog.Logger
}

// New wires the lifecycle service.
func New(st *store.Store, matcher Matcher, cache *pricing.ConfigCache, hub dispatch.Notifier, log zerolog.Logger) *Service {
	return &Service{
		store:   st,
		matcher: matcher,
		pricing: cache,
		hub:     hub,
		log:     log.With().Str("component", "lifecycle").Logger(),
	}
}

// CreateInput is a new booking.
type CreateInput struct {
	UserID       int64    `json:"user_id"`
	ServiceType  string   `json:"service_type"`
	VehicleType  string   `json:"vehicle_type"`
	Address      string   `json:"address"`
	Lat          *float64 `json:"lat"`
	Lng          *float64 `json:"lng"`
	ContactName  string   `json:"contact_name"`
	ContactPhone string   `json:"contact_phone"`
	Amount       float64  `json:"amount"`
}

// CreateRequest validates and inserts a pending booking. A same-service open
// booking by the same user inside DuplicateWindow returns
// DuplicateBookingError carrying the existing row.
func (s *Service) CreateRequest(ctx context.Context, in CreateInput) (*models.ServiceRequest, error) {
	if in.UserID <= 0 {
		return nil, &ValidationError{Field: "user_id", Detail: "required"}
	}
	if strings.TrimSpace(in.ServiceType) == "" {
		return nil, &ValidationError{Field: "service_type", Detail: "required"}
	}
	if !canon.IsKnownDomain(canon.DomainOfServiceType(in.ServiceType)) {
		return nil, &ValidationError{Field: "service_type", Detail: "unrecognized service"}
	}
	if in.VehicleType != "" && !canon.IsKnownVehicle(canon.VehicleFamily(in.VehicleType)) {
		return nil, &ValidationError{Field: "vehicle_type", Detail: "unrecognized vehicle"}
	}

	existing, err := s.store.FindRecentDuplicate(ctx, in.UserID, in.ServiceType, DuplicateWindow)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("duplicate check: %w", err)
	}
	if existing != nil {
		return nil, &DuplicateBookingError{Existing: existing}
	}

	req := &models.ServiceRequest{
		UserID:        in.UserID,
		ServiceType:   in.ServiceType,
		VehicleType:   in.VehicleType,
		Address:       in.Address,
		Lat:           in.Lat,
		Lng:           in.Lng,
		ContactName:   in.ContactName,
		ContactPhone:  in.ContactPhone,
		Amount:        in.Amount,
		Status:        models.StatusPending,
		PaymentStatus: "pending",
	}
	id, err := s.store.InsertRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}
	req.ID = id

	s.log.Info().Int64("request_id", id).Int64("user_id", in.UserID).
		Str("service_type", in.ServiceType).Msg("request created")
	return req, nil
}

// GetRequest is a fresh read; clients reconcile push hints against it.
func (s *Service) GetRequest(ctx context.Context, id int64) (*models.ServiceRequest, error) {
	return s.store.GetRequest(ctx, id)
}

// generalCancelBlocked are the states the general PATCH route refuses to
// cancel from. The explicit cancel route only refuses paid and terminals.
var generalCancelBlocked = map[string]bool{
	models.StatusArrived:        true,
	models.StatusInProgress:     true,
	models.StatusPaymentPending: true,
	models.StatusCompleted:      true,
	models.StatusPaid:           true,
}

// Cancel is the explicit cancel route: allowed from any state except paid and
// the terminal states.
func (s *Service) Cancel(ctx context.Context, requestID int64, actor Actor, reason string) (*models.ServiceRequest, error) {
	if actor.Role == RoleTechnician {
		return nil, ErrForbidden
	}
	blocked := map[string]bool{models.StatusPaid: true}
	return s.cancelTx(ctx, requestID, actor, reason, blocked)
}

func (s *Service) cancelTx(ctx context.Context, requestID int64, actor Actor, reason string, blocked map[string]bool) (*models.ServiceRequest, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cancel: %w", err)
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

	if actor.Role == RoleUser && req.UserID != actor.ID {
		return nil, ErrForbidden
	}
	if models.TerminalStatus(req.Status) || blocked[req.Status] {
		return nil, &TransitionError{From: req.Status, To: models.StatusCancelled}
	}

	freedTech := req.TechnicianID

	_, err = tx.ExecContext(ctx, `
		UPDATE service_requests
		SET status = 'cancelled', technician_id = NULL, cancelled_at = NOW(),
		    cancellation_reason = $1, updated_at = NOW()
		WHERE id = $2`, nullString(reason), requestID)
	if err != nil {
		return nil, fmt.Errorf("cancel request: %w", err)
	}

	if freedTech != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE technicians SET is_available = TRUE, updated_at = NOW() WHERE id = $1`, *freedTech)
		if err != nil {
			return nil, fmt.Errorf("free technician: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE dispatch_offers SET status = 'expired'
		WHERE service_request_id = $1 AND status = 'pending'`, requestID)
	if err != nil {
		return nil, fmt.Errorf("expire offers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cancel: %w", err)
	}

	now := time.Now()
	req.Status = models.StatusCancelled
	req.TechnicianID = nil
	req.CancelledAt = &now
	if reason != "" {
		req.CancellationReason = &reason
	}

	payload := map[string]interface{}{
		"requestId": req.ID,
		"status":    models.StatusCancelled,
		"reason":    reason,
	}
	s.hub.NotifyUser(req.UserID, "job:status_update", payload)
	if freedTech != nil {
		s.hub.NotifyTechnician(*freedTech, "job:status_update", payload)
	}
	s.hub.NotifyRequest(req.ID, "job:status_update", payload)

	s.log.Info().Int64("request_id", req.ID).Str("by", actor.Role).Msg("request cancelled")
	return &req, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
