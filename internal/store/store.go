// Package store provides PostgreSQL persistence for the dispatch and
// payment core. Simple reads live here as methods; the multi-step
// transactional flows (acceptance, finalization, cash settlement) own their
// SQL inside their services and borrow transactions from Begin.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/resq-labs/resq-core/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the shared connection pool.
type Store struct {
	DB *sqlx.DB
}

// Open connects to PostgreSQL with a bounded pool.
func Open(databaseURL string, maxConns int) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 100
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{DB: db}, nil
}

// New wraps an existing pool (tests use this with sqlmock).
func New(db *sqlx.DB) *Store {
	return &Store{DB: db}
}

// Begin starts a transaction. Callers must commit or roll back.
func (s *Store) Begin(ctx context.Context) (*sqlx.Tx, error) {
	return s.DB.BeginTxx(ctx, nil)
}

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// GetUser loads a user row.
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.DB.GetContext(ctx, &u,
		`SELECT id, name, email, phone FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// GetTechnician loads a technician row.
func (s *Store) GetTechnician(ctx context.Context, id int64) (*models.Technician, error) {
	var t models.Technician
	err := s.DB.GetContext(ctx, &t,
		`SELECT * FROM technicians WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// ListTechnicians loads the full technician set. Candidate scoring is
// brute-force over this set by design.
func (s *Store) ListTechnicians(ctx context.Context) ([]models.Technician, error) {
	var techs []models.Technician
	err := s.DB.SelectContext(ctx, &techs, `SELECT * FROM technicians`)
	if err != nil {
		return nil, err
	}
	return techs, nil
}

// UpdateTechnicianLocation persists a live location ping.
func (s *Store) UpdateTechnicianLocation(ctx context.Context, id int64, lat, lng float64) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE technicians SET lat = $1, lng = $2, updated_at = NOW() WHERE id = $3`,
		lat, lng, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveRequestForTechnician returns the technician's current open job, if
// any. Location pings fan out to its request room.
func (s *Store) ActiveRequestForTechnician(ctx context.Context, technicianID int64) (*models.ServiceRequest, error) {
	var r models.ServiceRequest
	err := s.DB.GetContext(ctx, &r, `
		SELECT * FROM service_requests
		WHERE technician_id = $1
		  AND status IN ('assigned', 'accepted', 'on-the-way', 'arrived', 'in-progress')
		ORDER BY updated_at DESC LIMIT 1`, technicianID)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// SetTechnicianAvailable flips the availability flag.
func (s *Store) SetTechnicianAvailable(ctx context.Context, id int64, available bool) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE technicians SET is_available = $1, updated_at = NOW() WHERE id = $2`,
		available, id)
	return err
}

// GetRequest loads a service request row.
func (s *Store) GetRequest(ctx context.Context, id int64) (*models.ServiceRequest, error) {
	var r models.ServiceRequest
	err := s.DB.GetContext(ctx, &r,
		`SELECT * FROM service_requests WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// InsertRequest persists a new pending request and returns its id.
func (s *Store) InsertRequest(ctx context.Context, r *models.ServiceRequest) (int64, error) {
	var id int64
	err := s.DB.QueryRowxContext(ctx, `
		INSERT INTO service_requests
			(user_id, service_type, vehicle_type, address, lat, lng,
			 contact_name, contact_phone, amount, payment_status, status,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', 'pending', NOW(), NOW())
		RETURNING id`,
		r.UserID, r.ServiceType, r.VehicleType, r.Address, r.Lat, r.Lng,
		r.ContactName, r.ContactPhone, r.Amount).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// FindRecentDuplicate returns an open same-service request created by the
// user inside the duplicate-booking window, if any.
func (s *Store) FindRecentDuplicate(ctx context.Context, userID int64, serviceType string, window time.Duration) (*models.ServiceRequest, error) {
	var r models.ServiceRequest
	err := s.DB.GetContext(ctx, &r, `
		SELECT * FROM service_requests
		WHERE user_id = $1 AND service_type = $2
		  AND status IN ('pending', 'assigned', 'accepted')
		  AND created_at > NOW() - $3::interval
		ORDER BY created_at DESC LIMIT 1`,
		userID, serviceType, fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// ListOffersByRequest returns all offers for a request.
func (s *Store) ListOffersByRequest(ctx context.Context, requestID int64) ([]models.DispatchOffer, error) {
	var offers []models.DispatchOffer
	err := s.DB.SelectContext(ctx, &offers,
		`SELECT * FROM dispatch_offers WHERE service_request_id = $1`, requestID)
	if err != nil {
		return nil, err
	}
	return offers, nil
}

// InsertOffers persists a batch of pending offers. De-duplication is
// logical: callers skip technicians that already hold an offer.
func (s *Store) InsertOffers(ctx context.Context, requestID int64, technicianIDs []int64, ttl time.Duration) error {
	if len(technicianIDs) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, techID := range technicianIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dispatch_offers
				(service_request_id, technician_id, status, sent_at, expires_at)
			VALUES ($1, $2, 'pending', NOW(), NOW() + $3::interval)`,
			requestID, techID, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ExpireStaleOffers marks pending offers past their deadline as expired and
// returns the number swept. Cosmetic for clients; acceptance stays valid
// while the request itself is pending.
func (s *Store) ExpireStaleOffers(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE dispatch_offers SET status = 'expired'
		WHERE status = 'pending' AND expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExpireOffersForRequest terminates all pending offers of a request, used on
// customer cancellation.
func (s *Store) ExpireOffersForRequest(ctx context.Context, requestID int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE dispatch_offers SET status = 'expired'
		WHERE service_request_id = $1 AND status = 'pending'`, requestID)
	return err
}

// ListDues returns a technician's cash dues, newest first.
func (s *Store) ListDues(ctx context.Context, technicianID int64) ([]models.TechnicianDue, error) {
	var dues []models.TechnicianDue
	err := s.DB.SelectContext(ctx, &dues, `
		SELECT * FROM technician_dues
		WHERE technician_id = $1 ORDER BY created_at DESC`, technicianID)
	if err != nil {
		return nil, err
	}
	return dues, nil
}

// SettleDues marks all pending dues of a technician paid and settles the
// matching cash payments, preserving the due/payment bijection.
func (s *Store) SettleDues(ctx context.Context, technicianID int64) (int64, error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE technician_dues SET status = 'paid'
		WHERE technician_id = $1 AND status = 'pending'`, technicianID)
	if err != nil {
		return 0, err
	}
	settled, _ := res.RowsAffected()

	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET is_settled = TRUE, updated_at = NOW()
		WHERE payment_method = 'cash' AND is_settled = FALSE
		  AND service_request_id IN (
			SELECT service_request_id FROM technician_dues
			WHERE technician_id = $1 AND status = 'paid')`, technicianID)
	if err != nil {
		return 0, err
	}
	return settled, tx.Commit()
}

// CountCompletedServices counts a user's other completed or paid requests.
func (s *Store) CountCompletedServices(ctx context.Context, userID, excludeRequestID int64) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM service_requests
		WHERE user_id = $1 AND id <> $2
		  AND (status = 'paid' OR payment_status = 'completed')`,
		userID, excludeRequestID)
	return n, err
}

// CountReservedCoupons counts the user's other open requests that reserved
// the given coupon code.
func (s *Store) CountReservedCoupons(ctx context.Context, userID, excludeRequestID int64, code string) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM service_requests
		WHERE user_id = $1 AND id <> $2
		  AND applied_coupon_code = $3
		  AND status NOT IN ('cancelled', 'paid')
		  AND payment_status <> 'completed'`,
		userID, excludeRequestID, code)
	return n, err
}

// ApplyCouponToRequest writes the applied coupon fields, reserving usage.
func (s *Store) ApplyCouponToRequest(ctx context.Context, requestID int64, code string, percent, amount float64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE service_requests
		SET applied_coupon_code = $1, coupon_discount_percent = $2,
		    coupon_discount_amount = $3, updated_at = NOW()
		WHERE id = $4`,
		code, percent, amount, requestID)
	return err
}

// LatestPaymentByOrder returns the canonical (most recent) payment row for a
// gateway order.
func (s *Store) LatestPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	var p models.Payment
	err := s.DB.GetContext(ctx, &p, `
		SELECT * FROM payments WHERE razorpay_order_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1`, orderID)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// UpsertPaymentForOrder inserts or updates the payment row keyed by
// (service_request_id, razorpay_order_id).
func (s *Store) UpsertPaymentForOrder(ctx context.Context, p *models.Payment) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO payments
			(user_id, service_request_id, payment_method, status, amount,
			 platform_fee, technician_amount, is_settled,
			 razorpay_order_id, razorpay_payment_id, razorpay_signature,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (service_request_id, razorpay_order_id) DO UPDATE SET
			status = EXCLUDED.status,
			razorpay_payment_id = COALESCE(EXCLUDED.razorpay_payment_id, payments.razorpay_payment_id),
			razorpay_signature = COALESCE(EXCLUDED.razorpay_signature, payments.razorpay_signature),
			updated_at = NOW()`,
		p.UserID, p.ServiceRequestID, p.PaymentMethod, p.Status, p.Amount,
		p.PlatformFee, p.TechnicianAmount, p.IsSettled,
		p.RazorpayOrderID, p.RazorpayPaymentID, p.RazorpaySignature)
	return err
}

// LoadPricingConfig fetches the singleton pricing row, seeding the default
// when the table is empty.
func (s *Store) LoadPricingConfig(ctx context.Context) (*models.PlatformPricingConfig, error) {
	var cfg models.PlatformPricingConfig
	err := s.DB.GetContext(ctx, &cfg,
		`SELECT * FROM platform_pricing_config ORDER BY id LIMIT 1`)
	if err == nil {
		return &cfg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	seeded := DefaultPricingConfig()
	err = s.DB.QueryRowxContext(ctx, `
		INSERT INTO platform_pricing_config
			(currency, platform_fee_percent, welcome_coupon_code,
			 welcome_coupon_percent, welcome_coupon_max_uses, welcome_coupon_active,
			 booking_fee, registration_fee, pay_now_discount_percent,
			 default_service_amount, service_base_prices, subscription_plans, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		RETURNING id`,
		seeded.Currency, seeded.PlatformFeePercent, seeded.WelcomeCouponCode,
		seeded.WelcomeCouponPercent, seeded.WelcomeCouponMaxUses, seeded.WelcomeCouponActive,
		seeded.BookingFee, seeded.RegistrationFee, seeded.PayNowDiscountPercent,
		seeded.DefaultServiceAmount, seeded.ServiceBasePricesJSON, seeded.SubscriptionPlansJSON).
		Scan(&seeded.ID)
	if err != nil {
		return nil, fmt.Errorf("seed pricing config: %w", err)
	}
	return seeded, nil
}

// UpdatePricingConfig writes admin edits over the singleton row.
func (s *Store) UpdatePricingConfig(ctx context.Context, cfg *models.PlatformPricingConfig) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE platform_pricing_config SET
			currency = $1, platform_fee_percent = $2,
			welcome_coupon_code = $3, welcome_coupon_percent = $4,
			welcome_coupon_max_uses = $5, welcome_coupon_active = $6,
			booking_fee = $7, registration_fee = $8,
			pay_now_discount_percent = $9, default_service_amount = $10,
			service_base_prices = $11, subscription_plans = $12,
			updated_at = NOW()
		WHERE id = $13`,
		cfg.Currency, cfg.PlatformFeePercent,
		cfg.WelcomeCouponCode, cfg.WelcomeCouponPercent,
		cfg.WelcomeCouponMaxUses, cfg.WelcomeCouponActive,
		cfg.BookingFee, cfg.RegistrationFee,
		cfg.PayNowDiscountPercent, cfg.DefaultServiceAmount,
		cfg.ServiceBasePricesJSON, cfg.SubscriptionPlansJSON, cfg.ID)
	return err
}

// DefaultPricingConfig is the row seeded into an empty deployment.
func DefaultPricingConfig() *models.PlatformPricingConfig {
	return &models.PlatformPricingConfig{
		Currency:             "INR",
		PlatformFeePercent:   0.10,
		WelcomeCouponCode:    "RESQ10",
		WelcomeCouponPercent: 0.10,
		WelcomeCouponMaxUses: 2,
		WelcomeCouponActive:  true,
		BookingFee:           0,
		RegistrationFee:      499,
		DefaultServiceAmount: 300,
		ServiceBasePricesJSON: models.JSONMap{
			"towing":      map[string]interface{}{"car": 800.0, "bike": 400.0, "commercial": 1500.0, "ev": 900.0},
			"flat-tire":   map[string]interface{}{"car": 300.0, "bike": 150.0, "commercial": 600.0, "ev": 300.0},
			"battery":     map[string]interface{}{"car": 350.0, "bike": 200.0, "commercial": 700.0, "ev": 400.0},
			"mechanical":  map[string]interface{}{"car": 500.0, "bike": 300.0, "commercial": 900.0, "ev": 600.0},
			"fuel":        map[string]interface{}{"car": 250.0, "bike": 150.0, "commercial": 400.0, "ev": 250.0},
			"lockout":     map[string]interface{}{"car": 400.0, "bike": 250.0, "commercial": 600.0, "ev": 400.0},
			"winching":    map[string]interface{}{"car": 900.0, "bike": 500.0, "commercial": 2000.0, "ev": 1000.0},
			"ev-charging": map[string]interface{}{"car": 500.0, "bike": 300.0, "commercial": 800.0, "ev": 500.0},
			"other":       map[string]interface{}{"car": 350.0, "bike": 200.0, "commercial": 500.0, "ev": 350.0},
		},
	}
}
