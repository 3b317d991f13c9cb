// Package models holds the persisted entities of the dispatch and payment
// core. Column mappings use sqlx db tags; free-form technician profile data
// stays in JSONB columns and is canonicalized on read.
package models

import (
	"strings"
	"time"

	"github.com/resq-labs/resq-core/internal/geo"
)

// Service request statuses. The lifecycle is
// pending -> assigned -> accepted -> on-the-way -> arrived -> in-progress ->
// payment_pending -> paid, with cancelled reachable from non-terminal states
// and rejected (technician-side) triggering reassignment.
const (
	StatusPending        = "pending"
	StatusAssigned       = "assigned"
	StatusAccepted       = "accepted"
	StatusOnTheWay       = "on-the-way"
	StatusArrived        = "arrived"
	StatusInProgress     = "in-progress"
	StatusPaymentPending = "payment_pending"
	StatusPaid           = "paid"
	StatusCancelled      = "cancelled"
	StatusRejected       = "rejected"
	StatusCompleted      = "completed" // client alias, coerced to payment_pending
)

// statusAliases maps client spellings to canonical forms.
var statusAliases = map[string]string{
	"on_the_way":  StatusOnTheWay,
	"on the way":  StatusOnTheWay,
	"en_route":    StatusOnTheWay,
	"en-route":    StatusOnTheWay,
	"in_progress": StatusInProgress,
	"in progress": StatusInProgress,
}

// NormalizeStatus maps alias spellings onto canonical kebab-case statuses.
// Unknown inputs are returned lowercased for the caller to reject.
func NormalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if canonical, ok := statusAliases[s]; ok {
		return canonical
	}
	return s
}

// TerminalStatus reports whether a request can no longer transition.
func TerminalStatus(s string) bool {
	return s == StatusPaid || s == StatusCancelled
}

// Payment statuses. Gateway-side rows move PENDING -> PROCESSING ->
// completed; cash rows are inserted completed.
const (
	PaymentStatusPending    = "PENDING"
	PaymentStatusProcessing = "PROCESSING"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
)

// Payment methods.
const (
	PaymentMethodRazorpay = "razorpay"
	PaymentMethodCash     = "cash"
)

// Technician approval states.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Dispatch offer statuses.
const (
	OfferPending  = "pending"
	OfferAccepted = "accepted"
	OfferRejected = "rejected"
	OfferExpired  = "expired"
)

// Invoice statuses.
const (
	InvoiceGenerated = "GENERATED"
	InvoiceEmailed   = "EMAILED"
)

// Due statuses.
const (
	DuePending = "pending"
	DuePaid    = "paid"
)

// User is the customer projection the core needs (registration is external).
type User struct {
	ID    int64  `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	Email string `db:"email" json:"email"`
	Phone string `db:"phone" json:"phone"`
}

// Technician is a field technician. Only an approved, active, available
// technician with a location may receive offers.
type Technician struct {
	ID                 int64     `db:"id" json:"id"`
	Name               string    `db:"name" json:"name"`
	Email              string    `db:"email" json:"email"`
	Phone              string    `db:"phone" json:"phone"`
	ApprovalStatus     string    `db:"approval_status" json:"approval_status"`
	IsActive           bool      `db:"is_active" json:"is_active"`
	IsAvailable        bool      `db:"is_available" json:"is_available"`
	Lat                *float64  `db:"lat" json:"lat,omitempty"`
	Lng                *float64  `db:"lng" json:"lng,omitempty"`
	ServiceAreaRangeKm int       `db:"service_area_range_km" json:"service_area_range_km"`
	ServiceType        string    `db:"service_type" json:"service_type"`
	Specialties        JSONValue `db:"specialties" json:"specialties"`
	VehicleTypes       JSONValue `db:"vehicle_types" json:"vehicle_types"`
	Pricing            JSONMap   `db:"pricing" json:"pricing"`
	ServiceCosts       JSONMap   `db:"service_costs" json:"service_costs"`
	JobsCompleted      int       `db:"jobs_completed" json:"jobs_completed"`
	TotalEarnings      float64   `db:"total_earnings" json:"total_earnings"`
	Rating             float64   `db:"rating" json:"rating"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// Location returns the technician's coordinate if both parts are present.
func (t *Technician) Location() (geo.Point, bool) {
	if t.Lat == nil || t.Lng == nil {
		return geo.Point{}, false
	}
	p := geo.Point{Lat: *t.Lat, Lng: *t.Lng}
	return p, p.Valid()
}

// ServiceRequest is a customer job. The status column is the source of
// truth; push events are UI hints only.
type ServiceRequest struct {
	ID                    int64      `db:"id" json:"id"`
	UserID                int64      `db:"user_id" json:"user_id"`
	TechnicianID          *int64     `db:"technician_id" json:"technician_id,omitempty"`
	ServiceType           string     `db:"service_type" json:"service_type"`
	VehicleType           string     `db:"vehicle_type" json:"vehicle_type"`
	Address               string     `db:"address" json:"address"`
	Lat                   *float64   `db:"lat" json:"lat,omitempty"`
	Lng                   *float64   `db:"lng" json:"lng,omitempty"`
	ContactName           string     `db:"contact_name" json:"contact_name"`
	ContactPhone          string     `db:"contact_phone" json:"contact_phone"`
	Amount                float64    `db:"amount" json:"amount"`
	AppliedCouponCode     *string    `db:"applied_coupon_code" json:"applied_coupon_code,omitempty"`
	CouponDiscountPercent float64    `db:"coupon_discount_percent" json:"coupon_discount_percent"`
	CouponDiscountAmount  float64    `db:"coupon_discount_amount" json:"coupon_discount_amount"`
	PaymentStatus         string     `db:"payment_status" json:"payment_status"`
	PaymentMethod         *string    `db:"payment_method" json:"payment_method,omitempty"`
	Status                string     `db:"status" json:"status"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
	StartedAt             *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt           *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt           *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancellationReason    *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
}

// Location returns the job site coordinate if present.
func (r *ServiceRequest) Location() (geo.Point, bool) {
	if r.Lat == nil || r.Lng == nil {
		return geo.Point{}, false
	}
	p := geo.Point{Lat: *r.Lat, Lng: *r.Lng}
	return p, p.Valid()
}

// IsPaid reports the paid terminal state.
func (r *ServiceRequest) IsPaid() bool {
	return r.Status == StatusPaid || r.PaymentStatus == PaymentStatusCompleted
}

// DispatchOffer is a time-bounded invitation to one technician for one
// request. At most one offer per (request, technician); at most one accepted
// offer per request, enforced by the acceptance transaction.
type DispatchOffer struct {
	ID               int64     `db:"id" json:"id"`
	ServiceRequestID int64     `db:"service_request_id" json:"service_request_id"`
	TechnicianID     int64     `db:"technician_id" json:"technician_id"`
	Status           string    `db:"status" json:"status"`
	SentAt           time.Time `db:"sent_at" json:"sent_at"`
	ExpiresAt        time.Time `db:"expires_at" json:"expires_at"`
}

// Payment is a gateway or cash settlement row. Per (service_request_id,
// razorpay_order_id) the most recent row is canonical.
type Payment struct {
	ID                int64     `db:"id" json:"id"`
	UserID            int64     `db:"user_id" json:"user_id"`
	ServiceRequestID  int64     `db:"service_request_id" json:"service_request_id"`
	PaymentMethod     string    `db:"payment_method" json:"payment_method"`
	Status            string    `db:"status" json:"status"`
	Amount            float64   `db:"amount" json:"amount"`
	PlatformFee       float64   `db:"platform_fee" json:"platform_fee"`
	TechnicianAmount  float64   `db:"technician_amount" json:"technician_amount"`
	IsSettled         bool      `db:"is_settled" json:"is_settled"`
	RazorpayOrderID   *string   `db:"razorpay_order_id" json:"razorpay_order_id,omitempty"`
	RazorpayPaymentID *string   `db:"razorpay_payment_id" json:"razorpay_payment_id,omitempty"`
	RazorpaySignature *string   `db:"razorpay_signature" json:"-"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Invoice is the canonical billing document for a paid request. At most one
// per (order_id) or (payment_id).
type Invoice struct {
	ID                int64     `db:"id" json:"id"`
	ServiceRequestID  int64     `db:"service_request_id" json:"service_request_id"`
	UserID            int64     `db:"user_id" json:"user_id"`
	TechnicianID      *int64    `db:"technician_id" json:"technician_id,omitempty"`
	BaseAmount        float64   `db:"base_amount" json:"base_amount"`
	PlatformFee       float64   `db:"platform_fee" json:"platform_fee"`
	GST               float64   `db:"gst" json:"gst"`
	TotalAmount       float64   `db:"total_amount" json:"total_amount"`
	RazorpayOrderID   *string   `db:"razorpay_order_id" json:"razorpay_order_id,omitempty"`
	RazorpayPaymentID *string   `db:"razorpay_payment_id" json:"razorpay_payment_id,omitempty"`
	PDF               []byte    `db:"pdf" json:"-"`
	Status            string    `db:"status" json:"status"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// TechnicianDue records the platform fee a technician owes after collecting
// cash. A pending due exists iff an unsettled cash payment exists.
type TechnicianDue struct {
	ID               int64     `db:"id" json:"id"`
	TechnicianID     int64     `db:"technician_id" json:"technician_id"`
	ServiceRequestID int64     `db:"service_request_id" json:"service_request_id"`
	Amount           float64   `db:"amount" json:"amount"`
	Status           string    `db:"status" json:"status"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// PlatformPricingConfig is the singleton pricing row, cached with a TTL.
type PlatformPricingConfig struct {
	ID                     int64     `db:"id" json:"id"`
	Currency               string    `db:"currency" json:"currency"`
	PlatformFeePercent     float64   `db:"platform_fee_percent" json:"platform_fee_percent"`
	WelcomeCouponCode      string    `db:"welcome_coupon_code" json:"welcome_coupon_code"`
	WelcomeCouponPercent   float64   `db:"welcome_coupon_percent" json:"welcome_coupon_percent"`
	WelcomeCouponMaxUses   int       `db:"welcome_coupon_max_uses" json:"welcome_coupon_max_uses"`
	WelcomeCouponActive    bool      `db:"welcome_coupon_active" json:"welcome_coupon_active"`
	BookingFee             float64   `db:"booking_fee" json:"booking_fee"`
	RegistrationFee        float64   `db:"registration_fee" json:"registration_fee"`
	PayNowDiscountPercent  float64   `db:"pay_now_discount_percent" json:"pay_now_discount_percent"`
	DefaultServiceAmount   float64   `db:"default_service_amount" json:"default_service_amount"`
	ServiceBasePricesJSON  JSONMap   `db:"service_base_prices" json:"service_base_prices"`
	SubscriptionPlansJSON  JSONValue `db:"subscription_plans" json:"subscription_plans"`
	UpdatedAt              time.Time `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy. Cache readers receive copies so they cannot
// mutate shared state.
func (c *PlatformPricingConfig) Clone() *PlatformPricingConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.ServiceBasePricesJSON = deepCopyMap(c.ServiceBasePricesJSON)
	out.SubscriptionPlansJSON = JSONValue{Raw: deepCopyValue(c.SubscriptionPlansJSON.Raw)}
	return &out
}

func deepCopyMap(in JSONMap) JSONMap {
	if in == nil {
		return nil
	}
	out := make(JSONMap, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, item := range typed {
			out[k] = deepCopyValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, item := range typed {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
