package payments

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resq-labs/resq-core/internal/gateway"
	"github.com/resq-labs/resq-core/internal/models"
	"github.com/resq-labs/resq-core/internal/pricing"
	"github.com/resq-labs/resq-core/internal/store"
)

type fakeHub struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeHub) record(room, event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, room+"/"+event)
}

func (f *fakeHub) NotifyUser(_ int64, event string, _ interface{})       { f.record("user", event) }
func (f *fakeHub) NotifyTechnician(_ int64, event string, _ interface{}) { f.record("technician", event) }
func (f *fakeHub) NotifyRequest(_ int64, event string, _ interface{})    { f.record("request", event) }
func (f *fakeHub) Broadcast(event string, _ interface{})                 { f.record("admin", event) }

func (f *fakeHub) has(entry string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == entry {
			return true
		}
	}
	return false
}

func newPaymentsService(t *testing.T, gw *gateway.Client) (*Service, sqlmock.Sqlmock, *fakeHub) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cache := pricing.NewConfigCache(func(ctx context.Context) (*models.PlatformPricingConfig, error) {
		return store.DefaultPricingConfig(), nil
	}, time.Minute)

	hub := &fakeHub{}
	svc := New(store.New(sqlx.NewDb(db, "sqlmock")), cache, gw, hub, nil, nil, zerolog.Nop())
	return svc, mock, hub
}

func testGateway() *gateway.Client {
	return gateway.NewClient(&gateway.Config{
		KeyID:         "rzp_test_key",
		KeySecret:     "test_secret",
		WebhookSecret: "webhook_secret",
	})
}

func requestRow(status, paymentStatus string, technicianID interface{}) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "technician_id", "service_type", "vehicle_type",
		"amount", "coupon_discount_percent", "coupon_discount_amount",
		"payment_status", "status",
	}).AddRow(int64(7), int64(1), technicianID, "car-towing", "car",
		500.0, 0.0, 0.0, paymentStatus, status)
}

func paymentRow(status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "service_request_id", "payment_method", "status",
		"amount", "platform_fee", "technician_amount", "is_settled",
		"razorpay_order_id",
	}).AddRow(int64(12), int64(1), int64(7), "razorpay", status,
		550.0, 50.0, 500.0, false, "order_abc")
}

// --- coupon evaluation ---

func couponRequest() *models.ServiceRequest {
	return &models.ServiceRequest{ID: 7, UserID: 1}
}

func expectCouponCounts(mock sqlmock.Sqlmock, completed, reserved int) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM service_requests")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(completed))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM service_requests")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(reserved))
}

func TestEvaluateCoupon_FirstUse(t *testing.T) {
	svc, mock, _ := newPaymentsService(t, nil)
	cfg := store.DefaultPricingConfig()

	expectCouponCounts(mock, 0, 0)

	res := svc.EvaluateCoupon(context.Background(), cfg, couponRequest(), "RESQ10", true)
	assert.True(t, res.Applied)
	assert.Equal(t, "RESQ10", res.Code)
	assert.Equal(t, 0.10, res.Percent)
	assert.Equal(t, 2, res.RemainingUses)
}

func TestEvaluateCoupon_CaseInsensitive(t *testing.T) {
	svc, mock, _ := newPaymentsService(t, nil)
	expectCouponCounts(mock, 0, 0)

	res := svc.EvaluateCoupon(context.Background(), store.DefaultPricingConfig(), couponRequest(), "resq10", true)
	assert.True(t, res.Applied)
}

func TestEvaluateCoupon_InvalidCode(t *testing.T) {
	svc, mock, _ := newPaymentsService(t, nil)
	expectCouponCounts(mock, 0, 0)

	res := svc.EvaluateCoupon(context.Background(), store.DefaultPricingConfig(), couponRequest(), "WRONG99", true)
	assert.False(t, res.Applied)
	assert.Equal(t, "Invalid coupon code.", res.Reason)
}

func TestEvaluateCoupon_Inactive(t *testing.T) {
	svc, mock, _ := newPaymentsService(t, nil)
	cfg := store.DefaultPricingConfig()
	cfg.WelcomeCouponActive = false
	expectCouponCounts(mock, 0, 0)

	res := svc.EvaluateCoupon(context.Background(), cfg, couponRequest(), "RESQ10", true)
	assert.False(t, res.Applied)
	assert.Equal(t, "This coupon is currently inactive.", res.Reason)
}

func TestEvaluateCoupon_Exhausted(t *testing.T) {
	svc, mock, _ := newPaymentsService(t, nil)
	expectCouponCounts(mock, 1, 1)

	res := svc.EvaluateCoupon(context.Background(), store.DefaultPricingConfig(), couponRequest(), "RESQ10", true)
	assert.False(t, res.Applied)
	assert.Equal(t, 0, res.RemainingUses)
	assert.Equal(t, "Coupon is valid only for your first 2 paid services.", res.Reason)
}

func TestEvaluateCoupon_PreservesExistingReservation(t *testing.T) {
	svc, mock, _ := newPaymentsService(t, nil)
	expectCouponCounts(mock, 0, 1)

	code := "RESQ10"
	req := couponRequest()
	req.AppliedCouponCode = &code

	res := svc.EvaluateCoupon(context.Background(), store.DefaultPricingConfig(), req, "", true)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, res.RemainingUses)
}

func TestEvaluateCoupon_ExistingReservationBypassesRemainingCheck(t *testing.T) {
	// The request already holds a reservation; re-providing the code while
	// remaining is 0 keeps it applied rather than rejecting.
	svc, mock, _ := newPaymentsService(t, nil)
	expectCouponCounts(mock, 2, 0)

	code := "RESQ10"
	req := couponRequest()
	req.AppliedCouponCode = &code

	res := svc.EvaluateCoupon(context.Background(), store.DefaultPricingConfig(), req, "RESQ10", true)
	assert.True(t, res.Applied)
}

// --- quote ---

func TestQuote_CouponSeed(t *testing.T) {
	svc, mock, _ := newPaymentsService(t, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM service_requests WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(requestRow(models.StatusPaymentPending, "pending", nil))
	expectCouponCounts(mock, 0, 0)

	quote, err := svc.Quote(context.Background(), 7, "RESQ10")
	require.NoError(t, err)
	assert.Equal(t, 500.0, quote.BaseAmount)
	assert.Equal(t, 50.0, quote.OriginalPlatformFee)
	assert.Equal(t, 5.0, quote.DiscountAmount)
	assert.Equal(t, 45.0, quote.PlatformFee)
	assert.Equal(t, 545.0, quote.TotalAmount)
	assert.True(t, quote.Coupon.Applied)
}

func TestQuote_InapplicableCouponRidesAlong(t *testing.T) {
	svc, mock, _ := newPaymentsService(t, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM service_requests WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(requestRow(models.StatusPaymentPending, "pending", nil))
	expectCouponCounts(mock, 0, 0)

	quote, err := svc.Quote(context.Background(), 7, "WRONG99")
	require.NoError(t, err)
	assert.Equal(t, 550.0, quote.TotalAmount)
	assert.False(t, quote.Coupon.Applied)
	assert.Equal(t, "Invalid coupon code.", quote.Coupon.Reason)
}

// --- finalize ---

func expectFinalizeTx(mock sqlmock.Sqlmock, requestStatus, paymentStatus string, expectCounters bool) {
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM payments WHERE razorpay_order_id = $1")).
		WithArgs("order_abc").
		WillReturnRows(paymentRow(paymentStatus))
	paid := "pending"
	if requestStatus == models.StatusPaid {
		paid = "completed"
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM service_requests WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(requestRow(requestStatus, paid, int64(3)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM technicians WHERE id = $1")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(3), "Suresh"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE service_requests SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM invoices")).
		WithArgs("order_abc", "pay_xyz").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO invoices")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(31)))
	if expectCounters {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE technicians SET")).
			WithArgs(500.0, int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()
}

func TestFinalize_HappyPath(t *testing.T) {
	svc, mock, hub := newPaymentsService(t, testGateway())

	expectFinalizeTx(mock, models.StatusPaymentPending, models.PaymentStatusProcessing, true)

	res, err := svc.Finalize(context.Background(), "order_abc", "pay_xyz", "confirm")
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.False(t, res.Duplicate)
	require.NotNil(t, res.Request)
	assert.Equal(t, models.StatusPaid, res.Request.Status)
	assert.Equal(t, models.PaymentStatusCompleted, res.Request.PaymentStatus)

	assert.True(t, hub.has("admin/admin:payment_update"))
	assert.True(t, hub.has("user/payment_completed"))
	assert.True(t, hub.has("technician/payment_completed"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalize_ReplayIsDuplicateWithoutCounterBump(t *testing.T) {
	svc, mock, _ := newPaymentsService(t, testGateway())

	expectFinalizeTx(mock, models.StatusPaid, models.PaymentStatusCompleted, false)

	res, err := svc.Finalize(context.Background(), "order_abc", "pay_xyz", "webhook")
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.True(t, res.Duplicate)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalize_MissingPaymentRow(t *testing.T) {
	svc, mock, _ := newPaymentsService(t, testGateway())

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM payments WHERE razorpay_order_id = $1")).
		WithArgs("order_missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	res, err := svc.Finalize(context.Background(), "order_missing", "pay_xyz", "webhook")
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Equal(t, ReasonPaymentRowNotFound, res.Reason)
}

// --- confirm ---

func TestConfirm_BadSignature(t *testing.T) {
	svc, _, _ := newPaymentsService(t, testGateway())

	_, err := svc.Confirm(context.Background(), ConfirmInput{
		RequestID: 7,
		OrderID:   "order_abc",
		PaymentID: "pay_xyz",
		Signature: "forged",
	})
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestConfirm_ImmediateFinalization(t *testing.T) {
	svc, mock, _ := newPaymentsService(t, testGateway())

	// PROCESSING upsert reads the existing row first.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM payments WHERE razorpay_order_id = $1")).
		WithArgs("order_abc").
		WillReturnRows(paymentRow(models.PaymentStatusPending))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payments")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	expectFinalizeTx(mock, models.StatusPaymentPending, models.PaymentStatusProcessing, true)

	sig := gateway.SignHMAC([]byte("order_abc|pay_xyz"), "test_secret")
	res, err := svc.Confirm(context.Background(), ConfirmInput{
		RequestID: 7,
		OrderID:   "order_abc",
		PaymentID: "pay_xyz",
		Signature: sig,
	})
	require.NoError(t, err)
	assert.True(t, res.ImmediateFinalization)
	require.NotNil(t, res.Request)
	assert.Equal(t, models.StatusPaid, res.Request.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// --- cash ---

func TestCash_CreatesDueAndUnsettledPayment(t *testing.T) {
	svc, mock, hub := newPaymentsService(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM service_requests WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(requestRow(models.StatusPaymentPending, "pending", int64(3)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM technicians WHERE id = $1")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(3), "Suresh"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE service_requests SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO payments")).
		WithArgs(int64(1), int64(7), 550.0, 50.0, 500.0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(21)))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO invoices")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(31)))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO technician_dues")).
		WithArgs(int64(3), int64(7), 50.0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(41)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE technicians SET")).
		WithArgs(500.0, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()


	res, err := svc.Cash(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, res.Request.Status)
	assert.Equal(t, models.PaymentMethodCash, res.Payment.PaymentMethod)
	assert.False(t, res.Payment.IsSettled)
	assert.Equal(t, 550.0, res.Payment.Amount)
	assert.Equal(t, 50.0, res.Payment.PlatformFee)
	require.NotNil(t, res.Due)
	assert.Equal(t, 50.0, res.Due.Amount)
	assert.Equal(t, models.DuePending, res.Due.Status)

	assert.True(t, hub.has("user/payment_completed"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCash_AlreadyPaid(t *testing.T) {
	svc, mock, _ := newPaymentsService(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM service_requests WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(requestRow(models.StatusPaid, "completed", int64(3)))
	mock.ExpectRollback()

	_, err := svc.Cash(context.Background(), 7)
	assert.ErrorIs(t, err, ErrAlreadyPaid)
}

// --- webhook ---

func capturedBody(orderID, paymentID string) []byte {
	return []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"` +
		paymentID + `","order_id":"` + orderID + `","notes":{"requestId":"7","userId":"1"}}}}}`)
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	svc, _, _ := newPaymentsService(t, testGateway())

	out := svc.HandleWebhook(context.Background(), capturedBody("order_abc", "pay_xyz"), "forged")
	assert.Equal(t, WebhookUnauthorized, out.Disposition)
}

func TestHandleWebhook_IgnoresOtherEvents(t *testing.T) {
	svc, _, _ := newPaymentsService(t, testGateway())

	body := []byte(`{"event":"payment.failed","payload":{"payment":{"entity":{"id":"p","order_id":"o"}}}}`)
	sig := gateway.SignHMAC(body, "webhook_secret")

	out := svc.HandleWebhook(context.Background(), body, sig)
	assert.Equal(t, WebhookIgnored, out.Disposition)
	assert.False(t, out.Processed)
}

func TestHandleWebhook_MissingIDs(t *testing.T) {
	svc, _, _ := newPaymentsService(t, testGateway())

	body := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"notes":[]}}}}`)
	sig := gateway.SignHMAC(body, "webhook_secret")

	out := svc.HandleWebhook(context.Background(), body, sig)
	assert.Equal(t, WebhookBadRequest, out.Disposition)
}

func TestHandleWebhook_ProcessesCapture(t *testing.T) {
	svc, mock, _ := newPaymentsService(t, testGateway())

	expectFinalizeTx(mock, models.StatusPaymentPending, models.PaymentStatusProcessing, true)

	body := capturedBody("order_abc", "pay_xyz")
	sig := gateway.SignHMAC(body, "webhook_secret")

	out := svc.HandleWebhook(context.Background(), body, sig)
	assert.Equal(t, WebhookProcessed, out.Disposition)
	assert.True(t, out.Processed)
	assert.False(t, out.Duplicate)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleWebhook_BackfillsAndRetries(t *testing.T) {
	svc, mock, _ := newPaymentsService(t, testGateway())

	// First attempt finds no payment row.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM payments WHERE razorpay_order_id = $1")).
		WithArgs("order_abc").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	// Backfill from notes, then the retry succeeds.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payments")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectFinalizeTx(mock, models.StatusPaymentPending, models.PaymentStatusPending, true)

	body := capturedBody("order_abc", "pay_xyz")
	sig := gateway.SignHMAC(body, "webhook_secret")

	out := svc.HandleWebhook(context.Background(), body, sig)
	assert.Equal(t, WebhookProcessed, out.Disposition)
	assert.True(t, out.Processed)

	assert.NoError(t, mock.ExpectationsWereMet())
}
