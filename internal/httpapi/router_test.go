package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resq-labs/resq-core/internal/dispatch"
	"github.com/resq-labs/resq-core/internal/gateway"
	"github.com/resq-labs/resq-core/internal/lifecycle"
	"github.com/resq-labs/resq-core/internal/models"
	"github.com/resq-labs/resq-core/internal/payments"
	"github.com/resq-labs/resq-core/internal/pricing"
	"github.com/resq-labs/resq-core/internal/realtime"
	"github.com/resq-labs/resq-core/internal/store"
)

func newTestRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(sqlx.NewDb(db, "sqlmock"))

	cache := pricing.NewConfigCache(func(ctx context.Context) (*models.PlatformPricingConfig, error) {
		return store.DefaultPricingConfig(), nil
	}, time.Minute)

	log := zerolog.Nop()
	hub := realtime.NewHub(log)
	gw := gateway.NewClient(&gateway.Config{
		KeyID: "rzp_test_key", KeySecret: "test_secret", WebhookSecret: "webhook_secret",
	})

	engine := dispatch.NewEngine(st, cache, nil, hub, dispatch.Config{}, log)
	lc := lifecycle.New(st, engine, cache, hub, log)
	pay := payments.New(st, cache, gw, hub, nil, nil, log)

	router := NewRouter(Deps{
		Store:     st,
		Lifecycle: lc,
		Dispatch:  engine,
		Payments:  pay,
		Pricing:   cache,
		Hub:       hub,
		Log:       log,
	})
	return router, mock
}

func TestCreateRequest_RequiresServiceType(t *testing.T) {
	router, _ := newTestRouter(t)

	body := []byte(`{"vehicle_type":"car"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/requests", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "service_type")
}

func TestCreateRequest_DuplicateReturns409WithExistingID(t *testing.T) {
	router, mock := newTestRouter(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM service_requests")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "service_type", "status"}).
			AddRow(int64(5), int64(1), "car-towing", "pending"))

	body := []byte(`{"service_type":"car-towing","vehicle_type":"car","lat":11.0,"lng":76.9}`)
	req := httptest.NewRequest(http.MethodPost, "/api/requests", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"existing_request_id":5`)
}

func TestAccept_RequiresTechnicianIdentity(t *testing.T) {
	router, _ := newTestRouter(t)

	body := []byte(`{"requestId":7}`)
	req := httptest.NewRequest(http.MethodPost, "/api/dispatch/accept", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "1")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAccept_LostRaceReturns409(t *testing.T) {
	router, mock := newTestRouter(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM service_requests")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	body := []byte(`{"requestId":7}`)
	req := httptest.NewRequest(http.MethodPost, "/api/dispatch/accept", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Role", "technician")
	req.Header.Set("X-Technician-ID", "3")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "Job already taken or cancelled")
}

func TestWebhook_InvalidSignatureIs401(t *testing.T) {
	router, _ := newTestRouter(t)

	body := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"p","order_id":"o"}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", "forged")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhook_IgnoredEventStill200(t *testing.T) {
	router, _ := newTestRouter(t)

	body := []byte(`{"event":"payment.failed","payload":{"payment":{"entity":{"id":"p","order_id":"o"}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", gateway.SignHMAC(body, "webhook_secret"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processed":false`)
}

func TestPaymentOrder_GatewayUnconfiguredIs503(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(sqlx.NewDb(db, "sqlmock"))

	cache := pricing.NewConfigCache(func(ctx context.Context) (*models.PlatformPricingConfig, error) {
		return store.DefaultPricingConfig(), nil
	}, time.Minute)
	log := zerolog.Nop()
	hub := realtime.NewHub(log)
	engine := dispatch.NewEngine(st, cache, nil, hub, dispatch.Config{}, log)
	pay := payments.New(st, cache, gateway.NewClient(nil), hub, nil, nil, log)

	router := NewRouter(Deps{
		Store: st, Lifecycle: lifecycle.New(st, engine, cache, hub, log),
		Dispatch: engine, Payments: pay, Pricing: cache, Hub: hub, Log: log,
	})

	body := []byte(`{"requestId":7}`)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/order", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "Payment gateway is not configured")
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
