package payments

import (
	"context"
	"strconv"

	"github.com/resq-labs/resq-core/internal/gateway"
	"github.com/resq-labs/resq-core/internal/metrics"
	"github.com/resq-labs/resq-core/internal/models"
)

// Webhook dispositions. The HTTP layer maps them onto status codes:
// unauthorized 401, bad request 400, everything else 200.
const (
	WebhookUnauthorized = "unauthorized"
	WebhookBadRequest   = "bad_request"
	WebhookIgnored      = "ignored"
	WebhookProcessed    = "processed"
	WebhookDeferred     = "deferred"
)

// WebhookOutcome is the result of one delivery.
type WebhookOutcome struct {
	Disposition string `json:"disposition"`
	Processed   bool   `json:"processed"`
	Duplicate   bool   `json:"duplicate"`
	Detail      string `json:"detail,omitempty"`
}

// HandleWebhook verifies the delivery against the raw body, parses the
// envelope, and finalizes payment.captured events. A missing payment row is
// backfilled from the event notes and retried once. Redelivery is expected
// and converges on the same state.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signature string) *WebhookOutcome {
	if s.gateway == nil || !s.gateway.VerifyWebhookSignature(rawBody, signature) {
		metrics.WebhookResults.WithLabelValues(WebhookUnauthorized).Inc()
		return &WebhookOutcome{Disposition: WebhookUnauthorized, Detail: "invalid signature"}
	}

	event, err := gateway.ParseWebhook(rawBody)
	if err != nil {
		metrics.WebhookResults.WithLabelValues(WebhookBadRequest).Inc()
		return &WebhookOutcome{Disposition: WebhookBadRequest, Detail: err.Error()}
	}

	if event.Event != gateway.EventPaymentCaptured {
		metrics.WebhookResults.WithLabelValues(WebhookIgnored).Inc()
		return &WebhookOutcome{Disposition: WebhookIgnored, Detail: event.Event}
	}
	if event.OrderID == "" || event.PaymentID == "" {
		metrics.WebhookResults.WithLabelValues(WebhookBadRequest).Inc()
		return &WebhookOutcome{Disposition: WebhookBadRequest, Detail: "missing order_id or payment_id"}
	}

	result, err := s.Finalize(ctx, event.OrderID, event.PaymentID, "webhook")
	if err != nil {
		s.log.Error().Err(err).Str("order_id", event.OrderID).Msg("webhook finalization failed")
		metrics.WebhookResults.WithLabelValues(WebhookDeferred).Inc()
		return &WebhookOutcome{Disposition: WebhookDeferred, Detail: "finalization failed, will retry on redelivery"}
	}

	if !result.Processed && result.Reason == ReasonPaymentRowNotFound {
		if s.backfillFromNotes(ctx, event) {
			if retried, err := s.Finalize(ctx, event.OrderID, event.PaymentID, "webhook"); err == nil {
				result = retried
			} else {
				s.log.Error().Err(err).Str("order_id", event.OrderID).Msg("webhook retry finalization failed")
			}
		}
	}

	if result.Processed {
		metrics.WebhookResults.WithLabelValues(WebhookProcessed).Inc()
		return &WebhookOutcome{
			Disposition: WebhookProcessed,
			Processed:   true,
			Duplicate:   result.Duplicate,
		}
	}
	metrics.WebhookResults.WithLabelValues(WebhookDeferred).Inc()
	return &WebhookOutcome{Disposition: WebhookDeferred, Detail: result.Reason}
}

// backfillFromNotes recreates the pending payment row from the requestId and
// userId the order-create stamped into the gateway notes.
func (s *Service) backfillFromNotes(ctx context.Context, event *gateway.WebhookEvent) bool {
	requestID, err := strconv.ParseInt(event.Notes["requestId"], 10, 64)
	if err != nil || requestID <= 0 {
		return false
	}
	userID, _ := strconv.ParseInt(event.Notes["userId"], 10, 64)
	if userID <= 0 {
		req, err := s.store.GetRequest(ctx, requestID)
		if err != nil {
			return false
		}
		userID = req.UserID
	}

	err = s.store.UpsertPaymentForOrder(ctx, &models.Payment{
		UserID:           userID,
		ServiceRequestID: requestID,
		PaymentMethod:    models.PaymentMethodRazorpay,
		Status:           models.PaymentStatusPending,
		RazorpayOrderID:  &event.OrderID,
	})
	if err != nil {
		s.log.Warn().Err(err).Int64("request_id", requestID).Msg("webhook payment backfill failed")
		return false
	}
	return true
}
