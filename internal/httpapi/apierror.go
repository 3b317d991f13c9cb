package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/resq-labs/resq-core/internal/lifecycle"
	"github.com/resq-labs/resq-core/internal/payments"
	"github.com/resq-labs/resq-core/internal/store"
)

// APIError is the machine-readable error surface of the API.
type APIError struct {
	Status  int                    `json:"-"`
	Code    string                 `json:"code"`
	Message string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes.
const (
	ErrCodeValidation       = "validation_error"
	ErrCodeNotFound         = "not_found"
	ErrCodeForbidden        = "forbidden"
	ErrCodeConflict         = "conflict"
	ErrCodeDuplicateBooking = "duplicate_booking"
	ErrCodeAlreadyPaid      = "already_paid"
	ErrCodeSignature        = "signature_invalid"
	ErrCodeGatewayDown      = "gateway_unconfigured"
	ErrCodeInternal         = "internal_error"
)

// respondError maps domain errors onto the API error taxonomy.
func respondError(c *gin.Context, err error) {
	var (
		verr *lifecycle.ValidationError
		dup  *lifecycle.DuplicateBookingError
		terr *lifecycle.TransitionError
		cerr *payments.CouponError
	)

	switch {
	case errors.As(err, &verr):
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: verr.Error(),
		})
	case errors.As(err, &dup):
		writeError(c, &APIError{
			Status:  http.StatusConflict,
			Code:    ErrCodeDuplicateBooking,
			Message: "You already have an open booking for this service",
			Details: map[string]interface{}{"existing_request_id": dup.Existing.ID},
		})
	case errors.As(err, &terr):
		writeError(c, &APIError{
			Status: http.StatusConflict, Code: ErrCodeConflict, Message: terr.Error(),
		})
	case errors.As(err, &cerr):
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: cerr.Reason,
		})
	case errors.Is(err, lifecycle.ErrUnknownStatus):
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: "unknown status",
		})
	case errors.Is(err, lifecycle.ErrForbidden):
		writeError(c, &APIError{
			Status: http.StatusForbidden, Code: ErrCodeForbidden, Message: "not allowed",
		})
	case errors.Is(err, payments.ErrAlreadyPaid):
		writeError(c, &APIError{
			Status: http.StatusConflict, Code: ErrCodeAlreadyPaid, Message: "Request is already paid",
		})
	case errors.Is(err, payments.ErrGatewayUnconfigured):
		writeError(c, &APIError{
			Status:  http.StatusServiceUnavailable,
			Code:    ErrCodeGatewayDown,
			Message: "Payment gateway is not configured",
		})
	case errors.Is(err, payments.ErrSignatureMismatch):
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeSignature, Message: "payment signature verification failed",
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(c, &APIError{
			Status: http.StatusNotFound, Code: ErrCodeNotFound, Message: "not found",
		})
	default:
		writeError(c, &APIError{
			Status: http.StatusInternalServerError, Code: ErrCodeInternal, Message: "internal error",
		})
	}
}

func writeError(c *gin.Context, apiErr *APIError) {
	c.AbortWithStatusJSON(apiErr.Status, apiErr)
}
