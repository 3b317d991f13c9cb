package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/resq-labs/resq-core/internal/payments"
)

type paymentRequestBody struct {
	RequestID  int64  `json:"requestId" binding:"required"`
	CouponCode string `json:"couponCode"`
}

func (s *Server) paymentQuote(c *gin.Context) {
	var body paymentRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: "requestId is required",
		})
		return
	}
	quote, err := s.deps.Payments.Quote(c.Request.Context(), body.RequestID, body.CouponCode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (s *Server) paymentOrder(c *gin.Context) {
	var body paymentRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: "requestId is required",
		})
		return
	}
	order, err := s.deps.Payments.CreateOrder(c.Request.Context(), body.RequestID, body.CouponCode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) paymentConfirm(c *gin.Context) {
	var in payments.ConfirmInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: "invalid confirmation payload",
		})
		return
	}
	result, err := s.deps.Payments.Confirm(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) paymentCash(c *gin.Context) {
	var body paymentRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: "requestId is required",
		})
		return
	}
	result, err := s.deps.Payments.Cash(c.Request.Context(), body.RequestID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// razorpayWebhook verifies against the raw body before any parsing. The
// response is 200 whenever the signature was valid and the event accepted,
// even for logical no-ops; the provider retries anything else.
func (s *Server) razorpayWebhook(c *gin.Context) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: "unreadable body",
		})
		return
	}
	signature := c.GetHeader("X-Razorpay-Signature")

	outcome := s.deps.Payments.HandleWebhook(c.Request.Context(), rawBody, signature)
	switch outcome.Disposition {
	case payments.WebhookUnauthorized:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
	case payments.WebhookBadRequest:
		c.JSON(http.StatusBadRequest, gin.H{"error": outcome.Detail})
	default:
		c.JSON(http.StatusOK, gin.H{
			"received":  true,
			"processed": outcome.Processed,
			"duplicate": outcome.Duplicate,
		})
	}
}
