// Package gateway implements the payment-provider protocol: order creation,
// callback signature verification, and webhook signature verification.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBaseURL is the production Razorpay API endpoint.
const DefaultBaseURL = "https://api.razorpay.com/v1"

// Order is the provider's order object, as much of it as the core needs.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"` // minor units
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// OrderRequest describes the order to create. Amount is in minor units and
// capture is always automatic.
type OrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// Config configures the gateway client.
type Config struct {
	// BaseURL overrides the API endpoint (tests).
	BaseURL string

	// KeyID and KeySecret are the API credentials.
	KeyID     string
	KeySecret string

	// WebhookSecret signs webhook deliveries.
	WebhookSecret string

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client

	// Timeout bounds each call; defaults to 10s.
	Timeout time.Duration
}

// Client is a minimal Razorpay REST client. Only the order endpoint is
// needed; verification is local HMAC work.
type Client struct {
	baseURL       string
	keyID         string
	keySecret     string
	webhookSecret string
	httpClient    *http.Client
}

// NewClient creates a gateway client.
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:       baseURL,
		keyID:         config.KeyID,
		keySecret:     config.KeySecret,
		webhookSecret: config.WebhookSecret,
		httpClient:    httpClient,
	}
}

// Configured reports whether API credentials are present. Unconfigured
// deployments surface 503 on gateway-dependent operations.
func (c *Client) Configured() bool {
	return c.keyID != "" && c.keySecret != ""
}

// KeyID exposes the public key for checkout responses.
func (c *Client) KeyID() string { return c.keyID }

// CreateOrder creates a provider order with automatic capture.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("payment gateway is not configured")
	}

	payload := map[string]interface{}{
		"amount":          req.Amount,
		"currency":        req.Currency,
		"receipt":         req.Receipt,
		"payment_capture": 1,
	}
	if len(req.Notes) > 0 {
		payload["notes"] = req.Notes
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create order request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("order request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read order response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway order failed (%d): %s", resp.StatusCode, string(responseBody))
	}

	var order Order
	if err := json.Unmarshal(responseBody, &order); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("gateway order response missing id")
	}
	return &order, nil
}

// VerifyCallbackSignature checks the client-side checkout callback:
// HMAC_SHA256(order_id + "|" + payment_id, key_secret), hex-encoded.
func (c *Client) VerifyCallbackSignature(orderID, paymentID, signature string) bool {
	return VerifyHMAC([]byte(orderID+"|"+paymentID), c.keySecret, signature)
}

// VerifyWebhookSignature checks a webhook delivery against the raw request
// body in constant time.
func (c *Client) VerifyWebhookSignature(rawBody []byte, signature string) bool {
	if c.webhookSecret == "" {
		return false
	}
	return VerifyHMAC(rawBody, c.webhookSecret, signature)
}
