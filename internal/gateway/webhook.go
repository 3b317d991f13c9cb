package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// EventPaymentCaptured is the only webhook event the core processes.
const EventPaymentCaptured = "payment.captured"

// webhookSchema validates the envelope shape before any field access.
const webhookSchema = `{
	"type": "object",
	"required": ["event", "payload"],
	"properties": {
		"event": {"type": "string", "minLength": 1},
		"payload": {
			"type": "object",
			"properties": {
				"payment": {
					"type": "object",
					"required": ["entity"],
					"properties": {
						"entity": {
							"type": "object",
							"properties": {
								"id": {"type": "string"},
								"order_id": {"type": "string"},
								"notes": {}
							}
						}
					}
				}
			}
		}
	}
}`

var webhookSchemaLoader = gojsonschema.NewStringLoader(webhookSchema)

// WebhookEvent is the decoded, validated delivery.
type WebhookEvent struct {
	Event     string
	OrderID   string
	PaymentID string
	Notes     map[string]string
}

// ParseWebhook validates the raw body against the envelope schema and
// extracts the fields the finalizer needs. Signature verification is the
// caller's job and happens before parsing.
func ParseWebhook(rawBody []byte) (*WebhookEvent, error) {
	result, err := gojsonschema.Validate(webhookSchemaLoader, gojsonschema.NewBytesLoader(rawBody))
	if err != nil {
		return nil, fmt.Errorf("validate webhook payload: %w", err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("invalid webhook payload: %s", result.Errors()[0])
	}

	var envelope struct {
		Event   string `json:"event"`
		Payload struct {
			Payment struct {
				Entity struct {
					ID      string          `json:"id"`
					OrderID string          `json:"order_id"`
					Notes   json.RawMessage `json:"notes"`
				} `json:"entity"`
			} `json:"payment"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	event := &WebhookEvent{
		Event:     envelope.Event,
		OrderID:   envelope.Payload.Payment.Entity.OrderID,
		PaymentID: envelope.Payload.Payment.Entity.ID,
		Notes:     map[string]string{},
	}

	// Notes arrive as an object of strings or an empty array; tolerate both.
	if len(envelope.Payload.Payment.Entity.Notes) > 0 {
		var notes map[string]string
		if err := json.Unmarshal(envelope.Payload.Payment.Entity.Notes, &notes); err == nil {
			event.Notes = notes
		}
	}
	return event, nil
}
