package model

import (
	"encoding/json"
	"time"
)

// WebhookConfig is a per-owner outbound notification endpoint with its
// shared signing secret and delivery counters.
type WebhookConfig struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	URL          string    `json:"url"`
	Secret       string    `json:"secret"`
	SuccessCount int       `json:"successCount"`
	FailCount    int       `json:"failCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// WebhookEvent is the payload delivered to a webhook endpoint.
type WebhookEvent struct {
	Event     string          `json:"event"`
	JobID     string          `json:"jobId"`
	Status    string          `json:"status"`
	OutputURL string          `json:"outputUrl,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	SentAt    time.Time       `json:"sentAt"`
}

// WebhookLog records one delivery attempt outcome.
type WebhookLog struct {
	ID           string    `json:"id"`
	WebhookID    string    `json:"webhookId"`
	Event        string    `json:"event"`
	StatusCode   int       `json:"statusCode"`
	ResponseBody string    `json:"responseBody,omitempty"`
	Success      bool      `json:"success"`
	DeliveredAt  time.Time `json:"deliveredAt"`
}

// WebhookRegisterRequest creates a webhook configuration
type WebhookRegisterRequest struct {
	URL    string `json:"url" validate:"required,url"`
	Secret string `json:"secret" validate:"required,min=16"`
}

// WebhookResponse represents a webhook configuration
type WebhookResponse struct {
	WebhookID    string    `json:"webhookId"`
	URL          string    `json:"url"`
	SuccessCount int       `json:"successCount"`
	FailCount    int       `json:"failCount"`
	CreatedAt    time.Time `json:"createdAt"`
}
