package model

import (
	"encoding/json"
	"time"
)

// ExternalHandle holds the identifiers returned by the render provider.
// It is set at most once per job and never cleared; a persisted handle is
// what makes a crashed poll loop resumable.
type ExternalHandle struct {
	RenderID   string `json:"renderId"`
	BucketName string `json:"bucketName"`
}

// RenderMetrics are incidental numbers reported by the provider while
// rendering. They are persisted on every poll iteration for observability.
type RenderMetrics struct {
	FramesRendered int     `json:"framesRendered,omitempty"`
	CostEstimate   float64 `json:"costEstimate,omitempty"`
	EncodingStatus string  `json:"encodingStatus,omitempty"`
}

// RenderJob represents one managed render tracked against the external
// provider. Mutated exclusively by the render worker once claimed.
type RenderJob struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"ownerId"`
	Kind            RenderKind      `json:"kind"`
	CaptionID       string          `json:"captionId,omitempty"`
	Spec            json.RawMessage `json:"spec"`
	ExternalHandle  *ExternalHandle `json:"externalHandle,omitempty"`
	Status          RenderStatus    `json:"status"`
	Progress        int             `json:"progress"`
	Metrics         RenderMetrics   `json:"metrics,omitempty"`
	OutputURL       string          `json:"outputUrl,omitempty"`
	ThumbnailURL    string          `json:"thumbnailUrl,omitempty"`
	DurationSeconds float64         `json:"durationSeconds,omitempty"`
	Error           *string         `json:"error,omitempty"`
	WebhookID       string          `json:"webhookId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// RenderStartRequest represents the request to start a template render
type RenderStartRequest struct {
	Spec      json.RawMessage `json:"spec" validate:"required"`
	WebhookID string          `json:"webhookId" validate:"omitempty"`
}

// RenderStartResponse represents the response when starting a render
type RenderStartResponse struct {
	JobID     string       `json:"jobId"`
	Status    RenderStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
}

// RenderStatusResponse represents the status of a render job
type RenderStatusResponse struct {
	JobID        string       `json:"jobId"`
	Status       RenderStatus `json:"status"`
	Progress     int          `json:"progress"`
	OutputURL    string       `json:"outputUrl,omitempty"`
	ThumbnailURL string       `json:"thumbnailUrl,omitempty"`
	Error        *string      `json:"error"`
	CreatedAt    time.Time    `json:"createdAt"`
	StartedAt    *time.Time   `json:"startedAt"`
	CompletedAt  *time.Time   `json:"completedAt"`
}
