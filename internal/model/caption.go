package model

import (
	"encoding/json"
	"time"
)

// CaptionProject is the aggregate root for one caption production run:
// transcription, composition and render for a single source file.
type CaptionProject struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"ownerId"`
	FileID          string          `json:"fileId"`
	Preset          CaptionPreset   `json:"preset"`
	TranscriptionID string          `json:"transcriptionId,omitempty"`
	RenderJobID     string          `json:"renderJobId,omitempty"`
	Spec            json.RawMessage `json:"spec,omitempty"`
	Status          CaptionStatus   `json:"status"`
	Progress        int             `json:"progress"`
	OutputURL       string          `json:"outputUrl,omitempty"`
	ThumbnailURL    string          `json:"thumbnailUrl,omitempty"`
	Error           *string         `json:"error,omitempty"`
	WebhookID       string          `json:"webhookId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// CaptionPreset selects the caption style baked into the composed spec.
type CaptionPreset struct {
	Template  string  `json:"template" validate:"required"`
	Language  string  `json:"language,omitempty"`
	FontSize  int     `json:"fontSize,omitempty" validate:"omitempty,min=8,max=200"`
	Position  string  `json:"position,omitempty" validate:"omitempty,oneof=top center bottom"`
	MaxChars  int     `json:"maxChars,omitempty" validate:"omitempty,min=4,max=120"`
	Highlight bool    `json:"highlight,omitempty"`
	Overrides KVPairs `json:"overrides,omitempty"`
}

// KVPairs carries free-form style overrides through to the composer.
type KVPairs map[string]string

// CaptionCreateRequest represents the request to start caption production
type CaptionCreateRequest struct {
	FileID    string        `json:"fileId" validate:"required"`
	Preset    CaptionPreset `json:"preset" validate:"required"`
	WebhookID string        `json:"webhookId" validate:"omitempty"`
}

// CaptionCreateResponse represents the response when creating a project
type CaptionCreateResponse struct {
	ProjectID string        `json:"projectId"`
	Status    CaptionStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

// CaptionStatusResponse represents the status of a caption project
type CaptionStatusResponse struct {
	ProjectID    string        `json:"projectId"`
	Status       CaptionStatus `json:"status"`
	Progress     int           `json:"progress"`
	OutputURL    string        `json:"outputUrl,omitempty"`
	ThumbnailURL string        `json:"thumbnailUrl,omitempty"`
	Error        *string       `json:"error"`
	CreatedAt    time.Time     `json:"createdAt"`
	CompletedAt  *time.Time    `json:"completedAt"`
}
