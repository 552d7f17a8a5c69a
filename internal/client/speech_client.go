package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clipforge/api/internal/config"
)

// Transcriber defines the interface for speech-to-text operations. The
// call is synchronous and may run for minutes on long inputs.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL, language string) (*TranscriptResult, error)
}

// TranscriptWord is a single word with timing from the provider.
type TranscriptWord struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// TranscriptResult is a completed transcription.
type TranscriptResult struct {
	ID       string           `json:"id"`
	Words    []TranscriptWord `json:"words"`
	Duration float64          `json:"duration"`
	Language string           `json:"language,omitempty"`
}

// SpeechClient implements Transcriber for the hosted Whisper API.
type SpeechClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewSpeechClient creates a new speech-to-text client
func NewSpeechClient(cfg *config.SpeechConfig) *SpeechClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &SpeechClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}
}

type transcribeRequest struct {
	Model    string `json:"model"`
	AudioURL string `json:"audio_url"`
	Language string `json:"language,omitempty"`
	// word-level timestamps are required to place captions
	TimestampGranularity string `json:"timestamp_granularity"`
}

// Transcribe submits an audio URL and blocks until the transcript is ready
func (c *SpeechClient) Transcribe(ctx context.Context, audioURL, language string) (*TranscriptResult, error) {
	reqBody := transcribeRequest{
		Model:                c.model,
		AudioURL:             audioURL,
		Language:             language,
		TimestampGranularity: "word",
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("speech API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result TranscriptResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if len(result.Words) == 0 {
		return nil, fmt.Errorf("no words in transcript")
	}

	return &result, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *SpeechClient) IsConfigured() bool {
	return c.apiKey != ""
}
