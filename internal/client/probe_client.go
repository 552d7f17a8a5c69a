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

// MediaProber defines the interface to the media tooling microservice
// wrapping ffprobe/ffmpeg.
type MediaProber interface {
	Probe(ctx context.Context, url string) (*ProbeResult, error)
	ExtractThumbnail(ctx context.Context, videoURL string, atSeconds float64) ([]byte, string, error)
	Import(ctx context.Context, sourceURL, destKey string) (*ImportResult, error)
	HealthCheck(ctx context.Context) error
}

// ProbeResult is the metadata for a media file.
type ProbeResult struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FPS             float64 `json:"fps"`
	Codec           string  `json:"codec"`
	HasAudio        bool    `json:"has_audio"`
}

// ImportResult is the stored location of an imported remote file.
type ImportResult struct {
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
}

// ProbeClient implements MediaProber against the media service.
type ProbeClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewProbeClient creates a new media service client
func NewProbeClient(cfg *config.ProbeConfig) *ProbeClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &ProbeClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: cfg.ServiceURL,
	}
}

// Probe extracts metadata from a media file by URL
func (c *ProbeClient) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	var result ProbeResult
	if err := c.postJSON(ctx, "/probe", map[string]string{"url": url}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ExtractThumbnail grabs one frame as an encoded image
func (c *ProbeClient) ExtractThumbnail(ctx context.Context, videoURL string, atSeconds float64) ([]byte, string, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"url":        videoURL,
		"at_seconds": atSeconds,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/thumbnail", bytes.NewReader(reqBody))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("media service error (status %d): %s", resp.StatusCode, string(body))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return body, contentType, nil
}

// Import downloads a remote file into object storage
func (c *ProbeClient) Import(ctx context.Context, sourceURL, destKey string) (*ImportResult, error) {
	var result ImportResult
	req := map[string]string{"source_url": sourceURL, "dest_key": destKey}
	if err := c.postJSON(ctx, "/import", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthCheck verifies the media service is reachable
func (c *ProbeClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("media service unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

func (c *ProbeClient) postJSON(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("media service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *ProbeClient) IsConfigured() bool {
	return c.baseURL != ""
}
