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

// RenderProvider defines the interface to the managed video renderer.
type RenderProvider interface {
	StartRender(ctx context.Context, spec json.RawMessage) (*RenderStartResult, error)
	GetRenderProgress(ctx context.Context, renderID, bucketName string) (*RenderProgress, error)
}

// RenderStartResult is the external handle returned when a render is
// accepted. It is everything needed to resume polling after a restart.
type RenderStartResult struct {
	RenderID   string `json:"render_id"`
	BucketName string `json:"bucket_name"`
}

// RenderProgress is one progress snapshot from the provider.
type RenderProgress struct {
	FractionDone   float64 `json:"fraction_done"`
	Done           bool    `json:"done"`
	FatalError     string  `json:"fatal_error,omitempty"`
	OutputURL      string  `json:"output_url,omitempty"`
	DurationSec    float64 `json:"duration_sec,omitempty"`
	FramesRendered int     `json:"frames_rendered,omitempty"`
	CostEstimate   float64 `json:"cost_estimate,omitempty"`
	EncodingStatus string  `json:"encoding_status,omitempty"`
}

// RenderAPIClient implements RenderProvider against the render farm API.
type RenderAPIClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewRenderAPIClient creates a new render provider client
func NewRenderAPIClient(cfg *config.RenderAPIConfig) *RenderAPIClient {
	return &RenderAPIClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
	}
}

// StartRender submits a render specification
func (c *RenderAPIClient) StartRender(ctx context.Context, spec json.RawMessage) (*RenderStartResult, error) {
	var result RenderStartResult
	if err := c.post(ctx, "/v1/renders", spec, &result); err != nil {
		return nil, err
	}
	if result.RenderID == "" {
		return nil, fmt.Errorf("render provider returned no render id")
	}
	return &result, nil
}

// GetRenderProgress retrieves a progress snapshot for a running render
func (c *RenderAPIClient) GetRenderProgress(ctx context.Context, renderID, bucketName string) (*RenderProgress, error) {
	endpoint := fmt.Sprintf("/v1/renders/%s?bucket=%s", renderID, bucketName)
	var result RenderProgress
	if err := c.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// post sends a POST request with JSON body
func (c *RenderAPIClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *RenderAPIClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *RenderAPIClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("render API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *RenderAPIClient) IsConfigured() bool {
	return c.apiKey != ""
}
