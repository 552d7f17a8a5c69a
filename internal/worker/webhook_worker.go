package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/clipforge/api/internal/clock"
	"github.com/clipforge/api/internal/config"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/queue"
	"github.com/clipforge/api/internal/retry"
	"github.com/clipforge/api/internal/store"
)

// webhookTaskPayload is the body enqueued for a single delivery attempt set.
type webhookTaskPayload struct {
	WebhookID string `json:"webhookId"`
	Event     string `json:"event"`
	Status    string `json:"status"`
	OutputURL string `json:"outputUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

// WebhookWorker delivers job lifecycle events to customer endpoints. The
// queue is configured with MaxRetry 0: retries live inside one delivery
// so a crashed attempt set is not silently repeated later.
type WebhookWorker struct {
	store  store.Store
	client *http.Client
	clk    clock.Clock
	cfg    config.WebhookConfig
}

// NewWebhookWorker creates a new webhook worker
func NewWebhookWorker(st store.Store, clk clock.Clock, cfg config.WebhookConfig) *WebhookWorker {
	return &WebhookWorker{
		store:  st,
		client: &http.Client{Timeout: cfg.Timeout},
		clk:    clk,
		cfg:    cfg,
	}
}

// ProcessTask delivers one event to the configured endpoint.
func (w *WebhookWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	env, err := queue.ParseEnvelope(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	var payload webhookTaskPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("invalid webhook payload: %v: %w", err, asynq.SkipRetry)
	}

	// MaxRetry 0 on this queue means an error return is never redelivered,
	// so the config read gets its own short retry budget
	var cfg *model.WebhookConfig
	err = retry.Do(ctx, w.clk, retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		OnRetry: func(attempt int, err error) {
			log.Printf("Webhook %s config read attempt %d failed: %v", payload.WebhookID, attempt, err)
		},
	}, func() error {
		var gerr error
		cfg, gerr = w.store.GetWebhook(ctx, payload.WebhookID)
		if errors.Is(gerr, store.ErrNotFound) {
			return retry.Permanent(gerr)
		}
		return gerr
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("Webhook %s not found, dropping event %s for job %s", payload.WebhookID, payload.Event, env.JobID)
			return nil
		}
		return fmt.Errorf("webhook %s config unavailable: %v: %w", payload.WebhookID, err, asynq.SkipRetry)
	}

	event := model.WebhookEvent{
		Event:     payload.Event,
		JobID:     env.JobID,
		Status:    payload.Status,
		OutputURL: payload.OutputURL,
		Error:     payload.Error,
		SentAt:    w.clk.Now(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook event: %v: %w", err, asynq.SkipRetry)
	}

	var lastLog *model.WebhookLog
	err = retry.Do(ctx, w.clk, retry.Config{
		MaxAttempts:  w.cfg.MaxAttempts,
		InitialDelay: w.cfg.InitialBackoff,
		MaxDelay:     w.cfg.MaxBackoff,
		OnRetry: func(attempt int, err error) {
			log.Printf("Webhook %s delivery attempt %d failed: %v", cfg.ID, attempt, err)
		},
	}, func() error {
		entry, deliverErr := w.deliver(ctx, cfg, body)
		if entry != nil {
			lastLog = entry
		}
		return deliverErr
	})

	if lastLog != nil {
		lastLog.ID = uuid.NewString()
		lastLog.WebhookID = cfg.ID
		lastLog.Event = payload.Event
		if logErr := w.store.SaveWebhookLog(ctx, lastLog); logErr != nil {
			log.Printf("Failed to save webhook log for %s: %v", cfg.ID, logErr)
		}
	}
	w.bumpCounters(cfg.ID, err == nil)

	if err != nil {
		// attempts are exhausted; the broker must not add its own retries
		// on top of ours
		return fmt.Errorf("webhook %s delivery failed: %v: %w", cfg.ID, err, asynq.SkipRetry)
	}
	log.Printf("Webhook %s delivered event %s for job %s", cfg.ID, payload.Event, env.JobID)
	return nil
}

func (w *WebhookWorker) deliver(ctx context.Context, cfg *model.WebhookConfig, body []byte) (*model.WebhookLog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Clipforge-Signature", Sign(cfg.Secret, body))

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	entry := &model.WebhookLog{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(respBody),
		Success:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		DeliveredAt:  w.clk.Now(),
	}
	if !entry.Success {
		return entry, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return entry, nil
}

// bumpCounters runs on a detached context so the stats survive a delivery
// that exhausted its task deadline.
func (w *WebhookWorker) bumpCounters(webhookID string, success bool) {
	updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// deliveries for the same webhook run concurrently, so the increment
	// goes through the store's conditional update
	_, err := w.store.UpdateWebhook(updateCtx, webhookID, func(cfg *model.WebhookConfig) error {
		if success {
			cfg.SuccessCount++
		} else {
			cfg.FailCount++
		}
		return nil
	})
	if err != nil {
		log.Printf("Failed to update webhook counters for %s: %v", webhookID, err)
	}
}

// Sign computes the hex HMAC-SHA256 of the payload under the webhook secret.
// Receivers recompute it to authenticate the sender.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
