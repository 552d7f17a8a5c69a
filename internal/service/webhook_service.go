package service

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/clipforge/api/internal/clock"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/store"
)

// WebhookRegistrar defines the interface for webhook configuration
type WebhookRegistrar interface {
	Register(ctx context.Context, ownerID string, req *model.WebhookRegisterRequest) (*model.WebhookResponse, error)
	Get(ctx context.Context, ownerID, webhookID string) (*model.WebhookResponse, error)
}

// WebhookService manages outbound notification endpoints.
type WebhookService struct {
	store store.Store
	clk   clock.Clock
}

// NewWebhookService creates a new webhook service
func NewWebhookService(st store.Store, clk clock.Clock) *WebhookService {
	return &WebhookService{store: st, clk: clk}
}

// Register stores a webhook endpoint with its signing secret.
func (s *WebhookService) Register(ctx context.Context, ownerID string, req *model.WebhookRegisterRequest) (*model.WebhookResponse, error) {
	cfg := &model.WebhookConfig{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		URL:       req.URL,
		Secret:    req.Secret,
		CreatedAt: s.clk.Now(),
	}
	if err := s.store.SaveWebhook(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to save webhook: %w", err)
	}

	log.Printf("Webhook %s registered for owner %s", cfg.ID, ownerID)
	return webhookResponse(cfg), nil
}

// Get returns a webhook configuration with its delivery counters. The
// secret never leaves the store.
func (s *WebhookService) Get(ctx context.Context, ownerID, webhookID string) (*model.WebhookResponse, error) {
	cfg, err := s.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	if cfg.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return webhookResponse(cfg), nil
}

func webhookResponse(cfg *model.WebhookConfig) *model.WebhookResponse {
	return &model.WebhookResponse{
		WebhookID:    cfg.ID,
		URL:          cfg.URL,
		SuccessCount: cfg.SuccessCount,
		FailCount:    cfg.FailCount,
		CreatedAt:    cfg.CreatedAt,
	}
}
