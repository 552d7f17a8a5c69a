package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/clipforge/api/internal/clock"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/queue"
	"github.com/clipforge/api/internal/quota"
	"github.com/clipforge/api/internal/store"
	"github.com/clipforge/api/internal/worker"
)

// ErrFileNotReady is returned when caption production is requested for a
// file that is still importing or probing.
var ErrFileNotReady = errors.New("file is not ready")

// CaptionProducer defines the interface for caption production operations
type CaptionProducer interface {
	Create(ctx context.Context, ownerID string, req *model.CaptionCreateRequest) (*model.CaptionCreateResponse, error)
	Status(ctx context.Context, ownerID, projectID string) (*model.CaptionStatusResponse, error)
	Cancel(ctx context.Context, ownerID, projectID string) (*model.CaptionStatusResponse, error)
}

// CaptionService accepts caption projects and hands them to the caption
// queue, where the worker runs the transcribe/generate/render pipeline.
type CaptionService struct {
	store  store.Store
	quota  quota.Gate
	queues *queue.Registry
	clk    clock.Clock
}

// NewCaptionService creates a new caption service
func NewCaptionService(st store.Store, gate quota.Gate, queues *queue.Registry, clk clock.Clock) *CaptionService {
	return &CaptionService{store: st, quota: gate, queues: queues, clk: clk}
}

// Create persists a pending caption project and enqueues one pipeline run.
func (s *CaptionService) Create(ctx context.Context, ownerID string, req *model.CaptionCreateRequest) (*model.CaptionCreateResponse, error) {
	ok, err := s.quota.CheckAndReserve(ctx, ownerID, model.QuotaCaptionProjects, 1)
	if err != nil {
		return nil, fmt.Errorf("quota check failed: %w", err)
	}
	if !ok {
		return nil, ErrQuotaExceeded
	}

	file, err := s.store.GetFile(ctx, req.FileID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	if file.Status == model.FileStatusFailed {
		return nil, ErrFileNotReady
	}

	project := &model.CaptionProject{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		FileID:    req.FileID,
		Preset:    req.Preset,
		Status:    model.CaptionStatusPending,
		WebhookID: req.WebhookID,
		CreatedAt: s.clk.Now(),
	}
	if err := s.store.SaveCaption(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to save caption project: %w", err)
	}

	if _, err := s.queues.Enqueue(ctx, worker.QueueCaption, worker.TaskTypeCaption, project.ID, nil); err != nil {
		return nil, fmt.Errorf("failed to enqueue caption project: %w", err)
	}

	log.Printf("Caption project %s created for owner %s (file %s)", project.ID, ownerID, req.FileID)
	return &model.CaptionCreateResponse{
		ProjectID: project.ID,
		Status:    project.Status,
		CreatedAt: project.CreatedAt,
	}, nil
}

// Status returns the current state of a caption project.
func (s *CaptionService) Status(ctx context.Context, ownerID, projectID string) (*model.CaptionStatusResponse, error) {
	project, err := s.ownedProject(ctx, ownerID, projectID)
	if err != nil {
		return nil, err
	}
	return captionStatusResponse(project), nil
}

// Cancel flips a non-terminal project to failed with a cancellation note
// and cancels its backing render job when one exists.
func (s *CaptionService) Cancel(ctx context.Context, ownerID, projectID string) (*model.CaptionStatusResponse, error) {
	if _, err := s.ownedProject(ctx, ownerID, projectID); err != nil {
		return nil, err
	}

	msg := "Cancelled by owner"
	project, err := s.store.UpdateCaptionIf(ctx, projectID,
		[]model.CaptionStatus{
			model.CaptionStatusPending,
			model.CaptionStatusTranscribing,
			model.CaptionStatusGenerating,
			model.CaptionStatusRendering,
		},
		func(p *model.CaptionProject) error {
			now := s.clk.Now()
			p.Status = model.CaptionStatusFailed
			p.Error = &msg
			p.CompletedAt = &now
			return nil
		})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAlreadyTerminal
		}
		return nil, err
	}

	if project.RenderJobID != "" {
		_, err := s.store.UpdateRenderIf(ctx, project.RenderJobID,
			[]model.RenderStatus{model.RenderStatusPending, model.RenderStatusQueued, model.RenderStatusRendering},
			func(j *model.RenderJob) error {
				now := s.clk.Now()
				j.Status = model.RenderStatusCancelled
				j.CompletedAt = &now
				return nil
			})
		if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
			log.Printf("Failed to cancel render job %s for project %s: %v", project.RenderJobID, projectID, err)
		}
	}

	log.Printf("Caption project %s cancelled by owner %s", projectID, ownerID)
	return captionStatusResponse(project), nil
}

func (s *CaptionService) ownedProject(ctx context.Context, ownerID, projectID string) (*model.CaptionProject, error) {
	project, err := s.store.GetCaption(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return project, nil
}

func captionStatusResponse(project *model.CaptionProject) *model.CaptionStatusResponse {
	return &model.CaptionStatusResponse{
		ProjectID:    project.ID,
		Status:       project.Status,
		Progress:     project.Progress,
		OutputURL:    project.OutputURL,
		ThumbnailURL: project.ThumbnailURL,
		Error:        project.Error,
		CreatedAt:    project.CreatedAt,
		CompletedAt:  project.CompletedAt,
	}
}
