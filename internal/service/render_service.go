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

// ErrQuotaExceeded is returned when the owner's plan has no room left for
// the requested operation.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrAlreadyTerminal is returned when cancelling a job that already
// finished.
var ErrAlreadyTerminal = errors.New("job already in a terminal state")

// RenderStarter defines the interface for template render operations
type RenderStarter interface {
	Start(ctx context.Context, ownerID string, req *model.RenderStartRequest) (*model.RenderStartResponse, error)
	Status(ctx context.Context, ownerID, jobID string) (*model.RenderStatusResponse, error)
	Cancel(ctx context.Context, ownerID, jobID string) (*model.RenderStatusResponse, error)
}

// RenderService accepts template render jobs and hands them to the render
// queue. The worker does everything after the enqueue.
type RenderService struct {
	store  store.Store
	quota  quota.Gate
	queues *queue.Registry
	clk    clock.Clock
}

// NewRenderService creates a new render service
func NewRenderService(st store.Store, gate quota.Gate, queues *queue.Registry, clk clock.Clock) *RenderService {
	return &RenderService{store: st, quota: gate, queues: queues, clk: clk}
}

// Start persists a pending render job and enqueues it. The job is durable
// before the enqueue so a crash in between leaves a record, not a ghost.
func (s *RenderService) Start(ctx context.Context, ownerID string, req *model.RenderStartRequest) (*model.RenderStartResponse, error) {
	ok, err := s.quota.CheckAndReserve(ctx, ownerID, model.QuotaRenderMinutes, 1)
	if err != nil {
		return nil, fmt.Errorf("quota check failed: %w", err)
	}
	if !ok {
		return nil, ErrQuotaExceeded
	}

	job := &model.RenderJob{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Kind:      model.RenderKindTemplate,
		Spec:      req.Spec,
		Status:    model.RenderStatusPending,
		WebhookID: req.WebhookID,
		CreatedAt: s.clk.Now(),
	}
	if err := s.store.SaveRender(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save render job: %w", err)
	}

	if _, err := s.queues.Enqueue(ctx, worker.QueueRender, worker.TaskTypeRender, job.ID, nil); err != nil {
		return nil, fmt.Errorf("failed to enqueue render job: %w", err)
	}

	job, err = s.store.UpdateRenderIf(ctx, job.ID,
		[]model.RenderStatus{model.RenderStatusPending},
		func(j *model.RenderJob) error {
			j.Status = model.RenderStatusQueued
			return nil
		})
	if err != nil {
		// the worker may have claimed it already; that is fine
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("failed to mark render job queued: %w", err)
		}
		job, err = s.store.GetRender(ctx, job.ID)
		if err != nil {
			return nil, err
		}
	}

	log.Printf("Render job %s created for owner %s", job.ID, ownerID)
	return &model.RenderStartResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}, nil
}

// Status returns the current state of a render job.
func (s *RenderService) Status(ctx context.Context, ownerID, jobID string) (*model.RenderStatusResponse, error) {
	job, err := s.ownedJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	return renderStatusResponse(job), nil
}

// Cancel flips a non-terminal job to cancelled. The poll loop observes the
// status on its next iteration and stops.
func (s *RenderService) Cancel(ctx context.Context, ownerID, jobID string) (*model.RenderStatusResponse, error) {
	if _, err := s.ownedJob(ctx, ownerID, jobID); err != nil {
		return nil, err
	}

	job, err := s.store.UpdateRenderIf(ctx, jobID,
		[]model.RenderStatus{model.RenderStatusPending, model.RenderStatusQueued, model.RenderStatusRendering},
		func(j *model.RenderJob) error {
			now := s.clk.Now()
			j.Status = model.RenderStatusCancelled
			j.CompletedAt = &now
			return nil
		})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAlreadyTerminal
		}
		return nil, err
	}

	log.Printf("Render job %s cancelled by owner %s", jobID, ownerID)
	return renderStatusResponse(job), nil
}

func (s *RenderService) ownedJob(ctx context.Context, ownerID, jobID string) (*model.RenderJob, error) {
	job, err := s.store.GetRender(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		// hide other owners' jobs entirely
		return nil, store.ErrNotFound
	}
	return job, nil
}

func renderStatusResponse(job *model.RenderJob) *model.RenderStatusResponse {
	return &model.RenderStatusResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		OutputURL:    job.OutputURL,
		ThumbnailURL: job.ThumbnailURL,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}
