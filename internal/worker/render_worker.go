package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/clock"
	"github.com/clipforge/api/internal/config"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/queue"
	"github.com/clipforge/api/internal/quota"
	"github.com/clipforge/api/internal/retry"
	"github.com/clipforge/api/internal/store"
)

// Broadcaster pushes live job updates to connected clients.
type Broadcaster interface {
	BroadcastProgress(jobID string, progress int, status, stage string)
	BroadcastComplete(jobID string, result interface{})
	BroadcastError(jobID, code, message string)
}

// RenderWorker drives one RenderJob against the external render provider:
// claim, start, persist the external handle, then poll to a terminal state.
type RenderWorker struct {
	store    store.Store
	provider client.RenderProvider
	prober   client.MediaProber
	storage  client.StorageClient
	quota    quota.Gate
	queues   *queue.Registry
	hub      Broadcaster
	clk      clock.Clock

	pollInterval time.Duration
	pollCap      time.Duration
}

// NewRenderWorker creates a new render worker
func NewRenderWorker(st store.Store, provider client.RenderProvider, prober client.MediaProber, storage client.StorageClient, gate quota.Gate, queues *queue.Registry, hub Broadcaster, clk clock.Clock, cfg config.PipelineConfig) *RenderWorker {
	return &RenderWorker{
		store:        st,
		provider:     provider,
		prober:       prober,
		storage:      storage,
		quota:        gate,
		queues:       queues,
		hub:          hub,
		clk:          clk,
		pollInterval: cfg.PollInterval,
		pollCap:      cfg.RenderPollCap,
	}
}

// ProcessTask handles one render job delivery.
func (w *RenderWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	env, err := queue.ParseEnvelope(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	jobID := env.JobID

	job, err := w.store.GetRender(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// deleted concurrently; redelivery of a gone job is not an error
			log.Printf("Render job %s not found, skipping", jobID)
			return nil
		}
		return queue.MarkTransient(err)
	}

	if job.Status.IsTerminal() {
		if job.Status == model.RenderStatusCompleted && job.ThumbnailURL == "" {
			// repair action on redelivery, not a new attempt
			w.backfillThumbnail(ctx, job)
		}
		log.Printf("Render job %s already %s, skipping", jobID, job.Status)
		return nil
	}

	// A rendering job with a persisted handle is a crashed poll loop:
	// resume it without starting a second external render.
	if job.Status == model.RenderStatusRendering && job.ExternalHandle != nil {
		log.Printf("Resuming render job %s (render %s)", jobID, job.ExternalHandle.RenderID)
		return w.poll(ctx, job)
	}

	// Exclusive claim: the conditional update loses if another worker got
	// here first or if the job was cancelled in the meantime.
	now := w.clk.Now()
	job, err = w.store.UpdateRenderIf(ctx, jobID,
		[]model.RenderStatus{model.RenderStatusPending, model.RenderStatusQueued},
		func(j *model.RenderJob) error {
			j.Status = model.RenderStatusRendering
			j.StartedAt = &now
			return nil
		})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Printf("Render job %s claimed elsewhere, skipping", jobID)
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return queue.MarkTransient(err)
	}

	var started *client.RenderStartResult
	err = retry.Do(ctx, w.clk, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		OnRetry: func(attempt int, err error) {
			log.Printf("Render job %s start attempt %d failed: %v", jobID, attempt, err)
		},
	}, func() error {
		var startErr error
		started, startErr = w.provider.StartRender(ctx, job.Spec)
		return startErr
	})
	if err != nil {
		w.failJob(ctx, jobID, fmt.Sprintf("Render start failed: %v", err))
		return err
	}

	// Persist the handle before the first poll so a crash from here on is
	// resumable instead of double-starting.
	job, err = w.store.UpdateRenderIf(ctx, jobID,
		[]model.RenderStatus{model.RenderStatusRendering},
		func(j *model.RenderJob) error {
			if j.ExternalHandle != nil {
				return fmt.Errorf("render job %s already has an external handle", j.ID)
			}
			j.ExternalHandle = &model.ExternalHandle{
				RenderID:   started.RenderID,
				BucketName: started.BucketName,
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("failed to persist external handle for %s: %w", jobID, err)
	}

	log.Printf("Render job %s started (render %s)", jobID, started.RenderID)
	return w.poll(ctx, job)
}

// poll tracks the external render to completion, failure, cancellation or
// the liveness cap. Transient provider errors never abort the loop.
func (w *RenderWorker) poll(ctx context.Context, job *model.RenderJob) error {
	deadline := w.clk.Now().Add(w.pollCap)

	for {
		if err := w.clk.Sleep(ctx, w.pollInterval); err != nil {
			return err
		}

		// The liveness bound is checked before any poll work so a provider
		// that errors on every poll still hits the cap. A stuck or
		// unreachable external job must not hold a worker slot forever.
		if w.clk.Now().After(deadline) {
			w.failJob(ctx, job.ID, fmt.Sprintf("Render timed out after %s", w.pollCap))
			return fmt.Errorf("render %s timed out: %w", job.ID, asynq.SkipRetry)
		}

		// Cancellation is a side-channel status write; observe it before
		// doing more external work.
		current, err := w.store.GetRender(ctx, job.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return queue.MarkTransient(err)
		}
		if current.Status == model.RenderStatusCancelled {
			log.Printf("Render job %s cancelled, stopping poll", job.ID)
			return nil
		}
		if current.Status.IsTerminal() {
			return nil
		}

		progress, err := w.provider.GetRenderProgress(ctx, job.ExternalHandle.RenderID, job.ExternalHandle.BucketName)
		if err != nil {
			// momentary unreachability: extra delay, then keep polling
			log.Printf("Render job %s poll error: %v", job.ID, err)
			if err := w.clk.Sleep(ctx, w.pollInterval); err != nil {
				return err
			}
			continue
		}

		if progress.FatalError != "" {
			w.failJob(ctx, job.ID, fmt.Sprintf("Render failed: %s", progress.FatalError))
			return fmt.Errorf("render %s failed: %s: %w", job.ID, progress.FatalError, asynq.SkipRetry)
		}

		if progress.Done {
			return w.complete(ctx, job, progress)
		}

		pct := int(math.Round(progress.FractionDone * 100))
		updated, err := w.store.UpdateRenderIf(ctx, job.ID,
			[]model.RenderStatus{model.RenderStatusRendering},
			func(j *model.RenderJob) error {
				if pct > j.Progress {
					j.Progress = pct
				}
				j.Metrics = model.RenderMetrics{
					FramesRendered: progress.FramesRendered,
					CostEstimate:   progress.CostEstimate,
					EncodingStatus: progress.EncodingStatus,
				}
				return nil
			})
		if err == nil {
			job = updated
			if w.hub != nil {
				w.hub.BroadcastProgress(job.ID, job.Progress, string(job.Status), "rendering")
			}
		}
	}
}

func (w *RenderWorker) complete(ctx context.Context, job *model.RenderJob, progress *client.RenderProgress) error {
	now := w.clk.Now()
	completed, err := w.store.UpdateRenderIf(ctx, job.ID,
		[]model.RenderStatus{model.RenderStatusRendering},
		func(j *model.RenderJob) error {
			j.Status = model.RenderStatusCompleted
			j.Progress = 100
			j.OutputURL = progress.OutputURL
			j.DurationSeconds = progress.DurationSec
			j.CompletedAt = &now
			return nil
		})
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return queue.MarkTransient(err)
	}

	log.Printf("Render job %s completed", job.ID)
	w.commitUsage(ctx, completed)

	// best-effort side effects; their failure never rolls back the result
	w.backfillThumbnail(ctx, completed)
	w.notify(ctx, completed)

	if w.hub != nil {
		w.hub.BroadcastComplete(completed.ID, model.RenderStatusResponse{
			JobID:       completed.ID,
			Status:      completed.Status,
			Progress:    completed.Progress,
			OutputURL:   completed.OutputURL,
			CreatedAt:   completed.CreatedAt,
			StartedAt:   completed.StartedAt,
			CompletedAt: completed.CompletedAt,
		})
	}
	return nil
}

// commitUsage routes render minutes to the caption or template counter
// depending on which pipeline created the job.
func (w *RenderWorker) commitUsage(ctx context.Context, job *model.RenderJob) {
	minutes := int64(math.Ceil(job.DurationSeconds / 60))
	if minutes < 1 {
		minutes = 1
	}
	kind := model.QuotaRenderMinutes
	if job.Kind == model.RenderKindCaption {
		kind = model.QuotaCaptionRenderMinutes
	}
	if err := w.quota.Commit(ctx, job.OwnerID, kind, minutes); err != nil {
		log.Printf("Failed to commit %s usage for job %s: %v", kind, job.ID, err)
	}
}

func (w *RenderWorker) backfillThumbnail(ctx context.Context, job *model.RenderJob) {
	if w.prober == nil || w.storage == nil || job.OutputURL == "" {
		return
	}

	img, contentType, err := w.prober.ExtractThumbnail(ctx, job.OutputURL, 1.0)
	if err != nil {
		log.Printf("Thumbnail extraction failed for job %s: %v", job.ID, err)
		return
	}

	key := fmt.Sprintf("thumbnails/%s.jpg", job.ID)
	url, err := w.storage.Upload(ctx, key, bytes.NewReader(img), contentType)
	if err != nil {
		log.Printf("Thumbnail upload failed for job %s: %v", job.ID, err)
		return
	}

	_, err = w.store.UpdateRenderIf(ctx, job.ID,
		[]model.RenderStatus{model.RenderStatusCompleted},
		func(j *model.RenderJob) error {
			j.ThumbnailURL = url
			return nil
		})
	if err != nil {
		log.Printf("Failed to persist thumbnail for job %s: %v", job.ID, err)
	}
}

func (w *RenderWorker) notify(ctx context.Context, job *model.RenderJob) {
	if job.WebhookID == "" {
		return
	}
	payload := webhookTaskPayload{
		WebhookID: job.WebhookID,
		Event:     "render.completed",
		Status:    string(job.Status),
		OutputURL: job.OutputURL,
	}
	if _, err := w.queues.Enqueue(ctx, QueueWebhook, TaskTypeWebhook, job.ID, payload); err != nil {
		log.Printf("Failed to enqueue webhook for job %s: %v", job.ID, err)
	}
}

func (w *RenderWorker) failJob(ctx context.Context, jobID, errMsg string) {
	now := w.clk.Now()
	_, err := w.store.UpdateRenderIf(ctx, jobID,
		[]model.RenderStatus{model.RenderStatusPending, model.RenderStatusQueued, model.RenderStatusRendering},
		func(j *model.RenderJob) error {
			j.Status = model.RenderStatusFailed
			j.Error = &errMsg
			j.CompletedAt = &now
			return nil
		})
	if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
		log.Printf("Failed to mark render job %s as failed: %v", jobID, err)
	}
	if w.hub != nil {
		w.hub.BroadcastError(jobID, "RENDER_FAILED", errMsg)
	}
}
