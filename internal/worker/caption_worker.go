package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/clipforge/api/internal/clock"
	"github.com/clipforge/api/internal/compose"
	"github.com/clipforge/api/internal/config"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/queue"
	"github.com/clipforge/api/internal/quota"
	"github.com/clipforge/api/internal/retry"
	"github.com/clipforge/api/internal/store"
)

// Progress bands for the caption pipeline. Each stage owns a slice of the
// 0-100 range so the reported number never moves backwards across stages.
const (
	captionProgressTranscribeMax = 40
	captionProgressGenerateMax   = 50
	captionProgressRenderMax     = 95
)

// CaptionWorker orchestrates the full caption production run: transcribe
// the source file, compose a render spec from the words, then drive a
// render job and mirror its result onto the project.
//
// The caption queue carries no broker retries, so an error return is never
// redelivered. Transient store and broker failures are therefore retried
// in-worker, and every path that gives up first writes a terminal failed
// status onto the project.
type CaptionWorker struct {
	store  store.Store
	quota  quota.Gate
	queues *queue.Registry
	hub    Broadcaster
	clk    clock.Clock

	pollInterval  time.Duration
	transcribeCap time.Duration
	renderCap     time.Duration
}

// NewCaptionWorker creates a new caption worker
func NewCaptionWorker(st store.Store, gate quota.Gate, queues *queue.Registry, hub Broadcaster, clk clock.Clock, cfg config.PipelineConfig) *CaptionWorker {
	return &CaptionWorker{
		store:         st,
		quota:         gate,
		queues:        queues,
		hub:           hub,
		clk:           clk,
		pollInterval:  cfg.PollInterval,
		transcribeCap: cfg.TranscribeWaitCap,
		renderCap:     cfg.RenderPollCap,
	}
}

// ProcessTask runs one caption project to a terminal state.
func (w *CaptionWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	env, err := queue.ParseEnvelope(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	projectID := env.JobID

	project, err := w.getProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("Caption project %s not found, skipping", projectID)
			return nil
		}
		return w.abort(ctx, projectID, "Storage unavailable", err)
	}
	if project.Status.IsTerminal() {
		log.Printf("Caption project %s already %s, skipping", projectID, project.Status)
		return nil
	}

	// Usage is charged once, when the project first leaves pending. A
	// redelivered task that finds it further along must not charge again.
	if project.Status == model.CaptionStatusPending {
		if err := w.quota.Commit(ctx, project.OwnerID, model.QuotaCaptionProjects, 1); err != nil {
			log.Printf("Failed to commit caption project usage for %s: %v", projectID, err)
		}
	}

	tr, err := w.transcribe(ctx, project)
	if err != nil {
		return err
	}
	if tr == nil {
		// project reached a terminal state while waiting
		return nil
	}

	project, err = w.generate(ctx, project, tr)
	if err != nil {
		return err
	}

	return w.render(ctx, project)
}

// transcribe attaches the project to the file's transcription, creating one
// if the file has none yet, and waits for it to finish.
func (w *CaptionWorker) transcribe(ctx context.Context, project *model.CaptionProject) (*model.Transcription, error) {
	projectID := project.ID
	project, err := w.updateProject(ctx, projectID, "claim",
		[]model.CaptionStatus{model.CaptionStatusPending, model.CaptionStatusTranscribing},
		func(p *model.CaptionProject) error {
			p.Status = model.CaptionStatusTranscribing
			if p.Progress < 5 {
				p.Progress = 5
			}
			return nil
		})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// crashed mid-run; re-enter at the stage the record says
			return w.reenter(ctx, projectID)
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, w.abort(ctx, projectID, "Storage unavailable", err)
	}
	w.broadcast(project)

	file, err := w.getFile(ctx, projectID, project.FileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.fail(ctx, projectID, "Source file not found")
			return nil, fmt.Errorf("caption %s: file %s not found: %w", projectID, project.FileID, asynq.SkipRetry)
		}
		return nil, w.abort(ctx, projectID, "Storage unavailable", err)
	}
	if file.Status != model.FileStatusReady {
		w.fail(ctx, projectID, fmt.Sprintf("Source file is %s, not ready", file.Status))
		return nil, fmt.Errorf("caption %s: file %s not ready: %w", projectID, file.ID, asynq.SkipRetry)
	}

	tr, err := w.attachTranscription(ctx, project, file)
	if err != nil {
		return nil, err
	}

	return w.waitForTranscription(ctx, projectID, tr.ID)
}

// attachTranscription reuses the file's transcription when one exists and
// creates exactly one otherwise, even when projects race on the same file.
func (w *CaptionWorker) attachTranscription(ctx context.Context, project *model.CaptionProject, file *model.MediaFile) (*model.Transcription, error) {
	if project.TranscriptionID != "" {
		var tr *model.Transcription
		err := w.retried(ctx, project.ID, "transcription read", func() error {
			var gerr error
			tr, gerr = w.store.GetTranscription(ctx, project.TranscriptionID)
			if errors.Is(gerr, store.ErrNotFound) {
				return retry.Permanent(gerr)
			}
			return gerr
		})
		if err == nil {
			return tr, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, w.abort(ctx, project.ID, "Storage unavailable", err)
		}
		// referenced record is gone; bind a fresh one below
	}

	candidate := &model.Transcription{
		ID:        uuid.NewString(),
		FileID:    file.ID,
		Language:  project.Preset.Language,
		Status:    model.TranscriptionStatusPending,
		CreatedAt: w.clk.Now(),
	}
	var tr *model.Transcription
	var created bool
	err := w.retried(ctx, project.ID, "transcription bind", func() error {
		var berr error
		tr, created, berr = w.store.BindTranscription(ctx, file.ID, candidate)
		return berr
	})
	if err != nil {
		return nil, w.abort(ctx, project.ID, "Storage unavailable", err)
	}
	if created {
		payload := transcribeTaskPayload{
			TranscriptionID: tr.ID,
			AudioURL:        file.URL,
			Language:        project.Preset.Language,
		}
		err := w.retried(ctx, project.ID, "transcribe enqueue", func() error {
			_, eerr := w.queues.Enqueue(ctx, QueueTranscribe, TaskTypeTranscribe, tr.ID, payload)
			return eerr
		})
		if err != nil {
			return nil, w.abort(ctx, project.ID, "Queue unavailable", err)
		}
		log.Printf("Caption project %s enqueued transcription %s for file %s", project.ID, tr.ID, file.ID)
	} else {
		log.Printf("Caption project %s reusing transcription %s for file %s", project.ID, tr.ID, file.ID)
	}

	_, err = w.updateProject(ctx, project.ID, "transcription link",
		[]model.CaptionStatus{model.CaptionStatusTranscribing},
		func(p *model.CaptionProject) error {
			p.TranscriptionID = tr.ID
			return nil
		})
	if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
		return nil, w.abort(ctx, project.ID, "Storage unavailable", err)
	}
	return tr, nil
}

func (w *CaptionWorker) waitForTranscription(ctx context.Context, projectID, transcriptionID string) (*model.Transcription, error) {
	deadline := w.clk.Now().Add(w.transcribeCap)

	for {
		if err := w.clk.Sleep(ctx, w.pollInterval); err != nil {
			return nil, err
		}
		if w.clk.Now().After(deadline) {
			w.fail(ctx, projectID, fmt.Sprintf("Transcription timed out after %s", w.transcribeCap))
			return nil, fmt.Errorf("caption %s: transcription timed out: %w", projectID, asynq.SkipRetry)
		}

		project, err := w.store.GetCaption(ctx, projectID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil
			}
			// ride out store trouble inside the loop; the deadline above
			// bounds it
			log.Printf("Caption project %s read error while transcribing: %v", projectID, err)
			continue
		}
		if project.Status.IsTerminal() {
			log.Printf("Caption project %s reached %s while transcribing, stopping", projectID, project.Status)
			return nil, nil
		}

		tr, err := w.store.GetTranscription(ctx, transcriptionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				w.fail(ctx, projectID, "Transcription disappeared")
				return nil, fmt.Errorf("caption %s: transcription %s gone: %w", projectID, transcriptionID, asynq.SkipRetry)
			}
			log.Printf("Caption project %s transcription read error: %v", projectID, err)
			continue
		}

		switch tr.Status {
		case model.TranscriptionStatusCompleted:
			w.advance(ctx, projectID, captionProgressTranscribeMax)
			return tr, nil
		case model.TranscriptionStatusFailed:
			msg := "Transcription failed"
			if tr.Error != nil {
				msg = fmt.Sprintf("Transcription failed: %s", *tr.Error)
			}
			w.fail(ctx, projectID, msg)
			return nil, fmt.Errorf("caption %s: %s: %w", projectID, msg, asynq.SkipRetry)
		}
	}
}

// generate composes the render spec from the finished transcription and
// persists it on the project.
func (w *CaptionWorker) generate(ctx context.Context, project *model.CaptionProject, tr *model.Transcription) (*model.CaptionProject, error) {
	projectID := project.ID
	project, err := w.updateProject(ctx, projectID, "generate claim",
		[]model.CaptionStatus{model.CaptionStatusTranscribing, model.CaptionStatusGenerating},
		func(p *model.CaptionProject) error {
			p.Status = model.CaptionStatusGenerating
			return nil
		})
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, w.abort(ctx, projectID, "Storage unavailable", err)
	}
	w.broadcast(project)

	file, err := w.getFile(ctx, projectID, project.FileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.fail(ctx, projectID, "Source file disappeared")
			return nil, fmt.Errorf("caption %s: file %s gone: %w", projectID, project.FileID, asynq.SkipRetry)
		}
		return nil, w.abort(ctx, projectID, "Storage unavailable", err)
	}

	spec, err := compose.Generate(tr, project.Preset, file.Meta)
	if err != nil {
		w.fail(ctx, projectID, fmt.Sprintf("Spec generation failed: %v", err))
		return nil, fmt.Errorf("caption %s: generate: %v: %w", projectID, err, asynq.SkipRetry)
	}
	spec, err = compose.WithSource(spec, file.URL)
	if err != nil {
		w.fail(ctx, projectID, fmt.Sprintf("Spec generation failed: %v", err))
		return nil, fmt.Errorf("caption %s: source binding: %v: %w", projectID, err, asynq.SkipRetry)
	}

	project, err = w.updateProject(ctx, projectID, "spec persist",
		[]model.CaptionStatus{model.CaptionStatusGenerating},
		func(p *model.CaptionProject) error {
			p.Spec = spec
			p.Progress = captionProgressGenerateMax
			return nil
		})
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, w.abort(ctx, projectID, "Storage unavailable", err)
	}
	w.broadcast(project)
	return project, nil
}

// render creates the backing render job, hands it to the render queue and
// mirrors its outcome onto the project.
func (w *CaptionWorker) render(ctx context.Context, project *model.CaptionProject) error {
	if project == nil {
		return nil
	}

	projectID := project.ID
	jobID := project.RenderJobID
	if jobID == "" {
		job := &model.RenderJob{
			ID:        uuid.NewString(),
			OwnerID:   project.OwnerID,
			Kind:      model.RenderKindCaption,
			CaptionID: projectID,
			Spec:      project.Spec,
			Status:    model.RenderStatusPending,
			CreatedAt: w.clk.Now(),
		}
		err := w.retried(ctx, projectID, "render job save", func() error {
			return w.store.SaveRender(ctx, job)
		})
		if err != nil {
			return w.abort(ctx, projectID, "Storage unavailable", err)
		}

		// a concurrent run may have linked a job already; keep the first
		// link and let the losing record expire unreferenced
		updated, err := w.updateProject(ctx, projectID, "render link",
			[]model.CaptionStatus{model.CaptionStatusGenerating, model.CaptionStatusRendering},
			func(p *model.CaptionProject) error {
				if p.RenderJobID == "" {
					p.RenderJobID = job.ID
				}
				p.Status = model.CaptionStatusRendering
				return nil
			})
		if err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return w.abort(ctx, projectID, "Storage unavailable", err)
		}
		project = updated
		jobID = updated.RenderJobID

		if jobID == job.ID {
			err := w.retried(ctx, projectID, "render enqueue", func() error {
				_, eerr := w.queues.Enqueue(ctx, QueueRender, TaskTypeRender, job.ID, json.RawMessage("{}"))
				return eerr
			})
			if err != nil {
				return w.abort(ctx, projectID, "Queue unavailable", err)
			}
			log.Printf("Caption project %s enqueued render job %s", projectID, job.ID)
		}
		w.broadcast(project)
	}

	return w.waitForRender(ctx, projectID, jobID)
}

func (w *CaptionWorker) waitForRender(ctx context.Context, projectID, jobID string) error {
	deadline := w.clk.Now().Add(w.renderCap)

	for {
		if err := w.clk.Sleep(ctx, w.pollInterval); err != nil {
			return err
		}
		if w.clk.Now().After(deadline) {
			w.fail(ctx, projectID, fmt.Sprintf("Render timed out after %s", w.renderCap))
			return fmt.Errorf("caption %s: render timed out: %w", projectID, asynq.SkipRetry)
		}

		project, err := w.store.GetCaption(ctx, projectID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			log.Printf("Caption project %s read error while rendering: %v", projectID, err)
			continue
		}
		if project.Status.IsTerminal() {
			return nil
		}

		job, err := w.store.GetRender(ctx, jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				w.fail(ctx, projectID, "Render job disappeared")
				return fmt.Errorf("caption %s: render job %s gone: %w", projectID, jobID, asynq.SkipRetry)
			}
			log.Printf("Caption project %s render job read error: %v", projectID, err)
			continue
		}

		switch job.Status {
		case model.RenderStatusCompleted:
			return w.complete(ctx, projectID, job)
		case model.RenderStatusFailed, model.RenderStatusCancelled:
			msg := fmt.Sprintf("Render %s", job.Status)
			if job.Error != nil {
				msg = fmt.Sprintf("Render failed: %s", *job.Error)
			}
			w.fail(ctx, projectID, msg)
			return fmt.Errorf("caption %s: %s: %w", projectID, msg, asynq.SkipRetry)
		}

		// map the render job's 0-100 onto the 50-95 band
		pct := captionProgressGenerateMax + job.Progress*(captionProgressRenderMax-captionProgressGenerateMax)/100
		w.advance(ctx, projectID, pct)
	}
}

func (w *CaptionWorker) complete(ctx context.Context, projectID string, job *model.RenderJob) error {
	now := w.clk.Now()
	project, err := w.updateProject(ctx, projectID, "complete",
		[]model.CaptionStatus{model.CaptionStatusRendering},
		func(p *model.CaptionProject) error {
			p.Status = model.CaptionStatusCompleted
			p.Progress = 100
			p.OutputURL = job.OutputURL
			p.ThumbnailURL = job.ThumbnailURL
			p.CompletedAt = &now
			return nil
		})
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return w.abort(ctx, projectID, "Storage unavailable", err)
	}

	log.Printf("Caption project %s completed", projectID)
	w.notify(ctx, project)
	if w.hub != nil {
		w.hub.BroadcastComplete(project.ID, model.CaptionStatusResponse{
			ProjectID:    project.ID,
			Status:       project.Status,
			Progress:     project.Progress,
			OutputURL:    project.OutputURL,
			ThumbnailURL: project.ThumbnailURL,
			CreatedAt:    project.CreatedAt,
			CompletedAt:  project.CompletedAt,
		})
	}
	return nil
}

func (w *CaptionWorker) notify(ctx context.Context, project *model.CaptionProject) {
	if project.WebhookID == "" {
		return
	}
	payload := webhookTaskPayload{
		WebhookID: project.WebhookID,
		Event:     "caption.completed",
		Status:    string(project.Status),
		OutputURL: project.OutputURL,
	}
	if _, err := w.queues.Enqueue(ctx, QueueWebhook, TaskTypeWebhook, project.ID, payload); err != nil {
		log.Printf("Failed to enqueue webhook for project %s: %v", project.ID, err)
	}
}

// reenter resumes a crashed run from the stage recorded on the project.
func (w *CaptionWorker) reenter(ctx context.Context, projectID string) (*model.Transcription, error) {
	project, err := w.getProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, w.abort(ctx, projectID, "Storage unavailable", err)
	}
	switch project.Status {
	case model.CaptionStatusGenerating:
		if project.TranscriptionID == "" {
			w.fail(ctx, projectID, "Project in generating state without a transcription")
			return nil, fmt.Errorf("caption %s: inconsistent state: %w", projectID, asynq.SkipRetry)
		}
		var tr *model.Transcription
		err := w.retried(ctx, projectID, "transcription read", func() error {
			var gerr error
			tr, gerr = w.store.GetTranscription(ctx, project.TranscriptionID)
			if errors.Is(gerr, store.ErrNotFound) {
				return retry.Permanent(gerr)
			}
			return gerr
		})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				w.fail(ctx, projectID, "Transcription disappeared")
				return nil, fmt.Errorf("caption %s: transcription %s gone: %w", projectID, project.TranscriptionID, asynq.SkipRetry)
			}
			return nil, w.abort(ctx, projectID, "Storage unavailable", err)
		}
		return tr, nil
	case model.CaptionStatusRendering:
		if project.RenderJobID != "" {
			return nil, w.waitForRender(ctx, projectID, project.RenderJobID)
		}
		return nil, nil
	default:
		return nil, nil
	}
}

func (w *CaptionWorker) advance(ctx context.Context, projectID string, progress int) {
	project, err := w.store.UpdateCaptionIf(ctx, projectID,
		[]model.CaptionStatus{model.CaptionStatusTranscribing, model.CaptionStatusGenerating, model.CaptionStatusRendering},
		func(p *model.CaptionProject) error {
			if progress > p.Progress {
				p.Progress = progress
			}
			return nil
		})
	if err == nil {
		w.broadcast(project)
	}
}

func (w *CaptionWorker) broadcast(project *model.CaptionProject) {
	if w.hub == nil || project == nil {
		return
	}
	w.hub.BroadcastProgress(project.ID, project.Progress, string(project.Status), string(project.Status))
}

func (w *CaptionWorker) fail(ctx context.Context, projectID, msg string) {
	now := w.clk.Now()
	_, err := w.store.UpdateCaptionIf(ctx, projectID,
		[]model.CaptionStatus{
			model.CaptionStatusPending,
			model.CaptionStatusTranscribing,
			model.CaptionStatusGenerating,
			model.CaptionStatusRendering,
		},
		func(p *model.CaptionProject) error {
			p.Status = model.CaptionStatusFailed
			p.Error = &msg
			p.CompletedAt = &now
			return nil
		})
	if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
		log.Printf("Failed to mark caption project %s as failed: %v", projectID, err)
	}
	if w.hub != nil {
		w.hub.BroadcastError(projectID, "CAPTION_FAILED", msg)
	}
}

// abort writes a terminal failed status before surfacing err. Without it an
// error return would strand the project in a non-terminal status forever,
// since the caption queue never redelivers.
func (w *CaptionWorker) abort(ctx context.Context, projectID, msg string, err error) error {
	w.fail(ctx, projectID, msg)
	return fmt.Errorf("caption %s: %s: %v: %w", projectID, msg, err, asynq.SkipRetry)
}

// retried gives one-shot store and broker calls a short in-worker retry
// budget; this queue has no broker retries to fall back on.
func (w *CaptionWorker) retried(ctx context.Context, projectID, op string, fn func() error) error {
	return retry.Do(ctx, w.clk, retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		OnRetry: func(attempt int, err error) {
			log.Printf("Caption project %s %s attempt %d failed: %v", projectID, op, attempt, err)
		},
	}, fn)
}

func (w *CaptionWorker) getProject(ctx context.Context, projectID string) (*model.CaptionProject, error) {
	var project *model.CaptionProject
	err := w.retried(ctx, projectID, "read", func() error {
		var gerr error
		project, gerr = w.store.GetCaption(ctx, projectID)
		if errors.Is(gerr, store.ErrNotFound) {
			return retry.Permanent(gerr)
		}
		return gerr
	})
	return project, err
}

func (w *CaptionWorker) getFile(ctx context.Context, projectID, fileID string) (*model.MediaFile, error) {
	var file *model.MediaFile
	err := w.retried(ctx, projectID, "file read", func() error {
		var gerr error
		file, gerr = w.store.GetFile(ctx, fileID)
		if errors.Is(gerr, store.ErrNotFound) {
			return retry.Permanent(gerr)
		}
		return gerr
	})
	return file, err
}

func (w *CaptionWorker) updateProject(ctx context.Context, projectID, op string, from []model.CaptionStatus, mutate func(*model.CaptionProject) error) (*model.CaptionProject, error) {
	var project *model.CaptionProject
	err := w.retried(ctx, projectID, op, func() error {
		var uerr error
		project, uerr = w.store.UpdateCaptionIf(ctx, projectID, from, mutate)
		if errors.Is(uerr, store.ErrConflict) || errors.Is(uerr, store.ErrNotFound) {
			return retry.Permanent(uerr)
		}
		return uerr
	})
	return project, err
}
