package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/clock"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/queue"
	"github.com/clipforge/api/internal/retry"
	"github.com/clipforge/api/internal/store"
)

// FileWorker prepares media files for the pipelines: imports remote
// sources into storage and probes files for metadata.
type FileWorker struct {
	store  store.Store
	prober client.MediaProber
	queues *queue.Registry
	clk    clock.Clock
}

// NewFileWorker creates a new file worker
func NewFileWorker(st store.Store, prober client.MediaProber, queues *queue.Registry, clk clock.Clock) *FileWorker {
	return &FileWorker{store: st, prober: prober, queues: queues, clk: clk}
}

// ProcessProbe extracts metadata for one file and marks it ready.
func (w *FileWorker) ProcessProbe(ctx context.Context, t *asynq.Task) error {
	env, err := queue.ParseEnvelope(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	file, err := w.store.GetFile(ctx, env.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("File %s not found, skipping probe", env.JobID)
			return nil
		}
		return queue.MarkTransient(err)
	}
	if file.Status.IsTerminal() {
		log.Printf("File %s already %s, skipping probe", file.ID, file.Status)
		return nil
	}

	file.Status = model.FileStatusProbing
	if err := w.store.SaveFile(ctx, file); err != nil {
		return queue.MarkTransient(err)
	}

	var result *client.ProbeResult
	err = retry.Do(ctx, w.clk, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		OnRetry: func(attempt int, err error) {
			log.Printf("File %s probe attempt %d failed: %v", file.ID, attempt, err)
		},
	}, func() error {
		var probeErr error
		result, probeErr = w.prober.Probe(ctx, file.URL)
		return probeErr
	})
	if err != nil {
		w.fail(ctx, file.ID, fmt.Sprintf("Probe failed: %v", err))
		return err
	}

	now := w.clk.Now()
	file.Status = model.FileStatusReady
	file.Meta = &model.VideoMeta{
		DurationSeconds: result.DurationSeconds,
		Width:           result.Width,
		Height:          result.Height,
		FPS:             result.FPS,
		Codec:           result.Codec,
		HasAudio:        result.HasAudio,
	}
	file.FinishedAt = &now
	if err := w.store.SaveFile(ctx, file); err != nil {
		return queue.MarkTransient(err)
	}

	log.Printf("File %s ready (%.1fs, %dx%d)", file.ID, result.DurationSeconds, result.Width, result.Height)
	return nil
}

// ProcessImport pulls a remote source into storage, then chains a probe.
func (w *FileWorker) ProcessImport(ctx context.Context, t *asynq.Task) error {
	env, err := queue.ParseEnvelope(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	file, err := w.store.GetFile(ctx, env.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("File %s not found, skipping import", env.JobID)
			return nil
		}
		return queue.MarkTransient(err)
	}
	if file.Status.IsTerminal() {
		log.Printf("File %s already %s, skipping import", file.ID, file.Status)
		return nil
	}
	if file.SourceURL == "" {
		w.fail(ctx, file.ID, "Import requested without a source URL")
		return fmt.Errorf("file %s has no source URL: %w", file.ID, asynq.SkipRetry)
	}

	// idempotent redelivery: an earlier run may have imported already
	if file.URL == "" {
		file.Status = model.FileStatusImporting
		if err := w.store.SaveFile(ctx, file); err != nil {
			return queue.MarkTransient(err)
		}

		var result *client.ImportResult
		err = retry.Do(ctx, w.clk, retry.Config{
			MaxAttempts:  3,
			InitialDelay: 5 * time.Second,
			MaxDelay:     60 * time.Second,
			OnRetry: func(attempt int, err error) {
				log.Printf("File %s import attempt %d failed: %v", file.ID, attempt, err)
			},
		}, func() error {
			var importErr error
			result, importErr = w.prober.Import(ctx, file.SourceURL, fmt.Sprintf("uploads/%s", file.ID))
			return importErr
		})
		if err != nil {
			w.fail(ctx, file.ID, fmt.Sprintf("Import failed: %v", err))
			return err
		}

		file.URL = result.URL
		if err := w.store.SaveFile(ctx, file); err != nil {
			return queue.MarkTransient(err)
		}
		log.Printf("File %s imported from %s (%d bytes)", file.ID, file.SourceURL, result.SizeBytes)
	}

	if _, err := w.queues.Enqueue(ctx, QueueFile, TaskTypeProbe, file.ID, nil); err != nil {
		return queue.MarkTransient(fmt.Errorf("failed to enqueue probe for file %s: %w", file.ID, err))
	}
	return nil
}

func (w *FileWorker) fail(ctx context.Context, fileID, msg string) {
	file, err := w.store.GetFile(ctx, fileID)
	if err != nil {
		return
	}
	now := w.clk.Now()
	file.Status = model.FileStatusFailed
	file.Error = &msg
	file.FinishedAt = &now
	if err := w.store.SaveFile(ctx, file); err != nil {
		log.Printf("Failed to mark file %s as failed: %v", fileID, err)
	}
}
