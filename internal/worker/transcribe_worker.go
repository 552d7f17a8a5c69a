package worker

import (
	"context"
	"encoding/json"
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

// transcribeTaskPayload names the transcription record to produce and where
// its source audio lives.
type transcribeTaskPayload struct {
	TranscriptionID string `json:"transcriptionId"`
	AudioURL        string `json:"audioUrl"`
	Language        string `json:"language,omitempty"`
}

// TranscribeWorker runs a single blocking speech-to-text call per task and
// persists the word-level result.
type TranscribeWorker struct {
	store       store.Store
	transcriber client.Transcriber
	clk         clock.Clock
}

// NewTranscribeWorker creates a new transcribe worker
func NewTranscribeWorker(st store.Store, transcriber client.Transcriber, clk clock.Clock) *TranscribeWorker {
	return &TranscribeWorker{store: st, transcriber: transcriber, clk: clk}
}

// ProcessTask transcribes one media file.
func (w *TranscribeWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	env, err := queue.ParseEnvelope(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	var payload transcribeTaskPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("invalid transcribe payload: %v: %w", err, asynq.SkipRetry)
	}

	tr, err := w.store.GetTranscription(ctx, payload.TranscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("Transcription %s not found, skipping", payload.TranscriptionID)
			return nil
		}
		return queue.MarkTransient(err)
	}
	if tr.Status == model.TranscriptionStatusCompleted || tr.Status == model.TranscriptionStatusFailed {
		log.Printf("Transcription %s already %s, skipping", tr.ID, tr.Status)
		return nil
	}

	tr.Status = model.TranscriptionStatusProcessing
	if err := w.store.SaveTranscription(ctx, tr); err != nil {
		return queue.MarkTransient(err)
	}

	var result *client.TranscriptResult
	err = retry.Do(ctx, w.clk, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		OnRetry: func(attempt int, err error) {
			log.Printf("Transcription %s attempt %d failed: %v", tr.ID, attempt, err)
		},
	}, func() error {
		var callErr error
		result, callErr = w.transcriber.Transcribe(ctx, payload.AudioURL, payload.Language)
		return callErr
	})
	if err != nil {
		w.fail(ctx, tr, fmt.Sprintf("Transcription failed: %v", err))
		return err
	}

	now := w.clk.Now()
	tr.Status = model.TranscriptionStatusCompleted
	tr.Words = make([]model.Word, 0, len(result.Words))
	for _, word := range result.Words {
		tr.Words = append(tr.Words, model.Word{
			Text:  word.Text,
			Start: word.Start,
			End:   word.End,
		})
	}
	tr.Duration = result.Duration
	if result.Language != "" {
		tr.Language = result.Language
	}
	tr.CompletedAt = &now
	if err := w.store.SaveTranscription(ctx, tr); err != nil {
		return queue.MarkTransient(err)
	}

	log.Printf("Transcription %s completed with %d words", tr.ID, len(tr.Words))
	return nil
}

func (w *TranscribeWorker) fail(ctx context.Context, tr *model.Transcription, msg string) {
	now := w.clk.Now()
	tr.Status = model.TranscriptionStatusFailed
	tr.Error = &msg
	tr.CompletedAt = &now
	if err := w.store.SaveTranscription(ctx, tr); err != nil {
		log.Printf("Failed to mark transcription %s as failed: %v", tr.ID, err)
	}
}
