// Package store persists pipeline records. It is the single source of
// truth and the only cross-worker coordination point: exclusive claims are
// taken by conditional status updates, never by in-memory locks.
package store

import (
	"context"
	"errors"

	"github.com/clipforge/api/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist. Workers treat
	// it as a benign skip, not a failure.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update loses its status
	// gate. The loser of a claim race skips; it is not an error.
	ErrConflict = errors.New("status conflict")
)

// Store is the persistence contract consumed by services and workers.
type Store interface {
	SaveRender(ctx context.Context, job *model.RenderJob) error
	GetRender(ctx context.Context, id string) (*model.RenderJob, error)
	// UpdateRenderIf atomically applies mutate while the job's status is one
	// of from. It returns the updated record, ErrConflict when the status
	// gate fails, or ErrNotFound.
	UpdateRenderIf(ctx context.Context, id string, from []model.RenderStatus, mutate func(*model.RenderJob) error) (*model.RenderJob, error)

	SaveCaption(ctx context.Context, p *model.CaptionProject) error
	GetCaption(ctx context.Context, id string) (*model.CaptionProject, error)
	UpdateCaptionIf(ctx context.Context, id string, from []model.CaptionStatus, mutate func(*model.CaptionProject) error) (*model.CaptionProject, error)

	SaveTranscription(ctx context.Context, t *model.Transcription) error
	GetTranscription(ctx context.Context, id string) (*model.Transcription, error)
	// BindTranscription binds fileID to t unless another transcription
	// already owns the file, in which case the existing one is returned.
	// created reports whether t won the binding.
	BindTranscription(ctx context.Context, fileID string, t *model.Transcription) (existing *model.Transcription, created bool, err error)

	SaveFile(ctx context.Context, f *model.MediaFile) error
	GetFile(ctx context.Context, id string) (*model.MediaFile, error)

	SaveWebhook(ctx context.Context, w *model.WebhookConfig) error
	GetWebhook(ctx context.Context, id string) (*model.WebhookConfig, error)
	// UpdateWebhook atomically applies mutate to the config. Concurrent
	// deliveries bump the counters through here so no increment is lost.
	UpdateWebhook(ctx context.Context, id string, mutate func(*model.WebhookConfig) error) (*model.WebhookConfig, error)
	SaveWebhookLog(ctx context.Context, l *model.WebhookLog) error
}
