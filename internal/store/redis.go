package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipforge/api/internal/model"
)

const (
	recordTTL = 7 * 24 * time.Hour

	// optimistic transactions retry a few times before giving up; contention
	// on a single record is rare and short-lived
	txAttempts = 5
)

// RedisStore persists records as JSON blobs keyed by type and id.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a store over a shared redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func renderKey(id string) string        { return "render:" + id }
func captionKey(id string) string       { return "caption:" + id }
func transcriptionKey(id string) string { return "transcription:" + id }
func fileKey(id string) string          { return "file:" + id }
func webhookKey(id string) string       { return "webhook:" + id }
func webhookLogKey(id string) string    { return "webhooklog:" + id }
func byFileKey(fileID string) string    { return "transcription:byfile:" + fileID }

func (s *RedisStore) save(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.rdb.Set(ctx, key, data, recordTTL).Err()
}

func (s *RedisStore) load(ctx context.Context, key string, v interface{}) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// update applies mutate to the record at key inside a WATCH transaction.
// check runs against the freshly loaded record and returns ErrConflict to
// abort without writing.
func (s *RedisStore) update(ctx context.Context, key string, record interface{}, check func() error, mutate func() error) error {
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return ErrNotFound
			}
			return err
		}
		if err := json.Unmarshal(data, record); err != nil {
			return err
		}
		if err := check(); err != nil {
			return err
		}
		if err := mutate(); err != nil {
			return err
		}
		out, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, recordTTL)
			return nil
		})
		return err
	}

	for i := 0; i < txAttempts; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return ErrConflict
}

func (s *RedisStore) SaveRender(ctx context.Context, job *model.RenderJob) error {
	if job.Kind == "" {
		return fmt.Errorf("render job %s has no kind", job.ID)
	}
	return s.save(ctx, renderKey(job.ID), job)
}

func (s *RedisStore) GetRender(ctx context.Context, id string) (*model.RenderJob, error) {
	var job model.RenderJob
	if err := s.load(ctx, renderKey(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *RedisStore) UpdateRenderIf(ctx context.Context, id string, from []model.RenderStatus, mutate func(*model.RenderJob) error) (*model.RenderJob, error) {
	var job model.RenderJob
	check := func() error {
		for _, st := range from {
			if job.Status == st {
				return nil
			}
		}
		return ErrConflict
	}
	err := s.update(ctx, renderKey(id), &job, check, func() error { return mutate(&job) })
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *RedisStore) SaveCaption(ctx context.Context, p *model.CaptionProject) error {
	return s.save(ctx, captionKey(p.ID), p)
}

func (s *RedisStore) GetCaption(ctx context.Context, id string) (*model.CaptionProject, error) {
	var p model.CaptionProject
	if err := s.load(ctx, captionKey(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisStore) UpdateCaptionIf(ctx context.Context, id string, from []model.CaptionStatus, mutate func(*model.CaptionProject) error) (*model.CaptionProject, error) {
	var p model.CaptionProject
	check := func() error {
		for _, st := range from {
			if p.Status == st {
				return nil
			}
		}
		return ErrConflict
	}
	err := s.update(ctx, captionKey(id), &p, check, func() error { return mutate(&p) })
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisStore) SaveTranscription(ctx context.Context, t *model.Transcription) error {
	return s.save(ctx, transcriptionKey(t.ID), t)
}

func (s *RedisStore) GetTranscription(ctx context.Context, id string) (*model.Transcription, error) {
	var t model.Transcription
	if err := s.load(ctx, transcriptionKey(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// BindTranscription uses SETNX on the per-file index so exactly one
// transcription is ever created per source file, however many projects
// reference it concurrently. The record is written before the index so
// the index never points at a record that does not exist; a candidate
// that loses the SETNX race is left behind as an unreferenced record and
// expires with its TTL.
func (s *RedisStore) BindTranscription(ctx context.Context, fileID string, t *model.Transcription) (*model.Transcription, bool, error) {
	if err := s.SaveTranscription(ctx, t); err != nil {
		return nil, false, err
	}

	ok, err := s.rdb.SetNX(ctx, byFileKey(fileID), t.ID, recordTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if ok {
		return t, true, nil
	}

	existingID, err := s.rdb.Get(ctx, byFileKey(fileID)).Result()
	if err != nil {
		return nil, false, err
	}
	existing, err := s.GetTranscription(ctx, existingID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *RedisStore) SaveFile(ctx context.Context, f *model.MediaFile) error {
	return s.save(ctx, fileKey(f.ID), f)
}

func (s *RedisStore) GetFile(ctx context.Context, id string) (*model.MediaFile, error) {
	var f model.MediaFile
	if err := s.load(ctx, fileKey(id), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *RedisStore) SaveWebhook(ctx context.Context, w *model.WebhookConfig) error {
	return s.save(ctx, webhookKey(w.ID), w)
}

func (s *RedisStore) GetWebhook(ctx context.Context, id string) (*model.WebhookConfig, error) {
	var w model.WebhookConfig
	if err := s.load(ctx, webhookKey(id), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *RedisStore) UpdateWebhook(ctx context.Context, id string, mutate func(*model.WebhookConfig) error) (*model.WebhookConfig, error) {
	var w model.WebhookConfig
	err := s.update(ctx, webhookKey(id), &w, func() error { return nil }, func() error { return mutate(&w) })
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *RedisStore) SaveWebhookLog(ctx context.Context, l *model.WebhookLog) error {
	return s.save(ctx, webhookLogKey(l.ID), l)
}
