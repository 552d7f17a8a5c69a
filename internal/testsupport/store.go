package testsupport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/store"
)

// MemStore is an in-memory store.Store with the same conditional-update
// semantics as the redis implementation. Records are deep-copied through
// JSON so tests cannot mutate stored state by accident.
type MemStore struct {
	mu             sync.Mutex
	renders        map[string]*model.RenderJob
	captions       map[string]*model.CaptionProject
	transcriptions map[string]*model.Transcription
	byFile         map[string]string
	files          map[string]*model.MediaFile
	webhooks       map[string]*model.WebhookConfig
	webhookLogs    []*model.WebhookLog
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		renders:        make(map[string]*model.RenderJob),
		captions:       make(map[string]*model.CaptionProject),
		transcriptions: make(map[string]*model.Transcription),
		byFile:         make(map[string]string),
		files:          make(map[string]*model.MediaFile),
		webhooks:       make(map[string]*model.WebhookConfig),
	}
}

func deepCopy[T any](src *T) *T {
	data, err := json.Marshal(src)
	if err != nil {
		panic(err)
	}
	dst := new(T)
	if err := json.Unmarshal(data, dst); err != nil {
		panic(err)
	}
	return dst
}

func (s *MemStore) SaveRender(ctx context.Context, job *model.RenderJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renders[job.ID] = deepCopy(job)
	return nil
}

func (s *MemStore) GetRender(ctx context.Context, id string) (*model.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.renders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return deepCopy(job), nil
}

func (s *MemStore) UpdateRenderIf(ctx context.Context, id string, from []model.RenderStatus, mutate func(*model.RenderJob) error) (*model.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.renders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	allowed := false
	for _, st := range from {
		if job.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, store.ErrConflict
	}
	next := deepCopy(job)
	if err := mutate(next); err != nil {
		return nil, err
	}
	s.renders[id] = next
	return deepCopy(next), nil
}

func (s *MemStore) SaveCaption(ctx context.Context, p *model.CaptionProject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captions[p.ID] = deepCopy(p)
	return nil
}

func (s *MemStore) GetCaption(ctx context.Context, id string) (*model.CaptionProject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.captions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return deepCopy(p), nil
}

func (s *MemStore) UpdateCaptionIf(ctx context.Context, id string, from []model.CaptionStatus, mutate func(*model.CaptionProject) error) (*model.CaptionProject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.captions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	allowed := false
	for _, st := range from {
		if p.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, store.ErrConflict
	}
	next := deepCopy(p)
	if err := mutate(next); err != nil {
		return nil, err
	}
	s.captions[id] = next
	return deepCopy(next), nil
}

func (s *MemStore) SaveTranscription(ctx context.Context, t *model.Transcription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcriptions[t.ID] = deepCopy(t)
	return nil
}

func (s *MemStore) GetTranscription(ctx context.Context, id string) (*model.Transcription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transcriptions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return deepCopy(t), nil
}

func (s *MemStore) BindTranscription(ctx context.Context, fileID string, t *model.Transcription) (*model.Transcription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.byFile[fileID]; ok {
		if existing, ok := s.transcriptions[existingID]; ok {
			return deepCopy(existing), false, nil
		}
	}
	s.byFile[fileID] = t.ID
	s.transcriptions[t.ID] = deepCopy(t)
	return deepCopy(t), true, nil
}

func (s *MemStore) SaveFile(ctx context.Context, f *model.MediaFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ID] = deepCopy(f)
	return nil
}

func (s *MemStore) GetFile(ctx context.Context, id string) (*model.MediaFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return deepCopy(f), nil
}

func (s *MemStore) SaveWebhook(ctx context.Context, w *model.WebhookConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[w.ID] = deepCopy(w)
	return nil
}

func (s *MemStore) GetWebhook(ctx context.Context, id string) (*model.WebhookConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return deepCopy(w), nil
}

func (s *MemStore) UpdateWebhook(ctx context.Context, id string, mutate func(*model.WebhookConfig) error) (*model.WebhookConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	next := deepCopy(w)
	if err := mutate(next); err != nil {
		return nil, err
	}
	s.webhooks[id] = next
	return deepCopy(next), nil
}

func (s *MemStore) SaveWebhookLog(ctx context.Context, l *model.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhookLogs = append(s.webhookLogs, deepCopy(l))
	return nil
}

// WebhookLogs returns the recorded delivery logs.
func (s *MemStore) WebhookLogs() []*model.WebhookLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.WebhookLog, len(s.webhookLogs))
	copy(out, s.webhookLogs)
	return out
}

// FaultStore wraps a store.Store and injects errors into reads. Zero-value
// fields delegate to the inner store unchanged.
type FaultStore struct {
	store.Store

	mu sync.Mutex

	// GetCaptionErrs is consumed one entry per GetCaption call; a nil
	// entry means that call succeeds.
	GetCaptionErrs []error

	// GetFileErr, when set, fails every GetFile call.
	GetFileErr error
}

func (s *FaultStore) GetCaption(ctx context.Context, id string) (*model.CaptionProject, error) {
	s.mu.Lock()
	var err error
	if len(s.GetCaptionErrs) > 0 {
		err = s.GetCaptionErrs[0]
		s.GetCaptionErrs = s.GetCaptionErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.GetCaption(ctx, id)
}

func (s *FaultStore) GetFile(ctx context.Context, id string) (*model.MediaFile, error) {
	s.mu.Lock()
	err := s.GetFileErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.GetFile(ctx, id)
}
