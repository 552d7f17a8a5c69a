package testsupport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/model"
)

// FakeRenderProvider scripts the external render service. Progress values
// are returned in order; the last one repeats.
type FakeRenderProvider struct {
	mu         sync.Mutex
	starts     int
	polls      int
	StartErr   error
	StartErrs  []error
	Handle     client.RenderStartResult
	Steps      []client.RenderProgress
	PollErr    error
	PollErrs   map[int]error
}

func (f *FakeRenderProvider) StartRender(ctx context.Context, spec json.RawMessage) (*client.RenderStartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.starts
	f.starts++
	if n < len(f.StartErrs) && f.StartErrs[n] != nil {
		return nil, f.StartErrs[n]
	}
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	h := f.Handle
	if h.RenderID == "" {
		h.RenderID = "render-1"
		h.BucketName = "bucket-1"
	}
	return &h, nil
}

func (f *FakeRenderProvider) GetRenderProgress(ctx context.Context, renderID, bucketName string) (*client.RenderProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.polls
	f.polls++
	if f.PollErr != nil {
		return nil, f.PollErr
	}
	if err, ok := f.PollErrs[n]; ok {
		return nil, err
	}
	if len(f.Steps) == 0 {
		return &client.RenderProgress{}, nil
	}
	if n >= len(f.Steps) {
		n = len(f.Steps) - 1
	}
	step := f.Steps[n]
	return &step, nil
}

// Starts reports how many times StartRender was called.
func (f *FakeRenderProvider) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// FakeTranscriber returns a scripted transcript.
type FakeTranscriber struct {
	mu     sync.Mutex
	calls  int
	Err    error
	Result client.TranscriptResult
}

func (f *FakeTranscriber) Transcribe(ctx context.Context, audioURL, language string) (*client.TranscriptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return nil, f.Err
	}
	r := f.Result
	return &r, nil
}

func (f *FakeTranscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeProber returns fixed metadata and thumbnails.
type FakeProber struct {
	ProbeErr  error
	Meta      client.ProbeResult
	Thumbnail []byte
	Imported  client.ImportResult
}

func (f *FakeProber) Probe(ctx context.Context, url string) (*client.ProbeResult, error) {
	if f.ProbeErr != nil {
		return nil, f.ProbeErr
	}
	m := f.Meta
	return &m, nil
}

func (f *FakeProber) ExtractThumbnail(ctx context.Context, videoURL string, atSeconds float64) ([]byte, string, error) {
	if f.Thumbnail == nil {
		return nil, "", fmt.Errorf("no thumbnail scripted")
	}
	return f.Thumbnail, "image/jpeg", nil
}

func (f *FakeProber) Import(ctx context.Context, sourceURL, destKey string) (*client.ImportResult, error) {
	r := f.Imported
	if r.URL == "" {
		r.URL = "https://cdn.test/" + destKey
	}
	return &r, nil
}

func (f *FakeProber) HealthCheck(ctx context.Context) error { return nil }

// FakeStorage records uploads in memory.
type FakeStorage struct {
	mu      sync.Mutex
	Uploads map[string][]byte
}

func (f *FakeStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Uploads == nil {
		f.Uploads = make(map[string][]byte)
	}
	f.Uploads[key] = data
	return "https://cdn.test/" + key, nil
}

func (f *FakeStorage) Delete(ctx context.Context, key string) error { return nil }

func (f *FakeStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://cdn.test/" + key + "?signed", nil
}

func (f *FakeStorage) GetPublicURL(key string) string { return "https://cdn.test/" + key }

// FakeGate is a quota gate that records commits and optionally denies.
type FakeGate struct {
	mu      sync.Mutex
	Deny    bool
	commits map[model.QuotaKind]int64
}

func (f *FakeGate) CheckAndReserve(ctx context.Context, ownerID string, kind model.QuotaKind, amount int64) (bool, error) {
	return !f.Deny, nil
}

func (f *FakeGate) Commit(ctx context.Context, ownerID string, kind model.QuotaKind, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commits == nil {
		f.commits = make(map[model.QuotaKind]int64)
	}
	f.commits[kind] += amount
	return nil
}

// Committed returns the total committed for kind.
func (f *FakeGate) Committed(kind model.QuotaKind) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits[kind]
}

// FakeEnqueuer captures enqueued tasks instead of talking to redis.
type FakeEnqueuer struct {
	mu    sync.Mutex
	Err   error
	Tasks []*asynq.Task
}

func (f *FakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tasks = append(f.Tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(f.Tasks)), Type: task.Type()}, nil
}

func (f *FakeEnqueuer) Close() error { return nil }

// TaskTypes returns the types of the captured tasks, in order.
func (f *FakeEnqueuer) TaskTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.Tasks))
	for _, t := range f.Tasks {
		types = append(types, t.Type())
	}
	return types
}

// FakeHub records broadcasts.
type FakeHub struct {
	mu       sync.Mutex
	Progress []int
}

func (f *FakeHub) BroadcastProgress(jobID string, progress int, status, stage string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Progress = append(f.Progress, progress)
}

func (f *FakeHub) BroadcastComplete(jobID string, result interface{}) {}

func (f *FakeHub) BroadcastError(jobID, code, message string) {}

// ProgressValues returns the broadcast progress values in order.
func (f *FakeHub) ProgressValues() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.Progress))
	copy(out, f.Progress)
	return out
}
