// Package queue wraps asynq with a named-queue registry and a supervised
// worker runtime. One redis connection is shared by every queue and worker
// in the process; both are constructed explicitly at bootstrap and refuse
// new work once shutdown begins.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

// ErrRegistryClosed is returned for any enqueue or queue creation after
// shutdown has begun.
var ErrRegistryClosed = errors.New("queue registry is closed")

// Options are the per-queue defaults applied to every job enqueued on it.
type Options struct {
	// MaxRetry is the broker-level retry budget. Zero means the job is
	// attempted exactly once per enqueue.
	MaxRetry int
	// Retention keeps completed jobs around for observability. Zero removes
	// them on completion.
	Retention time.Duration
	// Timeout bounds one processing attempt.
	Timeout time.Duration
	// Priority is the queue weight used by consuming workers.
	Priority int
}

// DefaultOptions: three attempts with the broker's exponential backoff,
// completed jobs retained an hour for inspection.
func DefaultOptions() Options {
	return Options{
		MaxRetry:  3,
		Retention: time.Hour,
		Timeout:   10 * time.Minute,
		Priority:  1,
	}
}

// Queue is a named durable queue handle.
type Queue struct {
	Name string
	Opts Options
}

// Enqueuer is the subset of asynq.Client the registry needs; tests swap in
// a fake.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Registry lazily creates and holds named queues over a shared broker
// client.
type Registry struct {
	client  Enqueuer
	limiter *LogLimiter

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

// NewRegistry creates a registry over an injected broker client.
func NewRegistry(client Enqueuer, limiter *LogLimiter) *Registry {
	return &Registry{
		client:  client,
		limiter: limiter,
		queues:  make(map[string]*Queue),
	}
}

// GetOrCreate returns the queue named name, creating it with opts on first
// use. Options of an existing queue are not changed.
func (r *Registry) GetOrCreate(name string, opts Options) (*Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if q, ok := r.queues[name]; ok {
		return q, nil
	}

	q := &Queue{Name: name, Opts: opts}
	r.queues[name] = q
	return q, nil
}

// List returns the names of all created queues, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Envelope is the wire shape of every job payload.
type Envelope struct {
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseEnvelope decodes a task payload.
func ParseEnvelope(t *asynq.Task) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(t.Payload(), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task envelope: %w", err)
	}
	return &env, nil
}

// Enqueue puts a job on a created queue, applying the queue's default
// options plus any per-job overrides. Returns the broker job id.
func (r *Registry) Enqueue(ctx context.Context, queueName, taskType, jobID string, payload interface{}, extra ...asynq.Option) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRegistryClosed
	}
	q, ok := r.queues[queueName]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("queue %q has not been created", queueName)
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}
	data, err := json.Marshal(Envelope{JobID: jobID, Payload: raw})
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(q.Name),
		asynq.MaxRetry(q.Opts.MaxRetry),
		asynq.Timeout(q.Opts.Timeout),
	}
	if q.Opts.Retention > 0 {
		opts = append(opts, asynq.Retention(q.Opts.Retention))
	}
	opts = append(opts, extra...)

	info, err := r.client.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s on %s: %w", taskType, q.Name, err)
	}
	return info.ID, nil
}

// Close marks the registry closed, silences queue error logging and closes
// the broker client. Idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.queues = make(map[string]*Queue)
	r.mu.Unlock()

	if r.limiter != nil {
		r.limiter.Silence()
	}
	return r.client.Close()
}
