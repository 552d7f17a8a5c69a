// Package worker contains the queue consumers driving the production
// pipeline: single-stage workers, the resumable render poller and the
// caption saga.
package worker

import (
	"time"

	"github.com/clipforge/api/internal/queue"
)

// Queue names
const (
	QueueRender     = "render"
	QueueTranscribe = "transcribe"
	QueueCaption    = "caption"
	QueueWebhook    = "webhook"
	QueueFile       = "file"
)

// Task types
const (
	TaskTypeRender     = "render:job"
	TaskTypeTranscribe = "transcribe:file"
	TaskTypeCaption    = "caption:produce"
	TaskTypeWebhook    = "webhook:deliver"
	TaskTypeProbe      = "file:probe"
	TaskTypeImport     = "file:import"
)

// Queues creates every pipeline queue on the registry with its policy.
func Queues(reg *queue.Registry) (map[string]*queue.Queue, error) {
	queues := make(map[string]*queue.Queue)

	renderOpts := queue.DefaultOptions()
	// render payloads are large; keep fewer completed jobs around
	renderOpts.Retention = 10 * time.Minute
	renderOpts.Timeout = 25 * time.Minute
	renderOpts.Priority = 2

	captionOpts := queue.DefaultOptions()
	// the saga retries its stages itself; broker redelivery would restart
	// the whole pipeline
	captionOpts.MaxRetry = 0
	captionOpts.Retention = 0
	captionOpts.Timeout = 40 * time.Minute

	webhookOpts := queue.DefaultOptions()
	// delivery is attempted exactly once per enqueue; repeats must come
	// from the caller, not the broker, or the receiver sees duplicates
	webhookOpts.MaxRetry = 0
	webhookOpts.Timeout = 10 * time.Minute

	transcribeOpts := queue.DefaultOptions()
	transcribeOpts.Timeout = 15 * time.Minute

	for name, opts := range map[string]queue.Options{
		QueueRender:     renderOpts,
		QueueTranscribe: transcribeOpts,
		QueueCaption:    captionOpts,
		QueueWebhook:    webhookOpts,
		QueueFile:       queue.DefaultOptions(),
	} {
		q, err := reg.GetOrCreate(name, opts)
		if err != nil {
			return nil, err
		}
		queues[name] = q
	}
	return queues, nil
}
