package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clipforge/api/internal/shutdown"
)

const (
	retryBaseDelay = 5 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

// Runtime turns queues and processing functions into supervised consumers.
type Runtime struct {
	redisOpt asynq.RedisClientOpt
	limiter  *LogLimiter
	coord    *shutdown.Coordinator
}

// NewRuntime creates a worker runtime over an injected broker connection.
func NewRuntime(redisOpt asynq.RedisClientOpt, limiter *LogLimiter, coord *shutdown.Coordinator) *Runtime {
	return &Runtime{
		redisOpt: redisOpt,
		limiter:  limiter,
		coord:    coord,
	}
}

// Worker is one supervised consumer bound to a queue.
type Worker struct {
	Name string

	srv *asynq.Server
	mux *asynq.ServeMux
}

// NewWorker builds a consumer for q with a bounded concurrency ceiling.
// handlers maps task type to processor. The worker registers itself with
// the shutdown coordinator; construction fails once shutdown has begun.
func (rt *Runtime) NewWorker(name string, q *Queue, concurrency int, handlers map[string]asynq.HandlerFunc) (*Worker, error) {
	if rt.coord.ShuttingDown() {
		return nil, shutdown.ErrShuttingDown
	}

	srv := asynq.NewServer(rt.redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{q.Name: q.Opts.Priority},
		IsFailure: func(err error) bool {
			// connection trouble is retried but is not a functional failure
			return !IsTransient(err)
		},
		RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
			return backoffDelay(n)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			rt.logTaskError(name, t, err)
		}),
		Logger:   limitedLogger{limiter: rt.limiter, name: name},
		LogLevel: asynq.WarnLevel,
	})

	mux := asynq.NewServeMux()
	for taskType, h := range handlers {
		mux.HandleFunc(taskType, rt.timed(name, taskType, h))
	}

	w := &Worker{Name: name, srv: srv, mux: mux}
	if err := rt.coord.Register("worker:"+name, func(ctx context.Context) error {
		srv.Shutdown()
		return nil
	}); err != nil {
		return nil, err
	}
	return w, nil
}

// Start begins consuming. Non-blocking; the server runs until Shutdown.
func (w *Worker) Start() error {
	if err := w.srv.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start worker %s: %w", w.Name, err)
	}
	return nil
}

// Shutdown drains in-flight jobs and stops the consumer.
func (w *Worker) Shutdown() {
	w.srv.Shutdown()
}

// timed wraps a processor with duration logging.
func (rt *Runtime) timed(worker, taskType string, h asynq.HandlerFunc) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		err := h(ctx, t)
		elapsed := time.Since(start).Round(time.Millisecond)
		if err == nil {
			log.Printf("[%s] %s done in %s", worker, taskType, elapsed)
		}
		return err
	}
}

// logTaskError classifies the failure and logs it at most once per error
// class per limiter window.
func (rt *Runtime) logTaskError(worker string, t *asynq.Task, err error) {
	if IsTransient(err) {
		rt.limiter.Printf(worker+":transient", "[%s] %s transient error: %v", worker, t.Type(), err)
		return
	}
	if errors.Is(err, asynq.SkipRetry) {
		rt.limiter.Printf(worker+":"+t.Type()+":fatal", "[%s] %s failed permanently: %v", worker, t.Type(), err)
		return
	}
	rt.limiter.Printf(worker+":"+t.Type(), "[%s] %s failed: %v", worker, t.Type(), err)
}

// backoffDelay is the broker-level schedule: base * 2^n, capped.
func backoffDelay(n int) time.Duration {
	d := time.Duration(float64(retryBaseDelay) * math.Pow(2, float64(n)))
	if d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}

// limitedLogger adapts the limiter to asynq's internal logger so stalled
// lease and broker warnings are de-duplicated too.
type limitedLogger struct {
	limiter *LogLimiter
	name    string
}

func (l limitedLogger) Debug(args ...interface{}) {}
func (l limitedLogger) Info(args ...interface{})  {}
func (l limitedLogger) Warn(args ...interface{}) {
	l.limiter.Printf(l.name+":asynq:warn", "[%s] asynq: %s", l.name, fmt.Sprint(args...))
}
func (l limitedLogger) Error(args ...interface{}) {
	l.limiter.Printf(l.name+":asynq:error", "[%s] asynq: %s", l.name, fmt.Sprint(args...))
}
func (l limitedLogger) Fatal(args ...interface{}) {
	log.Printf("[%s] asynq fatal: %s", l.name, fmt.Sprint(args...))
}
