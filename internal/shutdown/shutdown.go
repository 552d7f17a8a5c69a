// Package shutdown drains workers and queues on process termination.
package shutdown

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrShuttingDown is returned when a component tries to register after
// shutdown has begun.
var ErrShuttingDown = errors.New("shutdown in progress")

// Handler is one named cleanup step.
type Handler struct {
	Name    string
	Cleanup func(ctx context.Context) error
}

// Coordinator runs registered cleanup handlers on shutdown. Handlers run
// LIFO with a per-handler timeout; a slow or failing handler is logged and
// skipped past, never allowed to hang the process. Shutdown is idempotent.
type Coordinator struct {
	perHandlerTimeout time.Duration

	mu       sync.Mutex
	handlers []Handler
	begun    bool

	once sync.Once
	done chan struct{}
}

// NewCoordinator creates a coordinator with the given per-handler timeout.
func NewCoordinator(perHandlerTimeout time.Duration) *Coordinator {
	if perHandlerTimeout == 0 {
		perHandlerTimeout = 10 * time.Second
	}
	return &Coordinator{
		perHandlerTimeout: perHandlerTimeout,
		done:              make(chan struct{}),
	}
}

// Register adds a cleanup handler. Fails once shutdown has begun so no
// worker or queue can be constructed mid-teardown.
func (c *Coordinator) Register(name string, cleanup func(ctx context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.begun {
		return ErrShuttingDown
	}
	c.handlers = append(c.handlers, Handler{Name: name, Cleanup: cleanup})
	return nil
}

// ShuttingDown reports whether shutdown has begun.
func (c *Coordinator) ShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.begun
}

// Shutdown runs all handlers in reverse registration order (workers before
// the queues they consume). Every step is best-effort: failures are logged,
// never propagated.
func (c *Coordinator) Shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		c.begun = true
		handlers := make([]Handler, len(c.handlers))
		copy(handlers, c.handlers)
		c.handlers = nil
		c.mu.Unlock()

		log.Printf("Shutting down: %d handlers", len(handlers))

		for i := len(handlers) - 1; i >= 0; i-- {
			c.runOne(handlers[i])
		}

		close(c.done)
		log.Printf("Shutdown complete")
	})
}

func (c *Coordinator) runOne(h Handler) {
	ctx, cancel := context.WithTimeout(context.Background(), c.perHandlerTimeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Cleanup(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Printf("Shutdown handler %s failed after %s: %v", h.Name, time.Since(start).Round(time.Millisecond), err)
		}
	case <-ctx.Done():
		// force-continue past an unresponsive handler
		log.Printf("Shutdown handler %s timed out after %s", h.Name, c.perHandlerTimeout)
	}
}

// Done is closed when shutdown has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
