package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShutdown_RunsHandlersLIFO(t *testing.T) {
	c := NewCoordinator(time.Second)
	var order []string

	for _, name := range []string{"queue", "worker-a", "worker-b"} {
		name := name
		if err := c.Register(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}); err != nil {
			t.Fatalf("register %s failed: %v", name, err)
		}
	}

	c.Shutdown()

	want := []string{"worker-b", "worker-a", "queue"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestShutdown_ContinuesPastFailingHandler(t *testing.T) {
	c := NewCoordinator(time.Second)
	ran := false

	if err := c.Register("first", func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Register("failing", func(ctx context.Context) error {
		return errors.New("cleanup failed")
	}); err != nil {
		t.Fatal(err)
	}

	c.Shutdown()
	if !ran {
		t.Error("handler after a failing one did not run")
	}
}

func TestShutdown_ForceContinuesPastHangingHandler(t *testing.T) {
	c := NewCoordinator(50 * time.Millisecond)
	ran := false

	if err := c.Register("first", func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Register("hanging", func(ctx context.Context) error {
		select {} // never returns
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		c.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hung on an unresponsive handler")
	}
	if !ran {
		t.Error("handler after the hanging one did not run")
	}
}

func TestShutdown_IsIdempotent(t *testing.T) {
	c := NewCoordinator(time.Second)
	calls := 0

	if err := c.Register("once", func(ctx context.Context) error {
		calls++
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	c.Shutdown()
	c.Shutdown()
	if calls != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls)
	}

	select {
	case <-c.Done():
	default:
		t.Error("Done channel should be closed after shutdown")
	}
}

func TestShutdown_RejectsLateRegistration(t *testing.T) {
	c := NewCoordinator(time.Second)
	c.Shutdown()

	err := c.Register("late", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
	if !c.ShuttingDown() {
		t.Error("ShuttingDown should report true")
	}
}
