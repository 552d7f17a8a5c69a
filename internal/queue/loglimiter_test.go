package queue

import (
	"testing"
	"time"

	"github.com/clipforge/api/internal/testsupport"
)

func TestLogLimiter_SuppressesWithinWindow(t *testing.T) {
	clk := testsupport.NewFakeClock()
	l := NewLogLimiter(30*time.Second, clk)

	if !l.Allow("broker-down") {
		t.Fatal("first occurrence should be allowed")
	}
	if l.Allow("broker-down") {
		t.Error("second occurrence within window should be suppressed")
	}

	clk.Advance(31 * time.Second)
	if !l.Allow("broker-down") {
		t.Error("occurrence after window should be allowed again")
	}
}

func TestLogLimiter_KeysAreIndependent(t *testing.T) {
	clk := testsupport.NewFakeClock()
	l := NewLogLimiter(30*time.Second, clk)

	if !l.Allow("render:transient") {
		t.Fatal("first key should be allowed")
	}
	if !l.Allow("webhook:transient") {
		t.Error("a different key should not be suppressed")
	}
}

func TestLogLimiter_SilenceIsPermanent(t *testing.T) {
	clk := testsupport.NewFakeClock()
	l := NewLogLimiter(time.Second, clk)

	l.Silence()
	if l.Allow("anything") {
		t.Error("silenced limiter should allow nothing")
	}
	clk.Advance(time.Hour)
	if l.Allow("anything") {
		t.Error("silence should survive window expiry")
	}
}
