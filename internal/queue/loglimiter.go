package queue

import (
	"log"
	"sync"
	"time"

	"github.com/clipforge/api/internal/clock"
)

// LogLimiter de-duplicates log lines by key within a TTL window so that
// correlated failures (broker down, provider unreachable) do not turn into
// log storms. Silence() mutes it entirely once shutdown begins.
type LogLimiter struct {
	clk clock.Clock
	ttl time.Duration

	mu       sync.Mutex
	seen     map[string]time.Time
	silenced bool
}

// NewLogLimiter creates a limiter with the given de-duplication window.
func NewLogLimiter(ttl time.Duration, clk clock.Clock) *LogLimiter {
	return &LogLimiter{
		clk:  clk,
		ttl:  ttl,
		seen: make(map[string]time.Time),
	}
}

// Allow reports whether a line for key may be logged now, and if so starts
// a new suppression window for it.
func (l *LogLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.silenced {
		return false
	}

	now := l.clk.Now()
	if last, ok := l.seen[key]; ok && now.Sub(last) < l.ttl {
		return false
	}
	l.seen[key] = now
	return true
}

// Silence permanently mutes the limiter. Used during shutdown to avoid
// noise from races between connection teardown and in-flight jobs.
func (l *LogLimiter) Silence() {
	l.mu.Lock()
	l.silenced = true
	l.mu.Unlock()
}

// Printf logs once per key per window.
func (l *LogLimiter) Printf(key, format string, args ...interface{}) {
	if l.Allow(key) {
		log.Printf(format, args...)
	}
}
