// Package quota tracks per-owner usage counters per billing period. The
// pipeline only asks the gate yes/no and commits usage after completion;
// it never interprets plan policy itself.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipforge/api/internal/model"
)

// Gate is the admission/commit contract consumed by services and workers.
type Gate interface {
	// CheckAndReserve reports whether owner may consume amount more of kind
	// in the current period. Admission is optimistic: nothing is held
	// against the counter, so concurrent admissions can briefly overshoot
	// the ceiling by the in-flight work. The counter only moves on Commit,
	// which records what the work actually consumed; a reservation would
	// have to guess that up front and refund the difference.
	CheckAndReserve(ctx context.Context, ownerID string, kind model.QuotaKind, amount int64) (bool, error)
	// Commit increments the usage counter after the work completed.
	Commit(ctx context.Context, ownerID string, kind model.QuotaKind, amount int64) error
}

// Limits are the per-period ceilings per kind. Zero means unlimited.
type Limits map[model.QuotaKind]int64

// RedisGate implements Gate with monotonic counters in redis.
type RedisGate struct {
	rdb    *redis.Client
	limits Limits
}

// NewRedisGate creates a gate over a shared redis client.
func NewRedisGate(rdb *redis.Client, limits Limits) *RedisGate {
	return &RedisGate{rdb: rdb, limits: limits}
}

// PeriodKey returns the usage counter key for the billing period containing
// now. Periods are calendar months.
func PeriodKey(ownerID string, kind model.QuotaKind, now time.Time) string {
	return fmt.Sprintf("quota:%s:%s:%s", ownerID, kind, now.UTC().Format("2006-01"))
}

func (g *RedisGate) CheckAndReserve(ctx context.Context, ownerID string, kind model.QuotaKind, amount int64) (bool, error) {
	limit, ok := g.limits[kind]
	if !ok || limit <= 0 {
		return true, nil
	}

	used, err := g.rdb.Get(ctx, PeriodKey(ownerID, kind, time.Now())).Int64()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("failed to read quota counter: %w", err)
	}
	return used+amount <= limit, nil
}

func (g *RedisGate) Commit(ctx context.Context, ownerID string, kind model.QuotaKind, amount int64) error {
	key := PeriodKey(ownerID, kind, time.Now())
	count, err := g.rdb.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return fmt.Errorf("failed to commit quota usage: %w", err)
	}
	// counters expire well after the period ends; 62 days covers any month
	if count == amount {
		g.rdb.Expire(ctx, key, 62*24*time.Hour)
	}
	return nil
}
