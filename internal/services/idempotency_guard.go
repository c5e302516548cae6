package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// IdempotencyGuard remembers which reservation currently holds a job. It is
// advisory only: entries may vanish on restart or eviction, and the persisted
// reservation status always has the final word.
type IdempotencyGuard interface {
	Lookup(ctx context.Context, jobID string) (reservationID string, found bool, err error)
	Remember(ctx context.Context, jobID, reservationID string, ttl time.Duration) error
	Forget(ctx context.Context, jobID string) error
}

type guardEntry struct {
	reservationID string
	expiresAt     time.Time
}

// MemoryIdempotencyGuard keeps the job map in process memory.
type MemoryIdempotencyGuard struct {
	mu      sync.Mutex
	entries map[string]guardEntry
	now     func() time.Time
}

func NewMemoryIdempotencyGuard() *MemoryIdempotencyGuard {
	return &MemoryIdempotencyGuard{entries: make(map[string]guardEntry), now: time.Now}
}

func (g *MemoryIdempotencyGuard) Lookup(ctx context.Context, jobID string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[jobID]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && !g.now().Before(e.expiresAt) {
		delete(g.entries, jobID)
		return "", false, nil
	}
	return e.reservationID, true, nil
}

func (g *MemoryIdempotencyGuard) Remember(ctx context.Context, jobID, reservationID string, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e := guardEntry{reservationID: reservationID}
	if ttl > 0 {
		e.expiresAt = g.now().Add(ttl)
	}
	g.entries[jobID] = e
	return nil
}

func (g *MemoryIdempotencyGuard) Forget(ctx context.Context, jobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.entries, jobID)
	return nil
}

func (g *MemoryIdempotencyGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

const redisGuardPrefix = "credits:job:"

// RedisIdempotencyGuard shares the job map between processes through Redis.
type RedisIdempotencyGuard struct {
	redis *redis.Client
}

func NewRedisIdempotencyGuard(redis *redis.Client) *RedisIdempotencyGuard {
	return &RedisIdempotencyGuard{redis: redis}
}

func redisGuardKey(jobID string) string {
	return redisGuardPrefix + jobID
}

func (g *RedisIdempotencyGuard) Lookup(ctx context.Context, jobID string) (string, bool, error) {
	reservationID, err := g.redis.Get(ctx, redisGuardKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return reservationID, true, nil
}

func (g *RedisIdempotencyGuard) Remember(ctx context.Context, jobID, reservationID string, ttl time.Duration) error {
	return g.redis.Set(ctx, redisGuardKey(jobID), reservationID, ttl).Err()
}

func (g *RedisIdempotencyGuard) Forget(ctx context.Context, jobID string) error {
	return g.redis.Del(ctx, redisGuardKey(jobID)).Err()
}
