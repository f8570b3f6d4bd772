package collector

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// IdempotencyStore remembers event ids the collector has accepted.
type IdempotencyStore interface {
	// Claim records id and reports whether it was seen for the first time.
	Claim(ctx context.Context, id string) (bool, error)
	Ping(ctx context.Context) error
}

// MemoryIdempotency keeps ids in process memory until they expire.
type MemoryIdempotency struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	return &MemoryIdempotency{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (m *MemoryIdempotency) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[id] = now.Add(m.ttl)
	if len(m.seen)%1024 == 0 {
		for k, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, k)
			}
		}
	}
	return true, nil
}

func (m *MemoryIdempotency) Ping(context.Context) error { return nil }

// RedisIdempotency claims ids with SET NX so several collector replicas
// share one dedup window.
type RedisIdempotency struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotency(rdb *goredis.Client, ttl time.Duration) *RedisIdempotency {
	return &RedisIdempotency{rdb: rdb, prefix: "nudge:event:", ttl: ttl}
}

func (r *RedisIdempotency) Claim(ctx context.Context, id string) (bool, error) {
	return r.rdb.SetNX(ctx, r.prefix+id, 1, r.ttl).Result()
}

func (r *RedisIdempotency) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
