package collector

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIdempotency_ClaimOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	m := NewMemoryIdempotency(time.Hour)
	m.now = func() time.Time { return now }

	first, err := m.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = m.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, first)

	now = now.Add(2 * time.Hour)
	first, err = m.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, first, "expired ids can be claimed again")
}

func TestRedisIdempotency_ClaimOnce(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	rdb := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	r := NewRedisIdempotency(rdb, time.Hour)
	require.NoError(t, r.Ping(ctx))

	first, err := r.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = r.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, first)

	assert.True(t, s.Exists("nudge:event:evt-1"))
	s.FastForward(2 * time.Hour)
	first, err = r.Claim(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, first)
}
