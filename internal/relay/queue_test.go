package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greentrail/nudge-engine/internal/model"
	"github.com/greentrail/nudge-engine/internal/store"
	"github.com/greentrail/nudge-engine/internal/store/memory"
)

func queued(id string) model.QueuedEvent {
	ts := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	return model.QueuedEvent{ID: id, Payload: model.SyncEvent{ID: id, Type: model.EventInteraction, Timestamp: ts}, Timestamp: ts, Queued: true}
}

func TestQueue_EvictsOldestAtCapacity(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	q := NewQueue(3, repo.Queue(), zerolog.Nop())

	for i := 1; i <= 5; i++ {
		evicted, ok := q.Push(ctx, queued(fmt.Sprintf("e%d", i)))
		if i <= 3 {
			assert.False(t, ok)
			continue
		}
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("e%d", i-3), evicted.ID)
	}
	assert.Equal(t, []string{"e3", "e4", "e5"}, q.IDs())

	persisted, err := repo.Queue().List(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 3)
	assert.Equal(t, "e3", persisted[0].ID)
}

func TestQueue_CapacityHolds(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(1000, nil, zerolog.Nop())
	for i := 0; i < 1200; i++ {
		q.Push(ctx, queued(fmt.Sprintf("e%04d", i)))
	}
	assert.Equal(t, 1000, q.Len())
	assert.Equal(t, "e0200", q.Peek(1)[0].ID)
}

func TestQueue_IgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(10, nil, zerolog.Nop())
	q.Push(ctx, queued("a"))
	q.Push(ctx, queued("a"))
	assert.Equal(t, 1, q.Len())
}

func TestQueue_PeekAndRemove(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(10, nil, zerolog.Nop())
	for _, id := range []string{"a", "b", "c"} {
		q.Push(ctx, queued(id))
	}

	batch := q.Peek(2)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].ID)
	assert.Equal(t, 3, q.Len(), "peek must not remove")

	assert.True(t, q.Remove(ctx, "b"))
	assert.False(t, q.Remove(ctx, "b"))
	assert.Equal(t, []string{"a", "c"}, q.IDs())
}

func TestQueue_LoadRestoresAndTrims(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, repo.Queue().Append(ctx, queued(id)))
	}

	q := NewQueue(2, repo.Queue(), zerolog.Nop())
	require.NoError(t, q.Load(ctx))
	assert.Equal(t, []string{"c", "d"}, q.IDs())

	persisted, err := repo.Queue().List(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestQueue_Clear(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	q := NewQueue(10, repo.Queue(), zerolog.Nop())
	q.Push(ctx, queued("a"))

	require.NoError(t, q.Clear(ctx))
	assert.Zero(t, q.Len())
	persisted, err := repo.Queue().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

// gatedAppend holds Append until release is closed.
type gatedAppend struct {
	store.Queue
	entered chan struct{}
	release chan struct{}
}

func (g *gatedAppend) Append(ctx context.Context, e model.QueuedEvent) error {
	close(g.entered)
	<-g.release
	return g.Queue.Append(ctx, e)
}

func TestQueue_RemoveDuringAppendLeavesNoRow(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	gate := &gatedAppend{Queue: repo.Queue(), entered: make(chan struct{}), release: make(chan struct{})}
	q := NewQueue(10, gate, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		q.Push(ctx, queued("e1"))
	}()
	<-gate.entered

	// A flush can see the event before its row is written.
	assert.Equal(t, []string{"e1"}, q.IDs())
	removed := make(chan bool, 1)
	go func() {
		defer wg.Done()
		removed <- q.Remove(ctx, "e1")
	}()

	close(gate.release)
	wg.Wait()
	assert.True(t, <-removed)

	persisted, err := repo.Queue().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
	assert.Zero(t, q.Len())
}
