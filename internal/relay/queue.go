package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/greentrail/nudge-engine/internal/model"
	"github.com/greentrail/nudge-engine/internal/store"
)

// Queue is the bounded offline FIFO. When full, the oldest event is evicted.
// Every change is mirrored to the backing store so the queue survives restarts.
// Writers hold writeMu across the mirror so the store sees changes in the
// same order as the in-memory queue; readers only take mu.
type Queue struct {
	writeMu  sync.Mutex
	mu       sync.Mutex
	items    []model.QueuedEvent
	capacity int
	repo     store.Queue
	log      zerolog.Logger
}

func NewQueue(capacity int, repo store.Queue, log zerolog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue{capacity: capacity, repo: repo, log: log}
}

// Load replaces the in-memory queue with the persisted one. Entries beyond
// capacity are evicted oldest first.
func (q *Queue) Load(ctx context.Context) error {
	if q.repo == nil {
		return nil
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	items, err := q.repo.List(ctx)
	if err != nil {
		return err
	}
	var evicted []model.QueuedEvent
	if over := len(items) - q.capacity; over > 0 {
		evicted = items[:over]
		items = items[over:]
	}
	q.mu.Lock()
	q.items = items
	q.mu.Unlock()
	for _, e := range evicted {
		q.forget(ctx, e.ID)
		evictedTotal.Inc()
	}
	queueDepth.Set(float64(len(items)))
	return nil
}

// Push appends e and returns the evicted event, if any.
func (q *Queue) Push(ctx context.Context, e model.QueuedEvent) (*model.QueuedEvent, bool) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	q.mu.Lock()
	for _, cur := range q.items {
		if cur.ID == e.ID {
			q.mu.Unlock()
			return nil, false
		}
	}
	var evicted *model.QueuedEvent
	if len(q.items) >= q.capacity {
		old := q.items[0]
		evicted = &old
		q.items = append(q.items[:0:0], q.items[1:]...)
	}
	q.items = append(q.items, e)
	depth := len(q.items)
	q.mu.Unlock()

	if evicted != nil {
		evictedTotal.Inc()
		q.forget(ctx, evicted.ID)
		q.log.Warn().Str("event_id", evicted.ID).Int("capacity", q.capacity).Msg("offline queue full, evicted oldest event")
	}
	if q.repo != nil {
		if err := q.repo.Append(ctx, e); err != nil {
			q.log.Error().Stack().Err(err).Str("event_id", e.ID).Msg("persist queued event")
		}
	}
	queueDepth.Set(float64(depth))
	return evicted, evicted != nil
}

// Peek returns up to n events from the front without removing them.
func (q *Queue) Peek(n int) []model.QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) || n <= 0 {
		n = len(q.items)
	}
	out := make([]model.QueuedEvent, n)
	copy(out, q.items[:n])
	return out
}

// Remove deletes the event with id and reports whether it was queued.
func (q *Queue) Remove(ctx context.Context, id string) bool {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	q.mu.Lock()
	idx := -1
	for i, e := range q.items {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	depth := len(q.items)
	q.mu.Unlock()

	q.forget(ctx, id)
	queueDepth.Set(float64(depth))
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IDs lists queued event ids, oldest first.
func (q *Queue) IDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, len(q.items))
	for i, e := range q.items {
		ids[i] = e.ID
	}
	return ids
}

func (q *Queue) Clear(ctx context.Context) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	queueDepth.Set(0)
	if q.repo == nil {
		return nil
	}
	return q.repo.Clear(ctx)
}

func (q *Queue) forget(ctx context.Context, id string) {
	if q.repo == nil {
		return
	}
	if err := q.repo.Remove(ctx, id); err != nil {
		q.log.Error().Stack().Err(err).Str("event_id", id).Msg("remove queued event")
	}
}
