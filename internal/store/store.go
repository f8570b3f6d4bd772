package store

import (
	"context"
	"encoding/json"

	"github.com/greentrail/nudge-engine/internal/model"
)

// Store exposes persistence operations required by the engine components.
// Implementations live under internal/store/<driver>/ (sqlite, memory).
type Store interface {
	Profiles() Blobs
	Timing() Blobs
	Delays() Delays
	Queue() Queue
	Settings() Settings
}

// Blobs persists one JSON document per user. Get returns model.ErrNotFound
// when the user has no document yet.
type Blobs interface {
	Get(ctx context.Context, userID string) (json.RawMessage, error)
	Put(ctx context.Context, userID string, data json.RawMessage) error
	Delete(ctx context.Context, userID string) error
}

type Delays interface {
	Put(ctx context.Context, d *model.DelayRecord) error
	Get(ctx context.Context, delayID string) (*model.DelayRecord, error)
	ListByStatus(ctx context.Context, userID string, status model.DelayStatus) ([]*model.DelayRecord, error)
}

// Queue is the durable copy of the relay's offline queue, in FIFO order.
type Queue interface {
	Append(ctx context.Context, e model.QueuedEvent) error
	Remove(ctx context.Context, eventID string) error
	List(ctx context.Context) ([]model.QueuedEvent, error)
	Clear(ctx context.Context) error
}

type Settings interface {
	Get(ctx context.Context, userID string) (model.Settings, error)
	Put(ctx context.Context, userID string, s model.Settings) error
}

// HealthPinger is implemented by stores that can probe their backend.
type HealthPinger interface {
	HealthPing(ctx context.Context) error
}
