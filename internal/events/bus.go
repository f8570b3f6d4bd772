package events

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Kind is the type of an outbound engine event.
type Kind string

const (
	KindShowNudge        Kind = "show_nudge"
	KindShowNotification Kind = "show_notification"
	KindProactiveAlert   Kind = "proactive_alert"
	KindConnectionStatus Kind = "connection_status"
)

// Event is delivered to every subscriber. Payload is one of the typed
// payload structs below.
type Event struct {
	Kind    Kind        `json:"kind"`
	Payload interface{} `json:"payload"`
	Time    time.Time   `json:"time"`
}

// Notification is the payload of KindShowNotification.
type Notification struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Message string `json:"message"`
	DelayID string `json:"delayId,omitempty"`
}

// ConnectionStatus is the payload of KindConnectionStatus.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Attempts  int    `json:"attempts"`
}

var droppedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscriber buffer was full",
	},
	[]string{"kind"},
)

// Bus is an in-process fan-out publisher. Publish never blocks; a slow
// subscriber loses events instead of stalling the engine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event), now: time.Now}
}

// Subscription is a registered consumer.
type Subscription struct {
	C   <-chan Event
	id  int
	bus *Bus
}

// Subscribe registers a consumer with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()
	return &Subscription{C: ch, id: id, bus: b}
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if ch, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(ch)
	}
}

// Publish delivers to every subscriber without blocking and returns the
// number of subscribers that received the event.
func (b *Bus) Publish(kind Kind, payload interface{}) int {
	evt := Event{Kind: kind, Payload: payload, Time: b.now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- evt:
			delivered++
		default:
			droppedTotal.WithLabelValues(string(kind)).Inc()
		}
	}
	return delivered
}
