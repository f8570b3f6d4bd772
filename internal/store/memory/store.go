// Package memory is an in-process store.Store used by tests and ephemeral runs.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/greentrail/nudge-engine/internal/model"
	"github.com/greentrail/nudge-engine/internal/store"
)

type Store struct {
	mu       sync.Mutex
	profiles map[string]json.RawMessage
	timing   map[string]json.RawMessage
	delays   map[string]model.DelayRecord
	order    []string
	queue    []model.QueuedEvent
	settings map[string]model.Settings
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		profiles: make(map[string]json.RawMessage),
		timing:   make(map[string]json.RawMessage),
		delays:   make(map[string]model.DelayRecord),
		settings: make(map[string]model.Settings),
	}
}

func (s *Store) Profiles() store.Blobs { return blobs{s: s, m: s.profiles} }
func (s *Store) Timing() store.Blobs { return blobs{s: s, m: s.timing} }
func (s *Store) Delays() store.Delays { return delays{s} }
func (s *Store) Queue() store.Queue { return queue{s} }
func (s *Store) Settings() store.Settings { return settings{s} }

type blobs struct {
	s *Store
	m map[string]json.RawMessage
}

func (b blobs) Get(_ context.Context, userID string) (json.RawMessage, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	v, ok := b.m[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return append(json.RawMessage(nil), v...), nil
}

func (b blobs) Put(_ context.Context, userID string, data json.RawMessage) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.m[userID] = append(json.RawMessage(nil), data...)
	return nil
}

func (b blobs) Delete(_ context.Context, userID string) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	delete(b.m, userID)
	return nil
}

type delays struct{ s *Store }

func (d delays) Put(_ context.Context, rec *model.DelayRecord) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, ok := d.s.delays[rec.DelayID]; !ok {
		d.s.order = append(d.s.order, rec.DelayID)
	}
	d.s.delays[rec.DelayID] = *rec
	return nil
}

func (d delays) Get(_ context.Context, delayID string) (*model.DelayRecord, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	rec, ok := d.s.delays[delayID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &rec, nil
}

func (d delays) ListByStatus(_ context.Context, userID string, status model.DelayStatus) ([]*model.DelayRecord, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var out []*model.DelayRecord
	for _, id := range d.s.order {
		rec := d.s.delays[id]
		if rec.UserID == userID && rec.Status == status {
			out = append(out, &rec)
		}
	}
	return out, nil
}

type queue struct{ s *Store }

func (q queue) Append(_ context.Context, e model.QueuedEvent) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	for _, existing := range q.s.queue {
		if existing.ID == e.ID {
			return nil
		}
	}
	q.s.queue = append(q.s.queue, e)
	return nil
}

func (q queue) Remove(_ context.Context, eventID string) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	for i, e := range q.s.queue {
		if e.ID == eventID {
			q.s.queue = append(q.s.queue[:i], q.s.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q queue) List(_ context.Context) ([]model.QueuedEvent, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	return append([]model.QueuedEvent(nil), q.s.queue...), nil
}

func (q queue) Clear(_ context.Context) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	q.s.queue = nil
	return nil
}

type settings struct{ s *Store }

func (st settings) Get(_ context.Context, userID string) (model.Settings, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	v, ok := st.s.settings[userID]
	if !ok {
		return model.DefaultSettings(), nil
	}
	return v, nil
}

func (st settings) Put(_ context.Context, userID string, v model.Settings) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	st.s.settings[userID] = v
	return nil
}
