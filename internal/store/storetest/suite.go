package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/greentrail/nudge-engine/internal/model"
	"github.com/greentrail/nudge-engine/internal/store"
)

// Run exercises a compliance suite against a store.Store implementation.
// Implementations should provide a clean, isolated store and return it from makeStore.
func Run(t *testing.T, makeStore func(t *testing.T) store.Store) {
	t.Helper()

	s := makeStore(t)
	ctx := context.Background()
	userID := "u-" + uuid.New().String()

	// Profiles
	if _, err := s.Profiles().Get(ctx, userID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Profiles.Get on empty store: want ErrNotFound, got %v", err)
	}
	if err := s.Profiles().Put(ctx, userID, json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("Profiles.Put: %v", err)
	}
	if err := s.Profiles().Put(ctx, userID, json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("Profiles.Put overwrite: %v", err)
	}
	if got, err := s.Profiles().Get(ctx, userID); err != nil || string(got) != `{"v":2}` {
		t.Fatalf("Profiles.Get: got=%s err=%v", got, err)
	}
	if err := s.Profiles().Delete(ctx, userID); err != nil {
		t.Fatalf("Profiles.Delete: %v", err)
	}
	if _, err := s.Profiles().Get(ctx, userID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Profiles.Get after delete: want ErrNotFound, got %v", err)
	}

	// Timing state is a separate document
	if err := s.Timing().Put(ctx, userID, json.RawMessage(`{"activity":[]}`)); err != nil {
		t.Fatalf("Timing.Put: %v", err)
	}
	if _, err := s.Profiles().Get(ctx, userID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Timing.Put leaked into Profiles: %v", err)
	}

	// Delays
	now := time.Now().UTC().Truncate(time.Millisecond)
	d1 := &model.DelayRecord{DelayID: uuid.NewString(), UserID: userID, Item: model.Item{Title: "jacket", PriceUSD: 100, EstimatedKg: 10},
		CreatedAt: now, DelayEnd: now.Add(24 * time.Hour), Status: model.DelayActive}
	d2 := &model.DelayRecord{DelayID: uuid.NewString(), UserID: userID, Item: model.Item{Title: "boots"},
		CreatedAt: now.Add(time.Second), DelayEnd: now.Add(25 * time.Hour), Status: model.DelayActive}
	for _, d := range []*model.DelayRecord{d1, d2} {
		if err := s.Delays().Put(ctx, d); err != nil {
			t.Fatalf("Delays.Put: %v", err)
		}
	}
	if got, err := s.Delays().Get(ctx, d1.DelayID); err != nil || got.Item.Title != "jacket" || !got.DelayEnd.Equal(d1.DelayEnd) {
		t.Fatalf("Delays.Get: got=%+v err=%v", got, err)
	}
	if _, err := s.Delays().Get(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Delays.Get missing: want ErrNotFound, got %v", err)
	}
	outcome := model.OutcomeSkipped
	completed := now.Add(time.Hour)
	d1.Status = model.DelayCompleted
	d1.Outcome = &outcome
	d1.CompletedAt = &completed
	if err := s.Delays().Put(ctx, d1); err != nil {
		t.Fatalf("Delays.Put update: %v", err)
	}
	active, err := s.Delays().ListByStatus(ctx, userID, model.DelayActive)
	if err != nil || len(active) != 1 || active[0].DelayID != d2.DelayID {
		t.Fatalf("Delays.ListByStatus active: n=%d err=%v", len(active), err)
	}
	done, err := s.Delays().ListByStatus(ctx, userID, model.DelayCompleted)
	if err != nil || len(done) != 1 || done[0].Outcome == nil || *done[0].Outcome != model.OutcomeSkipped {
		t.Fatalf("Delays.ListByStatus completed: n=%d err=%v", len(done), err)
	}

	// Queue keeps FIFO order and ignores duplicate ids
	ids := []string{"e1", "e2", "e3"}
	for _, id := range ids {
		qe := model.QueuedEvent{ID: id, Payload: model.SyncEvent{ID: id, Type: model.EventInteraction, Data: json.RawMessage(`{}`)}, Timestamp: now, Queued: true}
		if err := s.Queue().Append(ctx, qe); err != nil {
			t.Fatalf("Queue.Append: %v", err)
		}
	}
	if err := s.Queue().Append(ctx, model.QueuedEvent{ID: "e1", Timestamp: now}); err != nil {
		t.Fatalf("Queue.Append duplicate: %v", err)
	}
	if err := s.Queue().Remove(ctx, "e2"); err != nil {
		t.Fatalf("Queue.Remove: %v", err)
	}
	lst, err := s.Queue().List(ctx)
	if err != nil || len(lst) != 2 || lst[0].ID != "e1" || lst[1].ID != "e3" {
		t.Fatalf("Queue.List: got=%+v err=%v", lst, err)
	}
	if lst[0].Payload.Type != model.EventInteraction {
		t.Fatalf("Queue.List payload lost: %+v", lst[0])
	}
	if err := s.Queue().Clear(ctx); err != nil {
		t.Fatalf("Queue.Clear: %v", err)
	}
	if lst, _ := s.Queue().List(ctx); len(lst) != 0 {
		t.Fatalf("Queue.Clear left %d events", len(lst))
	}

	// Settings default then persist
	got, err := s.Settings().Get(ctx, userID)
	if err != nil || got != model.DefaultSettings() {
		t.Fatalf("Settings.Get default: got=%+v err=%v", got, err)
	}
	got.Travel = false
	if err := s.Settings().Put(ctx, userID, got); err != nil {
		t.Fatalf("Settings.Put: %v", err)
	}
	if again, err := s.Settings().Get(ctx, userID); err != nil || again.Travel {
		t.Fatalf("Settings.Get after put: got=%+v err=%v", again, err)
	}
}

const seedUser = "seed_user"

// Seed writes one record of each kind for VerifySeed.
func Seed(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.Profiles().Put(ctx, seedUser, json.RawMessage(`{"seed":true}`)); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	if err := s.Delays().Put(ctx, &model.DelayRecord{DelayID: "seed-delay", UserID: seedUser, CreatedAt: time.Now().UTC(), DelayEnd: time.Now().UTC().Add(time.Hour), Status: model.DelayActive}); err != nil {
		t.Fatalf("seed delay: %v", err)
	}
	if err := s.Queue().Append(ctx, model.QueuedEvent{ID: "seed-event", Timestamp: time.Now().UTC(), Queued: true}); err != nil {
		t.Fatalf("seed queue: %v", err)
	}
}

// VerifySeed asserts what Seed wrote is still there.
func VerifySeed(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	if got, err := s.Profiles().Get(ctx, seedUser); err != nil || string(got) != `{"seed":true}` {
		t.Fatalf("profile not persisted: got=%s err=%v", got, err)
	}
	if _, err := s.Delays().Get(ctx, "seed-delay"); err != nil {
		t.Fatalf("delay not persisted: %v", err)
	}
	if lst, err := s.Queue().List(ctx); err != nil || len(lst) != 1 || lst[0].ID != "seed-event" {
		t.Fatalf("queue not persisted: got=%+v err=%v", lst, err)
	}
}
