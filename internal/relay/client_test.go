package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/greentrail/nudge-engine/internal/events"
	"github.com/greentrail/nudge-engine/internal/model"
	"github.com/greentrail/nudge-engine/internal/scheduler/schedulertest"
	"github.com/greentrail/nudge-engine/internal/store/memory"
)

var testStart = time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)

type fixture struct {
	client    *Client
	transport *fakeTransport
	clock     *schedulertest.Fake
	bus       *events.Bus
	repo      *memory.Store
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	clock := schedulertest.New(testStart)
	repo := memory.New()
	bus := events.NewBus()
	tr := &fakeTransport{}
	q := NewQueue(capacity, repo.Queue(), zerolog.Nop())
	c := New(Config{}, tr, q, clock, clock, bus, zerolog.Nop())
	clock.SetHandler(func(token string) { c.HandleAlarm(token) })
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return &fixture{client: c, transport: tr, clock: clock, bus: bus, repo: repo}
}

func syncEvent(id string) model.SyncEvent {
	return model.SyncEvent{ID: id, Type: model.EventInteraction, Source: "test", Timestamp: testStart}
}

func TestConnect_ReconnectBackoffThenLiveness(t *testing.T) {
	f := newFixture(t, 10)
	f.transport.setDialErr(NewNetworkError("dial", errors.New("refused")))

	require.Error(t, f.client.Connect(context.Background()))
	assert.Equal(t, model.StateDisconnected, f.client.Status().State)

	var delays []time.Duration
	for {
		at, ok := f.clock.Pending(TokenReconnect)
		if !ok {
			break
		}
		d := at.Sub(f.clock.Now())
		delays = append(delays, d)
		f.clock.Advance(d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, delays)
	assert.Equal(t, 6, f.transport.dialCount())
	assert.Equal(t, 5, f.client.Status().Attempts)

	// Only the liveness probe retries from here.
	f.transport.setDialErr(nil)
	f.clock.ScheduleAt(f.clock.Now().Add(10*time.Second), TokenLiveness)
	f.clock.Advance(10 * time.Second)

	st := f.client.Status()
	assert.True(t, st.Connected)
	assert.Zero(t, st.Attempts)
	assert.Equal(t, 7, f.transport.dialCount())
	_, pending := f.clock.Pending(TokenReconnect)
	assert.False(t, pending)
	_, heartbeat := f.clock.Pending(TokenHeartbeat)
	assert.True(t, heartbeat)
}

func TestConnect_DropResetsBackoff(t *testing.T) {
	f := newFixture(t, 10)
	require.NoError(t, f.client.Connect(context.Background()))
	require.True(t, f.client.Status().Connected)

	f.transport.last().Close()

	require.Eventually(t, func() bool {
		_, ok := f.clock.Pending(TokenReconnect)
		return ok
	}, time.Second, 5*time.Millisecond)
	at, _ := f.clock.Pending(TokenReconnect)
	assert.Equal(t, time.Second, at.Sub(f.clock.Now()))
	assert.Equal(t, model.StateDisconnected, f.client.Status().State)

	f.clock.Advance(time.Second)
	assert.True(t, f.client.Status().Connected)
	assert.Equal(t, 2, f.transport.dialCount())
}

func TestEnqueue_QueuesWhileDisconnectedAndFlushesOnConnect(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.client.Enqueue(ctx, syncEvent(id)))
	}
	assert.Equal(t, []string{"a", "b", "c"}, f.client.QueuedIDs())

	require.NoError(t, f.client.Connect(ctx))
	assert.Equal(t, []string{"a", "b", "c"}, f.transport.last().delivered())
	assert.Zero(t, f.client.Status().QueueLength)

	persisted, err := f.repo.Queue().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestEnqueue_DeliversImmediatelyWhenConnected(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	require.NoError(t, f.client.Connect(ctx))

	require.NoError(t, f.client.Enqueue(ctx, syncEvent("now")))
	require.Eventually(t, func() bool {
		return len(f.transport.last().delivered()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.client.Status().QueueLength)
}

func TestEnqueue_RejectsIncompleteEvents(t *testing.T) {
	f := newFixture(t, 10)
	err := f.client.Enqueue(context.Background(), model.SyncEvent{ID: "x"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestEnqueue_EvictsOldestWhenFull(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	for i := 0; i < 1005; i++ {
		require.NoError(t, f.client.Enqueue(ctx, syncEvent(fmt.Sprintf("e%04d", i))))
	}
	ids := f.client.QueuedIDs()
	require.Len(t, ids, 1000)
	assert.Equal(t, "e0005", ids[0])
	assert.Equal(t, "e1004", ids[len(ids)-1])
}

func TestFlush_DropsIrrecoverableEvents(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.transport.sendErr = func(ev model.SyncEvent) error {
		if ev.ID == "bad" {
			return ClassifyStatus(400, "malformed", "deliver")
		}
		return nil
	}
	for _, id := range []string{"a", "bad", "b"} {
		require.NoError(t, f.client.Enqueue(ctx, syncEvent(id)))
	}

	require.NoError(t, f.client.Connect(ctx))
	assert.Equal(t, []string{"a", "b"}, f.transport.last().delivered())
	assert.Zero(t, f.client.Status().QueueLength)
}

func TestFlush_AbortsAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.transport.sendErr = func(model.SyncEvent) error {
		return ClassifyStatus(503, "busy", "deliver")
	}
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.client.Enqueue(ctx, syncEvent(id)))
	}

	require.NoError(t, f.client.Connect(ctx))
	conn := f.transport.last()
	assert.Equal(t, 6, conn.sendCount())
	assert.Equal(t, []string{"a", "b", "c"}, f.client.QueuedIDs(), "failed events stay queued in order")

	_, err := f.client.Flush(ctx)
	assert.Error(t, err)
	assert.Equal(t, 12, conn.sendCount())
	assert.True(t, f.client.Status().Connected)
}

func TestFlush_AuthFailureKeepsEventsAndReconnects(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.transport.sendErr = func(model.SyncEvent) error {
		return ClassifyStatus(401, "token signature is invalid", "deliver")
	}
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.client.Enqueue(ctx, syncEvent(id)))
	}

	require.NoError(t, f.client.Connect(ctx))
	assert.Equal(t, 1, f.transport.last().sendCount(), "the flush stops at the first refusal")
	assert.Equal(t, []string{"a", "b", "c"}, f.client.QueuedIDs())
	assert.Equal(t, model.StateDisconnected, f.client.Status().State)

	at, ok := f.clock.Pending(TokenReconnect)
	require.True(t, ok)
	assert.Equal(t, time.Second, at.Sub(f.clock.Now()))

	f.transport.sendErr = nil
	f.clock.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, f.transport.last().delivered())
	assert.Zero(t, f.client.Status().QueueLength)
}

func TestFlush_NotConnected(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.client.Flush(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHeartbeat_FailureDisconnects(t *testing.T) {
	f := newFixture(t, 10)
	require.NoError(t, f.client.Connect(context.Background()))
	conn := f.transport.last()
	conn.mu.Lock()
	conn.pingErr = NewNetworkError("ping", errors.New("broken pipe"))
	conn.mu.Unlock()
	f.transport.setDialErr(NewNetworkError("dial", errors.New("refused")))

	f.clock.Advance(30 * time.Second)

	assert.Equal(t, model.StateDisconnected, f.client.Status().State)
	_, ok := f.clock.Pending(TokenReconnect)
	assert.True(t, ok)
}

func TestConnectionStatusEvents(t *testing.T) {
	f := newFixture(t, 10)
	sub := f.bus.Subscribe(8)
	defer sub.Close()

	require.NoError(t, f.client.Connect(context.Background()))

	var states []string
	for len(states) < 2 {
		select {
		case ev := <-sub.C:
			require.Equal(t, events.KindConnectionStatus, ev.Kind)
			states = append(states, ev.Payload.(events.ConnectionStatus).State)
		case <-time.After(time.Second):
			t.Fatalf("missing status events, got %v", states)
		}
	}
	assert.Equal(t, []string{"connecting", "connected"}, states)
}

func TestStart_RestoresPersistedQueue(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	require.NoError(t, f.repo.Queue().Append(ctx, queued("left-over")))
	f.transport.setDialErr(NewNetworkError("dial", errors.New("refused")))

	require.NoError(t, f.client.Start(ctx))
	assert.Equal(t, []string{"left-over"}, f.client.QueuedIDs())
	require.Eventually(t, func() bool { return f.transport.dialCount() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := f.clock.Pending(TokenLiveness)
	assert.True(t, ok)
}

func TestClose_NoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := schedulertest.New(testStart)
	tr := &fakeTransport{}
	c := New(Config{}, tr, NewQueue(10, nil, zerolog.Nop()), clock, clock, nil, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool { return c.Status().Connected }, time.Second, 5*time.Millisecond)
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Enqueue(ctx, syncEvent(fmt.Sprintf("e%d", i))))
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Close(closeCtx))
	assert.ErrorIs(t, c.Enqueue(ctx, syncEvent("late")), ErrClosed)
	_, ok := clock.Pending(TokenLiveness)
	assert.False(t, ok)
}
