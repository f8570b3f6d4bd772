package delay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greentrail/nudge-engine/internal/events"
	"github.com/greentrail/nudge-engine/internal/model"
	"github.com/greentrail/nudge-engine/internal/profile"
	"github.com/greentrail/nudge-engine/internal/scheduler/schedulertest"
	"github.com/greentrail/nudge-engine/internal/store/memory"
)

var testStart = time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []model.SyncEvent
}

func (r *recordingSink) Enqueue(_ context.Context, ev model.SyncEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	mgr   *Manager
	clock *schedulertest.Fake
	bus   *events.Bus
	sink  *recordingSink
	prof  *profile.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := schedulertest.New(testStart)
	repo := memory.New()
	bus := events.NewBus()
	sink := &recordingSink{}
	prof := profile.New(profile.Config{UserID: "local_user"}, repo.Profiles(), profile.WithClock(clock))
	mgr := New(Config{UserID: "local_user", Duration: 24 * time.Hour, ReminderLead: 2 * time.Hour}, Deps{
		Repo:      repo.Delays(),
		Clock:     clock,
		Scheduler: clock,
		Bus:       bus,
		Sink:      sink,
		Profile:   prof,
		Log:       zerolog.Nop(),
	})
	return &fixture{mgr: mgr, clock: clock, bus: bus, sink: sink, prof: prof}
}

func jacket() model.Item {
	return model.Item{Title: "Down jacket", URL: "https://shop.example/p/jacket", Category: "clothing", PriceUSD: 100, EstimatedKg: 10}
}

func TestCreate_ComputesSavingsAndSchedulesReminder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.mgr.Create(ctx, jacket(), "")
	require.NoError(t, err)

	assert.Equal(t, model.DelayActive, rec.Status)
	assert.Equal(t, testStart.Add(24*time.Hour), rec.DelayEnd)
	assert.InDelta(t, 7.0, rec.PotentialSavings.CO2, 1e-9)
	assert.InDelta(t, 15.0, rec.PotentialSavings.Money, 1e-9)

	at, ok := f.clock.Pending(ReminderPrefix + rec.DelayID)
	require.True(t, ok)
	assert.Equal(t, testStart.Add(22*time.Hour), at)
	assert.Equal(t, []string{model.EventDelayCreated}, f.sink.types())
}

func TestCreate_RejectsNegativeFigures(t *testing.T) {
	f := newFixture(t)
	item := jacket()
	item.EstimatedKg = -1

	_, err := f.mgr.Create(context.Background(), item, "")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestListActive_ReportsRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.mgr.Create(ctx, jacket(), "")
	require.NoError(t, err)
	f.clock.Set(testStart.Add(10 * time.Hour))

	active, err := f.mgr.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, rec.DelayID, active[0].Record.DelayID)
	assert.Equal(t, 14*time.Hour, active[0].Remaining)

	f.clock.Set(testStart.Add(25 * time.Hour))
	active, err = f.mgr.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestComplete_Outcomes(t *testing.T) {
	cases := []struct {
		outcome model.OutcomeType
		co2     float64
		money   float64
	}{
		{model.OutcomeSkipped, 10, 100},
		{model.OutcomeAlternative, 7, 15},
		{model.OutcomePurchased, 0, 0},
	}
	for _, tc := range cases {
		t.Run(string(tc.outcome), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			rec, err := f.mgr.Create(ctx, jacket(), "")
			require.NoError(t, err)

			ev, err := f.mgr.Complete(ctx, rec.DelayID, tc.outcome)
			require.NoError(t, err)
			assert.InDelta(t, tc.co2, ev.CO2Saved, 1e-9)
			assert.InDelta(t, tc.money, ev.MoneySaved, 1e-9)

			_, pending := f.clock.Pending(ReminderPrefix + rec.DelayID)
			assert.False(t, pending, "reminder should be cancelled")

			stored, err := f.mgr.Get(ctx, rec.DelayID)
			require.NoError(t, err)
			assert.Equal(t, model.DelayCompleted, stored.Status)
			require.NotNil(t, stored.Outcome)
			assert.Equal(t, tc.outcome, *stored.Outcome)
			assert.Equal(t, []string{model.EventDelayCreated, model.EventDelayCompleted}, f.sink.types())
		})
	}
}

func TestComplete_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Complete(ctx, "missing", model.OutcomeSkipped)
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := f.mgr.Create(ctx, jacket(), "")
	require.NoError(t, err)

	_, err = f.mgr.Complete(ctx, rec.DelayID, model.OutcomeType("returned"))
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = f.mgr.Complete(ctx, rec.DelayID, model.OutcomeSkipped)
	require.NoError(t, err)
	_, err = f.mgr.Complete(ctx, rec.DelayID, model.OutcomeSkipped)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestComplete_FeedsProfileOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.prof.RecordShown(ctx, profile.Shown{
		NudgeType: model.NudgeDelayPurchase,
		Category:  "clothing",
		Effort:    model.EffortMedium,
		Style:     model.StyleFriendly,
		Context:   model.Context{HourOfDay: 14, ProductCategory: "clothing", EmissionLevel: 10},
	})
	require.NoError(t, err)
	require.NoError(t, f.prof.RecordResponse(ctx, id, profile.ResponseInput{Type: model.ResponseAccepted}))

	rec, err := f.mgr.Create(ctx, jacket(), id)
	require.NoError(t, err)
	_, err = f.mgr.Complete(ctx, rec.DelayID, model.OutcomeSkipped)
	require.NoError(t, err)

	got, ok := f.prof.Interaction(id)
	require.True(t, ok)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, model.OutcomeSkipped, got.Outcome.Type)
	assert.InDelta(t, 10.0, got.Outcome.CO2Saved, 1e-9)
}

func TestHandleReminder_PublishesNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.bus.Subscribe(4)
	defer sub.Close()

	rec, err := f.mgr.Create(ctx, jacket(), "")
	require.NoError(t, err)

	var fired []string
	f.clock.SetHandler(func(token string) { fired = append(fired, token) })
	f.clock.Advance(22 * time.Hour)
	require.Equal(t, []string{ReminderPrefix + rec.DelayID}, fired)

	handled, err := f.mgr.HandleReminder(ctx, fired[0])
	require.NoError(t, err)
	assert.True(t, handled)

	select {
	case ev := <-sub.C:
		assert.Equal(t, events.KindShowNotification, ev.Kind)
		n, ok := ev.Payload.(events.Notification)
		require.True(t, ok)
		assert.Equal(t, rec.DelayID, n.DelayID)
		assert.Contains(t, n.Message, "Down jacket")
	default:
		t.Fatal("expected a notification")
	}
}

func TestHandleReminder_StaleTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handled, err := f.mgr.HandleReminder(ctx, ReminderPrefix+"unknown")
	require.NoError(t, err)
	assert.False(t, handled)

	rec, err := f.mgr.Create(ctx, jacket(), "")
	require.NoError(t, err)
	_, err = f.mgr.Complete(ctx, rec.DelayID, model.OutcomePurchased)
	require.NoError(t, err)

	handled, err = f.mgr.HandleReminder(ctx, ReminderPrefix+rec.DelayID)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestExtend_CapsAtMaximum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.mgr.Create(ctx, jacket(), "")
	require.NoError(t, err)

	ext, err := f.mgr.Extend(ctx, rec.DelayID)
	require.NoError(t, err)
	assert.Equal(t, testStart.Add(48*time.Hour), ext.DelayEnd)

	at, ok := f.clock.Pending(ReminderPrefix + rec.DelayID)
	require.True(t, ok)
	assert.Equal(t, testStart.Add(46*time.Hour), at)

	_, err = f.mgr.Extend(ctx, rec.DelayID)
	assert.ErrorIs(t, err, ErrMaxExtension)
}

func TestRestoreReminders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.mgr.Create(ctx, jacket(), "")
	require.NoError(t, err)
	f.clock.Cancel(ReminderPrefix + rec.DelayID)

	n, err := f.mgr.RestoreReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := f.clock.Pending(ReminderPrefix + rec.DelayID)
	assert.True(t, ok)
}

func TestHandleReminder_OncePerDelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.mgr.Create(ctx, jacket(), "")
	require.NoError(t, err)
	f.clock.Advance(22 * time.Hour)

	handled, err := f.mgr.HandleReminder(ctx, ReminderPrefix+rec.DelayID)
	require.NoError(t, err)
	assert.True(t, handled)
	got, err := f.mgr.Get(ctx, rec.DelayID)
	require.NoError(t, err)
	require.NotNil(t, got.RemindedAt)
	assert.Equal(t, testStart.Add(22*time.Hour), *got.RemindedAt)

	handled, err = f.mgr.HandleReminder(ctx, ReminderPrefix+rec.DelayID)
	require.NoError(t, err)
	assert.False(t, handled)

	// Extending opens a new window with its own reminder.
	ext, err := f.mgr.Extend(ctx, rec.DelayID)
	require.NoError(t, err)
	assert.Nil(t, ext.RemindedAt)
	handled, err = f.mgr.HandleReminder(ctx, ReminderPrefix+rec.DelayID)
	require.NoError(t, err)
	assert.True(t, handled)
}

func TestRestoreReminders_SkipsEndedAndRemindedDelays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.bus.Subscribe(8)
	defer sub.Close()

	tv := jacket()
	tv.Title = "TV"
	ended, err := f.mgr.Create(ctx, tv, "")
	require.NoError(t, err)
	f.clock.Advance(22 * time.Hour)
	handled, err := f.mgr.HandleReminder(ctx, ReminderPrefix+ended.DelayID)
	require.NoError(t, err)
	require.True(t, handled)
	<-sub.C

	reminded, err := f.mgr.Create(ctx, jacket(), "")
	require.NoError(t, err)
	f.clock.Advance(22 * time.Hour)
	handled, err = f.mgr.HandleReminder(ctx, ReminderPrefix+reminded.DelayID)
	require.NoError(t, err)
	require.True(t, handled)
	<-sub.C

	// Restart once the first delay has ended and the second was reminded.
	f.clock.Advance(time.Hour)
	f.clock.Cancel(ReminderPrefix + ended.DelayID)
	f.clock.Cancel(ReminderPrefix + reminded.DelayID)
	pending, err := f.mgr.Create(ctx, jacket(), "")
	require.NoError(t, err)
	f.clock.Cancel(ReminderPrefix + pending.DelayID)

	n, err := f.mgr.RestoreReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := f.clock.Pending(ReminderPrefix + ended.DelayID)
	assert.False(t, ok)
	_, ok = f.clock.Pending(ReminderPrefix + reminded.DelayID)
	assert.False(t, ok)
	_, ok = f.clock.Pending(ReminderPrefix + pending.DelayID)
	assert.True(t, ok)

	handled, err = f.mgr.HandleReminder(ctx, ReminderPrefix+ended.DelayID)
	require.NoError(t, err)
	assert.False(t, handled, "an ended delay is not reminded")
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected notification %+v", ev.Payload)
	default:
	}
}

func TestIsReminderToken(t *testing.T) {
	assert.True(t, IsReminderToken("delay:abc"))
	assert.False(t, IsReminderToken("snooze:abc"))
}
