package profile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greentrail/nudge-engine/internal/model"
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

func (r *recordingSink) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.ID)
	}
	return out
}

type fixedAvoid []int

func (f fixedAvoid) AvoidHours() []int { return f }

type fixture struct {
	store *Store
	clock *schedulertest.Fake
	repo  *memory.Store
	sink  *recordingSink
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	cfg := Config{UserID: "local_user", MaxInteractions: 500, FatigueLimit: 3, SimilarityThreshold: 0.5, CO2Weight: 0.3, CO2HalfSaturationKg: 5}
	for _, m := range mutate {
		m(&cfg)
	}
	clock := schedulertest.New(testStart)
	repo := memory.New()
	sink := &recordingSink{}
	s := New(cfg, repo.Profiles(), WithClock(clock), WithSink(sink))
	return &fixture{store: s, clock: clock, repo: repo, sink: sink}
}

func shopping(emission float64) model.Context {
	return model.Context{HourOfDay: 14, DayOfWeek: 2, ProductCategory: "clothing", EmissionLevel: emission, SourceDomain: "shop.example"}
}

func TestStrategyFor_EmptyProfileDefaults(t *testing.T) {
	f := newFixture(t)

	got := f.store.StrategyFor(shopping(5))
	assert.Equal(t, model.NudgeGreenAlternative, got.RecommendedType)
	assert.Equal(t, 0.5, got.Confidence)
	assert.Equal(t, model.EffortMedium, got.EffortLevel)
	assert.Equal(t, model.StyleFriendly, got.MessageStyle)
	assert.Equal(t, 14, got.OptimalHour)
	assert.True(t, got.ShowNow)

	high := f.store.StrategyFor(shopping(45))
	assert.Equal(t, model.NudgeDelayPurchase, high.RecommendedType)
	assert.Equal(t, model.StyleUrgent, high.MessageStyle)

	travel := f.store.StrategyFor(model.Context{HourOfDay: 9, Travel: true, EmissionLevel: 300})
	assert.Equal(t, model.NudgeTravelSwap, travel.RecommendedType)
}

func TestInteractionLifecycle_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.RecordShown(ctx, Shown{NudgeType: model.NudgeDelayPurchase, Category: "clothing", Style: model.StyleFriendly, Context: shopping(10)})
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.store.RecordResponse(ctx, id, ResponseInput{Type: model.ResponseAccepted}))
	require.NoError(t, f.store.RecordOutcome(ctx, id, OutcomeInput{Type: model.OutcomeSkipped, CO2Saved: 10, CostSaved: 15}))

	rec, ok := f.store.Interaction(id)
	require.True(t, ok)
	require.NotNil(t, rec.Response)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, model.ResponseAccepted, rec.Response.Type)
	assert.Equal(t, testStart.Add(30*time.Second), rec.Response.Timestamp)
	assert.Equal(t, 10.0, rec.Outcome.CO2Saved)
	assert.Equal(t, model.EffortMedium, rec.Effort)

	sum := f.store.Summary()
	assert.Equal(t, 1, sum.TotalShown)
	assert.Equal(t, 1, sum.Accepted)
	assert.Equal(t, 10.0, sum.CO2SavedKg)
	assert.Equal(t, 15.0, sum.CostSavedUSD)

	assert.Equal(t, []string{id + ":shown", id + ":response", id + ":outcome"}, f.sink.ids())
}

func TestInteractionLifecycle_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.store.RecordResponse(ctx, "nope", ResponseInput{Type: model.ResponseAccepted})
	require.ErrorIs(t, err, ErrInteractionNotFound)

	id, err := f.store.RecordShown(ctx, Shown{NudgeType: model.NudgeGreenAlternative, Context: shopping(5)})
	require.NoError(t, err)

	err = f.store.RecordOutcome(ctx, id, OutcomeInput{Type: model.OutcomeAlternative})
	require.ErrorIs(t, err, ErrOutOfOrder, "outcome before response")

	err = f.store.RecordResponse(ctx, id, ResponseInput{Type: model.ResponseAccepted, Timestamp: testStart.Add(-time.Minute)})
	require.ErrorIs(t, err, ErrOutOfOrder, "response before shown")

	require.NoError(t, f.store.RecordResponse(ctx, id, ResponseInput{Type: model.ResponseDismissed}))
	err = f.store.RecordResponse(ctx, id, ResponseInput{Type: model.ResponseAccepted})
	require.ErrorIs(t, err, ErrAlreadyRecorded)

	require.NoError(t, f.store.RecordOutcome(ctx, id, OutcomeInput{Type: model.OutcomePurchased}))
	err = f.store.RecordOutcome(ctx, id, OutcomeInput{Type: model.OutcomeSkipped})
	require.ErrorIs(t, err, ErrAlreadyRecorded)

	_, err = f.store.RecordShown(ctx, Shown{NudgeType: "guilt_trip"})
	require.ErrorIs(t, err, model.ErrValidation)

	rec, _ := f.store.Interaction(id)
	assert.Equal(t, model.ResponseDismissed, rec.Response.Type, "rejected update must not mutate")
}

func TestShouldShow_FatigueLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := shopping(5)

	for i := 0; i < 3; i++ {
		require.True(t, f.store.ShouldShow(c).Allow, "nudge %d should be allowed", i)
		_, err := f.store.RecordShown(ctx, Shown{NudgeType: model.NudgeGreenAlternative, Context: c})
		require.NoError(t, err)
		f.clock.Advance(10 * time.Minute)
	}

	perm := f.store.ShouldShow(c)
	assert.False(t, perm.Allow)
	assert.Equal(t, ReasonFatigue, perm.Reason)

	// 61 minutes after the first nudge it has left the window.
	f.clock.Advance(31 * time.Minute)
	assert.True(t, f.store.ShouldShow(c).Allow)
}

func TestShouldShow_IgnoredContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := shopping(8)

	for i := 0; i < 3; i++ {
		id, err := f.store.RecordShown(ctx, Shown{NudgeType: model.NudgeGreenAlternative, Context: c})
		require.NoError(t, err)
		require.NoError(t, f.store.RecordResponse(ctx, id, ResponseInput{Type: model.ResponseIgnored}))
		f.clock.Advance(2 * time.Hour)
	}

	perm := f.store.ShouldShow(c)
	assert.False(t, perm.Allow)
	assert.Equal(t, ReasonContextIgnored, perm.Reason)

	// A dissimilar context is still allowed.
	other := model.Context{HourOfDay: 3, ProductCategory: "groceries", EmissionLevel: 90}
	assert.True(t, f.store.ShouldShow(other).Allow)

	// After 24h the ignored responses age out.
	f.clock.Advance(24 * time.Hour)
	assert.True(t, f.store.ShouldShow(c).Allow)
}

func TestShouldShow_AvoidHour(t *testing.T) {
	f := newFixture(t)
	f.store.SetAvoidHours(fixedAvoid{2, 14})

	perm := f.store.ShouldShow(shopping(5))
	assert.False(t, perm.Allow)
	assert.Equal(t, ReasonAvoidHour, perm.Reason)

	c := shopping(5)
	c.HourOfDay = 15
	assert.True(t, f.store.ShouldShow(c).Allow)
}

func TestConfidence_MonotoneAndCapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := shopping(5)

	prev := f.store.Confidence(c)
	assert.Equal(t, 0.5, prev)
	for i := 0; i < 60; i++ {
		_, err := f.store.RecordShown(ctx, Shown{NudgeType: model.NudgeGreenAlternative, Context: c})
		require.NoError(t, err)
		got := f.store.Confidence(c)
		assert.GreaterOrEqual(t, got, prev)
		assert.LessOrEqual(t, got, 0.95)
		prev = got
	}
	assert.InDelta(t, 0.95, prev, 1e-9)

	// five similar interactions: tier 0.1 plus 5*0.02
	g := newFixture(t)
	for i := 0; i < 5; i++ {
		_, err := g.store.RecordShown(ctx, Shown{NudgeType: model.NudgeGreenAlternative, Context: c})
		require.NoError(t, err)
	}
	assert.InDelta(t, 0.7, g.store.Confidence(c), 1e-9)
}

func TestRetention_FIFO(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxInteractions = 5 })
	ctx := context.Background()

	var ids []string
	for i := 0; i < 7; i++ {
		id, err := f.store.RecordShown(ctx, Shown{NudgeType: model.NudgeSocialProof, Context: shopping(float64(i))})
		require.NoError(t, err)
		ids = append(ids, id)
		f.clock.Advance(time.Minute)
	}

	p := f.store.Profile()
	require.Len(t, p.Interactions, 5)
	assert.Equal(t, ids[2], p.Interactions[0].ID)
	_, ok := f.store.Interaction(ids[0])
	assert.False(t, ok)
}

func TestStrategyFor_LearnsEffectiveType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := shopping(5)

	for i := 0; i < 4; i++ {
		id, err := f.store.RecordShown(ctx, Shown{NudgeType: model.NudgeImpactAwareness, Context: c})
		require.NoError(t, err)
		require.NoError(t, f.store.RecordResponse(ctx, id, ResponseInput{Type: model.ResponseAccepted}))
		require.NoError(t, f.store.RecordOutcome(ctx, id, OutcomeInput{Type: model.OutcomeAlternative, CO2Saved: 10}))
	}

	eff := f.store.Profile().Effectiveness[model.NudgeImpactAwareness]
	assert.Equal(t, 1.0, eff.SuccessRate)
	assert.InDelta(t, 0.7+0.3*(10.0/15.0), eff.Score, 1e-9)

	got := f.store.StrategyFor(c)
	assert.Equal(t, model.NudgeImpactAwareness, got.RecommendedType)
}

func TestStrategyFor_EffortAndStyleLearning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := shopping(5)

	for i := 0; i < 5; i++ {
		id, err := f.store.RecordShown(ctx, Shown{NudgeType: model.NudgeGreenAlternative, Style: model.StyleInformative, Context: c})
		require.NoError(t, err)
		require.NoError(t, f.store.RecordResponse(ctx, id, ResponseInput{Type: model.ResponseAccepted}))
	}
	got := f.store.StrategyFor(c)
	assert.Equal(t, model.EffortHigh, got.EffortLevel)
	assert.Equal(t, model.StyleInformative, got.MessageStyle)

	g := newFixture(t)
	for i := 0; i < 5; i++ {
		id, err := g.store.RecordShown(ctx, Shown{NudgeType: model.NudgeGreenAlternative, Context: c})
		require.NoError(t, err)
		require.NoError(t, g.store.RecordResponse(ctx, id, ResponseInput{Type: model.ResponseDismissed}))
	}
	assert.Equal(t, model.EffortLow, g.store.StrategyFor(c).EffortLevel)
}

func TestLoad_RestoresPersistedProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.RecordShown(ctx, Shown{NudgeType: model.NudgeTravelSwap, Context: model.Context{HourOfDay: 9, Travel: true}})
	require.NoError(t, err)
	require.NoError(t, f.store.RecordResponse(ctx, id, ResponseInput{Type: model.ResponseSnoozed, SnoozeDuration: time.Hour}))

	restored := New(Config{UserID: "local_user"}, f.repo.Profiles(), WithClock(f.clock))
	require.NoError(t, restored.Load(ctx))

	rec, ok := restored.Interaction(id)
	require.True(t, ok)
	assert.Equal(t, model.ResponseSnoozed, rec.Response.Type)
	assert.Equal(t, time.Hour, rec.Response.SnoozeDuration)
	assert.Equal(t, 1, restored.Profile().ResponsePatterns[model.NudgeTravelSwap][9].Snoozed)

	require.NoError(t, restored.Clear(ctx))
	assert.Empty(t, restored.Profile().Interactions)
	empty := New(Config{UserID: "local_user"}, f.repo.Profiles())
	require.NoError(t, empty.Load(ctx))
	assert.Empty(t, empty.Profile().Interactions)
}

func TestSimilarity(t *testing.T) {
	a := shopping(10)
	assert.InDelta(t, 1.0, Similarity(a, shopping(14)), 1e-9)
	assert.InDelta(t, 0.7, Similarity(a, shopping(30)), 1e-9)

	b := a
	b.HourOfDay = 20
	b.ProductCategory = "electronics"
	assert.InDelta(t, 0.3, Similarity(a, b), 1e-9)
}

func TestSimilarAcceptance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := shopping(5)

	_, _, ok := f.store.SimilarAcceptance(model.NudgeGreenAlternative, c)
	assert.False(t, ok)

	for _, r := range []model.ResponseType{model.ResponseAccepted, model.ResponseDismissed, model.ResponseAccepted, model.ResponseAccepted} {
		id, err := f.store.RecordShown(ctx, Shown{NudgeType: model.NudgeGreenAlternative, Context: c})
		require.NoError(t, err)
		require.NoError(t, f.store.RecordResponse(ctx, id, ResponseInput{Type: r}))
	}
	rate, n, ok := f.store.SimilarAcceptance(model.NudgeGreenAlternative, c)
	require.True(t, ok)
	assert.Equal(t, 4, n)
	assert.InDelta(t, 0.75, rate, 1e-9)
}
