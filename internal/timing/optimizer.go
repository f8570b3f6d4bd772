// Package timing decides when a nudge may be shown, from the user's
// activity histogram and the log of recent nudges.
package timing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/greentrail/nudge-engine/internal/model"
	"github.com/greentrail/nudge-engine/internal/scheduler"
	"github.com/greentrail/nudge-engine/internal/store"
)

const (
	highActivity    = 0.8
	minGap          = 15 * time.Minute
	showThreshold   = 0.3
	activityStep    = 0.1
	maxNudgeLog     = 200
	avoidMinSamples = 3
	avoidMaxRate    = 0.15
	delayAdvantage  = 1.2

	SnoozePrefix = "snooze:"
)

const (
	ReasonHighActivity   = "high_activity"
	ReasonFatigue        = "nudge_fatigue"
	ReasonTooRecent      = "too_recent"
	ReasonLowProbability = "low_probability"
	ReasonOptimal        = "optimal"
)

var peakHours = map[int]bool{10: true, 11: true, 14: true, 15: true, 16: true, 19: true, 20: true, 21: true}

// Action values accepted by TrackInteraction besides response types.
const ActionShown = "shown"

// Decision is the timing gate result.
type Decision struct {
	Show        bool    `json:"show"`
	Probability float64 `json:"probability"`
	Reason      string  `json:"reason"`
}

// OptimalTime is the best hour within the next day.
type OptimalTime struct {
	OptimalHour int     `json:"optimalHour"`
	DelayHours  int     `json:"delayHours"`
	Probability float64 `json:"probability"`
	ShouldDelay bool    `json:"shouldDelay"`
}

// LogEntry is one nudge event in the bounded history.
type LogEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	NudgeType model.NudgeType `json:"nudgeType"`
	Action    string          `json:"action"`
	Hour      int             `json:"hour"`
}

type state struct {
	Activity [24]float64 `json:"activity"`
	Nudges   []LogEntry  `json:"nudges"`
}

type Config struct {
	UserID       string
	FatigueLimit int
}

// Optimizer owns the activity histogram and nudge log.
type Optimizer struct {
	mu      sync.Mutex
	cfg     Config
	repo    store.Blobs
	clock   scheduler.Clock
	sched   scheduler.Scheduler
	log     zerolog.Logger
	state   state
	snoozes map[string]model.Context
}

func New(cfg Config, repo store.Blobs, clock scheduler.Clock, sched scheduler.Scheduler, log zerolog.Logger) *Optimizer {
	if cfg.FatigueLimit <= 0 {
		cfg.FatigueLimit = 3
	}
	if clock == nil {
		clock = scheduler.SystemClock
	}
	return &Optimizer{
		cfg:     cfg,
		repo:    repo,
		clock:   clock,
		sched:   sched,
		log:     log.With().Str("component", "timing").Logger(),
		snoozes: make(map[string]model.Context),
	}
}

// Load restores the persisted histogram and log.
func (o *Optimizer) Load(ctx context.Context) error {
	data, err := o.repo.Get(ctx, o.cfg.UserID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load timing state: %w", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode timing state: %w", err)
	}
	for h := range st.Activity {
		st.Activity[h] = clamp01(st.Activity[h])
	}
	if len(st.Nudges) > maxNudgeLog {
		st.Nudges = st.Nudges[len(st.Nudges)-maxNudgeLog:]
	}
	o.mu.Lock()
	o.state = st
	o.mu.Unlock()
	return nil
}

// ShouldShowNudge applies the timing gates for the current hour.
func (o *Optimizer) ShouldShowNudge(c model.Context) Decision {
	o.mu.Lock()
	defer o.mu.Unlock()
	d := o.decideLocked(c)
	decisionsTotal.WithLabelValues(d.Reason).Inc()
	return d
}

func (o *Optimizer) decideLocked(c model.Context) Decision {
	now := o.clock.Now()
	h := now.Hour()

	if o.state.Activity[h] > highActivity {
		return Decision{Show: false, Reason: ReasonHighActivity}
	}
	shown, last := o.shownSinceLocked(now.Add(-time.Hour))
	if shown >= o.cfg.FatigueLimit {
		return Decision{Show: false, Reason: ReasonFatigue}
	}
	if !last.IsZero() && now.Sub(last) < minGap {
		return Decision{Show: false, Reason: ReasonTooRecent}
	}
	p := o.probabilityLocked(h, c)
	if p <= showThreshold {
		return Decision{Show: false, Probability: p, Reason: ReasonLowProbability}
	}
	return Decision{Show: true, Probability: p, Reason: ReasonOptimal}
}

// Probability is the show probability for hour h in context c.
func (o *Optimizer) Probability(h int, c model.Context) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.probabilityLocked(h, c)
}

func (o *Optimizer) probabilityLocked(h int, c model.Context) float64 {
	p := 0.5
	p *= timeMultiplier(h)
	p *= math.Max(0.2, 1-o.state.Activity[h])
	p *= contextMultiplier(c)
	p *= 0.5 + o.successRateLocked(h)
	return clamp01(p)
}

func timeMultiplier(h int) float64 {
	switch {
	case peakHours[h]:
		return 1.3
	case h <= 6 || h >= 22:
		return 0.4
	default:
		return 1.0
	}
}

func contextMultiplier(c model.Context) float64 {
	m := 1.0
	if c.HighImpact || c.EmissionLevel >= model.HighEmissionKg {
		m *= 1.5
	}
	if c.Engagement >= 0.7 {
		m *= 1.2
	}
	return m
}

// successRateLocked is the acceptance rate of responses logged at hour h, 0.5 with no data.
func (o *Optimizer) successRateLocked(h int) float64 {
	responded, accepted := o.hourStatsLocked(h)
	if responded == 0 {
		return 0.5
	}
	return float64(accepted) / float64(responded)
}

func (o *Optimizer) hourStatsLocked(h int) (responded, accepted int) {
	for _, e := range o.state.Nudges {
		if e.Hour != h || e.Action == ActionShown {
			continue
		}
		responded++
		if e.Action == string(model.ResponseAccepted) {
			accepted++
		}
	}
	return responded, accepted
}

func (o *Optimizer) shownSinceLocked(t time.Time) (int, time.Time) {
	n := 0
	var last time.Time
	for _, e := range o.state.Nudges {
		if e.Action != ActionShown {
			continue
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
		if !e.Timestamp.Before(t) {
			n++
		}
	}
	return n, last
}

// TrackActivity bumps the histogram bucket of the current hour.
func (o *Optimizer) TrackActivity(ctx context.Context) {
	o.mu.Lock()
	h := o.clock.Now().Hour()
	a := o.state.Activity[h]
	o.state.Activity[h] = clamp01(a + (1-a)*activityStep)
	data := o.snapshotLocked()
	o.mu.Unlock()
	o.persist(ctx, data)
}

// TrackInteraction logs a shown nudge or a response to one.
func (o *Optimizer) TrackInteraction(ctx context.Context, t model.NudgeType, action string, c model.Context) {
	o.mu.Lock()
	now := o.clock.Now()
	hour := now.Hour()
	if action != ActionShown && c.HourOfDay >= 0 && c.HourOfDay < 24 {
		// responses count toward the hour the nudge was shown
		hour = c.HourOfDay
	}
	o.state.Nudges = append(o.state.Nudges, LogEntry{Timestamp: now.UTC(), NudgeType: t, Action: action, Hour: hour})
	if len(o.state.Nudges) > maxNudgeLog {
		o.state.Nudges = append([]LogEntry(nil), o.state.Nudges[len(o.state.Nudges)-maxNudgeLog:]...)
	}
	data := o.snapshotLocked()
	o.mu.Unlock()
	o.persist(ctx, data)
}

// OptimalTimeFor scans the next 24 hours for the most promising hour.
func (o *Optimizer) OptimalTimeFor(c model.Context) OptimalTime {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now().Hour()
	current := o.probabilityLocked(now, c)
	best := OptimalTime{OptimalHour: now, Probability: current}
	for offset := 1; offset < 24; offset++ {
		h := (now + offset) % 24
		if p := o.probabilityLocked(h, c); p > best.Probability {
			best = OptimalTime{OptimalHour: h, DelayHours: offset, Probability: p}
		}
	}
	best.ShouldDelay = best.DelayHours > 0 && best.Probability > current*delayAdvantage
	return best
}

// AvoidHours lists hours with enough responses and a very low acceptance rate.
func (o *Optimizer) AvoidHours() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []int
	for h := 0; h < 24; h++ {
		responded, accepted := o.hourStatsLocked(h)
		if responded >= avoidMinSamples && float64(accepted)/float64(responded) < avoidMaxRate {
			out = append(out, h)
		}
	}
	return out
}

// Activity returns a copy of the histogram.
func (o *Optimizer) Activity() [24]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Activity
}

// Snooze re-evaluates c after d and returns the alarm token.
func (o *Optimizer) Snooze(c model.Context, d time.Duration) string {
	token := SnoozePrefix + uuid.NewString()
	o.mu.Lock()
	o.snoozes[token] = c
	at := o.clock.Now().Add(d)
	o.mu.Unlock()
	o.sched.ScheduleAt(at, token)
	o.log.Debug().Str("token", token).Dur("after", d).Msg("nudge snoozed")
	return token
}

// SnoozeResult is the re-evaluation of a snoozed nudge.
type SnoozeResult struct {
	Decision Decision
	Context  model.Context
}

// HandleAlarm re-runs the gate for a snooze token. ok is false for unknown tokens.
func (o *Optimizer) HandleAlarm(token string) (SnoozeResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.snoozes[token]
	if !ok {
		return SnoozeResult{}, false
	}
	delete(o.snoozes, token)
	d := o.decideLocked(c)
	decisionsTotal.WithLabelValues(d.Reason).Inc()
	return SnoozeResult{Decision: d, Context: c}, true
}

// Reset clears the histogram, the log and pending snoozes.
func (o *Optimizer) Reset(ctx context.Context) error {
	o.mu.Lock()
	o.state = state{}
	tokens := make([]string, 0, len(o.snoozes))
	for token := range o.snoozes {
		tokens = append(tokens, token)
	}
	o.snoozes = make(map[string]model.Context)
	o.mu.Unlock()
	for _, token := range tokens {
		o.sched.Cancel(token)
	}
	return o.repo.Delete(ctx, o.cfg.UserID)
}

func (o *Optimizer) snapshotLocked() []byte {
	data, err := json.Marshal(o.state)
	if err != nil {
		o.log.Error().Stack().Err(err).Msg("encode timing state")
		return nil
	}
	return data
}

func (o *Optimizer) persist(ctx context.Context, data []byte) {
	if data == nil {
		return
	}
	if err := o.repo.Put(ctx, o.cfg.UserID, data); err != nil {
		o.log.Error().Stack().Err(err).Msg("persist timing state")
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
