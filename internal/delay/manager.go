// Package delay manages cooling-off periods the user puts on purchases.
package delay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/greentrail/nudge-engine/internal/events"
	"github.com/greentrail/nudge-engine/internal/model"
	"github.com/greentrail/nudge-engine/internal/profile"
	"github.com/greentrail/nudge-engine/internal/scheduler"
	"github.com/greentrail/nudge-engine/internal/store"
)

const (
	ReminderPrefix = "delay:"

	co2SavingsRate   = 0.7
	moneySavingsRate = 0.15
	extendStep       = 24 * time.Hour
	maxDelay         = 48 * time.Hour
)

var (
	ErrNotFound         = fmt.Errorf("delay %w", model.ErrNotFound)
	ErrAlreadyCompleted = fmt.Errorf("delay already completed: %w", model.ErrConflict)
	ErrInvalidOutcome   = fmt.Errorf("invalid delay outcome: %w", model.ErrValidation)
	ErrMaxExtension     = fmt.Errorf("delay cannot be extended further: %w", model.ErrConflict)
)

// EventSink receives sync events for the relay.
type EventSink interface {
	Enqueue(ctx context.Context, ev model.SyncEvent) error
}

// OutcomeRecorder is the profile store operation a completed delay feeds.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, id string, in profile.OutcomeInput) error
}

type Config struct {
	UserID       string
	Duration     time.Duration
	ReminderLead time.Duration
}

// Active is an active delay with its remaining time.
type Active struct {
	Record    model.DelayRecord `json:"record"`
	Remaining time.Duration     `json:"remaining"`
}

// OutcomeEvent is emitted when a delay completes.
type OutcomeEvent struct {
	DelayID     string            `json:"delayId"`
	Outcome     model.OutcomeType `json:"outcome"`
	CO2Saved    float64           `json:"co2Saved"`
	MoneySaved  float64           `json:"moneySaved"`
	Item        model.Item        `json:"item"`
	CompletedAt time.Time         `json:"completedAt"`
}

type Manager struct {
	mu      sync.Mutex
	cfg     Config
	repo    store.Delays
	clock   scheduler.Clock
	sched   scheduler.Scheduler
	bus     *events.Bus
	sink    EventSink
	profile OutcomeRecorder
	log     zerolog.Logger
}

// Deps groups the collaborators of a Manager.
type Deps struct {
	Repo      store.Delays
	Clock     scheduler.Clock
	Scheduler scheduler.Scheduler
	Bus       *events.Bus
	Sink      EventSink
	Profile   OutcomeRecorder
	Log       zerolog.Logger
}

func New(cfg Config, deps Deps) *Manager {
	if cfg.Duration <= 0 {
		cfg.Duration = 24 * time.Hour
	}
	if cfg.ReminderLead <= 0 || cfg.ReminderLead >= cfg.Duration {
		cfg.ReminderLead = 2 * time.Hour
	}
	clock := deps.Clock
	if clock == nil {
		clock = scheduler.SystemClock
	}
	return &Manager{
		cfg:     cfg,
		repo:    deps.Repo,
		clock:   clock,
		sched:   deps.Scheduler,
		bus:     deps.Bus,
		sink:    deps.Sink,
		profile: deps.Profile,
		log:     deps.Log.With().Str("component", "delay").Logger(),
	}
}

// Create starts a cooling-off period for item. interactionID links the delay
// to the nudge that proposed it and may be empty.
func (m *Manager) Create(ctx context.Context, item model.Item, interactionID string) (*model.DelayRecord, error) {
	if item.EstimatedKg < 0 || item.PriceUSD < 0 {
		return nil, fmt.Errorf("%w: negative item figures", model.ErrValidation)
	}
	now := m.clock.Now().UTC()
	rec := &model.DelayRecord{
		DelayID:   uuid.NewString(),
		UserID:    m.cfg.UserID,
		Item:      item,
		CreatedAt: now,
		DelayEnd:  now.Add(m.cfg.Duration),
		PotentialSavings: model.Savings{
			CO2:   item.EstimatedKg * co2SavingsRate,
			Money: item.PriceUSD * moneySavingsRate,
		},
		Status:        model.DelayActive,
		InteractionID: interactionID,
	}

	m.mu.Lock()
	err := m.repo.Put(ctx, rec)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("persist delay: %w", err)
	}

	m.scheduleReminder(rec)
	createdTotal.Inc()
	m.emit(ctx, rec.DelayID+":created", model.EventDelayCreated, rec)
	m.log.Info().
		Str("delay_id", rec.DelayID).
		Time("delay_end", rec.DelayEnd).
		Float64("potential_co2", rec.PotentialSavings.CO2).
		Msg("delay created")
	return rec, nil
}

// ListActive returns active delays whose end is still ahead.
func (m *Manager) ListActive(ctx context.Context) ([]Active, error) {
	recs, err := m.repo.ListByStatus(ctx, m.cfg.UserID, model.DelayActive)
	if err != nil {
		return nil, fmt.Errorf("list delays: %w", err)
	}
	now := m.clock.Now()
	out := make([]Active, 0, len(recs))
	for _, rec := range recs {
		if !rec.DelayEnd.After(now) {
			continue
		}
		out = append(out, Active{Record: *rec, Remaining: rec.DelayEnd.Sub(now)})
	}
	return out, nil
}

// Get returns one delay record.
func (m *Manager) Get(ctx context.Context, id string) (*model.DelayRecord, error) {
	rec, err := m.repo.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// Complete records what the user did once the period ends (or early).
func (m *Manager) Complete(ctx context.Context, id string, outcome model.OutcomeType) (*OutcomeEvent, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}

	m.mu.Lock()
	rec, err := m.Get(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if rec.Status == model.DelayCompleted {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	}
	now := m.clock.Now().UTC()
	rec.Status = model.DelayCompleted
	rec.Outcome = &outcome
	rec.CompletedAt = &now
	rec.CO2Saved = co2Saved(rec, outcome)
	err = m.repo.Put(ctx, rec)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("persist delay: %w", err)
	}

	if m.sched != nil {
		m.sched.Cancel(ReminderPrefix + id)
	}
	ev := &OutcomeEvent{
		DelayID:     id,
		Outcome:     outcome,
		CO2Saved:    rec.CO2Saved,
		MoneySaved:  moneySaved(rec, outcome),
		Item:        rec.Item,
		CompletedAt: now,
	}
	completedTotal.WithLabelValues(string(outcome)).Inc()

	if rec.InteractionID != "" && m.profile != nil {
		err := m.profile.RecordOutcome(ctx, rec.InteractionID, profile.OutcomeInput{
			Type:      outcome,
			CO2Saved:  ev.CO2Saved,
			CostSaved: ev.MoneySaved,
			Timestamp: now,
		})
		if err != nil {
			m.log.Warn().Err(err).Str("delay_id", id).Str("interaction_id", rec.InteractionID).Msg("record delay outcome on profile")
		}
	}
	m.emit(ctx, id+":completed", model.EventDelayCompleted, ev)
	m.log.Info().Str("delay_id", id).Str("outcome", string(outcome)).Float64("co2_saved", ev.CO2Saved).Msg("delay completed")
	return ev, nil
}

func co2Saved(rec *model.DelayRecord, outcome model.OutcomeType) float64 {
	switch outcome {
	case model.OutcomeSkipped:
		return rec.Item.EstimatedKg
	case model.OutcomeAlternative:
		return rec.PotentialSavings.CO2
	default:
		return 0
	}
}

func moneySaved(rec *model.DelayRecord, outcome model.OutcomeType) float64 {
	switch outcome {
	case model.OutcomeSkipped:
		return rec.Item.PriceUSD
	case model.OutcomeAlternative:
		return rec.PotentialSavings.Money
	default:
		return 0
	}
}

// Extend pushes the end of an active delay by a day, up to 48h after creation.
func (m *Manager) Extend(ctx context.Context, id string) (*model.DelayRecord, error) {
	m.mu.Lock()
	rec, err := m.Get(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if rec.Status == model.DelayCompleted {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	}
	limit := rec.CreatedAt.Add(maxDelay)
	if !rec.DelayEnd.Before(limit) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMaxExtension, id)
	}
	rec.DelayEnd = rec.DelayEnd.Add(extendStep)
	if rec.DelayEnd.After(limit) {
		rec.DelayEnd = limit
	}
	rec.RemindedAt = nil
	err = m.repo.Put(ctx, rec)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("persist delay: %w", err)
	}
	m.scheduleReminder(rec)
	return rec, nil
}

// IsReminderToken reports whether token belongs to this manager.
func IsReminderToken(token string) bool {
	return strings.HasPrefix(token, ReminderPrefix)
}

// HandleReminder shows the reminder for an active delay once. Reminders for
// completed, ended, already reminded or unknown delays are stale and ignored.
func (m *Manager) HandleReminder(ctx context.Context, token string) (bool, error) {
	id := strings.TrimPrefix(token, ReminderPrefix)
	m.mu.Lock()
	rec, err := m.repo.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		m.mu.Unlock()
		m.log.Debug().Str("delay_id", id).Msg("stale reminder for unknown delay")
		return false, nil
	}
	if err != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("load delay: %w", err)
	}
	now := m.clock.Now()
	if reason := staleReason(rec, now); reason != "" {
		m.mu.Unlock()
		m.log.Debug().Str("delay_id", id).Str("reason", reason).Msg("stale reminder")
		return false, nil
	}
	remindedAt := now.UTC()
	rec.RemindedAt = &remindedAt
	err = m.repo.Put(ctx, rec)
	m.mu.Unlock()
	if err != nil {
		m.log.Warn().Err(err).Str("delay_id", id).Msg("persist reminder state")
	}

	remaining := rec.DelayEnd.Sub(now).Round(time.Minute)
	if m.bus != nil {
		m.bus.Publish(events.KindShowNotification, events.Notification{
			ID:      "delay-reminder:" + id,
			Title:   "Your cooling-off period is almost over",
			Message: fmt.Sprintf("Still thinking about %s? %s left to decide. Skipping it saves %.1f kg of CO2.", rec.Item.Title, remaining, rec.Item.EstimatedKg),
			DelayID: id,
		})
	}
	remindersTotal.Inc()
	return true, nil
}

func staleReason(rec *model.DelayRecord, now time.Time) string {
	switch {
	case rec.Status != model.DelayActive:
		return "completed"
	case !rec.DelayEnd.After(now):
		return "ended"
	case rec.RemindedAt != nil:
		return "already reminded"
	default:
		return ""
	}
}

// RestoreReminders reschedules pending reminders of active delays after a
// restart and returns how many were scheduled.
func (m *Manager) RestoreReminders(ctx context.Context) (int, error) {
	recs, err := m.repo.ListByStatus(ctx, m.cfg.UserID, model.DelayActive)
	if err != nil {
		return 0, fmt.Errorf("list delays: %w", err)
	}
	now := m.clock.Now()
	n := 0
	for _, rec := range recs {
		if staleReason(rec, now) != "" {
			continue
		}
		m.scheduleReminder(rec)
		n++
	}
	return n, nil
}

func (m *Manager) scheduleReminder(rec *model.DelayRecord) {
	if m.sched == nil {
		return
	}
	at := rec.DelayEnd.Add(-m.cfg.ReminderLead)
	if now := m.clock.Now(); at.Before(now) {
		at = now
	}
	m.sched.ScheduleAt(at, ReminderPrefix+rec.DelayID)
}

func (m *Manager) emit(ctx context.Context, id, typ string, payload interface{}) {
	if m.sink == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		m.log.Error().Stack().Err(err).Msg("encode delay event")
		return
	}
	ev := model.SyncEvent{ID: id, Type: typ, Data: data, Source: "delay", Timestamp: m.clock.Now().UTC()}
	if err := m.sink.Enqueue(ctx, ev); err != nil {
		m.log.Warn().Err(err).Str("event_id", id).Msg("enqueue delay event")
	}
}
