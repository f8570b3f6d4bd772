// Package engine is the facade the UI and page observer talk to. It routes
// inbound actions through the timing gate, the selector and the delay
// manager, and owns the settings record.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/greentrail/nudge-engine/internal/config"
	"github.com/greentrail/nudge-engine/internal/delay"
	"github.com/greentrail/nudge-engine/internal/events"
	"github.com/greentrail/nudge-engine/internal/model"
	"github.com/greentrail/nudge-engine/internal/profile"
	"github.com/greentrail/nudge-engine/internal/relay"
	"github.com/greentrail/nudge-engine/internal/scheduler"
	"github.com/greentrail/nudge-engine/internal/selector"
	"github.com/greentrail/nudge-engine/internal/store"
	"github.com/greentrail/nudge-engine/internal/timing"
	"github.com/greentrail/nudge-engine/internal/trigger"
)

// Action kinds reported by the page observer.
const (
	ActionProductView  = "product_view"
	ActionTravelSearch = "travel_search"
	ActionTextFlag     = "text_flag"
	ActionPageVisit    = "page_visit"
	ActionSearchQuery  = "search_query"
)

// Reasons a nudge was not shown, besides the timing and profile reasons.
const (
	ReasonDetectorDisabled = "detector_disabled"
	ReasonNudgesDisabled   = "nudges_disabled"
)

const (
	defaultSnooze = time.Hour
	pendingLimit  = 200
)

// Components are the subsystems the engine coordinates.
type Components struct {
	Profile  *profile.Store
	Timing   *timing.Optimizer
	Triggers *trigger.Engine
	Selector *selector.Selector
	Delays   *delay.Manager
	Relay    *relay.Client
	Settings store.Settings
	Bus      *events.Bus
	Clock    scheduler.Clock
}

// Engine coordinates one user's nudge flow.
type Engine struct {
	userID string
	c      Components
	log    zerolog.Logger

	mu      sync.Mutex
	pending map[string]pendingNudge
	order   []string
}

type pendingNudge struct {
	item model.Item
}

func New(userID string, c Components, log zerolog.Logger) *Engine {
	if c.Clock == nil {
		c.Clock = scheduler.SystemClock
	}
	return &Engine{
		userID:  userID,
		c:       c,
		log:     log.With().Str("component", "engine").Logger(),
		pending: make(map[string]pendingNudge),
	}
}

// Wiring is what Assemble needs to build a complete engine.
type Wiring struct {
	Config    *config.Config
	Store     store.Store
	Clock     scheduler.Clock
	Scheduler scheduler.Scheduler
	// Transport may be nil, in which case sync events stay in the offline queue.
	Transport relay.Transport
	Bus       *events.Bus
	Log       zerolog.Logger
}

// Assemble builds every subsystem from configuration and wires them together.
func Assemble(w Wiring) (*Engine, error) {
	cfg := w.Config
	if w.Clock == nil {
		w.Clock = scheduler.SystemClock
	}
	if w.Bus == nil {
		w.Bus = events.NewBus()
	}
	catalog, err := selector.LoadCatalog()
	if err != nil {
		return nil, fmt.Errorf("load nudge catalog: %w", err)
	}

	queue := relay.NewQueue(cfg.QueueCapacity, w.Store.Queue(), w.Log.With().Str("component", "relay_queue").Logger())
	rel := relay.New(relay.Config{
		HeartbeatInterval:    cfg.HeartbeatInterval(),
		LivenessInterval:     cfg.LivenessInterval(),
		SendTimeout:          cfg.SendTimeout(),
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		BatchSize:            cfg.FlushBatchSize,
		MaxFlushFailures:     cfg.MaxFlushFailures,
	}, w.Transport, queue, w.Clock, w.Scheduler, w.Bus, w.Log)

	tim := timing.New(timing.Config{UserID: cfg.UserID, FatigueLimit: cfg.FatigueLimit}, w.Store.Timing(), w.Clock, w.Scheduler, w.Log)
	prof := profile.New(profile.Config{
		UserID:              cfg.UserID,
		MaxInteractions:     cfg.MaxInteractions,
		FatigueLimit:        cfg.FatigueLimit,
		SimilarityThreshold: cfg.SimilarityThreshold,
		CO2Weight:           cfg.CO2Weight,
		CO2HalfSaturationKg: cfg.CO2HalfSaturationKg,
	}, w.Store.Profiles(),
		profile.WithClock(w.Clock),
		profile.WithSink(rel),
		profile.WithAvoidHours(tim),
		profile.WithLogger(w.Log),
	)
	trig := trigger.New(trigger.Config{Threshold: cfg.TriggerThreshold}, w.Clock, w.Bus, rel, w.Log)
	sel := selector.New(catalog, prof, w.Log)
	del := delay.New(delay.Config{
		UserID:       cfg.UserID,
		Duration:     cfg.DelayDuration(),
		ReminderLead: cfg.ReminderLead(),
	}, delay.Deps{
		Repo:      w.Store.Delays(),
		Clock:     w.Clock,
		Scheduler: w.Scheduler,
		Bus:       w.Bus,
		Sink:      rel,
		Profile:   prof,
		Log:       w.Log,
	})

	return New(cfg.UserID, Components{
		Profile:  prof,
		Timing:   tim,
		Triggers: trig,
		Selector: sel,
		Delays:   del,
		Relay:    rel,
		Settings: w.Store.Settings(),
		Bus:      w.Bus,
		Clock:    w.Clock,
	}, w.Log), nil
}

// Start restores persisted state, re-arms delay reminders and starts the relay.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.c.Profile.Load(ctx); err != nil {
		return err
	}
	if err := e.c.Timing.Load(ctx); err != nil {
		return err
	}
	n, err := e.c.Delays.RestoreReminders(ctx)
	if err != nil {
		return err
	}
	if err := e.c.Relay.Start(ctx); err != nil {
		return err
	}
	e.log.Info().Int("active_delays", n).Msg("engine started")
	return nil
}

// Close stops the relay. Persisted state needs no flushing.
func (e *Engine) Close(ctx context.Context) error {
	return e.c.Relay.Close(ctx)
}

// Bus exposes the outbound event bus.
func (e *Engine) Bus() *events.Bus { return e.c.Bus }

// Relay exposes the sync client for status reporting.
func (e *Engine) Relay() *relay.Client { return e.c.Relay }

// ActionPayload is what the page observer reports. Emission and price
// figures are opaque inputs.
type ActionPayload struct {
	URL           string  `json:"url,omitempty" validate:"omitempty,url"`
	Title         string  `json:"title,omitempty" validate:"max=512"`
	Category      string  `json:"category,omitempty" validate:"max=64"`
	PriceUSD      float64 `json:"price,omitempty" validate:"gte=0"`
	EmissionKg    float64 `json:"emissionKg,omitempty" validate:"gte=0"`
	CostSavings   float64 `json:"costSavings,omitempty" validate:"gte=0"`
	GridIntensity float64 `json:"gridIntensity,omitempty" validate:"gte=0"`
	HighImpact    bool    `json:"highImpact,omitempty"`
	Engagement    float64 `json:"engagement,omitempty" validate:"gte=0,lte=1"`
	DwellSeconds  float64 `json:"dwellSeconds,omitempty" validate:"gte=0"`
	Query         string  `json:"query,omitempty" validate:"max=512"`
}

// ActionResult reports what the engine did with an action.
type ActionResult struct {
	Show        bool                 `json:"show"`
	Reason      string               `json:"reason,omitempty"`
	Nudge       *selector.Nudge      `json:"nudge,omitempty"`
	Timing      *timing.Decision     `json:"timing,omitempty"`
	Predictions []trigger.Prediction `json:"predictions,omitempty"`
}

// ReportAction handles one observation from the page observer.
func (e *Engine) ReportAction(ctx context.Context, kind string, p ActionPayload) (ActionResult, error) {
	settings, err := e.Settings(ctx)
	if err != nil {
		return ActionResult{}, err
	}
	actionsTotal.WithLabelValues(kind).Inc()

	var res ActionResult
	switch kind {
	case ActionPageVisit:
		if settings.Predictive && p.URL != "" {
			res.Predictions = e.c.Triggers.TrackVisit(ctx, p.URL, p.Title, dwell(p))
		}
		e.c.Timing.TrackActivity(ctx)
		return res, nil
	case ActionSearchQuery:
		if settings.Predictive && p.Query != "" {
			res.Predictions = e.c.Triggers.TrackQuery(ctx, p.Query)
		}
		e.c.Timing.TrackActivity(ctx)
		return res, nil
	case ActionProductView, ActionTravelSearch, ActionTextFlag:
	default:
		return ActionResult{}, fmt.Errorf("%w: unknown action kind %q", model.ErrValidation, kind)
	}

	if settings.Predictive && p.URL != "" {
		res.Predictions = e.c.Triggers.TrackVisit(ctx, p.URL, p.Title, dwell(p))
	}
	e.c.Timing.TrackActivity(ctx)

	if !detectorEnabled(settings, kind) {
		res.Reason = ReasonDetectorDisabled
		return res, nil
	}
	if !settings.Nudges {
		res.Reason = ReasonNudgesDisabled
		return res, nil
	}

	c := model.ContextAt(model.Context{
		SourceDomain:    domainOf(p.URL),
		ProductCategory: p.Category,
		EmissionLevel:   p.EmissionKg,
		GridIntensity:   p.GridIntensity,
		PriceUSD:        p.PriceUSD,
		CostSavings:     p.CostSavings,
		HighImpact:      p.HighImpact,
		Engagement:      p.Engagement,
		Travel:          kind == ActionTravelSearch,
	}, e.c.Clock.Now())

	gate := e.c.Timing.ShouldShowNudge(c)
	res.Timing = &gate
	if !gate.Show {
		res.Reason = gate.Reason
		return res, nil
	}

	item := model.Item{Title: p.Title, URL: p.URL, Category: p.Category, PriceUSD: p.PriceUSD, EstimatedKg: p.EmissionKg}
	nudge, reason, err := e.showNudge(ctx, c, item)
	if err != nil {
		return res, err
	}
	res.Show = nudge != nil
	res.Nudge = nudge
	res.Reason = reason
	return res, nil
}

// showNudge runs the selector for c and, when it produces a nudge, logs it
// with the timing optimizer and publishes it to the UI.
func (e *Engine) showNudge(ctx context.Context, c model.Context, item model.Item) (*selector.Nudge, string, error) {
	dec, err := e.c.Selector.Select(ctx, c)
	if err != nil {
		return nil, "", err
	}
	if !dec.Show {
		return nil, dec.Reason, nil
	}
	n := dec.Nudge
	e.c.Timing.TrackInteraction(ctx, n.Type, timing.ActionShown, c)
	e.remember(n.InteractionID, item)
	e.c.Bus.Publish(events.KindShowNudge, *n)
	nudgesShownTotal.WithLabelValues(string(n.Type)).Inc()
	e.log.Info().
		Str("interaction_id", n.InteractionID).
		Str("type", string(n.Type)).
		Str("style", string(n.Style)).
		Float64("confidence", n.Confidence).
		Msg("nudge shown")
	return n, "", nil
}

func (e *Engine) remember(id string, item model.Item) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[id] = pendingNudge{item: item}
	e.order = append(e.order, id)
	for len(e.order) > pendingLimit {
		delete(e.pending, e.order[0])
		e.order = e.order[1:]
	}
}

func (e *Engine) takePending(id string) (pendingNudge, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[id]
	delete(e.pending, id)
	return p, ok
}

// ResponsePayload is the UI's answer to a shown nudge.
type ResponsePayload struct {
	InteractionID string             `json:"interactionId" validate:"required"`
	Response      model.ResponseType `json:"response" validate:"required,oneof=accepted dismissed snoozed ignored"`
	SnoozeMinutes int                `json:"snoozeMinutes,omitempty" validate:"gte=0,lte=1440"`
}

// ResponseResult reports follow-up work triggered by a response.
type ResponseResult struct {
	SnoozeToken string             `json:"snoozeToken,omitempty"`
	Delay       *model.DelayRecord `json:"delay,omitempty"`
}

// RecordResponse stores the user's response. A snooze schedules a
// re-evaluation; accepting a delay_purchase nudge starts a cooling-off period.
func (e *Engine) RecordResponse(ctx context.Context, p ResponsePayload) (ResponseResult, error) {
	rec, ok := e.c.Profile.Interaction(p.InteractionID)
	if !ok {
		return ResponseResult{}, fmt.Errorf("%w: %s", profile.ErrInteractionNotFound, p.InteractionID)
	}
	snooze := time.Duration(p.SnoozeMinutes) * time.Minute
	if p.Response == model.ResponseSnoozed && snooze == 0 {
		snooze = defaultSnooze
	}
	if err := e.c.Profile.RecordResponse(ctx, p.InteractionID, profile.ResponseInput{
		Type:           p.Response,
		SnoozeDuration: snooze,
	}); err != nil {
		return ResponseResult{}, err
	}
	e.c.Timing.TrackInteraction(ctx, rec.NudgeType, string(p.Response), rec.Context)
	pending, _ := e.takePending(p.InteractionID)

	var res ResponseResult
	switch p.Response {
	case model.ResponseSnoozed:
		res.SnoozeToken = e.c.Timing.Snooze(rec.Context, snooze)
	case model.ResponseAccepted:
		if rec.NudgeType != model.NudgeDelayPurchase {
			break
		}
		settings, err := e.Settings(ctx)
		if err != nil {
			return res, err
		}
		if !settings.Delay {
			break
		}
		item := pending.item
		if item == (model.Item{}) {
			item = model.Item{Category: rec.Category, PriceUSD: rec.Context.PriceUSD, EstimatedKg: rec.Context.EmissionLevel}
		}
		d, err := e.c.Delays.Create(ctx, item, p.InteractionID)
		if err != nil {
			return res, err
		}
		res.Delay = d
	}
	return res, nil
}

// AlarmFired routes a scheduler token to its owner. Unknown or stale tokens
// are a no-op.
func (e *Engine) AlarmFired(ctx context.Context, token string) (bool, error) {
	alarmsTotal.WithLabelValues(alarmKind(token)).Inc()
	switch {
	case delay.IsReminderToken(token):
		return e.c.Delays.HandleReminder(ctx, token)
	case strings.HasPrefix(token, timing.SnoozePrefix):
		res, ok := e.c.Timing.HandleAlarm(token)
		if !ok {
			return false, nil
		}
		if !res.Decision.Show {
			e.log.Debug().Str("token", token).Str("reason", res.Decision.Reason).Msg("snoozed nudge still held back")
			return true, nil
		}
		c := model.ContextAt(res.Context, e.c.Clock.Now())
		item := model.Item{Category: c.ProductCategory, PriceUSD: c.PriceUSD, EstimatedKg: c.EmissionLevel}
		_, _, err := e.showNudge(ctx, c, item)
		return true, err
	case relay.IsAlarm(token):
		return e.c.Relay.HandleAlarm(token), nil
	default:
		e.log.Warn().Str("token", token).Msg("unknown alarm token")
		return false, nil
	}
}

// HandleAlarm adapts AlarmFired to the scheduler callback.
func (e *Engine) HandleAlarm(token string) {
	if _, err := e.AlarmFired(context.Background(), token); err != nil {
		e.log.Error().Err(err).Str("token", token).Msg("alarm handler")
	}
}

func alarmKind(token string) string {
	if i := strings.IndexByte(token, ':'); i > 0 {
		return token[:i]
	}
	return "unknown"
}

// Settings returns the persisted settings record.
func (e *Engine) Settings(ctx context.Context) (model.Settings, error) {
	s, err := e.c.Settings.Get(ctx, e.userID)
	if err != nil {
		return model.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

// SetSettings merges patch into the settings record.
func (e *Engine) SetSettings(ctx context.Context, patch model.SettingsPatch) (model.Settings, error) {
	cur, err := e.Settings(ctx)
	if err != nil {
		return model.Settings{}, err
	}
	next := patch.Apply(cur)
	if err := e.c.Settings.Put(ctx, e.userID, next); err != nil {
		return model.Settings{}, fmt.Errorf("save settings: %w", err)
	}
	if next.Predictive != cur.Predictive && !next.Predictive {
		e.c.Triggers.ResetSession()
	}
	e.emit(ctx, model.EventSettingsChanged, next)
	e.log.Info().Interface("settings", next).Msg("settings updated")
	return next, nil
}

// CompleteDelay records the user's final choice on a cooling-off item.
func (e *Engine) CompleteDelay(ctx context.Context, delayID string, outcome string) (*delay.OutcomeEvent, error) {
	o, err := model.ParseOutcomeType(outcome)
	if err != nil {
		return nil, err
	}
	return e.c.Delays.Complete(ctx, delayID, o)
}

func (e *Engine) ExtendDelay(ctx context.Context, delayID string) (*model.DelayRecord, error) {
	return e.c.Delays.Extend(ctx, delayID)
}

func (e *Engine) ActiveDelays(ctx context.Context) ([]delay.Active, error) {
	return e.c.Delays.ListActive(ctx)
}

// ClearProfile forgets learned behavior: interactions, the activity
// histogram and the trigger session.
func (e *Engine) ClearProfile(ctx context.Context) error {
	if err := e.c.Profile.Clear(ctx); err != nil {
		return err
	}
	if err := e.c.Timing.Reset(ctx); err != nil {
		return err
	}
	e.c.Triggers.ResetSession()
	e.mu.Lock()
	e.pending = make(map[string]pendingNudge)
	e.order = nil
	e.mu.Unlock()
	return nil
}

// Stats is the summary the UI displays.
type Stats struct {
	Profile      profile.Summary `json:"profile"`
	ActiveDelays int             `json:"activeDelays"`
	AvoidHours   []int           `json:"avoidHours"`
	Sync         relay.Status    `json:"sync"`
	Settings     model.Settings  `json:"settings"`
}

// GetStats aggregates totals across the subsystems.
func (e *Engine) GetStats(ctx context.Context) (Stats, error) {
	active, err := e.c.Delays.ListActive(ctx)
	if err != nil {
		return Stats{}, err
	}
	settings, err := e.Settings(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Profile:      e.c.Profile.Summary(),
		ActiveDelays: len(active),
		AvoidHours:   e.c.Timing.AvoidHours(),
		Sync:         e.c.Relay.Status(),
		Settings:     settings,
	}, nil
}

func (e *Engine) emit(ctx context.Context, typ string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.log.Error().Stack().Err(err).Msg("encode engine event")
		return
	}
	ev := model.SyncEvent{
		ID:        typ + ":" + uuid.NewString(),
		Type:      typ,
		Data:      data,
		Source:    "engine",
		Timestamp: e.c.Clock.Now().UTC(),
	}
	if err := e.c.Relay.Enqueue(ctx, ev); err != nil && !errors.Is(err, relay.ErrClosed) {
		e.log.Warn().Err(err).Str("event_id", ev.ID).Msg("enqueue engine event")
	}
}

func detectorEnabled(s model.Settings, kind string) bool {
	switch kind {
	case ActionProductView:
		return s.Product
	case ActionTravelSearch:
		return s.Travel
	case ActionTextFlag:
		return s.Text
	}
	return true
}

func dwell(p ActionPayload) time.Duration {
	return time.Duration(p.DwellSeconds * float64(time.Second))
}

func domainOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
