// Package trigger predicts high-impact actions from the browsing session
// and raises proactive alerts before they happen.
package trigger

import (
	"context"
	"encoding/json"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/greentrail/nudge-engine/internal/events"
	"github.com/greentrail/nudge-engine/internal/model"
	"github.com/greentrail/nudge-engine/internal/scheduler"
)

const (
	maxVisits  = 100
	maxQueries = 50
)

// EventSink receives sync events for the relay.
type EventSink interface {
	Enqueue(ctx context.Context, ev model.SyncEvent) error
}

type Visit struct {
	URL       string        `json:"url"`
	Domain    string        `json:"domain"`
	Title     string        `json:"title,omitempty"`
	Dwell     time.Duration `json:"dwell,omitempty"`
	Category  string        `json:"category,omitempty"`
	ProductID string        `json:"productId,omitempty"`
	Time      time.Time     `json:"time"`
}

type Query struct {
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Session is the rolling window the triggers evaluate.
type Session struct {
	ID        string    `json:"id"`
	Visits    []Visit   `json:"visits"`
	Queries   []Query   `json:"queries"`
	StartTime time.Time `json:"startTime"`
}

func (s *Session) distinctDomains(category string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, v := range s.Visits {
		if v.Category == category {
			out[v.Domain] = struct{}{}
		}
	}
	return out
}

// PredictionContext explains a prediction.
type PredictionContext struct {
	RelevantSites  int     `json:"relevantSites"`
	SessionMinutes float64 `json:"sessionMinutes"`
	HourOfDay      int     `json:"hourOfDay"`
}

// Prediction is a trigger whose confidence reached the threshold.
type Prediction struct {
	TriggerID    string            `json:"triggerId"`
	Action       string            `json:"action"`
	Category     string            `json:"category"`
	Confidence   float64           `json:"confidence"`
	Intervention model.NudgeType   `json:"intervention"`
	Context      PredictionContext `json:"context"`
}

// Record is the synced form of a firing. It has the shape of an interaction
// record so the collector stores both alike.
type Record struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	NudgeType model.NudgeType `json:"nudgeType"`
	Category  string          `json:"category"`
	Context   model.Context   `json:"context"`
	Trigger   Prediction      `json:"trigger"`
}

type Config struct {
	Threshold   float64
	IdleTimeout time.Duration
}

// Engine owns the session window and the per-session fired set.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	clock   scheduler.Clock
	bus     *events.Bus
	sink    EventSink
	log     zerolog.Logger
	defs    []Definition
	session Session
	fired   map[string]bool
	lastAt  time.Time
}

func New(cfg Config, clock scheduler.Clock, bus *events.Bus, sink EventSink, log zerolog.Logger) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.7
	}
	if clock == nil {
		clock = scheduler.SystemClock
	}
	e := &Engine{
		cfg:   cfg,
		clock: clock,
		bus:   bus,
		sink:  sink,
		log:   log.With().Str("component", "trigger").Logger(),
		defs:  DefaultCatalog(),
	}
	e.resetLocked()
	return e
}

// Register adds a trigger definition, replacing one with the same id.
func (e *Engine) Register(def Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.defs {
		if e.defs[i].ID == def.ID {
			e.defs[i] = def
			return
		}
	}
	e.defs = append(e.defs, def)
}

// ResetSession starts a new session window; every trigger may fire again.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Engine) resetLocked() {
	e.session = Session{ID: uuid.NewString()}
	e.fired = make(map[string]bool)
	e.lastAt = time.Time{}
}

// TrackVisit adds a page visit and returns newly fired predictions.
func (e *Engine) TrackVisit(ctx context.Context, rawURL, title string, dwell time.Duration) []Prediction {
	now := e.clock.Now()
	domain := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		domain = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	}
	v := Visit{
		URL:       rawURL,
		Domain:    domain,
		Title:     title,
		Dwell:     dwell,
		Category:  Classify(rawURL),
		ProductID: ProductID(rawURL),
		Time:      now,
	}

	e.mu.Lock()
	e.touchLocked(now)
	e.session.Visits = append(e.session.Visits, v)
	if len(e.session.Visits) > maxVisits {
		e.session.Visits = e.session.Visits[len(e.session.Visits)-maxVisits:]
	}
	fired, sessionID := e.fireLocked(now)
	e.mu.Unlock()

	e.dispatch(ctx, sessionID, v.Domain, fired)
	return fired
}

// TrackQuery adds a search query and returns newly fired predictions.
func (e *Engine) TrackQuery(ctx context.Context, text string) []Prediction {
	now := e.clock.Now()

	e.mu.Lock()
	e.touchLocked(now)
	e.session.Queries = append(e.session.Queries, Query{Text: text, Time: now})
	if len(e.session.Queries) > maxQueries {
		e.session.Queries = e.session.Queries[len(e.session.Queries)-maxQueries:]
	}
	fired, sessionID := e.fireLocked(now)
	e.mu.Unlock()

	e.dispatch(ctx, sessionID, "", fired)
	return fired
}

// AnalyzeSession returns every prediction currently at or above the threshold,
// whether or not it already fired.
func (e *Engine) AnalyzeSession() []Prediction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.analyzeLocked(e.clock.Now())
}

// Session returns a copy of the current window.
func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	s.Visits = append([]Visit(nil), e.session.Visits...)
	s.Queries = append([]Query(nil), e.session.Queries...)
	return s
}

func (e *Engine) touchLocked(now time.Time) {
	if e.cfg.IdleTimeout > 0 && !e.lastAt.IsZero() && now.Sub(e.lastAt) > e.cfg.IdleTimeout {
		e.log.Debug().Str("session_id", e.session.ID).Msg("session idle, starting a new one")
		e.resetLocked()
	}
	if e.session.StartTime.IsZero() {
		e.session.StartTime = now
	}
	e.lastAt = now
}

func (e *Engine) fireLocked(now time.Time) ([]Prediction, string) {
	var out []Prediction
	for _, p := range e.analyzeLocked(now) {
		if e.fired[p.TriggerID] {
			continue
		}
		e.fired[p.TriggerID] = true
		out = append(out, p)
	}
	return out, e.session.ID
}

func (e *Engine) analyzeLocked(now time.Time) []Prediction {
	duration := now.Sub(e.session.StartTime)
	var out []Prediction
	for _, def := range e.defs {
		matched, relevant := def.Match(&e.session, now)
		if !matched {
			continue
		}
		conf := def.BaseConfidence
		if def.ExpectedDuration > 0 && duration > def.ExpectedDuration/2 {
			conf *= 1.2
		}
		if relevant > 2 {
			conf *= 1.1
		}
		if def.Category == CategoryShopping && now.Hour() >= 19 && now.Hour() <= 22 {
			conf *= 1.15
		}
		conf = math.Min(1.0, conf)
		if conf < e.cfg.Threshold {
			continue
		}
		out = append(out, Prediction{
			TriggerID:    def.ID,
			Action:       def.Action,
			Category:     def.Category,
			Confidence:   conf,
			Intervention: def.Intervention,
			Context: PredictionContext{
				RelevantSites:  relevant,
				SessionMinutes: duration.Minutes(),
				HourOfDay:      now.Hour(),
			},
		})
	}
	return out
}

func (e *Engine) dispatch(ctx context.Context, sessionID, domain string, fired []Prediction) {
	for _, p := range fired {
		firedTotal.WithLabelValues(p.TriggerID).Inc()
		e.log.Info().
			Str("trigger_id", p.TriggerID).
			Float64("confidence", p.Confidence).
			Msg("predictive trigger fired")
		if e.bus != nil {
			e.bus.Publish(events.KindProactiveAlert, p)
		}
		if e.sink == nil {
			continue
		}
		now := e.clock.Now().UTC()
		id := sessionID + ":" + p.TriggerID
		data, err := json.Marshal(newRecord(id, domain, now, p))
		if err != nil {
			e.log.Error().Stack().Err(err).Msg("encode prediction")
			continue
		}
		ev := model.SyncEvent{
			ID:        id,
			Type:      model.EventPredictiveTrigger,
			Data:      data,
			Source:    "trigger",
			Timestamp: now,
		}
		if err := e.sink.Enqueue(ctx, ev); err != nil {
			e.log.Warn().Err(err).Str("event_id", ev.ID).Msg("enqueue prediction")
		}
	}
}

func newRecord(id, domain string, now time.Time, p Prediction) Record {
	c := model.ContextAt(model.Context{
		SourceDomain:    domain,
		ProductCategory: p.Category,
		Travel:          p.Category == CategoryTravel,
	}, now)
	c.HourOfDay = p.Context.HourOfDay
	return Record{
		ID:        id,
		Timestamp: now,
		NudgeType: p.Intervention,
		Category:  p.Category,
		Context:   c,
		Trigger:   p,
	}
}
