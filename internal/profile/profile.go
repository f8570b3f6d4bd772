// Package profile is the behavior profile store: the record of every nudge
// shown to the user, their responses and outcomes, and the statistics the
// engine learns from them.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/greentrail/nudge-engine/internal/model"
	"github.com/greentrail/nudge-engine/internal/scheduler"
	"github.com/greentrail/nudge-engine/internal/store"
)

var (
	ErrInteractionNotFound = fmt.Errorf("interaction %w", model.ErrNotFound)
	ErrAlreadyRecorded     = fmt.Errorf("already recorded: %w", model.ErrConflict)
	ErrOutOfOrder          = fmt.Errorf("interaction update out of order: %w", model.ErrConflict)
)

// EventSink receives sync events for the relay.
type EventSink interface {
	Enqueue(ctx context.Context, ev model.SyncEvent) error
}

// AvoidHourSource reports hours in which nudges historically fail.
type AvoidHourSource interface {
	AvoidHours() []int
}

// Config tunes learning and gating.
type Config struct {
	UserID              string
	MaxInteractions     int
	FatigueLimit        int
	SimilarityThreshold float64
	CO2Weight           float64
	CO2HalfSaturationKg float64
}

func (c *Config) setDefaults() {
	if c.MaxInteractions <= 0 {
		c.MaxInteractions = 500
	}
	if c.FatigueLimit <= 0 {
		c.FatigueLimit = 3
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.5
	}
	if c.CO2HalfSaturationKg <= 0 {
		c.CO2HalfSaturationKg = 5
	}
}

// Store owns the behavior profile of one user.
type Store struct {
	mu      sync.Mutex
	cfg     Config
	repo    store.Blobs
	clock   scheduler.Clock
	sink    EventSink
	avoid   AvoidHourSource
	log     zerolog.Logger
	profile BehaviorProfile
}

// Option configures a Store.
type Option func(*Store)

func WithClock(c scheduler.Clock) Option { return func(s *Store) { s.clock = c } }

func WithSink(sink EventSink) Option { return func(s *Store) { s.sink = sink } }

func WithAvoidHours(src AvoidHourSource) Option { return func(s *Store) { s.avoid = src } }

func WithLogger(log zerolog.Logger) Option { return func(s *Store) { s.log = log } }

// New creates an empty profile store. Call Load to restore persisted state.
func New(cfg Config, repo store.Blobs, opts ...Option) *Store {
	cfg.setDefaults()
	s := &Store{
		cfg:   cfg,
		repo:  repo,
		clock: scheduler.SystemClock,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "profile").Logger()
	s.profile = newProfile(cfg.UserID)
	return s
}

// SetSink wires the relay after construction.
func (s *Store) SetSink(sink EventSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// SetAvoidHours wires the timing optimizer after construction.
func (s *Store) SetAvoidHours(src AvoidHourSource) {
	s.mu.Lock()
	s.avoid = src
	s.mu.Unlock()
}

// Load restores the persisted profile. A missing record leaves the profile empty.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.repo.Get(ctx, s.cfg.UserID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	var p BehaviorProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode profile: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p.UserID = s.cfg.UserID
	p.Interactions = trimFIFO(p.Interactions, s.cfg.MaxInteractions)
	p.rebuild(s.cfg)
	s.profile = p
	s.log.Info().Int("interactions", len(p.Interactions)).Msg("profile loaded")
	return nil
}

// Shown describes a nudge that is about to be displayed.
type Shown struct {
	NudgeType model.NudgeType
	Category  string
	Effort    model.EffortLevel
	Style     model.MessageStyle
	Context   model.Context
}

// RecordShown appends a new interaction and returns its id.
func (s *Store) RecordShown(ctx context.Context, in Shown) (string, error) {
	if !in.NudgeType.Valid() {
		return "", fmt.Errorf("%w: nudge type %q", model.ErrValidation, in.NudgeType)
	}
	if in.Effort == "" {
		in.Effort = model.EffortMedium
	}

	s.mu.Lock()
	rec := model.InteractionRecord{
		ID:        uuid.NewString(),
		Timestamp: s.clock.Now().UTC(),
		NudgeType: in.NudgeType,
		Category:  in.Category,
		Effort:    in.Effort,
		Style:     in.Style,
		Context:   in.Context,
	}
	s.profile.Interactions = trimFIFO(append(s.profile.Interactions, rec), s.cfg.MaxInteractions)
	s.profile.rebuild(s.cfg)
	snapshot, sink := s.snapshotLocked()
	s.mu.Unlock()

	interactionsTotal.WithLabelValues("shown", string(rec.NudgeType)).Inc()
	s.persist(ctx, snapshot)
	s.emit(ctx, sink, rec, "shown")
	return rec.ID, nil
}

// ResponseInput is the user's reaction. A zero Timestamp means now.
type ResponseInput struct {
	Type           model.ResponseType
	Timestamp      time.Time
	SnoozeDuration time.Duration
}

// RecordResponse sets the response of a shown interaction, once.
func (s *Store) RecordResponse(ctx context.Context, id string, in ResponseInput) error {
	if !in.Type.Valid() {
		return fmt.Errorf("%w: response type %q", model.ErrValidation, in.Type)
	}

	s.mu.Lock()
	rec := s.profile.find(id)
	if rec == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInteractionNotFound, id)
	}
	if rec.Response != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: response for %s", ErrAlreadyRecorded, id)
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	if ts.Before(rec.Timestamp) {
		s.mu.Unlock()
		return fmt.Errorf("%w: response before interaction %s was shown", ErrOutOfOrder, id)
	}
	rec.Response = &model.Response{Type: in.Type, Timestamp: ts.UTC(), SnoozeDuration: in.SnoozeDuration}
	updated := *rec
	s.profile.rebuild(s.cfg)
	snapshot, sink := s.snapshotLocked()
	s.mu.Unlock()

	interactionsTotal.WithLabelValues(string(in.Type), string(updated.NudgeType)).Inc()
	s.persist(ctx, snapshot)
	s.emit(ctx, sink, updated, "response")
	return nil
}

// OutcomeInput is what eventually happened. A zero Timestamp means now.
type OutcomeInput struct {
	Type      model.OutcomeType
	CO2Saved  float64
	CostSaved float64
	Timestamp time.Time
}

// RecordOutcome sets the outcome of a responded interaction, once.
func (s *Store) RecordOutcome(ctx context.Context, id string, in OutcomeInput) error {
	if !in.Type.Valid() {
		return fmt.Errorf("%w: outcome %q", model.ErrValidation, in.Type)
	}

	s.mu.Lock()
	rec := s.profile.find(id)
	if rec == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInteractionNotFound, id)
	}
	if rec.Outcome != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: outcome for %s", ErrAlreadyRecorded, id)
	}
	if rec.Response == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: outcome before response for %s", ErrOutOfOrder, id)
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	rec.Outcome = &model.Outcome{Type: in.Type, CO2Saved: in.CO2Saved, CostSaved: in.CostSaved, Timestamp: ts.UTC()}
	updated := *rec
	s.profile.rebuild(s.cfg)
	snapshot, sink := s.snapshotLocked()
	s.mu.Unlock()

	interactionsTotal.WithLabelValues("outcome_"+string(in.Type), string(updated.NudgeType)).Inc()
	co2SavedTotal.Add(in.CO2Saved)
	s.persist(ctx, snapshot)
	s.emit(ctx, sink, updated, "outcome")
	return nil
}

// Interaction returns a copy of the interaction with id.
func (s *Store) Interaction(id string) (model.InteractionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.profile.find(id)
	if rec == nil {
		return model.InteractionRecord{}, false
	}
	return *rec, true
}

// Clear drops every interaction and the persisted record.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.profile = newProfile(s.cfg.UserID)
	s.mu.Unlock()
	if err := s.repo.Delete(ctx, s.cfg.UserID); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	s.log.Info().Msg("profile cleared")
	return nil
}

func (s *Store) snapshotLocked() ([]byte, EventSink) {
	data, err := json.Marshal(s.profile)
	if err != nil {
		s.log.Error().Stack().Err(err).Msg("encode profile")
		return nil, s.sink
	}
	return data, s.sink
}

// persist writes the profile; failures are logged and the in-memory state stays authoritative.
func (s *Store) persist(ctx context.Context, data []byte) {
	if data == nil {
		return
	}
	if err := s.repo.Put(ctx, s.cfg.UserID, data); err != nil {
		s.log.Error().Stack().Err(err).Msg("persist profile")
	}
}

func (s *Store) emit(ctx context.Context, sink EventSink, rec model.InteractionRecord, stage string) {
	if sink == nil {
		return
	}
	data, err := json.Marshal(struct {
		Stage       string                  `json:"stage"`
		Interaction model.InteractionRecord `json:"interaction"`
	}{stage, rec})
	if err != nil {
		s.log.Error().Stack().Err(err).Msg("encode interaction event")
		return
	}
	ev := model.SyncEvent{
		ID:        rec.ID + ":" + stage,
		Type:      model.EventInteraction,
		Data:      data,
		Source:    "profile",
		Timestamp: s.clock.Now().UTC(),
	}
	if err := sink.Enqueue(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event_id", ev.ID).Msg("enqueue interaction event")
	}
}

func trimFIFO(list []model.InteractionRecord, max int) []model.InteractionRecord {
	if len(list) <= max {
		return list
	}
	dropped := len(list) - max
	evictedTotal.Add(float64(dropped))
	out := make([]model.InteractionRecord, max)
	copy(out, list[dropped:])
	return out
}
