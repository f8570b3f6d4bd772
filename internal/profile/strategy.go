package profile

import (
	"math"
	"time"

	"github.com/greentrail/nudge-engine/internal/model"
)

const (
	globalWeight = 0.6
	localWeight  = 0.4
	localWindow  = 2 // hours either side of the current hour

	baseConfidence   = 0.5
	maxConfidence    = 0.95
	similarBonus     = 0.02
	maxSimilarBonus  = 0.15
	effortMinSamples = 5
	styleMinSamples  = 3

	ignoreWindow     = 24 * time.Hour
	ignoreMinSamples = 3
	ignoreRateLimit  = 0.8
)

// Strategy is the profile's recommendation for the current context.
type Strategy struct {
	RecommendedType model.NudgeType    `json:"recommendedType"`
	OptimalHour     int                `json:"optimalHour"`
	ShowNow         bool               `json:"showNow"`
	MessageStyle    model.MessageStyle `json:"messageStyle"`
	EffortLevel     model.EffortLevel  `json:"effortLevel"`
	Confidence      float64            `json:"confidence"`
}

// Permission is the profile's gate decision.
type Permission struct {
	Allow      bool    `json:"allow"`
	Reason     string  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence"`
}

const (
	ReasonFatigue        = "nudge_fatigue"
	ReasonContextIgnored = "context_ignored"
	ReasonAvoidHour      = "avoid_hour"
)

// StrategyFor recommends what to show in c.
func (s *Store) StrategyFor(c model.Context) Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.recommendTypeLocked(c)
	optimal := s.optimalHourLocked(rec, c.HourOfDay)
	return Strategy{
		RecommendedType: rec,
		OptimalHour:     optimal,
		ShowNow:         model.HourDistance(optimal, c.HourOfDay) <= 1,
		MessageStyle:    s.styleLocked(c),
		EffortLevel:     s.effortLocked(),
		Confidence:      s.confidenceLocked(c),
	}
}

// ShouldShow applies the fatigue, ignored-context and avoid-hour gates.
func (s *Store) ShouldShow(c model.Context) Permission {
	s.mu.Lock()
	now := s.clock.Now()

	if n := s.shownSinceLocked(now.Add(-time.Hour)); n >= s.cfg.FatigueLimit {
		s.mu.Unlock()
		return Permission{Allow: false, Reason: ReasonFatigue, Confidence: maxConfidence}
	}

	var responded, negative int
	for _, rec := range s.similarLocked(c) {
		if rec.Response == nil || now.Sub(rec.Timestamp) > ignoreWindow {
			continue
		}
		responded++
		if rec.Response.Type.Negative() {
			negative++
		}
	}
	if responded >= ignoreMinSamples && float64(negative)/float64(responded) > ignoreRateLimit {
		s.mu.Unlock()
		return Permission{Allow: false, Reason: ReasonContextIgnored, Confidence: float64(negative) / float64(responded)}
	}

	conf := s.confidenceLocked(c)
	avoid := s.avoid
	s.mu.Unlock()

	// The avoid source has its own lock; query it without holding ours.
	if avoid != nil {
		for _, h := range avoid.AvoidHours() {
			if h == c.HourOfDay {
				return Permission{Allow: false, Reason: ReasonAvoidHour, Confidence: conf}
			}
		}
	}
	return Permission{Allow: true, Confidence: conf}
}

// Confidence returns the strategy confidence for c, in [0.5, 0.95].
func (s *Store) Confidence(c model.Context) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confidenceLocked(c)
}

// SimilarInteractions returns copies of interactions similar to c, oldest first.
func (s *Store) SimilarInteractions(c model.Context) []model.InteractionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.similarLocked(c)
}

// SimilarAcceptance is the acceptance rate among responded interactions of
// type t similar to c. ok is false when there are none.
func (s *Store) SimilarAcceptance(t model.NudgeType, c model.Context) (rate float64, n int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accepted := 0
	for _, rec := range s.similarLocked(c) {
		if rec.NudgeType != t || rec.Response == nil {
			continue
		}
		n++
		if rec.Response.Type == model.ResponseAccepted {
			accepted++
		}
	}
	if n == 0 {
		return 0, 0, false
	}
	return float64(accepted) / float64(n), n, true
}

// ShownSince counts interactions shown at or after t.
func (s *Store) ShownSince(t time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shownSinceLocked(t)
}

func (s *Store) shownSinceLocked(t time.Time) int {
	n := 0
	for i := len(s.profile.Interactions) - 1; i >= 0; i-- {
		if s.profile.Interactions[i].Timestamp.Before(t) {
			break
		}
		n++
	}
	return n
}

func (s *Store) recommendTypeLocked(c model.Context) model.NudgeType {
	def := c.DefaultNudgeType()
	best := def
	bestScore := s.combinedScoreLocked(def, c.HourOfDay)
	for _, t := range model.AllNudgeTypes {
		if t == def {
			continue
		}
		if score := s.combinedScoreLocked(t, c.HourOfDay); score > bestScore+1e-9 {
			best, bestScore = t, score
		}
	}
	return best
}

func (s *Store) combinedScoreLocked(t model.NudgeType, hour int) float64 {
	global := neutralPrior
	if e, ok := s.profile.Effectiveness[t]; ok && e.Attempts > 0 {
		global = e.Score
	}
	local, ok := s.localRateLocked(t, hour)
	if !ok {
		local = global
	}
	return globalWeight*global + localWeight*local
}

func (s *Store) localRateLocked(t model.NudgeType, hour int) (float64, bool) {
	hours, ok := s.profile.ResponsePatterns[t]
	if !ok {
		return 0, false
	}
	var responded, accepted int
	for h := 0; h < 24; h++ {
		if model.HourDistance(h, hour) > localWindow {
			continue
		}
		responded += hours[h].Responded
		accepted += hours[h].Accepted
	}
	if responded == 0 {
		return 0, false
	}
	return float64(accepted) / float64(responded), true
}

func (s *Store) optimalHourLocked(t model.NudgeType, current int) int {
	hours, ok := s.profile.ResponsePatterns[t]
	if !ok {
		return current
	}
	best, bestRate := current, -1.0
	if r, ok := hours[current].AcceptanceRate(); ok {
		bestRate = r
	}
	for h := 0; h < 24; h++ {
		if hours[h].Responded < 2 {
			continue
		}
		if r, _ := hours[h].AcceptanceRate(); r > bestRate {
			best, bestRate = h, r
		}
	}
	return best
}

func (s *Store) confidenceLocked(c model.Context) float64 {
	conf := baseConfidence
	switch total := len(s.profile.Interactions); {
	case total >= 50:
		conf += 0.3
	case total >= 20:
		conf += 0.2
	case total >= 5:
		conf += 0.1
	}
	conf += math.Min(maxSimilarBonus, similarBonus*float64(len(s.similarLocked(c))))
	return math.Min(maxConfidence, conf)
}

func (s *Store) effortLocked() model.EffortLevel {
	if s.profile.responded < effortMinSamples {
		return model.EffortMedium
	}
	rate := float64(s.profile.accepted) / float64(s.profile.responded)
	switch {
	case rate > 0.6:
		return model.EffortHigh
	case rate < 0.3:
		return model.EffortLow
	default:
		return model.EffortMedium
	}
}

func (s *Store) styleLocked(c model.Context) model.MessageStyle {
	best, bestRate := model.MessageStyle(""), 0.0
	for _, style := range model.AllMessageStyles {
		st := s.profile.styles[style]
		if st.Responded < styleMinSamples {
			continue
		}
		if r := float64(st.Accepted) / float64(st.Responded); r > bestRate {
			best, bestRate = style, r
		}
	}
	if best != "" {
		return best
	}
	if c.EmissionLevel >= model.HighEmissionKg {
		return model.StyleUrgent
	}
	return model.StyleFriendly
}

func (s *Store) similarLocked(c model.Context) []model.InteractionRecord {
	var out []model.InteractionRecord
	for _, rec := range s.profile.Interactions {
		if Similarity(rec.Context, c) >= s.cfg.SimilarityThreshold {
			out = append(out, rec)
		}
	}
	return out
}

// Similarity scores how alike two contexts are, in [0,1].
func Similarity(a, b model.Context) float64 {
	score := 0.0
	if model.HourDistance(a.HourOfDay, b.HourOfDay) <= 2 {
		score += 0.3
	}
	if a.ProductCategory == b.ProductCategory {
		score += 0.4
	}
	if emissionClose(a.EmissionLevel, b.EmissionLevel) {
		score += 0.3
	}
	return score
}

func emissionClose(a, b float64) bool {
	hi := math.Max(math.Abs(a), math.Abs(b))
	if hi == 0 {
		return true
	}
	return math.Abs(a-b)/hi <= 0.5
}
