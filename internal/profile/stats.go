package profile

import (
	"github.com/greentrail/nudge-engine/internal/model"
)

// HourStats counts interactions of one nudge type at one hour of day.
type HourStats struct {
	Shown     int `json:"shown"`
	Responded int `json:"responded"`
	Accepted  int `json:"accepted"`
	Dismissed int `json:"dismissed"`
	Snoozed   int `json:"snoozed"`
	Ignored   int `json:"ignored"`
}

func (h HourStats) AcceptanceRate() (float64, bool) {
	if h.Responded == 0 {
		return 0, false
	}
	return float64(h.Accepted) / float64(h.Responded), true
}

// Effectiveness summarizes how well one nudge type works for this user.
type Effectiveness struct {
	Attempts       int     `json:"attempts"`
	Successful     int     `json:"successful"`
	SuccessRate    float64 `json:"successRate"`
	TotalCO2Saved  float64 `json:"totalCo2Saved"`
	TotalCostSaved float64 `json:"totalCostSaved"`
	AvgCO2Saved    float64 `json:"avgCo2Saved"`
	Score          float64 `json:"score"`
}

// Pattern is the context fingerprint of a learned success or failure.
type Pattern struct {
	NudgeType     model.NudgeType `json:"nudgeType"`
	Category      string          `json:"category,omitempty"`
	HourOfDay     int             `json:"hourOfDay"`
	EmissionLevel float64         `json:"emissionLevel"`
}

type Learning struct {
	Successful []Pattern `json:"successful"`
	Ignored    []Pattern `json:"ignored"`
}

type styleStats struct {
	Responded int
	Accepted  int
}

// BehaviorProfile is the persisted profile. Everything except Interactions
// is derived and rebuilt on each mutation.
type BehaviorProfile struct {
	UserID           string                            `json:"userId"`
	Interactions     []model.InteractionRecord         `json:"interactions"`
	ResponsePatterns map[model.NudgeType][24]HourStats `json:"responsePatterns"`
	Effectiveness    map[model.NudgeType]Effectiveness `json:"effectiveness"`
	Learning         Learning                          `json:"learning"`
	styles           map[model.MessageStyle]styleStats
	responded        int
	accepted         int
}

func newProfile(userID string) BehaviorProfile {
	p := BehaviorProfile{UserID: userID}
	p.rebuild(Config{CO2HalfSaturationKg: 5})
	return p
}

func (p *BehaviorProfile) find(id string) *model.InteractionRecord {
	for i := range p.Interactions {
		if p.Interactions[i].ID == id {
			return &p.Interactions[i]
		}
	}
	return nil
}

// rebuild recomputes every derived field from the interaction list.
func (p *BehaviorProfile) rebuild(cfg Config) {
	patterns := make(map[model.NudgeType][24]HourStats)
	eff := make(map[model.NudgeType]Effectiveness)
	styles := make(map[model.MessageStyle]styleStats)
	learning := Learning{}
	responded, accepted := 0, 0

	for _, rec := range p.Interactions {
		hour := rec.Context.HourOfDay
		if hour < 0 || hour > 23 {
			hour = rec.Timestamp.Hour()
		}
		hours := patterns[rec.NudgeType]
		hs := hours[hour]
		hs.Shown++

		e := eff[rec.NudgeType]
		if rec.Response != nil {
			hs.Responded++
			e.Attempts++
			responded++
			st := styles[rec.Style]
			st.Responded++
			pattern := Pattern{NudgeType: rec.NudgeType, Category: rec.Category, HourOfDay: hour, EmissionLevel: rec.Context.EmissionLevel}
			switch rec.Response.Type {
			case model.ResponseAccepted:
				hs.Accepted++
				e.Successful++
				accepted++
				st.Accepted++
				learning.Successful = append(learning.Successful, pattern)
			case model.ResponseDismissed:
				hs.Dismissed++
				learning.Ignored = append(learning.Ignored, pattern)
			case model.ResponseIgnored:
				hs.Ignored++
				learning.Ignored = append(learning.Ignored, pattern)
			case model.ResponseSnoozed:
				hs.Snoozed++
			}
			styles[rec.Style] = st
		}
		if rec.Outcome != nil {
			e.TotalCO2Saved += rec.Outcome.CO2Saved
			e.TotalCostSaved += rec.Outcome.CostSaved
		}
		eff[rec.NudgeType] = e
		hours[hour] = hs
		patterns[rec.NudgeType] = hours
	}

	for t, e := range eff {
		if e.Attempts > 0 {
			e.SuccessRate = float64(e.Successful) / float64(e.Attempts)
		}
		if e.Successful > 0 {
			e.AvgCO2Saved = e.TotalCO2Saved / float64(e.Successful)
		}
		e.Score = effectivenessScore(e, cfg)
		eff[t] = e
	}

	p.ResponsePatterns = patterns
	p.Effectiveness = eff
	p.Learning = learning
	p.styles = styles
	p.responded = responded
	p.accepted = accepted
}

// effectivenessScore blends success rate with a saturating CO2 factor.
// With no attempts it returns the neutral prior.
func effectivenessScore(e Effectiveness, cfg Config) float64 {
	if e.Attempts == 0 {
		return neutralPrior
	}
	half := cfg.CO2HalfSaturationKg
	if half <= 0 {
		half = 5
	}
	co2Factor := 0.0
	if e.AvgCO2Saved > 0 {
		co2Factor = e.AvgCO2Saved / (e.AvgCO2Saved + half)
	}
	w := cfg.CO2Weight
	return e.SuccessRate * ((1 - w) + w*co2Factor)
}

const neutralPrior = 0.5

// Summary aggregates the profile for stats reporting.
type Summary struct {
	TotalShown    int                               `json:"totalShown"`
	Accepted      int                               `json:"accepted"`
	Dismissed     int                               `json:"dismissed"`
	Snoozed       int                               `json:"snoozed"`
	Ignored       int                               `json:"ignored"`
	Pending       int                               `json:"pending"`
	CO2SavedKg    float64                           `json:"co2SavedKg"`
	CostSavedUSD  float64                           `json:"costSavedUsd"`
	Effectiveness map[model.NudgeType]Effectiveness `json:"effectiveness"`
}

// Summary returns totals over the retained interactions.
func (s *Store) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{Effectiveness: make(map[model.NudgeType]Effectiveness, len(s.profile.Effectiveness))}
	for _, rec := range s.profile.Interactions {
		sum.TotalShown++
		if rec.Response == nil {
			sum.Pending++
		} else {
			switch rec.Response.Type {
			case model.ResponseAccepted:
				sum.Accepted++
			case model.ResponseDismissed:
				sum.Dismissed++
			case model.ResponseSnoozed:
				sum.Snoozed++
			case model.ResponseIgnored:
				sum.Ignored++
			}
		}
		if rec.Outcome != nil {
			sum.CO2SavedKg += rec.Outcome.CO2Saved
			sum.CostSavedUSD += rec.Outcome.CostSaved
		}
	}
	for t, e := range s.profile.Effectiveness {
		sum.Effectiveness[t] = e
	}
	return sum
}

// Profile returns a copy of the current profile.
func (s *Store) Profile() BehaviorProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profile
	p.Interactions = append([]model.InteractionRecord(nil), s.profile.Interactions...)
	return p
}
