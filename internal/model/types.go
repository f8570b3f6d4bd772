package model

import (
	"encoding/json"
	"time"
)

// Context describes the situation a nudge decision is made in.
// Emission and price numbers are opaque inputs from the page observer.
type Context struct {
	HourOfDay       int     `json:"hourOfDay"`
	DayOfWeek       int     `json:"dayOfWeek"`
	SourceDomain    string  `json:"sourceDomain,omitempty"`
	ProductCategory string  `json:"productCategory,omitempty"`
	EmissionLevel   float64 `json:"emissionLevel"`
	GridIntensity   float64 `json:"gridIntensity,omitempty"`
	PriceUSD        float64 `json:"priceUsd,omitempty"`
	CostSavings     float64 `json:"costSavings,omitempty"`
	HighImpact      bool    `json:"highImpact,omitempty"`
	Engagement      float64 `json:"engagement,omitempty"`
	Travel          bool    `json:"travel,omitempty"`
}

// HighEmissionKg marks the emission level treated as high impact.
const HighEmissionKg = 20.0

// ContextAt stamps hour and weekday from t onto c.
func ContextAt(c Context, t time.Time) Context {
	c.HourOfDay = t.Hour()
	c.DayOfWeek = int(t.Weekday())
	return c
}

// DefaultNudgeType is the type used when learned scores tie.
func (c Context) DefaultNudgeType() NudgeType {
	switch {
	case c.Travel || c.ProductCategory == "travel":
		return NudgeTravelSwap
	case c.EmissionLevel >= HighEmissionKg || c.HighImpact:
		return NudgeDelayPurchase
	default:
		return NudgeGreenAlternative
	}
}

// Response is recorded at most once per interaction.
type Response struct {
	Type           ResponseType  `json:"type"`
	Timestamp      time.Time     `json:"timestamp"`
	SnoozeDuration time.Duration `json:"snoozeDuration,omitempty"`
}

// Outcome is recorded at most once, after the response.
type Outcome struct {
	Type      OutcomeType `json:"type"`
	CO2Saved  float64     `json:"co2Saved"`
	CostSaved float64     `json:"costSaved"`
	Timestamp time.Time   `json:"timestamp"`
}

// InteractionRecord is created when a nudge is shown.
type InteractionRecord struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	NudgeType NudgeType    `json:"nudgeType"`
	Category  string       `json:"category,omitempty"`
	Effort    EffortLevel  `json:"effort,omitempty"`
	Style     MessageStyle `json:"style,omitempty"`
	Context   Context      `json:"context"`
	Response  *Response    `json:"response,omitempty"`
	Outcome   *Outcome     `json:"outcome,omitempty"`
}

// Item is the product snapshot a delay was created for.
type Item struct {
	Title       string  `json:"title"`
	URL         string  `json:"url,omitempty"`
	Category    string  `json:"category,omitempty"`
	PriceUSD    float64 `json:"priceUsd"`
	EstimatedKg float64 `json:"estimatedKg"`
}

type Savings struct {
	CO2   float64 `json:"co2"`
	Money float64 `json:"money"`
}

// DelayRecord is a cooling-off period for a purchase.
type DelayRecord struct {
	DelayID          string       `json:"delayId"`
	UserID           string       `json:"userId"`
	Item             Item         `json:"item"`
	CreatedAt        time.Time    `json:"createdAt"`
	DelayEnd         time.Time    `json:"delayEnd"`
	PotentialSavings Savings      `json:"potentialSavings"`
	Status           DelayStatus  `json:"status"`
	Outcome          *OutcomeType `json:"outcome,omitempty"`
	CompletedAt      *time.Time   `json:"completedAt,omitempty"`
	CO2Saved         float64      `json:"co2Saved,omitempty"`
	InteractionID    string       `json:"interactionId,omitempty"`
	RemindedAt       *time.Time   `json:"remindedAt,omitempty"`
}

// Sync event types.
const (
	EventInteraction       = "interaction"
	EventPredictiveTrigger = "predictive_trigger"
	EventDelayCreated      = "delay_created"
	EventDelayCompleted    = "delay_completed"
	EventSettingsChanged   = "settings_changed"
)

// SyncEvent is relayed to the collector. ID is stable so retries are idempotent.
type SyncEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

// QueuedEvent is a SyncEvent waiting in the offline queue.
type QueuedEvent struct {
	ID        string    `json:"id"`
	Payload   SyncEvent `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Queued    bool      `json:"queued"`
}

// Settings toggles the engine's detectors.
type Settings struct {
	Product    bool `json:"product"`
	Travel     bool `json:"travel"`
	Text       bool `json:"text"`
	Predictive bool `json:"predictive"`
	Delay      bool `json:"delay"`
	Nudges     bool `json:"nudges"`
}

func DefaultSettings() Settings {
	return Settings{Product: true, Travel: true, Text: true, Predictive: true, Delay: true, Nudges: true}
}

// SettingsPatch carries only the fields to change.
type SettingsPatch struct {
	Product    *bool `json:"product,omitempty"`
	Travel     *bool `json:"travel,omitempty"`
	Text       *bool `json:"text,omitempty"`
	Predictive *bool `json:"predictive,omitempty"`
	Delay      *bool `json:"delay,omitempty"`
	Nudges     *bool `json:"nudges,omitempty"`
}

// Apply returns s with the patch merged in.
func (p SettingsPatch) Apply(s Settings) Settings {
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&s.Product, p.Product)
	set(&s.Travel, p.Travel)
	set(&s.Text, p.Text)
	set(&s.Predictive, p.Predictive)
	set(&s.Delay, p.Delay)
	set(&s.Nudges, p.Nudges)
	return s
}

// HourDistance is the circular distance between two hours of the day.
func HourDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	d %= 24
	if d > 12 {
		d = 24 - d
	}
	return d
}
