// Package selector turns a profile strategy into a concrete, personalized nudge.
package selector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/greentrail/nudge-engine/internal/model"
	"github.com/greentrail/nudge-engine/internal/profile"
)

var ErrNoTemplate = errors.New("no template for nudge type")

var (
	emissionPattern = regexp.MustCompile(`\d+(\.\d+)? ?kg`)
	costPattern     = regexp.MustCompile(`\$\d+(\.\d+)?`)
)

// Profile is the part of the behavior profile store the selector reads.
type Profile interface {
	ShouldShow(c model.Context) profile.Permission
	StrategyFor(c model.Context) profile.Strategy
	RecordShown(ctx context.Context, in profile.Shown) (string, error)
	SimilarAcceptance(t model.NudgeType, c model.Context) (float64, int, bool)
}

// Nudge is what the UI renders.
type Nudge struct {
	InteractionID string             `json:"interactionId,omitempty"`
	Type          model.NudgeType    `json:"type"`
	Category      string             `json:"category,omitempty"`
	Effort        model.EffortLevel  `json:"effort"`
	Style         model.MessageStyle `json:"style"`
	Title         string             `json:"title"`
	Message       string             `json:"message"`
	ActionLabel   string             `json:"actionLabel"`
	DurationMs    int                `json:"durationMs"`
	Confidence    float64            `json:"confidence"`
	Context       model.Context      `json:"context"`
}

// Decision is the result of Select.
type Decision struct {
	Show     bool             `json:"show"`
	Reason   string           `json:"reason,omitempty"`
	Nudge    *Nudge           `json:"nudge,omitempty"`
	Strategy profile.Strategy `json:"strategy"`
}

type Selector struct {
	catalog *Catalog
	profile Profile
	log     zerolog.Logger
}

func New(catalog *Catalog, p Profile, log zerolog.Logger) *Selector {
	return &Selector{catalog: catalog, profile: p, log: log.With().Str("component", "selector").Logger()}
}

// Select picks, personalizes and records a nudge for c.
func (s *Selector) Select(ctx context.Context, c model.Context) (Decision, error) {
	return s.selectType(ctx, c, "")
}

// SelectType is Select with the nudge type fixed by the caller instead of the
// learned strategy.
func (s *Selector) SelectType(ctx context.Context, c model.Context, t model.NudgeType) (Decision, error) {
	return s.selectType(ctx, c, t)
}

func (s *Selector) selectType(ctx context.Context, c model.Context, forced model.NudgeType) (Decision, error) {
	perm := s.profile.ShouldShow(c)
	if !perm.Allow {
		selectionsTotal.WithLabelValues("denied_" + perm.Reason).Inc()
		return Decision{Show: false, Reason: perm.Reason}, nil
	}

	strategy := s.profile.StrategyFor(c)
	if forced.Valid() {
		strategy.RecommendedType = forced
	}

	category := categoryOf(c)
	tpl, ok := s.catalog.Lookup(strategy.RecommendedType, category)
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrNoTemplate, strategy.RecommendedType)
	}
	nudge := render(tpl, strategy.EffortLevel, strategy.MessageStyle, c)
	nudge.Confidence = strategy.Confidence

	id, err := s.profile.RecordShown(ctx, profile.Shown{
		NudgeType: nudge.Type,
		Category:  category,
		Effort:    nudge.Effort,
		Style:     nudge.Style,
		Context:   c,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("record shown: %w", err)
	}
	nudge.InteractionID = id
	selectionsTotal.WithLabelValues(string(nudge.Type)).Inc()

	s.log.Debug().
		Str("interaction_id", id).
		Str("nudge_type", string(nudge.Type)).
		Str("effort", string(nudge.Effort)).
		Str("style", string(nudge.Style)).
		Float64("confidence", nudge.Confidence).
		Msg("nudge selected")
	return Decision{Show: true, Nudge: &nudge, Strategy: strategy}, nil
}

// GenerateVariations returns up to n style and effort permutations of base,
// excluding base itself. Variations are not recorded as shown.
func (s *Selector) GenerateVariations(base Nudge, n int) []Nudge {
	tpl, ok := s.catalog.Lookup(base.Type, base.Category)
	if !ok || n <= 0 {
		return nil
	}
	var out []Nudge
	for _, style := range model.AllMessageStyles {
		for _, effort := range model.AllEffortLevels {
			if style == base.Style && effort == base.Effort {
				continue
			}
			v := render(tpl, effort, style, base.Context)
			v.Confidence = base.Confidence
			out = append(out, v)
			if len(out) == n {
				return out
			}
		}
	}
	return out
}

// PredictEffectiveness is the acceptance rate of similar past nudges of the
// recommended type, or 0.5 without history.
func (s *Selector) PredictEffectiveness(strategy profile.Strategy, c model.Context) float64 {
	rate, _, ok := s.profile.SimilarAcceptance(strategy.RecommendedType, c)
	if !ok {
		return 0.5
	}
	return rate
}

func categoryOf(c model.Context) string {
	if c.Travel || c.ProductCategory == "travel" {
		return "travel"
	}
	return c.ProductCategory
}

func render(tpl Template, effort model.EffortLevel, style model.MessageStyle, c model.Context) Nudge {
	if !effort.Valid() {
		effort = model.EffortMedium
	}
	if !style.Valid() {
		style = model.StyleFriendly
	}
	v := tpl.Variants[effort]
	n := Nudge{
		Type:        tpl.Type,
		Category:    categoryOf(c),
		Effort:      effort,
		Style:       style,
		Title:       v.Title,
		Message:     Personalize(v.Message, c),
		ActionLabel: v.ActionLabel,
		DurationMs:  v.DurationMs,
		Context:     c,
	}
	applyStyle(&n)
	return n
}

// Personalize swaps template sample figures for the live emission and savings numbers.
func Personalize(msg string, c model.Context) string {
	if c.EmissionLevel > 0 {
		msg = emissionPattern.ReplaceAllString(msg, formatKg(c.EmissionLevel))
	}
	if c.CostSavings > 0 {
		msg = costPattern.ReplaceAllLiteralString(msg, fmt.Sprintf("$%.0f", c.CostSavings))
	}
	return msg
}

func formatKg(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d kg", int64(v))
	}
	return fmt.Sprintf("%.1f kg", v)
}

func applyStyle(n *Nudge) {
	switch n.Style {
	case model.StyleDirect:
	case model.StyleFriendly:
		n.Message = "Hey there! " + n.Message
	case model.StyleUrgent:
		n.Title = strings.TrimRight(n.Title, ".?!") + "!"
		n.ActionLabel += " now"
	case model.StyleInformative:
		n.Message += " Figures are lifecycle estimates for this item."
	}
}
