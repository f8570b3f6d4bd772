package model

import "fmt"

// NudgeType is the kind of intervention shown to the user.
type NudgeType string

const (
	NudgeDelayPurchase    NudgeType = "delay_purchase"
	NudgeGreenAlternative NudgeType = "green_alternative"
	NudgeTravelSwap       NudgeType = "travel_swap"
	NudgeImpactAwareness  NudgeType = "impact_awareness"
	NudgeSocialProof      NudgeType = "social_proof"
)

// AllNudgeTypes lists the known nudge types in scoring order.
var AllNudgeTypes = []NudgeType{
	NudgeDelayPurchase,
	NudgeGreenAlternative,
	NudgeTravelSwap,
	NudgeImpactAwareness,
	NudgeSocialProof,
}

func (t NudgeType) Valid() bool {
	for _, k := range AllNudgeTypes {
		if k == t {
			return true
		}
	}
	return false
}

func ParseNudgeType(s string) (NudgeType, error) {
	t := NudgeType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown nudge type %q", ErrValidation, s)
	}
	return t, nil
}

// EffortLevel is how much the suggested action asks of the user.
type EffortLevel string

const (
	EffortLow    EffortLevel = "low"
	EffortMedium EffortLevel = "medium"
	EffortHigh   EffortLevel = "high"
)

var AllEffortLevels = []EffortLevel{EffortLow, EffortMedium, EffortHigh}

func (e EffortLevel) Valid() bool {
	return e == EffortLow || e == EffortMedium || e == EffortHigh
}

// MessageStyle is the tone wrapper applied to a nudge.
type MessageStyle string

const (
	StyleDirect      MessageStyle = "direct"
	StyleFriendly    MessageStyle = "friendly"
	StyleUrgent      MessageStyle = "urgent"
	StyleInformative MessageStyle = "informative"
)

var AllMessageStyles = []MessageStyle{StyleDirect, StyleFriendly, StyleUrgent, StyleInformative}

func (s MessageStyle) Valid() bool {
	for _, k := range AllMessageStyles {
		if k == s {
			return true
		}
	}
	return false
}

// ResponseType is the user's reaction to a shown nudge.
type ResponseType string

const (
	ResponseAccepted  ResponseType = "accepted"
	ResponseDismissed ResponseType = "dismissed"
	ResponseSnoozed   ResponseType = "snoozed"
	ResponseIgnored   ResponseType = "ignored"
)

func (r ResponseType) Valid() bool {
	switch r {
	case ResponseAccepted, ResponseDismissed, ResponseSnoozed, ResponseIgnored:
		return true
	}
	return false
}

func ParseResponseType(s string) (ResponseType, error) {
	r := ResponseType(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown response type %q", ErrValidation, s)
	}
	return r, nil
}

// Negative reports whether the response counts against the nudge.
func (r ResponseType) Negative() bool {
	return r == ResponseDismissed || r == ResponseIgnored
}

// OutcomeType is what the user eventually did.
type OutcomeType string

const (
	OutcomePurchased   OutcomeType = "purchased"
	OutcomeSkipped     OutcomeType = "skipped"
	OutcomeAlternative OutcomeType = "alternative"
)

func (o OutcomeType) Valid() bool {
	return o == OutcomePurchased || o == OutcomeSkipped || o == OutcomeAlternative
}

func ParseOutcomeType(s string) (OutcomeType, error) {
	o := OutcomeType(s)
	if !o.Valid() {
		return "", fmt.Errorf("%w: unknown outcome %q", ErrValidation, s)
	}
	return o, nil
}

// DelayStatus tracks a cooling-off record.
type DelayStatus string

const (
	DelayActive    DelayStatus = "active"
	DelayCompleted DelayStatus = "completed"
)

// ConnectionState is the relay connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)
