package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHourDistance_Wraps(t *testing.T) {
	assert.Equal(t, 0, HourDistance(5, 5))
	assert.Equal(t, 2, HourDistance(23, 1))
	assert.Equal(t, 2, HourDistance(1, 23))
	assert.Equal(t, 12, HourDistance(0, 12))
	assert.Equal(t, 3, HourDistance(10, 13))
}

func TestDefaultNudgeType(t *testing.T) {
	assert.Equal(t, NudgeTravelSwap, Context{Travel: true}.DefaultNudgeType())
	assert.Equal(t, NudgeTravelSwap, Context{ProductCategory: "travel"}.DefaultNudgeType())
	assert.Equal(t, NudgeDelayPurchase, Context{EmissionLevel: 45}.DefaultNudgeType())
	assert.Equal(t, NudgeGreenAlternative, Context{EmissionLevel: 3}.DefaultNudgeType())
}

func TestParseEnums(t *testing.T) {
	nt, err := ParseNudgeType("travel_swap")
	require.NoError(t, err)
	assert.Equal(t, NudgeTravelSwap, nt)

	_, err = ParseNudgeType("guilt_trip")
	require.ErrorIs(t, err, ErrValidation)

	_, err = ParseResponseType("maybe")
	require.ErrorIs(t, err, ErrValidation)

	_, err = ParseOutcomeType("returned")
	require.ErrorIs(t, err, ErrValidation)

	assert.True(t, ResponseIgnored.Negative())
	assert.False(t, ResponseSnoozed.Negative())
}

func TestSettingsPatch_Apply(t *testing.T) {
	off := false
	got := SettingsPatch{Travel: &off}.Apply(DefaultSettings())
	assert.False(t, got.Travel)
	assert.True(t, got.Product)
	assert.True(t, got.Nudges)
}
