package qlearning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapConfidence(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.1, 0},
		{0.125, 0},
		{0.13, 0.25},
		{0.375, 0.25},
		{0.6, 0.5},
		{0.625, 0.5},
		{0.8, 0.75},
		{0.875, 0.75},
		{0.9, 1},
		{3, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SnapConfidence(tt.in), "input %v", tt.in)
	}
}

func TestHashContext(t *testing.T) {
	h := HashContext("Cell  FDD-1\tSector")
	assert.Len(t, h, ContextHashLen)
	assert.Equal(t, h, HashContext("cell fdd-1 sector"))
	assert.NotEqual(t, h, HashContext("cell fdd-2 sector"))
	assert.Len(t, HashContext(""), ContextHashLen)
}

func TestStateRoundTrip(t *testing.T) {
	contexts := []string{"", "EUtranCellFDD=1", "FAJ 121 3094 load balancing"}
	for _, qt := range AllQueryTypes() {
		for _, cx := range []Complexity{ComplexitySimple, ComplexityModerate, ComplexityComplex} {
			for _, conf := range ConfidenceBuckets {
				for _, c := range contexts {
					s := EncodeState(qt, cx, c, conf)
					got, err := DecodeState(s.Key())
					require.NoError(t, err)
					assert.Equal(t, s, got)

					for _, a := range AllActions() {
						gs, ga, err := DecodeEntryKey(EntryKey(s, a))
						require.NoError(t, err)
						assert.Equal(t, s, gs)
						assert.Equal(t, a, ga)
					}
				}
			}
		}
	}
}

func TestActionRoundTrip(t *testing.T) {
	for _, a := range AllActions() {
		got, err := ParseAction(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
}

func TestDecodeState_Invalid(t *testing.T) {
	valid := EncodeState(QueryKPI, ComplexityModerate, "ctx", 0.5).Key()

	tests := []string{
		"",
		"kpi|moderate|0123456789abcdef",
		"unknown|moderate|0123456789abcdef|0.50",
		"kpi|hard|0123456789abcdef|0.50",
		"kpi|moderate|XYZ|0.50",
		"kpi|moderate|0123456789abcdef|0.40",
		"kpi|moderate|0123456789abcdef|abc",
	}
	for _, key := range tests {
		_, err := DecodeState(key)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}

	_, _, err := DecodeEntryKey(valid)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, _, err = DecodeEntryKey(valid + "#fly")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "troubleshoot", QueryTroubleshoot.String())
	assert.Equal(t, "complex", ComplexityComplex.String())
	assert.Equal(t, "request_clarification", ActionRequestClarification.String())
	assert.False(t, Action(9).Valid())
	assert.Equal(t, "Action(9)", Action(9).String())
	_, err := ParseQueryType("weather")
	assert.ErrorIs(t, err, ErrUnknownQueryType)
}
