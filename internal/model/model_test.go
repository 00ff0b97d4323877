package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateLabels(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateNeedsReview, "Needs Review"},
		{StateNeedsRevision, "Needs Revision"},
		{StateApproved, "Approved"},
		{StateArchived, "Archived"},
		{StateRejected, "Rejected"},
		{State("bogus"), "bogus"},
	}

	for _, tt := range tests {
		if got := tt.state.Label(); got != tt.want {
			t.Errorf("State(%q).Label() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestRegisterState(t *testing.T) {
	custom := State("onHold")
	assert.False(t, custom.IsValid())

	RegisterState(custom, "On Hold")
	assert.True(t, custom.IsValid())
	assert.Equal(t, "On Hold", custom.Label())
	assert.Contains(t, States(), custom)
}

func TestStatesSorted(t *testing.T) {
	states := States()
	require.GreaterOrEqual(t, len(states), 5)
	for i := 1; i < len(states); i++ {
		assert.Less(t, states[i-1], states[i])
	}
	assert.Contains(t, states, StateNeedsReview)
}

func TestDifferenceJSON(t *testing.T) {
	for _, raw := range []string{`0`, `1`, `3`, `"unknown"`, `"2"`, `true`, `false`, `null`} {
		var d Difference
		require.NoError(t, json.Unmarshal([]byte(raw), &d), raw)
	}

	var d Difference
	require.NoError(t, json.Unmarshal([]byte(`"unknown"`), &d))
	assert.True(t, d.IsUnknown())
	assert.True(t, d.IsChange())

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `"unknown"`, string(out))

	out, err = json.Marshal(Changed(2))
	require.NoError(t, err)
	assert.Equal(t, "2", string(out))

	assert.False(t, Identical.IsChange())
	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &d))
}

func TestNormalizeVote(t *testing.T) {
	tests := []struct {
		in   any
		want VoteValue
		ok   bool
	}{
		{1, VoteUp, true},
		{-1, VoteDown, true},
		{float64(1), VoteUp, true},
		{"up", VoteUp, true},
		{"-1", VoteDown, true},
		{0, 0, false},
		{2, 0, false},
		{"invalid", 0, false},
		{nil, 0, false},
	}

	for _, tt := range tests {
		got, ok := NormalizeVote(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}
}
