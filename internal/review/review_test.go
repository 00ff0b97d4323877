package review

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprite-ai/p4review/internal/model"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// withVersions builds a review whose versions carry the given differences.
func withVersions(t *testing.T, diffs ...model.Difference) *Review {
	t.Helper()
	r := New("alice", "test")
	r.id = 2
	var versions []Version
	for i, d := range diffs {
		versions = append(versions, Version{Change: 2, ArchiveChange: 10 + i, User: "alice", Pending: true, Difference: d})
	}
	require.NoError(t, r.SetVersions(versions))
	return r
}

func TestNewReview(t *testing.T) {
	r := New("alice", "Fix things")
	assert.Equal(t, model.StateNeedsReview, r.State())
	assert.Equal(t, DefaultType, r.Type())
	assert.Equal(t, []string{"alice"}, r.ParticipantIDs())
	assert.False(t, r.HasReviewer())
	assert.False(t, r.IsPending())
	assert.Empty(t, r.Versions())
}

func TestSetStateValidation(t *testing.T) {
	r := New("alice", "")
	require.NoError(t, r.SetState(model.StateNeedsRevision))

	err := r.SetState("bogus")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, model.StateNeedsRevision, r.State())

	model.RegisterState("onHold", "On Hold")
	require.NoError(t, r.SetState("onHold"))
	assert.Equal(t, "On Hold", r.ToArray()["stateLabel"])
}

func TestSettersLeaveReviewUntouchedOnError(t *testing.T) {
	r := New("alice", "")
	require.NoError(t, r.AddParticipants("bob"))
	before := r.ToArray()

	assert.ErrorIs(t, r.AddParticipants("carol", ""), ErrInvalidArgument)
	assert.ErrorIs(t, r.AddParticipant("bob", map[string]any{"required": "yes"}), ErrInvalidArgument)
	assert.ErrorIs(t, r.AddParticipant("bob", map[string]any{"vote": 1}), ErrInvalidArgument)
	assert.ErrorIs(t, r.RemoveParticipant("alice"), ErrInvalidArgument)
	assert.ErrorIs(t, r.SetVote("bob", 0), ErrInvalidVote)
	assert.ErrorIs(t, r.SetVote("", 1), ErrInvalidArgument)
	assert.ErrorIs(t, r.SetVoteAt("bob", 1, 3), ErrInvalidArgument)
	assert.ErrorIs(t, r.SetProjects(map[string][]string{"": nil}), ErrInvalidArgument)
	assert.ErrorIs(t, r.SetVersions([]Version{{Change: 0}}), ErrInvalidArgument)
	assert.ErrorIs(t, r.AddChange(-1), ErrInvalidArgument)
	assert.ErrorIs(t, r.SetAuthor(""), ErrInvalidArgument)

	assert.Equal(t, before, r.ToArray())
}

func TestSetTypeOnlyBeforeSave(t *testing.T) {
	r := New("alice", "")
	require.NoError(t, r.SetType("git"))
	assert.Equal(t, "git", r.Type())

	r.id = 5
	assert.ErrorIs(t, r.SetType("default"), ErrInvalidArgument)
	assert.Equal(t, "git", r.Type())
}

func TestParticipantsMergeAttributes(t *testing.T) {
	r := New("alice", "")
	require.NoError(t, r.AddParticipant("bob", map[string]any{"notify": "email"}))
	require.NoError(t, r.AddParticipant("bob", map[string]any{"required": true}))
	require.NoError(t, r.AddParticipants("bob", "carol"))

	p := r.Participants()["bob"]
	assert.True(t, p.Required)
	assert.Equal(t, "email", p.Extra["notify"])
	assert.Equal(t, []string{"alice", "bob", "carol"}, r.ParticipantIDs())
	assert.Equal(t, []string{"bob"}, r.RequiredReviewers())
	assert.True(t, r.HasReviewer())

	require.NoError(t, r.RemoveParticipant("carol"))
	assert.Equal(t, []string{"alice", "bob"}, r.ParticipantIDs())
}

func TestSetAuthorAddsParticipant(t *testing.T) {
	r := New("alice", "")
	require.NoError(t, r.SetAuthor("dave"))
	assert.Contains(t, r.ParticipantIDs(), "dave")
	assert.Contains(t, r.ParticipantIDs(), "alice")
	assert.True(t, r.HasReviewer())
}

func TestSetVotesDropsInvalid(t *testing.T) {
	r := withVersions(t, model.Changed(1))
	require.NoError(t, r.SetVote("old", 1))

	r.SetVotes(map[string]any{"u1": "invalid", "u2": 0, "u3": -1})

	votes := r.Votes()
	require.Len(t, votes, 1)
	assert.Equal(t, model.VoteDown, votes["u3"].Value)
	assert.Equal(t, 1, votes["u3"].Version)
	assert.Contains(t, r.ParticipantIDs(), "old", "clearing votes keeps participants")
}

func TestVoteNormalization(t *testing.T) {
	r := withVersions(t, model.Changed(1))
	for _, v := range []any{1, "up", "+1", 1.0, model.VoteUp} {
		require.NoError(t, r.SetVote("bob", v), "%v", v)
		assert.Equal(t, model.VoteUp, r.Votes()["bob"].Value)
	}
	for _, v := range []any{-1, "down", "-1", -1.0} {
		require.NoError(t, r.SetVote("bob", v), "%v", v)
		assert.Equal(t, model.VoteDown, r.Votes()["bob"].Value)
	}
	for _, v := range []any{0, 2, "sideways", nil, true} {
		assert.ErrorIs(t, r.SetVote("bob", v), ErrInvalidVote, "%v", v)
	}

	r.ClearVote("bob")
	assert.Empty(t, r.Votes())
	assert.Contains(t, r.ParticipantIDs(), "bob")
}

func TestStalenessLaw(t *testing.T) {
	tests := []struct {
		name  string
		diffs []model.Difference
		vote  int
		stale bool
	}{
		{"latest version", []model.Difference{model.Changed(1), model.Changed(2)}, 2, false},
		{"later change", []model.Difference{model.Changed(1), model.Changed(2)}, 1, true},
		{"later identical", []model.Difference{model.Changed(1), model.Identical}, 1, false},
		{"identical then change", []model.Difference{model.Changed(1), model.Identical, model.Changed(2)}, 1, true},
		{"later unknown", []model.Difference{model.Changed(1), model.UnknownDifference}, 1, true},
		{"earlier change only", []model.Difference{model.Changed(1), model.Changed(2), model.Identical}, 2, false},
		{"version zero", []model.Difference{model.Changed(1)}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := withVersions(t, tt.diffs...)
			require.NoError(t, r.SetVoteAt("bob", 1, tt.vote))
			assert.Equal(t, tt.stale, r.Votes()["bob"].IsStale)
		})
	}
}

func TestQuorum(t *testing.T) {
	r := withVersions(t, model.Changed(1))
	assert.True(t, r.QuorumMet())

	require.NoError(t, r.AddParticipant("bob", map[string]any{"required": true}))
	require.NoError(t, r.AddParticipant("carol", map[string]any{"required": true}))
	assert.False(t, r.QuorumMet())

	require.NoError(t, r.SetVote("bob", 1))
	require.NoError(t, r.SetVote("carol", -1))
	assert.False(t, r.QuorumMet())

	require.NoError(t, r.SetVote("carol", 1))
	assert.True(t, r.QuorumMet())
	assert.Equal(t, []string{"bob", "carol"}, r.Voters())

	r.versions = append(r.versions, Version{Change: 2, Pending: true, Difference: model.Changed(2)})
	assert.False(t, r.QuorumMet(), "stale votes do not count")
}

func TestStaleFlagIsNotPersisted(t *testing.T) {
	r := withVersions(t, model.Changed(1), model.Changed(2))
	require.NoError(t, r.SetVoteAt("bob", 1, 1))
	require.True(t, r.Votes()["bob"].IsStale)

	data := string(mustJSON(t, r.toRecord()))
	assert.NotContains(t, data, "isStale")
	assert.Contains(t, data, `"vote":{"value":1,"version":1}`)
}

func TestCommitStatusClearsOnRecordedCommit(t *testing.T) {
	r := withVersions(t, model.Changed(1))
	r.SetCommitStatus(map[string]any{"change": 7, "status": "Committing"})
	assert.Equal(t, "Committing", r.CommitStatus()["status"])

	require.NoError(t, r.AddCommit(7))
	assert.Empty(t, r.CommitStatus())

	renumbered := withVersions(t, model.Changed(1))
	renumbered.SetCommitStatus(map[string]any{"change": "7", "status": "Committing"})
	renumbered.versions = append(renumbered.versions, Version{Change: 9, OriginalChange: 7, Difference: model.Identical})
	assert.Empty(t, renumbered.CommitStatus())
}

func TestToArrayProjection(t *testing.T) {
	r := withVersions(t, model.Changed(1))
	r.token = "secret"
	r.updated = time.Unix(1700000000, 0).UTC()
	require.NoError(t, r.SetVote("bob", 1))

	full := r.ToArray()
	assert.NotContains(t, full, "token")
	assert.Equal(t, "Needs Review", full["stateLabel"])
	assert.Equal(t, true, full["pending"])
	assert.EqualValues(t, 1700000000, full["updated"])
	assert.EqualValues(t, 1, full["hasReviewer"])

	limited := r.ToArray("id", "author", "token", "missing")
	assert.Equal(t, map[string]any{"id": float64(2), "author": "alice"}, limited)
}

func TestKeywords(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{`THIS is, a (test.of) "description" indeXing.`, []string{"this", "is", "a", "test", "of", "description", "indexing"}},
		{"fix fix FIX", []string{"fix"}},
		{"  ... ,,, ", nil},
		{"v1.2 release!", []string{"v1", "2", "release"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Keywords(tt.text), tt.text)
	}
}
