package review

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprite-ai/p4review/internal/gateway"
	"github.com/sprite-ai/p4review/internal/model"
)

func TestUpdateFromChangeFirstVersion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	change := env.depot.CreatePending("alice", "Fix the indexer", map[string]string{"//depot/main/a.txt": "one\n"})
	require.Equal(t, 1, change)

	r, err := env.engine.CreateFromChange(ctx, change)
	require.NoError(t, err)
	assert.Empty(t, r.Versions())
	assert.Equal(t, "alice", r.Author())
	assert.Equal(t, []int{1}, r.Changes())

	require.NoError(t, env.engine.UpdateFromChange(ctx, r, change))
	versions := r.Versions()
	require.Len(t, versions, 1)
	assert.Equal(t, 2, r.ID())
	assert.Equal(t, 2, versions[0].Change)
	assert.Equal(t, 3, versions[0].ArchiveChange)
	assert.Equal(t, model.Changed(1), versions[0].Difference)
	assert.True(t, versions[0].Pending)
	assert.Equal(t, "alice", versions[0].User)
	assert.True(t, r.IsPending())
	assert.True(t, env.depot.HasShelf(2))
	assert.True(t, env.depot.HasShelf(3))
}

func TestUpdateFromCommit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, change := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})

	commit := env.depot.SubmitPending(change)
	require.NoError(t, env.engine.UpdateFromChange(ctx, r, commit))

	versions := r.Versions()
	require.Len(t, versions, 2)
	assert.False(t, versions[1].Pending)
	assert.Equal(t, commit, versions[1].Change)
	assert.Equal(t, model.Identical, versions[1].Difference)
	assert.False(t, r.IsPending())
	assert.Equal(t, []int{commit}, r.Commits())
	assert.False(t, env.depot.HasShelf(r.ID()), "canonical shelf is cleared on commit")

	// A trigger firing twice for the same commit is a no-op.
	require.NoError(t, env.engine.UpdateFromChange(ctx, r, commit))
	assert.Len(t, r.Versions(), 2)
}

func TestUpdateFromRenumberedCommit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, change := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})

	env.depot.RenumberOnSubmit = true
	commit := env.depot.SubmitPending(change)
	require.NotEqual(t, change, commit)

	r.SetCommitStatus(map[string]any{"change": change, "status": "Committing"})
	require.NoError(t, env.engine.UpdateFromChange(ctx, r, commit))

	last, ok := r.LatestVersion()
	require.True(t, ok)
	assert.Equal(t, commit, last.Change)
	assert.Equal(t, change, last.OriginalChange)
	assert.Empty(t, r.CommitStatus())
}

func TestVoteGoesStaleOnNewContent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, change := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})

	require.NoError(t, r.SetVote("foo", 1))
	assert.False(t, r.Votes()["foo"].IsStale)
	assert.Equal(t, 1, r.Votes()["foo"].Version)

	env.depot.Reshelve(change, map[string]string{"//depot/main/a.txt": "two\n"})
	require.NoError(t, env.engine.UpdateFromChange(ctx, r, change))

	versions := r.Versions()
	require.Len(t, versions, 2)
	assert.Equal(t, model.Changed(2), versions[1].Difference)
	assert.NotEqual(t, versions[0].ArchiveChange, versions[1].ArchiveChange)
	assert.True(t, r.Votes()["foo"].IsStale)
	assert.Contains(t, r.UpVotes(), "foo")
}

func TestIdenticalReshelveAmends(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	files := map[string]string{"//depot/main/a.txt": "one\n"}
	r, change := env.startReview(t, files)
	require.NoError(t, r.SetVote("foo", -1))
	before := r.Versions()[0]

	env.depot.Reshelve(change, files)
	require.NoError(t, env.engine.UpdateFromChange(ctx, r, change))

	versions := r.Versions()
	require.Len(t, versions, 1)
	assert.Equal(t, before.Change, versions[0].Change)
	assert.Equal(t, before.ArchiveChange, versions[0].ArchiveChange)
	assert.True(t, versions[0].Time.After(before.Time))
	assert.False(t, r.Votes()["foo"].IsStale)
	assert.Contains(t, r.DownVotes(), "foo")
}

func TestIdenticalCommitKeepsVotesFresh(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, change := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})
	require.NoError(t, r.SetVote("foo", 1))

	require.NoError(t, env.engine.UpdateFromChange(ctx, r, env.depot.SubmitPending(change)))
	require.Len(t, r.Versions(), 2)
	assert.False(t, r.Votes()["foo"].IsStale)
}

func TestUnknownComparisonAppends(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, change := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})
	require.NoError(t, r.SetVote("foo", 1))

	env.depot.UnknownCompare = true
	env.depot.Reshelve(change, map[string]string{"//depot/main/a.txt": "one\n"})
	require.NoError(t, env.engine.UpdateFromChange(ctx, r, change))

	require.Len(t, r.Versions(), 2)
	assert.True(t, r.Versions()[1].Difference.IsUnknown())
	assert.True(t, r.Votes()["foo"].IsStale)
}

func TestMonotonicVersions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, change := env.startReview(t, map[string]string{"//depot/main/a.txt": "v0\n"})

	contents := []string{"v0\n", "v1\n", "v1\n", "v2\n", "v3\n"}
	var seen []int
	for _, c := range contents {
		prev := r.Versions()
		env.depot.Reshelve(change, map[string]string{"//depot/main/a.txt": c})
		require.NoError(t, env.engine.UpdateFromChange(ctx, r, change))
		cur := r.Versions()
		require.GreaterOrEqual(t, len(cur), len(prev))
		for i := 0; i < len(prev)-1; i++ {
			assert.Equal(t, prev[i].Change, cur[i].Change)
			assert.Equal(t, prev[i].ArchiveChange, cur[i].ArchiveChange)
		}
		seen = append(seen, len(cur))
	}
	assert.Equal(t, []int{1, 2, 2, 3, 4}, seen)

	markers := map[int]bool{}
	for _, v := range r.Versions() {
		assert.False(t, markers[v.Difference.Marker()], "markers are distinct")
		markers[v.Difference.Marker()] = true
	}
}

func TestUnapproveOnModify(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		opts      []UpdateOption
		keep      bool
		wantState model.State
	}{
		{"modified", "two\n", nil, false, model.StateNeedsReview},
		{"identical", "one\n", nil, false, model.StateApproved},
		{"suppressed by caller", "two\n", []UpdateOption{WithUnapproveOnModify(false)}, false, model.StateApproved},
		{"disabled by config", "two\n", nil, true, model.StateApproved},
		{"forced by caller", "two\n", []UpdateOption{WithUnapproveOnModify(true)}, true, model.StateNeedsReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(c *Config) { c.KeepApprovalOnModify = tt.keep })
			r, change := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})
			require.NoError(t, r.SetState(model.StateApproved))

			env.depot.Reshelve(change, map[string]string{"//depot/main/a.txt": tt.content})
			require.NoError(t, env.engine.UpdateFromChange(context.Background(), r, change, tt.opts...))
			assert.Equal(t, tt.wantState, r.State())
		})
	}
}

func TestCommitRescuesMissingArchive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, change := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})
	r.versions[0].ArchiveChange = 0

	commit := env.depot.SubmitPending(change)
	require.NoError(t, env.engine.UpdateFromChange(ctx, r, commit))

	versions := r.Versions()
	require.Len(t, versions, 2)
	assert.NotZero(t, versions[0].ArchiveChange)
	assert.True(t, env.depot.HasShelf(versions[0].ArchiveChange))
	assert.Equal(t, model.Identical, versions[1].Difference)
}

func TestStreamRecordedOnVersion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.depot.AddClient(gateway.Client{Name: "alice-main", Owner: "alice", Stream: "//streams/main"})
	change := env.depot.CreatePendingOn("alice-main", "alice", "stream work", map[string]string{"//streams/main/a.txt": "one\n"})

	r, err := env.engine.CreateFromChange(ctx, change)
	require.NoError(t, err)
	require.NoError(t, env.engine.UpdateFromChange(ctx, r, change))
	assert.Equal(t, "//streams/main", r.Versions()[0].Stream)

	classic, _ := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})
	assert.Empty(t, classic.Versions()[0].Stream)
	assert.Contains(t, string(mustJSON(t, classic.Versions()[0])), `"stream":null`)
}

func TestUpdateFromChangeErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, change := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})
	before := r.ToArray()

	err := env.engine.UpdateFromChange(ctx, r, 99)
	assert.ErrorIs(t, err, ErrNotFound)
	var oe *OpError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, 99, oe.Change)

	env.depot.Reshelve(change, map[string]string{"//depot/main/a.txt": "two\n"})
	env.depot.Unavailable = true
	err = env.engine.UpdateFromChange(ctx, r, change)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, before, r.ToArray(), "failed update leaves the review untouched")
}

func TestFailedFirstUpdateReleasesReviewID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	change := env.depot.CreatePending("alice", "Fix the indexer", map[string]string{"//depot/main/a.txt": "one\n"})
	r, err := env.engine.CreateFromChange(ctx, change)
	require.NoError(t, err)

	env.depot.FailShelve = true
	err = env.engine.UpdateFromChange(ctx, r, change)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Zero(t, r.ID())
	assert.Contains(t, env.depot.Calls(), "DeleteChangelist")
	assert.False(t, env.depot.Exists(change+1), "allocated change is deleted")

	env.depot.FailShelve = false
	require.NoError(t, env.engine.UpdateFromChange(ctx, r, change))
	assert.Equal(t, change+2, r.ID())
	require.Len(t, r.Versions(), 1)
}

func TestFailedUpdateKeepsExistingReviewID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, change := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})

	env.depot.Reshelve(change, map[string]string{"//depot/main/a.txt": "two\n"})
	env.depot.FailShelve = true
	assert.Error(t, env.engine.UpdateFromChange(ctx, r, change))
	assert.True(t, env.depot.Exists(r.ID()))
	assert.NotContains(t, env.depot.Calls(), "DeleteChangelist")
}
