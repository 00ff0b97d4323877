package review

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprite-ai/p4review/internal/model"
	"github.com/sprite-ai/p4review/internal/store"
)

func putRaw(t *testing.T, env *testEnv, id int64, raw map[string]any) {
	t.Helper()
	_, err := env.store.Put(context.Background(), store.Record{ID: id, Value: mustJSON(t, raw)}, 0)
	require.NoError(t, err)
}

func TestLegacyReviewerAndKeywords(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	putRaw(t, env, 7, map[string]any{
		"id":          7,
		"author":      "alice",
		"reviewer":    "jdoe",
		"assigned":    1,
		"description": `THIS is, a (test.of) "description" indeXing.`,
		"upgrade":     0,
	})

	r, err := env.engine.Fetch(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Upgrade())
	assert.True(t, r.HasReviewer())
	assert.Contains(t, r.ParticipantIDs(), "jdoe")

	require.NoError(t, env.engine.Save(ctx, r))
	assert.Equal(t, UpgradeLevel, r.Upgrade())
	assert.Equal(t, 7, r.ID())

	rec, err := env.store.Get(ctx, 7)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Value, &raw))
	assert.EqualValues(t, 1, raw["hasReviewer"])
	assert.EqualValues(t, UpgradeLevel, raw["upgrade"])
	assert.NotContains(t, raw, "reviewer")
	assert.NotContains(t, raw, "assigned")

	ids, err := env.engine.SearchIDs(ctx, Filter{Keywords: "indexing"})
	require.NoError(t, err)
	assert.Equal(t, []int{7}, ids)

	ids, err = env.engine.SearchIDs(ctx, Filter{Keywords: "indeXing"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUnassignedReviewerFlag(t *testing.T) {
	raw := map[string]any{"author": "alice", "reviewer": "jdoe", "assigned": false}
	from, err := Upgrade(context.Background(), raw, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, from)
	assert.Equal(t, 0, raw["hasReviewer"])
	assert.Equal(t, map[string]any{"alice": map[string]any{}}, raw["participants"])
}

func TestLegacyVotesMigrate(t *testing.T) {
	raw := map[string]any{
		"id":           3,
		"author":       "alice",
		"participants": []any{"alice", "bob"},
		"votes":        map[string]any{"bob": "1", "carol": 0, "dave": -1.0},
		"versions": []any{
			map[string]any{"change": 3, "pending": true, "difference": 1},
			map[string]any{"change": 3, "pending": true, "difference": 2},
		},
		"upgrade": 1,
	}
	from, err := Upgrade(context.Background(), raw, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, from)
	assert.Equal(t, UpgradeLevel, raw["upgrade"])
	assert.NotContains(t, raw, "votes")

	participants := raw["participants"].(map[string]any)
	assert.Equal(t, map[string]any{"value": 1, "version": 2}, participants["bob"].(map[string]any)["vote"])
	assert.Equal(t, map[string]any{"value": -1, "version": 2}, participants["dave"].(map[string]any)["vote"])
	assert.NotContains(t, participants["carol"], "vote")
}

func TestSynthesizeVersionsFromCommits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	first := env.depot.SubmitChange("alice", "part one", map[string]string{"//depot/main/a.txt": "one\n"})
	second := env.depot.SubmitChange("bob", "part two", map[string]string{"//depot/main/a.txt": "two\n"})
	shelf := env.depot.CreatePending("alice", "part three", map[string]string{"//depot/main/a.txt": "three\n"})

	putRaw(t, env, int64(shelf), map[string]any{
		"id":      shelf,
		"author":  "alice",
		"commits": []any{second, first},
		"pending": true,
		"votes":   map[string]any{"bob": 1},
		"upgrade": 1,
	})

	r, err := env.engine.Fetch(ctx, shelf)
	require.NoError(t, err)
	versions := r.Versions()
	require.Len(t, versions, 3)

	assert.Equal(t, first, versions[0].Change)
	assert.Equal(t, "alice", versions[0].User)
	assert.False(t, versions[0].Pending)
	assert.Equal(t, second, versions[1].Change)
	assert.Equal(t, "bob", versions[1].User)
	assert.Equal(t, shelf, versions[2].Change)
	assert.True(t, versions[2].Pending)
	assert.True(t, r.IsPending())
	for i, v := range versions {
		assert.Equal(t, model.Changed(i+1), v.Difference)
		assert.False(t, v.Time.IsZero())
	}
	assert.Equal(t, 3, r.Votes()["bob"].Version)
}

func TestSynthesizeUnavailable(t *testing.T) {
	env := newTestEnv(t)
	putRaw(t, env, 4, map[string]any{"id": 4, "commits": []any{1}, "upgrade": 2})
	env.depot.Unavailable = true

	_, err := env.engine.Fetch(context.Background(), 4)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestUpgradeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, _ := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})
	require.NoError(t, r.AddParticipant("bob", map[string]any{"required": true}))
	require.NoError(t, r.SetVote("bob", 1))
	require.NoError(t, env.engine.Save(ctx, r))

	rec, err := env.store.Get(ctx, int64(r.ID()))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Value, &raw))
	from, err := Upgrade(ctx, raw, env.depot)
	require.NoError(t, err)
	assert.Equal(t, UpgradeLevel, from)
	assert.JSONEq(t, string(rec.Value), string(mustJSON(t, raw)))

	got, err := env.engine.Fetch(ctx, r.ID())
	require.NoError(t, err)
	assert.JSONEq(t, string(rec.Value), string(mustJSON(t, got.toRecord())))
}

func TestNegativeUpgradeLevelIsTreatedAsLegacy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	putRaw(t, env, 9, map[string]any{"id": 9, "author": "alice", "reviewer": "jdoe", "assigned": true, "upgrade": -1})

	var r *Review
	require.NotPanics(t, func() {
		var err error
		r, err = env.engine.Fetch(ctx, 9)
		require.NoError(t, err)
	})
	assert.Contains(t, r.ParticipantIDs(), "jdoe")

	require.NoError(t, env.engine.Save(ctx, r))
	assert.Equal(t, UpgradeLevel, r.Upgrade())
}

func TestAssignedWithoutReviewerNameKeepsFlag(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	putRaw(t, env, 11, map[string]any{"id": 11, "author": "alice", "assigned": 1, "upgrade": 0})
	putRaw(t, env, 12, map[string]any{"id": 12, "author": "alice", "assigned": 0, "upgrade": 0})

	for _, id := range []int{11, 12} {
		r, err := env.engine.Fetch(ctx, id)
		require.NoError(t, err)
		require.NoError(t, env.engine.Save(ctx, r))
	}

	rec, err := env.store.Get(ctx, 11)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Value, &raw))
	assert.EqualValues(t, 1, raw["hasReviewer"])
	assert.Equal(t, true, raw["legacyAssigned"])

	r, err := env.engine.Fetch(ctx, 11)
	require.NoError(t, err)
	assert.True(t, r.HasReviewer())
	assert.Equal(t, []string{"alice"}, r.ParticipantIDs())

	yes, no := true, false
	ids, err := env.engine.SearchIDs(ctx, Filter{HasReviewer: &yes})
	require.NoError(t, err)
	assert.Equal(t, []int{11}, ids)
	ids, err = env.engine.SearchIDs(ctx, Filter{HasReviewer: &no})
	require.NoError(t, err)
	assert.Equal(t, []int{12}, ids)
}
