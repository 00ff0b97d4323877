package review

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprite-ai/p4review/internal/gateway"
	"github.com/sprite-ai/p4review/internal/gateway/gatewaytest"
	"github.com/sprite-ai/p4review/internal/model"
	"github.com/sprite-ai/p4review/internal/store"
)

type testEnv struct {
	engine *Engine
	depot  *gatewaytest.Depot
	store  *store.Memory
	pool   *gateway.Pool
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		depot: gatewaytest.New(),
		store: store.NewMemory(),
		pool:  gateway.NewPool("swarm", t.TempDir(), 1),
	}
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{
		Gateway:     env.depot,
		Store:       env.store,
		Pool:        env.pool,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		ServiceUser: "swarm",
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	env.engine = e
	return env
}

// startReview creates a review from a fresh pending change by alice and
// records its first version.
func (env *testEnv) startReview(t *testing.T, files map[string]string) (*Review, int) {
	t.Helper()
	ctx := context.Background()
	change := env.depot.CreatePending("alice", "Fix the indexer", files)
	r, err := env.engine.CreateFromChange(ctx, change)
	require.NoError(t, err)
	require.NoError(t, env.engine.UpdateFromChange(ctx, r, change))
	return r, change
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Config{Store: store.NewMemory()})
	assert.Error(t, err)
	_, err = NewEngine(Config{Gateway: gatewaytest.New()})
	assert.Error(t, err)
}

func TestSaveFetchRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, _ := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})

	require.NoError(t, r.AddParticipant("bob", map[string]any{"required": true, "notify": "email"}))
	require.NoError(t, r.SetVote("bob", 1))
	require.NoError(t, r.SetProjects(map[string][]string{"indexer": {"main"}}))
	r.SetTestStatus("pass", map[string]any{"url": "http://ci/1"})
	require.NoError(t, r.SetState(model.StateApproved))
	require.NoError(t, env.engine.Save(ctx, r))

	got, err := env.engine.Fetch(ctx, r.ID())
	require.NoError(t, err)
	assert.Equal(t, r.ToArray(), got.ToArray())
	assert.Equal(t, r.Votes(), got.Votes())
	assert.Equal(t, r.Versions(), got.Versions())
	assert.Equal(t, UpgradeLevel, got.Upgrade())
	assert.Equal(t, r.token, got.token)
	assert.True(t, r.Created().Equal(got.Created()))
}

func TestTokenNeverChangesOrLeaks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, _ := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})

	require.NoError(t, env.engine.Save(ctx, r))
	token := r.token
	require.NotEmpty(t, token)

	got, err := env.engine.Fetch(ctx, r.ID())
	require.NoError(t, err)
	got.SetDescription("changed")
	require.NoError(t, env.engine.Save(ctx, got))
	assert.Equal(t, token, got.token)

	_, ok := got.ToArray()["token"]
	assert.False(t, ok)
	assert.NotContains(t, got.ToArray("token", "id"), "token")
}

func TestDeleteThenFetchNotFound(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, _ := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})
	require.NoError(t, env.engine.Save(ctx, r))

	require.NoError(t, env.engine.Delete(ctx, r.ID()))
	_, err := env.engine.Fetch(ctx, r.ID())
	assert.ErrorIs(t, err, ErrNotFound)

	err = env.engine.Delete(ctx, r.ID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOptimisticLockingConflict(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(c *Config) { c.OptimisticLocking = true })
	r, _ := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})
	require.NoError(t, env.engine.Save(ctx, r))

	first, err := env.engine.Fetch(ctx, r.ID())
	require.NoError(t, err)
	second, err := env.engine.Fetch(ctx, r.ID())
	require.NoError(t, err)

	require.NoError(t, first.SetState(model.StateApproved))
	require.NoError(t, env.engine.Save(ctx, first))

	require.NoError(t, second.SetState(model.StateNeedsRevision))
	err = env.engine.Save(ctx, second)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	got, err := env.engine.Fetch(ctx, r.ID())
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, got.State())
}

func TestLastWriterWinsWithoutLocking(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, _ := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})
	require.NoError(t, env.engine.Save(ctx, r))

	first, _ := env.engine.Fetch(ctx, r.ID())
	second, _ := env.engine.Fetch(ctx, r.ID())
	require.NoError(t, first.SetState(model.StateApproved))
	require.NoError(t, env.engine.Save(ctx, first))
	require.NoError(t, second.SetState(model.StateNeedsRevision))
	require.NoError(t, env.engine.Save(ctx, second))

	got, err := env.engine.Fetch(ctx, r.ID())
	require.NoError(t, err)
	assert.Equal(t, model.StateNeedsRevision, got.State())
}

func TestSaveUnavailableGateway(t *testing.T) {
	env := newTestEnv(t)
	env.depot.Unavailable = true

	r := New("alice", "new review")
	err := env.engine.Save(context.Background(), r)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, 0, r.ID())
}

func TestSearchHasReviewerPartition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	var with, without []int
	for i, reviewer := range []string{"", "bob", "", "carol", "dave", ""} {
		r := New("alice", "review number")
		if reviewer != "" {
			require.NoError(t, r.AddParticipants(reviewer))
		}
		require.NoError(t, env.engine.Save(ctx, r), "review %d", i)
		if reviewer != "" {
			with = append(with, r.ID())
		} else {
			without = append(without, r.ID())
		}
	}

	yes, no := true, false
	gotWith, err := env.engine.SearchIDs(ctx, Filter{HasReviewer: &yes})
	require.NoError(t, err)
	gotWithout, err := env.engine.SearchIDs(ctx, Filter{HasReviewer: &no})
	require.NoError(t, err)

	assert.ElementsMatch(t, with, gotWith)
	assert.ElementsMatch(t, without, gotWithout)
	for _, id := range gotWith {
		assert.NotContains(t, gotWithout, id)
	}
	all, err := env.engine.SearchIDs(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, len(gotWith)+len(gotWithout))
}

func TestSearchFilters(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a := New("alice", "Speed up the indexer")
	require.NoError(t, a.SetProjects(map[string][]string{"search": {"main"}}))
	require.NoError(t, env.engine.Save(ctx, a))

	b := New("bob", "Fix the login page")
	require.NoError(t, b.AddParticipants("carol"))
	require.NoError(t, b.SetState(model.StateApproved))
	b.SetTestStatus("fail", nil)
	require.NoError(t, env.engine.Save(ctx, b))

	tests := []struct {
		name   string
		filter Filter
		want   []int
	}{
		{"keyword", Filter{Keywords: "indexer"}, []int{a.ID()}},
		{"keyword and", Filter{Keywords: "fix page"}, []int{b.ID()}},
		{"shared keyword", Filter{Keywords: "the"}, []int{b.ID(), a.ID()}},
		{"author", Filter{Author: "bob"}, []int{b.ID()}},
		{"participant", Filter{Participants: []string{"carol"}}, []int{b.ID()}},
		{"states", Filter{States: []model.State{model.StateApproved, model.StateArchived}}, []int{b.ID()}},
		{"project", Filter{Project: "search"}, []int{a.ID()}},
		{"test status", Filter{TestStatus: "fail"}, []int{b.ID()}},
		{"type", Filter{Type: DefaultType}, []int{b.ID(), a.ID()}},
		{"limit", Filter{Limit: 1}, []int{b.ID()}},
		{"no match", Filter{Author: "zed"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.engine.SearchIDs(ctx, tt.filter)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}

	reviews, err := env.engine.Search(ctx, Filter{Author: "alice"})
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "Speed up the indexer", reviews[0].Description())
}

func TestDiffVersions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	r, change := env.startReview(t, map[string]string{"//depot/main/a.txt": "one\n"})
	env.depot.Reshelve(change, map[string]string{"//depot/main/a.txt": "two\n", "//depot/main/b.txt": "new\n"})
	require.NoError(t, env.engine.UpdateFromChange(ctx, r, change))
	require.Len(t, r.Versions(), 2)

	ds, err := env.engine.DiffVersions(ctx, r, 1, 2)
	require.NoError(t, err)
	require.Len(t, ds.Files, 2)
	_, added, deleted := ds.Stats()
	assert.Equal(t, 2, added)
	assert.Equal(t, 1, deleted)

	base, err := env.engine.DiffVersions(ctx, r, 0, 1)
	require.NoError(t, err)
	require.Len(t, base.Files, 1)
	assert.Equal(t, "depot/main/a.txt", base.Files[0].Name())

	_, err = env.engine.DiffVersions(ctx, r, 1, 3)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUpgradeAll(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for id, level := range map[int64]int{10: 0, 11: 1, 12: UpgradeLevel} {
		raw := map[string]any{"id": id, "author": "alice", "description": "legacy", "upgrade": level}
		data, err := json.Marshal(raw)
		require.NoError(t, err)
		_, err = env.store.Put(ctx, store.Record{ID: id, Value: data}, 0)
		require.NoError(t, err)
	}

	n, err := env.engine.UpgradeAll(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []int{10, 11, 12} {
		rec, err := env.store.Get(ctx, int64(id))
		require.NoError(t, err)
		var raw map[string]any
		require.NoError(t, json.Unmarshal(rec.Value, &raw))
		assert.EqualValues(t, UpgradeLevel, raw["upgrade"], "review %d", id)
	}

	n, err = env.engine.UpgradeAll(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, n)
}
