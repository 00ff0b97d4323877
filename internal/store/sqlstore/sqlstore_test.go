package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprite-ai/p4review/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := store.Record{
		ID:     12,
		Value:  []byte(`{"id":12}`),
		Fields: map[string][]string{"author": {"bruno"}, "keywords": {"fix", "indexer"}},
	}
	v, err := s.Put(ctx, rec, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	got, err := s.Get(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, `{"id":12}`, string(got.Value))
	assert.Equal(t, int64(1), got.Version)
	assert.ElementsMatch(t, []string{"fix", "indexer"}, got.Fields["keywords"])

	_, err = s.Get(ctx, 13)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPutReplacesIndex(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Put(ctx, store.Record{ID: 1, Fields: map[string][]string{"state": {"needsReview"}}}, 0)
	require.NoError(t, err)
	_, err = s.Put(ctx, store.Record{ID: 1, Fields: map[string][]string{"state": {"approved"}}}, 0)
	require.NoError(t, err)

	ids, err := s.Search(ctx, store.Query{}.Where("state", "needsReview"))
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = s.Search(ctx, store.Query{}.Where("state", "approved"))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
}

func TestVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Put(ctx, store.Record{ID: 1, Value: []byte("a")}, 0)
	require.NoError(t, err)
	v, err := s.Put(ctx, store.Record{ID: 1, Value: []byte("b")}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = s.Put(ctx, store.Record{ID: 1, Value: []byte("c")}, 1)
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "b", string(got.Value))
}

func TestSearchAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for id, who := range map[int64][]string{1: {"alice", "bob"}, 2: {"alice"}, 3: {"carol"}} {
		_, err := s.Put(ctx, store.Record{ID: id, Value: []byte("{}"), Fields: map[string][]string{"participants": who}}, 0)
		require.NoError(t, err)
	}

	ids, err := s.Search(ctx, store.Query{}.Where("participants", "alice"))
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, ids)

	ids, err = s.Search(ctx, store.Query{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2}, ids)

	ids, err = s.Search(ctx, store.Query{}.Where("participants", "bob", "carol"))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1}, ids)

	require.NoError(t, s.Delete(ctx, 1))
	assert.ErrorIs(t, s.Delete(ctx, 1), store.ErrNotFound)

	ids, err = s.Search(ctx, store.Query{}.Where("participants", "alice"))
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
}

func TestOpenFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "reviews.db")
	s, err := Open(SQLite, path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(context.Background(), store.Record{ID: 5, Value: []byte("x")}, 0)
	require.NoError(t, err)
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: Postgres}
	assert.Equal(t, "SELECT a FROM t WHERE id = $1 AND x IN ($2,$3)", s.rebind("SELECT a FROM t WHERE id = ? AND x IN (?,?)"))

	s.dialect = SQLite
	assert.Equal(t, "id = ?", s.rebind("id = ?"))
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	_, err := Open("oracle", "x")
	assert.Error(t, err)
}

func TestConditionalPutOnMissingRecord(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Put(context.Background(), store.Record{ID: 7, Value: []byte("a")}, 3)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.Get(context.Background(), 7)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentWritersOfSameVersion(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Put(ctx, store.Record{ID: 1, Value: []byte("base")}, 0)
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Put(ctx, store.Record{ID: 1, Value: []byte("edit"), Fields: map[string][]string{"state": {"approved"}}}, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, conflicts)

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestConcurrentFirstSavesAreLastWriterWins(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Put(ctx, store.Record{ID: 3, Value: []byte("v")}, 0)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	got, err := s.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(writers), got.Version)
}
