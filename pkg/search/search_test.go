package search_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thinkhq/think/pkg/dataaccess"
	"github.com/thinkhq/think/pkg/search"
	"github.com/thinkhq/think/pkg/store"
)

func newTestEngine(t *testing.T) (*search.Engine, *dataaccess.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{Path: filepath.Join(t.TempDir(), "think.db")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Reset()) })
	require.NoError(t, store.NewMigrator(store.Steps()).Migrate(ctx, s))

	ms := dataaccess.NewMemoryStore(s)
	return search.New(s, false), ms
}

func strPtr(s string) *string { return &s }

func TestSearchRanksByAscendingCosineDistance(t *testing.T) {
	ctx := context.Background()
	e, ms := newTestEngine(t)

	closeID, err := ms.Create(ctx, dataaccess.CreateInput{Type: dataaccess.TypeNote, Title: strPtr("close"), Content: strPtr("x")})
	require.NoError(t, err)
	require.NoError(t, ms.UpdateEmbedding(ctx, closeID, []float32{1, 0, 0}, "model"))

	farID, err := ms.Create(ctx, dataaccess.CreateInput{Type: dataaccess.TypeNote, Title: strPtr("far"), Content: strPtr("y")})
	require.NoError(t, err)
	require.NoError(t, ms.UpdateEmbedding(ctx, farID, []float32{0, 1, 0}, "model"))

	results, err := e.Search(ctx, []float32{1, 0, 0}, 10, "")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, closeID, results[0].ID)
	require.Equal(t, search.MatchVector, results[0].MatchType)
	require.Less(t, results[0].Distance, results[len(results)-1].Distance)
}

func TestSearchRespectsLimit(t *testing.T) {
	ctx := context.Background()
	e, ms := newTestEngine(t)

	for i := 0; i < 5; i++ {
		id, err := ms.Create(ctx, dataaccess.CreateInput{Type: dataaccess.TypeNote, Content: strPtr("x")})
		require.NoError(t, err)
		require.NoError(t, ms.UpdateEmbedding(ctx, id, []float32{float32(i), 0, 0}, "model"))
	}

	results, err := e.Search(ctx, []float32{0, 0, 0}, 2, "")
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestKeywordOnlyHitGetsRealDistanceWhenEmbeddingPresent(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{Path: filepath.Join(t.TempDir(), "think.db")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Reset()) })
	require.NoError(t, store.NewMigrator(store.Steps()).Migrate(ctx, s))

	ms := dataaccess.NewMemoryStore(s)
	e := search.New(s, true)

	// A distant vector match that also happens to be the only keyword hit:
	// a broken implementation leaves its Distance at its zero value (a
	// false "perfect match"), instead of the real cosine distance.
	id, err := ms.Create(ctx, dataaccess.CreateInput{Type: dataaccess.TypeNote, Title: strPtr("gizmo"), Content: strPtr("gizmo")})
	require.NoError(t, err)
	require.NoError(t, ms.UpdateEmbedding(ctx, id, []float32{1, 1, 0}, "model"))

	// Excluded from the top-(3*limit) vector candidate cut by crowding it
	// with nearer unrelated vectors, so the hit only reaches byID via FTS.
	for i := 0; i < 9; i++ {
		other, err := ms.Create(ctx, dataaccess.CreateInput{Type: dataaccess.TypeNote, Content: strPtr("filler")})
		require.NoError(t, err)
		require.NoError(t, ms.UpdateEmbedding(ctx, other, []float32{1, 0, 0}, "model"))
	}

	results, err := e.Search(ctx, []float32{1, 0, 0}, 3, "gizmo")
	require.NoError(t, err)

	var hit *search.Result
	for i := range results {
		if results[i].ID == id {
			hit = &results[i]
		}
	}
	require.NotNil(t, hit, "keyword hit must still surface even when excluded from the vector cut")
	require.Equal(t, search.MatchKeyword, hit.MatchType)
	// cosine distance between [1,0,0] and [1,1,0] is 1 - 1/sqrt(2) ≈ 0.293 —
	// neither the zero value a missed computation would leave, nor the 1.0
	// no-embedding fallback.
	require.InDelta(t, 0.2929, hit.Distance, 1e-3)
}

func TestSearchWithoutFTSFallsBackToVectorOnly(t *testing.T) {
	ctx := context.Background()
	e, ms := newTestEngine(t)

	id, err := ms.Create(ctx, dataaccess.CreateInput{Type: dataaccess.TypeNote, Content: strPtr("x")})
	require.NoError(t, err)
	require.NoError(t, ms.UpdateEmbedding(ctx, id, []float32{1, 2, 3}, "model"))

	results, err := e.Search(ctx, []float32{1, 2, 3}, 5, "some keyword query")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, search.MatchVector, results[0].MatchType)
}
