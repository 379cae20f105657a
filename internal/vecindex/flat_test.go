package vecindex

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchEmptyIndex(t *testing.T) {
	idx := NewFlat(3)
	results, err := idx.Search(context.Background(), []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestAddAndSearch(t *testing.T) {
	idx := NewFlat(3)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	err := idx.Add([][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0.9, 0.1, 0},
	}, []uuid.UUID{a, b, c})
	require.NoError(t, err)
	require.Equal(t, 3, idx.Len())

	results, err := idx.Search(context.Background(), []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, a, results[0].ID)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-5)
	assert.Equal(t, c, results[1].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestVectorsAreNormalizedOnInsert(t *testing.T) {
	idx := NewFlat(2)
	id := uuid.New()
	// Same direction, wildly different magnitude: score must still be 1.
	require.NoError(t, idx.Add([][]float32{{100, 0}}, []uuid.UUID{id}))

	results, err := idx.Search(context.Background(), []float32{0.001, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-5)
}

func TestZeroVectorNeverMatches(t *testing.T) {
	idx := NewFlat(2)
	zero, real := uuid.New(), uuid.New()
	require.NoError(t, idx.Add([][]float32{{0, 0}, {1, 0}}, []uuid.UUID{zero, real}))

	results, err := idx.Search(context.Background(), []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, real, results[0].ID)
	assert.InDelta(t, 0.0, float64(results[1].Score), 1e-6)
}

func TestDimensionMismatch(t *testing.T) {
	idx := NewFlat(3)
	err := idx.Add([][]float32{{1, 0}}, []uuid.UUID{uuid.New()})
	require.Error(t, err)

	_, err = idx.Search(context.Background(), []float32{1, 0}, 1)
	require.Error(t, err)

	err = idx.Rebuild([][]float32{{1, 0}}, []uuid.UUID{uuid.New()})
	require.Error(t, err)
}

func TestRebuildReplacesContents(t *testing.T) {
	idx := NewFlat(2)
	old, fresh := uuid.New(), uuid.New()
	require.NoError(t, idx.Add([][]float32{{1, 0}}, []uuid.UUID{old}))

	require.NoError(t, idx.Rebuild([][]float32{{0, 1}}, []uuid.UUID{fresh}))
	require.Equal(t, 1, idx.Len())

	results, err := idx.Search(context.Background(), []float32{0, 1}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, fresh, results[0].ID)
}

func TestConcurrentSearchDuringWrites(t *testing.T) {
	idx := NewFlat(4)
	ids := make([]uuid.UUID, 50)
	vecs := make([][]float32, 50)
	for i := range ids {
		ids[i] = uuid.New()
		vecs[i] = []float32{float32(i), 1, 0, 0}
	}
	require.NoError(t, idx.Add(vecs, ids))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				results, err := idx.Search(context.Background(), []float32{1, 1, 0, 0}, 10)
				assert.NoError(t, err)
				assert.LessOrEqual(t, len(results), 10)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 20 {
			assert.NoError(t, idx.Add([][]float32{{0, 0, 1, 0}}, []uuid.UUID{uuid.New()}))
			assert.NoError(t, idx.Rebuild(vecs, ids))
		}
	}()
	wg.Wait()
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bugs")

	idx := NewFlat(3)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	require.NoError(t, idx.Add([][]float32{
		{0.5, 0.5, 0},
		{0, 0.2, 0.9},
		{1, 0, 0},
	}, ids))
	require.NoError(t, idx.Save(path))

	restored := NewFlat(3)
	require.NoError(t, restored.Load(path))
	require.Equal(t, idx.Len(), restored.Len())

	query := []float32{0.4, 0.6, 0.1}
	want, err := idx.Search(context.Background(), query, 3)
	require.NoError(t, err)
	got, err := restored.Search(context.Background(), query, 3)
	require.NoError(t, err)
	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.InDelta(t, float64(want[i].Score), float64(got[i].Score), 1e-6)
	}
}

func TestLoadRejectsDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bugs")

	idx := NewFlat(3)
	require.NoError(t, idx.Add([][]float32{{1, 0, 0}}, []uuid.UUID{uuid.New()}))
	require.NoError(t, idx.Save(path))

	other := NewFlat(4)
	require.Error(t, other.Load(path))
}

func TestNormalized(t *testing.T) {
	v := normalized([]float32{3, 4})
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)

	zero := normalized([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}
