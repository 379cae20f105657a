// Package vecindex implements the in-process vector index used for
// duplicate search: exact inner-product search over L2-normalized vectors
// with a stable external-ID mapping and file snapshot persistence.
//
// Readers are lock-free: the index state lives in an immutable snapshot
// behind an atomic pointer. Writers (Add, Rebuild, Load) serialize on a
// mutex and publish a fresh snapshot; concurrent searches observe either
// the old or the new state, never a partial one.
package vecindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Result is one search hit: an external bug id and its cosine similarity.
type Result struct {
	ID    uuid.UUID
	Score float32
}

// snapshot is the immutable index state. vecs holds unit vectors row-major
// (len = count*dims); ids maps position to external id. Position reuse is
// forbidden until a rebuild.
type snapshot struct {
	dims int
	vecs []float32
	ids  []uuid.UUID
}

func (s *snapshot) count() int { return len(s.ids) }

// Flat is an exact inner-product index over unit vectors.
type Flat struct {
	dims int

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// NewFlat creates an empty index for vectors of the given dimension.
func NewFlat(dims int) *Flat {
	f := &Flat{dims: dims}
	f.snap.Store(&snapshot{dims: dims})
	return f
}

// Dimensions returns the vector dimensionality.
func (f *Flat) Dimensions() int { return f.dims }

// Len returns the number of live positions.
func (f *Flat) Len() int { return f.snap.Load().count() }

// Add appends vectors paired with external ids. Vectors are copied and
// L2-normalized; zero vectors are kept as-is and never score above zero.
func (f *Flat) Add(vecs [][]float32, ids []uuid.UUID) error {
	if len(vecs) != len(ids) {
		return fmt.Errorf("vecindex: %d vectors for %d ids", len(vecs), len(ids))
	}
	for i, v := range vecs {
		if len(v) != f.dims {
			return fmt.Errorf("vecindex: vector %d has dimension %d, index expects %d", i, len(v), f.dims)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	old := f.snap.Load()
	next := &snapshot{
		dims: f.dims,
		vecs: make([]float32, 0, len(old.vecs)+len(vecs)*f.dims),
		ids:  make([]uuid.UUID, 0, len(old.ids)+len(ids)),
	}
	next.vecs = append(next.vecs, old.vecs...)
	next.ids = append(next.ids, old.ids...)
	for i, v := range vecs {
		next.vecs = append(next.vecs, normalized(v)...)
		next.ids = append(next.ids, ids[i])
	}
	f.snap.Store(next)
	return nil
}

// Rebuild atomically replaces the index contents. Safe to call while
// searches are in flight.
func (f *Flat) Rebuild(vecs [][]float32, ids []uuid.UUID) error {
	if len(vecs) != len(ids) {
		return fmt.Errorf("vecindex: %d vectors for %d ids", len(vecs), len(ids))
	}

	next := &snapshot{
		dims: f.dims,
		vecs: make([]float32, 0, len(vecs)*f.dims),
		ids:  make([]uuid.UUID, 0, len(ids)),
	}
	for i, v := range vecs {
		if len(v) != f.dims {
			return fmt.Errorf("vecindex: vector %d has dimension %d, index expects %d", i, len(v), f.dims)
		}
		next.vecs = append(next.vecs, normalized(v)...)
		next.ids = append(next.ids, ids[i])
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Store(next)
	return nil
}

// Search returns up to k (id, score) pairs ordered by descending cosine
// similarity. An empty index returns an empty slice. The same external id
// may appear twice transiently around a rebuild; callers de-duplicate.
func (f *Flat) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(query) != f.dims {
		return nil, fmt.Errorf("vecindex: query has dimension %d, index expects %d", len(query), f.dims)
	}
	snap := f.snap.Load()
	n := snap.count()
	if n == 0 || k <= 0 {
		return []Result{}, nil
	}

	q := normalized(query)
	results := make([]Result, n)
	for i := range n {
		row := snap.vecs[i*f.dims : (i+1)*f.dims]
		var dot float32
		for j, qv := range q {
			dot += qv * row[j]
		}
		results[i] = Result{ID: snap.ids[i], Score: dot}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// normalized returns a unit-length copy of v. The zero vector is returned
// unchanged; it has zero inner product with every unit query.
func normalized(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
