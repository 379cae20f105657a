package vecindex

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	all        []Entry
	tail       []Entry
	reindexed  int
	sinceCalls int
	sinceArg   time.Time
}

func (s *fakeSource) IndexableBugs(context.Context) ([]Entry, error) { return s.all, nil }

func (s *fakeSource) IndexableBugsSince(_ context.Context, t time.Time) ([]Entry, error) {
	s.sinceCalls++
	s.sinceArg = t
	return s.tail, nil
}

func (s *fakeSource) MarkReindexed(context.Context) (int, error) { return s.reindexed, nil }

func TestRebuildNow(t *testing.T) {
	idx := NewFlat(2)
	stale := uuid.New()
	require.NoError(t, idx.Add([][]float32{{1, 1}}, []uuid.UUID{stale}))

	kept, raced := uuid.New(), uuid.New()
	src := &fakeSource{
		all:       []Entry{{ID: kept, Vector: []float32{1, 0}}},
		tail:      []Entry{{ID: raced, Vector: []float32{0, 1}}},
		reindexed: 2,
	}

	path := filepath.Join(t.TempDir(), "bugs")
	r := NewRebuilder(idx, src, path, "0 2 * * *", slog.New(slog.DiscardHandler))
	require.NoError(t, r.RebuildNow(context.Background()))

	// Stale entry gone, storage entry and raced tail entry present.
	require.Equal(t, 2, idx.Len())
	results, err := idx.Search(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Equal(t, kept, results[0].ID)
	assert.Equal(t, 1, src.sinceCalls)

	// Snapshot was written and loads cleanly.
	restored := NewFlat(2)
	require.NoError(t, restored.Load(path))
	assert.Equal(t, 2, restored.Len())
}

func TestRebuildTailCutoffPrecedesScanStart(t *testing.T) {
	idx := NewFlat(2)
	src := &fakeSource{}
	r := NewRebuilder(idx, src, filepath.Join(t.TempDir(), "bugs"), "0 2 * * *", slog.New(slog.DiscardHandler))

	before := time.Now().UTC()
	require.NoError(t, r.RebuildNow(context.Background()))
	after := time.Now().UTC()

	// A row committed during the scan can carry a created_at slightly
	// behind the scan's wall-clock start. The tail window must reach back
	// past the start so such rows are re-read rather than lost.
	require.Equal(t, 1, src.sinceCalls)
	assert.False(t, src.sinceArg.Before(before.Add(-tailMargin)))
	assert.False(t, src.sinceArg.After(after.Add(-tailMargin)))
}

func TestNextRunDailySchedule(t *testing.T) {
	r := &Rebuilder{schedule: "30 2 * * *"}
	now := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)

	next := r.nextRun(now)
	assert.Equal(t, time.Date(2026, 3, 10, 2, 30, 0, 0, time.UTC), next)

	// Already past today's slot: schedule for tomorrow.
	next = r.nextRun(time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 11, 2, 30, 0, 0, time.UTC), next)
}

func TestNextRunFallbackInterval(t *testing.T) {
	r := &Rebuilder{schedule: "*/5 * * * *"}
	now := time.Now()
	next := r.nextRun(now)
	assert.Equal(t, now.Add(24*time.Hour), next)
}

func TestParseDailySchedule(t *testing.T) {
	tests := []struct {
		in         string
		wantMinute int
		wantHour   int
		wantOK     bool
	}{
		{"0 2 * * *", 0, 2, true},
		{"45 23 * * *", 45, 23, true},
		{"60 2 * * *", 0, 0, false},
		{"0 24 * * *", 0, 0, false},
		{"0 2 1 * *", 0, 0, false},
		{"not a schedule", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tt := range tests {
		m, h, ok := parseDailySchedule(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		if ok {
			assert.Equal(t, tt.wantMinute, m, tt.in)
			assert.Equal(t, tt.wantHour, h, tt.in)
		}
	}
}
