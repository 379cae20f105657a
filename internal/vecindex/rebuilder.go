package vecindex

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// Entry is one bug eligible for indexing.
type Entry struct {
	ID     uuid.UUID
	Vector []float32
}

// Source streams indexable bugs from persistent storage.
type Source interface {
	// IndexableBugs returns every bug whose embedding belongs in the index.
	IndexableBugs(ctx context.Context) ([]Entry, error)

	// IndexableBugsSince returns indexable bugs created at or after t.
	// Used to re-apply the tail of inserts that raced a rebuild.
	IndexableBugsSince(ctx context.Context, t time.Time) ([]Entry, error)

	// MarkReindexed restores bugs parked in the reindex-pending state after
	// a successful rebuild has re-included them. Returns the count repaired.
	MarkReindexed(ctx context.Context) (int, error)
}

// Rebuilder periodically reconstructs the index from storage and saves a
// snapshot. Concurrent RebuildNow calls coalesce into one rebuild.
type Rebuilder struct {
	index    *Flat
	src      Source
	path     string
	schedule string
	logger   *slog.Logger
	group    singleflight.Group
}

// NewRebuilder creates a rebuilder. schedule accepts the daily cron form
// "M H * * *"; any other value falls back to a fixed 24 hour interval.
func NewRebuilder(index *Flat, src Source, path, schedule string, logger *slog.Logger) *Rebuilder {
	r := &Rebuilder{index: index, src: src, path: path, schedule: schedule, logger: logger}

	meter := otel.GetMeterProvider().Meter("bugsift/vecindex")
	if _, err := meter.Int64ObservableGauge("vecindex.size",
		otelmetric.WithDescription("Live positions in the vector index"),
		otelmetric.WithInt64Callback(func(_ context.Context, o otelmetric.Int64Observer) error {
			o.Observe(int64(index.Len()))
			return nil
		}),
	); err != nil {
		logger.Debug("vecindex: gauge registration failed", "error", err)
	}

	return r
}

// Run blocks until ctx is done, rebuilding on schedule.
func (r *Rebuilder) Run(ctx context.Context) {
	for {
		wait := time.Until(r.nextRun(time.Now()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := r.RebuildNow(ctx); err != nil {
			r.logger.Error("index rebuild failed", "error", err)
		}
	}
}

// RebuildNow rebuilds the index from storage, re-applies the insert tail,
// repairs reindex-pending bugs, and saves a snapshot. Concurrent callers
// share a single rebuild.
func (r *Rebuilder) RebuildNow(ctx context.Context) error {
	_, err, _ := r.group.Do("rebuild", func() (any, error) {
		return nil, r.rebuild(ctx)
	})
	return err
}

// tailMargin is subtracted from the rebuild start time before the tail
// re-apply. A row committed just after the full scan's MVCC snapshot can
// carry a created_at earlier than the scan's wall-clock start, so the
// cutoff backs up far enough to re-read such rows. Duplicate re-adds are
// harmless; searches de-duplicate by id.
const tailMargin = 5 * time.Second

func (r *Rebuilder) rebuild(ctx context.Context) error {
	start := time.Now().UTC()

	entries, err := r.src.IndexableBugs(ctx)
	if err != nil {
		return fmt.Errorf("vecindex: load indexable bugs: %w", err)
	}

	vecs := make([][]float32, len(entries))
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		vecs[i] = e.Vector
		ids[i] = e.ID
	}
	if err := r.index.Rebuild(vecs, ids); err != nil {
		return err
	}

	// Re-apply bugs inserted while the full scan ran. Some may already be
	// in the fresh snapshot via concurrent Add; searches de-duplicate by id
	// and the next rebuild collapses the extras.
	tail, err := r.src.IndexableBugsSince(ctx, start.Add(-tailMargin))
	if err != nil {
		return fmt.Errorf("vecindex: load insert tail: %w", err)
	}
	if len(tail) > 0 {
		tailVecs := make([][]float32, len(tail))
		tailIDs := make([]uuid.UUID, len(tail))
		for i, e := range tail {
			tailVecs[i] = e.Vector
			tailIDs[i] = e.ID
		}
		if err := r.index.Add(tailVecs, tailIDs); err != nil {
			return err
		}
	}

	repaired, err := r.src.MarkReindexed(ctx)
	if err != nil {
		return fmt.Errorf("vecindex: mark reindexed: %w", err)
	}

	if err := r.index.Save(r.path); err != nil {
		return err
	}

	r.logger.Info("index rebuilt",
		"bugs", len(entries),
		"tail", len(tail),
		"repaired", repaired,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// nextRun computes the next rebuild time after now. Only the daily
// "M H * * *" cron form is honored; everything else means now+24h.
func (r *Rebuilder) nextRun(now time.Time) time.Time {
	minute, hour, ok := parseDailySchedule(r.schedule)
	if !ok {
		return now.Add(24 * time.Hour)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func parseDailySchedule(schedule string) (minute, hour int, ok bool) {
	fields := strings.Fields(schedule)
	if len(fields) != 5 || fields[2] != "*" || fields[3] != "*" || fields[4] != "*" {
		return 0, 0, false
	}
	m, err := strconv.Atoi(fields[0])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(fields[1])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	return m, h, true
}
