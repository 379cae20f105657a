package storage

import (
	"context"
	"fmt"

	"github.com/qaforge/bugsift/internal/model"
)

// PreventionStats aggregates duplicate-prevention counters for the QA
// dashboard. One round trip; every counter comes from scalar subqueries
// over the same snapshot.
func (db *DB) PreventionStats(ctx context.Context) (model.PreventionStats, error) {
	var s model.PreventionStats
	var avg *float64
	err := db.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM bugs),
			(SELECT count(*) FROM bugs WHERE duplicate_of IS NOT NULL),
			(SELECT count(*) FROM duplicate_history WHERE was_blocked),
			(SELECT count(*) FROM bugs WHERE is_recurring),
			(SELECT count(*) FROM low_quality_queue WHERE status = 'pending'),
			(SELECT avg(similarity_score) FROM duplicate_history)
	`).Scan(&s.TotalBugs, &s.FlaggedCount, &s.BlockedCount, &s.RecurringBugs, &s.QueuePending, &avg)
	if err != nil {
		return model.PreventionStats{}, fmt.Errorf("storage: prevention stats: %w", err)
	}

	s.AvgMatchScore = avg
	// Blocked submissions never became bug rows, so the denominator is
	// every submission that made it past the quality gate.
	if attempted := s.TotalBugs + s.BlockedCount; attempted > 0 {
		s.PreventionRate = float64(s.FlaggedCount+s.BlockedCount) / float64(attempted)
	}
	return s, nil
}
