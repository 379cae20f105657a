package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/qaforge/bugsift/internal/model"
	"github.com/qaforge/bugsift/internal/vecindex"
)

// The vector index is rebuilt from these queries. Every bug with an
// embedding is indexed regardless of status; the similarity engine applies
// eligibility filtering after hydration, so a status change never requires
// an index write.

// IndexableBugs returns every (id, embedding) pair for a full rebuild.
func (db *DB) IndexableBugs(ctx context.Context) ([]vecindex.Entry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, embedding FROM bugs WHERE embedding IS NOT NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: indexable bugs: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// IndexableBugsSince returns embeddings for bugs created at or after the
// cutoff. The rebuilder re-applies this tail to cover inserts that raced
// the full scan.
func (db *DB) IndexableBugsSince(ctx context.Context, cutoff time.Time) ([]vecindex.Entry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, embedding FROM bugs WHERE embedding IS NOT NULL AND created_at >= $1 ORDER BY created_at`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("storage: indexable bugs since: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]vecindex.Entry, error) {
	var out []vecindex.Entry
	for rows.Next() {
		var id uuid.UUID
		var vec pgvector.Vector
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, fmt.Errorf("storage: scan index entry: %w", err)
		}
		out = append(out, vecindex.Entry{ID: id, Vector: vec.Slice()})
	}
	return out, rows.Err()
}

// MarkReindexed restores bugs parked in pending_reindex after a successful
// rebuild, returning how many were repaired.
func (db *DB) MarkReindexed(ctx context.Context) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE bugs SET status = $2, updated_at = now() WHERE status = $1`,
		model.StatusPendingReindex, model.StatusNew)
	if err != nil {
		return 0, fmt.Errorf("storage: mark reindexed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
