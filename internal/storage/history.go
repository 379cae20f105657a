package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/qaforge/bugsift/internal/model"
)

func insertHistoryTx(ctx context.Context, tx pgx.Tx, h *model.DuplicateHistory) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.DetectedAt.IsZero() {
		h.DetectedAt = time.Now().UTC()
	}

	var snapshot []byte
	if h.Snapshot != nil {
		var err error
		snapshot, err = json.Marshal(h.Snapshot)
		if err != nil {
			return fmt.Errorf("storage: marshal submission snapshot: %w", err)
		}
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO duplicate_history (id, original_id, candidate_id, similarity_score, method, was_blocked, snapshot, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.ID, h.OriginalID, h.CandidateID, h.SimilarityScore, h.Method, h.WasBlocked, snapshot, h.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert duplicate history: %w", err)
	}
	return nil
}

// RecordBlockedDuplicate writes the history row for a blocked submission,
// with its audit events, in one transaction. No bug row is created.
func (db *DB) RecordBlockedDuplicate(ctx context.Context, h *model.DuplicateHistory, events []model.AuditEvent) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertHistoryTx(ctx, tx, h); err != nil {
		return err
	}
	for i := range events {
		if err := insertAuditTx(ctx, tx, &events[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit blocked duplicate: %w", err)
	}
	return nil
}

// HistoryForBug returns detection records where the bug is the original or
// the candidate, newest first.
func (db *DB) HistoryForBug(ctx context.Context, bugID uuid.UUID) ([]model.DuplicateHistory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, original_id, candidate_id, similarity_score, method, was_blocked, snapshot, detected_at
		 FROM duplicate_history
		 WHERE original_id = $1 OR candidate_id = $1
		 ORDER BY detected_at DESC`, bugID)
	if err != nil {
		return nil, fmt.Errorf("storage: history for bug: %w", err)
	}
	defer rows.Close()

	var out []model.DuplicateHistory
	for rows.Next() {
		var h model.DuplicateHistory
		var snapshot []byte
		if err := rows.Scan(&h.ID, &h.OriginalID, &h.CandidateID, &h.SimilarityScore,
			&h.Method, &h.WasBlocked, &snapshot, &h.DetectedAt); err != nil {
			return nil, fmt.Errorf("storage: scan history: %w", err)
		}
		if len(snapshot) > 0 {
			var sub model.Submission
			if err := json.Unmarshal(snapshot, &sub); err != nil {
				return nil, fmt.Errorf("storage: unmarshal submission snapshot: %w", err)
			}
			h.Snapshot = &sub
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
