package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/qaforge/bugsift/internal/model"
)

const lowQualityColumns = `id, submission, quality_score, quality_issues, status,
	reviewer, review_notes, reviewed_at, created_bug_id, created_at`

func scanLowQuality(row pgx.Row) (model.LowQualityItem, error) {
	var item model.LowQualityItem
	var submission []byte
	err := row.Scan(&item.ID, &submission, &item.QualityScore, &item.QualityIssues, &item.Status,
		&item.Reviewer, &item.ReviewNotes, &item.ReviewedAt, &item.CreatedBugID, &item.CreatedAt)
	if err != nil {
		return model.LowQualityItem{}, err
	}
	if err := json.Unmarshal(submission, &item.Submission); err != nil {
		return model.LowQualityItem{}, fmt.Errorf("storage: unmarshal queued submission: %w", err)
	}
	return item, nil
}

// EnqueueLowQuality inserts a pending review item and its audit event in
// one transaction.
func (db *DB) EnqueueLowQuality(ctx context.Context, item *model.LowQualityItem, events []model.AuditEvent) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.Status = model.ReviewPending
	item.CreatedAt = time.Now().UTC()

	submission, err := json.Marshal(item.Submission)
	if err != nil {
		return fmt.Errorf("storage: marshal queued submission: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO low_quality_queue (id, submission, quality_score, quality_issues, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, submission, item.QualityScore, item.QualityIssues, item.Status, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue low quality: %w", err)
	}

	for i := range events {
		if err := insertAuditTx(ctx, tx, &events[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit enqueue: %w", err)
	}
	return nil
}

// GetLowQualityItem retrieves a queue item by ID.
func (db *DB) GetLowQualityItem(ctx context.Context, id uuid.UUID) (model.LowQualityItem, error) {
	item, err := scanLowQuality(db.pool.QueryRow(ctx,
		`SELECT `+lowQualityColumns+` FROM low_quality_queue WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LowQualityItem{}, ErrNotFound
		}
		return model.LowQualityItem{}, fmt.Errorf("storage: get low quality item: %w", err)
	}
	return item, nil
}

// ListLowQuality returns queue items filtered by status (all when empty),
// newest first, with the total count.
func (db *DB) ListLowQuality(ctx context.Context, status model.ReviewStatus, limit, offset int) ([]model.LowQualityItem, int, error) {
	where := ""
	args := []any{}
	if status != "" {
		where = " WHERE status = $1"
		args = append(args, string(status))
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM low_quality_queue`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count low quality queue: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM low_quality_queue%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		lowQualityColumns, where, len(args)-1, len(args))
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list low quality queue: %w", err)
	}
	defer rows.Close()

	var out []model.LowQualityItem
	for rows.Next() {
		item, err := scanLowQuality(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan low quality item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ApproveLowQuality claims a pending queue item and creates the bug from
// it in one transaction. The conditional update on status guarantees a
// racing second approval gets ErrAlreadyReviewed and creates nothing.
func (db *DB) ApproveLowQuality(ctx context.Context, id uuid.UUID, reviewer, notes string, bug *model.Bug, events []model.AuditEvent) error {
	if bug.ID == uuid.Nil {
		bug.ID = uuid.New()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE low_quality_queue
		 SET status = $2, reviewer = $3, review_notes = $4, reviewed_at = now(), created_bug_id = $5
		 WHERE id = $1 AND status = $6`,
		id, string(model.ReviewApproved), reviewer, notes, bug.ID, string(model.ReviewPending),
	)
	if err != nil {
		return fmt.Errorf("storage: approve low quality item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetLowQualityItem(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyReviewed
	}

	if err := insertBugTx(ctx, tx, bug); err != nil {
		return err
	}
	for i := range events {
		if err := insertAuditTx(ctx, tx, &events[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit approve: %w", err)
	}
	return nil
}

// ReviewLowQuality transitions a pending item to approved or rejected.
// The conditional update on status makes review idempotence a database
// guarantee rather than a read-then-write race.
func (db *DB) ReviewLowQuality(ctx context.Context, id uuid.UUID, status model.ReviewStatus, reviewer, notes string, createdBugID *uuid.UUID, events []model.AuditEvent) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE low_quality_queue
		 SET status = $2, reviewer = $3, review_notes = $4, reviewed_at = now(), created_bug_id = $5
		 WHERE id = $1 AND status = $6`,
		id, string(status), reviewer, notes, createdBugID, string(model.ReviewPending),
	)
	if err != nil {
		return fmt.Errorf("storage: review low quality item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetLowQualityItem(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyReviewed
	}

	for i := range events {
		if err := insertAuditTx(ctx, tx, &events[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit review: %w", err)
	}
	return nil
}
