package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/qaforge/bugsift/internal/model"
)

func insertAuditTx(ctx context.Context, tx pgx.Tx, e *model.AuditEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	prev, err := marshalState(e.PreviousState)
	if err != nil {
		return fmt.Errorf("storage: marshal previous state: %w", err)
	}
	next, err := marshalState(e.NewState)
	if err != nil {
		return fmt.Errorf("storage: marshal new state: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO audit_log (id, event_type, bug_id, parent_id, actor, ai_confidence, reasoning, previous_state, new_state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.EventType, e.BugID, e.ParentID, e.Actor, e.AIConfidence, e.Reasoning, prev, next, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit event: %w", err)
	}
	return nil
}

func marshalState(state map[string]any) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	return json.Marshal(state)
}

// InsertAuditEvent records a single audit event outside any transaction.
func (db *DB) InsertAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertAuditTx(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit audit event: %w", err)
	}
	return nil
}

// AuditFilter narrows ListAuditEvents.
type AuditFilter struct {
	EventType string
	BugID     *uuid.UUID
	Actor     string
	Since     time.Time
	Limit     int
	Offset    int
}

// ListAuditEvents returns audit events newest first, with the total count.
func (db *DB) ListAuditEvents(ctx context.Context, f AuditFilter) ([]model.AuditEvent, int, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.EventType != "" {
		conds = append(conds, "event_type = "+arg(f.EventType))
	}
	if f.BugID != nil {
		ph := arg(*f.BugID)
		conds = append(conds, fmt.Sprintf("(bug_id = %s OR parent_id = %s)", ph, ph))
	}
	if f.Actor != "" {
		conds = append(conds, "actor = "+arg(f.Actor))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= "+arg(f.Since))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count audit events: %w", err)
	}

	query := `SELECT id, event_type, bug_id, parent_id, actor, ai_confidence, reasoning, previous_state, new_state, created_at
		 FROM audit_log` + where + ` ORDER BY created_at DESC LIMIT ` + arg(f.Limit) + ` OFFSET ` + arg(f.Offset)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list audit events: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var prev, next []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.BugID, &e.ParentID, &e.Actor,
			&e.AIConfidence, &e.Reasoning, &prev, &next, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan audit event: %w", err)
		}
		if len(prev) > 0 {
			if err := json.Unmarshal(prev, &e.PreviousState); err != nil {
				return nil, 0, fmt.Errorf("storage: unmarshal previous state: %w", err)
			}
		}
		if len(next) > 0 {
			if err := json.Unmarshal(next, &e.NewState); err != nil {
				return nil, 0, fmt.Errorf("storage: unmarshal new state: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
