package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/qaforge/bugsift/internal/model"
)

// bugColumns is the canonical column list for scanning a Bug.
const bugColumns = `id, title, description, product, component, version, severity, environment,
	device, os_version, build_version, region, repro_steps, expected_result, actual_result,
	logs, tracker_key, quality_score, embedding, duplicate_of, similarity_score,
	is_recurring, classification, status,
	reporter, api_key_id, ip, user_agent, is_automated, client_version,
	created_at, updated_at`

func scanBug(row pgx.Row) (model.Bug, error) {
	var b model.Bug
	var severity, environment, classification *string
	err := row.Scan(
		&b.ID, &b.Title, &b.Description, &b.Product, &b.Component, &b.Version, &severity, &environment,
		&b.Device, &b.OSVersion, &b.BuildVersion, &b.Region, &b.ReproSteps, &b.ExpectedResult, &b.ActualResult,
		&b.Logs, &b.TrackerKey, &b.QualityScore, &b.Embedding, &b.DuplicateOf, &b.SimilarityScore,
		&b.IsRecurring, &classification, &b.Status,
		&b.Context.Reporter, &b.Context.APIKeyID, &b.Context.IP, &b.Context.UserAgent,
		&b.Context.IsAutomated, &b.Context.ClientVersion,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return model.Bug{}, err
	}
	if severity != nil {
		b.Severity = model.Severity(*severity)
	}
	if environment != nil {
		b.Environment = model.Environment(*environment)
	}
	if classification != nil {
		b.Classification = model.Classification(*classification)
	}
	b.IsDuplicate = b.DuplicateOf != nil
	return b, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateBug inserts a bug row together with its optional duplicate-history
// record and audit events in a single transaction. The vector-index insert
// happens outside this boundary; on index failure the caller parks the row
// with MarkPendingReindex.
func (db *DB) CreateBug(ctx context.Context, b *model.Bug, hist *model.DuplicateHistory, events []model.AuditEvent) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertBugTx(ctx, tx, b); err != nil {
		return err
	}
	if hist != nil {
		if err := insertHistoryTx(ctx, tx, hist); err != nil {
			return err
		}
	}
	for i := range events {
		if err := insertAuditTx(ctx, tx, &events[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit bug: %w", err)
	}
	return nil
}

func insertBugTx(ctx context.Context, tx pgx.Tx, b *model.Bug) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	b.IsDuplicate = b.DuplicateOf != nil

	_, err := tx.Exec(ctx,
		`INSERT INTO bugs (id, title, description, product, component, version, severity, environment,
		 device, os_version, build_version, region, repro_steps, expected_result, actual_result,
		 logs, tracker_key, quality_score, embedding, duplicate_of, similarity_score,
		 is_recurring, classification, status,
		 reporter, api_key_id, ip, user_agent, is_automated, client_version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		         $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32)`,
		b.ID, b.Title, b.Description, b.Product, b.Component, b.Version,
		nullIfEmpty(string(b.Severity)), nullIfEmpty(string(b.Environment)),
		b.Device, b.OSVersion, b.BuildVersion, b.Region, b.ReproSteps, b.ExpectedResult, b.ActualResult,
		b.Logs, nullIfEmpty(b.TrackerKey), b.QualityScore, b.Embedding, b.DuplicateOf, b.SimilarityScore,
		b.IsRecurring, nullIfEmpty(string(b.Classification)), b.Status,
		b.Context.Reporter, b.Context.APIKeyID, b.Context.IP, b.Context.UserAgent,
		b.Context.IsAutomated, b.Context.ClientVersion, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert bug: %w", err)
	}
	return nil
}

// GetBug retrieves a bug by ID.
func (db *DB) GetBug(ctx context.Context, id uuid.UUID) (model.Bug, error) {
	b, err := scanBug(db.pool.QueryRow(ctx,
		`SELECT `+bugColumns+` FROM bugs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Bug{}, ErrNotFound
		}
		return model.Bug{}, fmt.Errorf("storage: get bug: %w", err)
	}
	return b, nil
}

// GetBugsByIDs retrieves bugs by ID. Missing ids are silently absent from
// the result; order follows the database, not the input.
func (db *DB) GetBugsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Bug, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+bugColumns+` FROM bugs WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get bugs by ids: %w", err)
	}
	defer rows.Close()
	return collectBugs(rows)
}

func collectBugs(rows pgx.Rows) ([]model.Bug, error) {
	var out []model.Bug
	for rows.Next() {
		b, err := scanBug(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan bug: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// maxChainDepth bounds duplicate-of chain walks. The graph is a forest by
// construction; the bound is the backstop against concurrent reclassify.
const maxChainDepth = 32

// ResolveRoot follows the duplicate_of chain from id to its root bug.
func (db *DB) ResolveRoot(ctx context.Context, id uuid.UUID) (model.Bug, error) {
	current, err := db.GetBug(ctx, id)
	if err != nil {
		return model.Bug{}, err
	}
	for depth := 0; current.DuplicateOf != nil; depth++ {
		if depth >= maxChainDepth {
			return model.Bug{}, fmt.Errorf("storage: duplicate chain from %s exceeds depth %d", id, maxChainDepth)
		}
		parent, err := db.GetBug(ctx, *current.DuplicateOf)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return current, nil
			}
			return model.Bug{}, err
		}
		current = parent
	}
	return current, nil
}

// ListDuplicates returns the live bugs pointing at parentID.
func (db *DB) ListDuplicates(ctx context.Context, parentID uuid.UUID) ([]model.Bug, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+bugColumns+` FROM bugs WHERE duplicate_of = $1 ORDER BY created_at DESC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("storage: list duplicates: %w", err)
	}
	defer rows.Close()
	return collectBugs(rows)
}

// CountDuplicateEvidence counts live duplicates of parentID plus blocked
// history rows referencing it. This is the recurrence signal.
func (db *DB) CountDuplicateEvidence(ctx context.Context, parentID uuid.UUID) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM bugs WHERE duplicate_of = $1)
		      + (SELECT count(*) FROM duplicate_history WHERE original_id = $1 AND was_blocked)`,
		parentID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count duplicate evidence: %w", err)
	}
	return count, nil
}

// SearchParams filters BugSearch.
type SearchParams struct {
	Query    string
	Product  string
	Status   model.BugStatus
	Severity model.Severity
	Limit    int
	Offset   int
}

// SearchBugs runs a filtered text search over title and description.
// Returns the page and the total match count.
func (db *DB) SearchBugs(ctx context.Context, p SearchParams) ([]model.Bug, int, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if p.Query != "" {
		ph := arg("%" + p.Query + "%")
		conds = append(conds, fmt.Sprintf("(title ILIKE %s OR description ILIKE %s)", ph, ph))
	}
	if p.Product != "" {
		conds = append(conds, "product = "+arg(p.Product))
	}
	if p.Status != "" {
		conds = append(conds, "status = "+arg(string(p.Status)))
	}
	if p.Severity != "" {
		conds = append(conds, "severity = "+arg(string(p.Severity)))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM bugs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count bugs: %w", err)
	}

	query := `SELECT ` + bugColumns + ` FROM bugs` + where +
		` ORDER BY created_at DESC LIMIT ` + arg(p.Limit) + ` OFFSET ` + arg(p.Offset)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: search bugs: %w", err)
	}
	defer rows.Close()

	bugs, err := collectBugs(rows)
	if err != nil {
		return nil, 0, err
	}
	return bugs, total, nil
}

// PromoteBug clears the duplicate linkage on a bug and records the audit
// trail. Returns the updated bug.
func (db *DB) PromoteBug(ctx context.Context, id uuid.UUID, actor, reason string) (model.Bug, error) {
	before, err := db.GetBug(ctx, id)
	if err != nil {
		return model.Bug{}, err
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Bug{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`UPDATE bugs SET duplicate_of = NULL, classification = NULL, similarity_score = NULL,
		 status = $2, updated_at = now() WHERE id = $1`,
		id, model.StatusNew,
	)
	if err != nil {
		return model.Bug{}, fmt.Errorf("storage: promote bug: %w", err)
	}

	event := model.AuditEvent{
		EventType: model.AuditBugPromoted,
		BugID:     &id,
		ParentID:  before.DuplicateOf,
		Actor:     actor,
		Reasoning: reason,
		PreviousState: map[string]any{
			"duplicate_of":   before.DuplicateOf,
			"classification": before.Classification,
			"status":         before.Status,
		},
		NewState: map[string]any{
			"duplicate_of":   nil,
			"classification": model.ClassificationNone,
			"status":         model.StatusNew,
		},
	}
	if err := insertAuditTx(ctx, tx, &event); err != nil {
		return model.Bug{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Bug{}, fmt.Errorf("storage: commit promote: %w", err)
	}
	return db.GetBug(ctx, id)
}

// ReclassifyBug re-points duplicate_of and/or overrides the classification
// tag. Cycle checking is the caller's responsibility.
func (db *DB) ReclassifyBug(ctx context.Context, id uuid.UUID, parentID *uuid.UUID, classification model.Classification, actor, reason string) (model.Bug, error) {
	before, err := db.GetBug(ctx, id)
	if err != nil {
		return model.Bug{}, err
	}

	newParent := before.DuplicateOf
	if parentID != nil {
		newParent = parentID
	}
	newClass := before.Classification
	if classification != model.ClassificationNone {
		newClass = classification
	} else if parentID != nil {
		newClass = model.ClassificationDuplicate
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Bug{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`UPDATE bugs SET duplicate_of = $2, classification = $3, status = $4, updated_at = now()
		 WHERE id = $1`,
		id, newParent, nullIfEmpty(string(newClass)), model.StatusDuplicate,
	)
	if err != nil {
		return model.Bug{}, fmt.Errorf("storage: reclassify bug: %w", err)
	}

	event := model.AuditEvent{
		EventType: model.AuditClassificationChanged,
		BugID:     &id,
		ParentID:  newParent,
		Actor:     actor,
		Reasoning: reason,
		PreviousState: map[string]any{
			"duplicate_of":   before.DuplicateOf,
			"classification": before.Classification,
		},
		NewState: map[string]any{
			"duplicate_of":   newParent,
			"classification": newClass,
		},
	}
	if err := insertAuditTx(ctx, tx, &event); err != nil {
		return model.Bug{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Bug{}, fmt.Errorf("storage: commit reclassify: %w", err)
	}
	return db.GetBug(ctx, id)
}

// MarkRecurring flags parentID (and optionally the freshly created
// duplicate) as recurring, with one classification_changed audit event.
// Concurrent duplicates of the same parent can deadlock on the two-row
// update, so the transaction retries on 40001/40P01.
func (db *DB) MarkRecurring(ctx context.Context, parentID uuid.UUID, dupID *uuid.UUID, actor string, count int) error {
	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		return db.markRecurringTx(ctx, parentID, dupID, actor, count)
	})
}

func (db *DB) markRecurringTx(ctx context.Context, parentID uuid.UUID, dupID *uuid.UUID, actor string, count int) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`UPDATE bugs SET is_recurring = TRUE, classification = $2, updated_at = now() WHERE id = $1`,
		parentID, string(model.ClassificationRecurring),
	)
	if err != nil {
		return fmt.Errorf("storage: mark parent recurring: %w", err)
	}
	if dupID != nil {
		_, err = tx.Exec(ctx,
			`UPDATE bugs SET classification = $2, updated_at = now() WHERE id = $1`,
			*dupID, string(model.ClassificationRecurring),
		)
		if err != nil {
			return fmt.Errorf("storage: mark duplicate recurring: %w", err)
		}
	}

	event := model.AuditEvent{
		EventType: model.AuditClassificationChanged,
		BugID:     dupID,
		ParentID:  &parentID,
		Actor:     actor,
		Reasoning: fmt.Sprintf("duplicate count reached %d", count),
		NewState: map[string]any{
			"is_recurring":   true,
			"classification": model.ClassificationRecurring,
		},
	}
	if err := insertAuditTx(ctx, tx, &event); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit recurring: %w", err)
	}
	return nil
}

// MarkPendingReindex parks a committed bug whose index insert failed.
func (db *DB) MarkPendingReindex(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE bugs SET status = $2, updated_at = now() WHERE id = $1`,
		id, model.StatusPendingReindex,
	)
	if err != nil {
		return fmt.Errorf("storage: mark pending reindex: %w", err)
	}
	return nil
}
