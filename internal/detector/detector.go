// Package detector orchestrates the submission pipeline: quality gate,
// similarity search, and the create/flag/block decision, with every
// decision mirrored into the audit log.
package detector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/qaforge/bugsift/internal/model"
	"github.com/qaforge/bugsift/internal/service/quality"
	"github.com/qaforge/bugsift/internal/similarity"
	"github.com/qaforge/bugsift/internal/telemetry"
)

// Action is the pipeline outcome for one submission.
type Action string

const (
	ActionCreated    Action = "created"     // no duplicate found, bug created
	ActionFlagged    Action = "flagged"     // created but linked to a likely duplicate
	ActionBlocked    Action = "blocked"     // rejected outright, no bug row
	ActionLowQuality Action = "low_quality" // failed the quality gate, queued for review
)

// Store is the slice of the storage layer the detector uses.
type Store interface {
	CreateBug(ctx context.Context, b *model.Bug, hist *model.DuplicateHistory, events []model.AuditEvent) error
	RecordBlockedDuplicate(ctx context.Context, h *model.DuplicateHistory, events []model.AuditEvent) error
	EnqueueLowQuality(ctx context.Context, item *model.LowQualityItem, events []model.AuditEvent) error
	GetBug(ctx context.Context, id uuid.UUID) (model.Bug, error)
	ResolveRoot(ctx context.Context, id uuid.UUID) (model.Bug, error)
	CountDuplicateEvidence(ctx context.Context, parentID uuid.UUID) (int, error)
	MarkRecurring(ctx context.Context, parentID uuid.UUID, dupID *uuid.UUID, actor string, count int) error
	MarkPendingReindex(ctx context.Context, id uuid.UUID) error
	PromoteBug(ctx context.Context, id uuid.UUID, actor, reason string) (model.Bug, error)
	ReclassifyBug(ctx context.Context, id uuid.UUID, parentID *uuid.UUID, classification model.Classification, actor, reason string) (model.Bug, error)
	GetLowQualityItem(ctx context.Context, id uuid.UUID) (model.LowQualityItem, error)
	ApproveLowQuality(ctx context.Context, id uuid.UUID, reviewer, notes string, bug *model.Bug, events []model.AuditEvent) error
	ReviewLowQuality(ctx context.Context, id uuid.UUID, status model.ReviewStatus, reviewer, notes string, createdBugID *uuid.UUID, events []model.AuditEvent) error
}

// Matcher is the similarity engine surface the detector uses.
type Matcher interface {
	FindSimilar(ctx context.Context, sub model.Submission, threshold float64, topK int) (similarity.Outcome, error)
}

// IndexWriter accepts freshly created embeddings.
type IndexWriter interface {
	Add(vectors [][]float32, ids []uuid.UUID) error
}

// Config tunes the decision thresholds.
type Config struct {
	HighThreshold      float64 // at or above: block
	LowThreshold       float64 // at or above: flag
	TopK               int
	RecurringThreshold int // duplicate count that marks a bug recurring
}

// Detector runs the full submission pipeline. The embedder is used
// directly on the queue-approval path, where an approved submission is
// created without a fresh similarity search.
type Detector struct {
	checker   quality.Checker
	matcher   Matcher
	embedder  similarity.Embedder
	store     Store
	index     IndexWriter
	cfg       Config
	logger    *slog.Logger
	decisions otelmetric.Int64Counter
}

// New creates a detector.
func New(checker quality.Checker, matcher Matcher, embedder similarity.Embedder, store Store, index IndexWriter, cfg Config, logger *slog.Logger) *Detector {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.RecurringThreshold <= 0 {
		cfg.RecurringThreshold = 3
	}
	decisions, err := telemetry.Meter("bugsift/detector").Int64Counter("detector.decisions",
		otelmetric.WithDescription("Submission pipeline outcomes by action"))
	if err != nil {
		logger.Warn("detector: decisions counter unavailable", "error", err)
	}
	return &Detector{checker: checker, matcher: matcher, embedder: embedder, store: store, index: index, cfg: cfg, logger: logger, decisions: decisions}
}

// Result is the decision for one submission. Bug is set for created and
// flagged outcomes; Parent and Score for flagged and blocked; QueueID,
// QualityScore, and Issues for low-quality.
type Result struct {
	Action       Action
	Bug          *model.Bug
	Parent       *model.Bug
	Score        float64
	Match        model.MatchDetails
	QueueID      uuid.UUID
	QualityScore float64
	Issues       []string
}

// Process runs a submission through quality gating, similarity search,
// and persistence. The system actor on audit events distinguishes
// automated decisions from QA overrides.
func (d *Detector) Process(ctx context.Context, sub model.Submission, sctx model.SubmissionContext) (Result, error) {
	res, err := d.process(ctx, sub, sctx)
	if err == nil && d.decisions != nil {
		d.decisions.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("action", string(res.Action))))
	}
	return res, err
}

func (d *Detector) process(ctx context.Context, sub model.Submission, sctx model.SubmissionContext) (Result, error) {
	report := d.checker.Check(sub)
	if !report.Valid {
		return d.queueLowQuality(ctx, sub, sctx, report)
	}

	out, err := d.matcher.FindSimilar(ctx, sub, d.cfg.LowThreshold, d.cfg.TopK)
	if err != nil {
		return Result{}, fmt.Errorf("detector: find similar: %w", err)
	}

	bug := model.NewBugFromSubmission(sub)
	bug.ID = uuid.New()
	bug.QualityScore = report.Score
	bug.Status = model.StatusNew
	bug.Embedding = &out.Query
	if sctx.Reporter == "" {
		sctx.Reporter = sub.Reporter
	}
	bug.Context = sctx

	if len(out.Candidates) == 0 {
		return d.createBug(ctx, &bug, nil, model.AuditEvent{
			EventType: model.AuditBugCreated,
			BugID:     &bug.ID,
			Actor:     "system",
		})
	}

	best := out.Candidates[0]
	parent, err := d.store.ResolveRoot(ctx, best.Bug.ID)
	if err != nil {
		return Result{}, fmt.Errorf("detector: resolve parent: %w", err)
	}

	if best.HybridScore >= d.cfg.HighThreshold {
		return d.blockSubmission(ctx, sub, parent, best)
	}
	return d.flagDuplicate(ctx, &bug, parent, best)
}

func (d *Detector) queueLowQuality(ctx context.Context, sub model.Submission, sctx model.SubmissionContext, report quality.Report) (Result, error) {
	item := model.LowQualityItem{
		Submission:    sub,
		QualityScore:  report.Score,
		QualityIssues: report.Issues,
	}
	event := model.AuditEvent{
		EventType: model.AuditLowQualityFlagged,
		Actor:     "system",
		Reasoning: fmt.Sprintf("quality score %.2f with %d issues", report.Score, len(report.Issues)),
		NewState:  map[string]any{"issues": report.Issues, "reporter": sctx.Reporter},
	}
	if err := d.store.EnqueueLowQuality(ctx, &item, []model.AuditEvent{event}); err != nil {
		return Result{}, fmt.Errorf("detector: enqueue low quality: %w", err)
	}

	d.logger.Info("submission queued for quality review",
		"queue_id", item.ID,
		"score", report.Score,
		"issues", len(report.Issues),
	)
	return Result{
		Action:       ActionLowQuality,
		QueueID:      item.ID,
		QualityScore: report.Score,
		Issues:       report.Issues,
	}, nil
}

func (d *Detector) createBug(ctx context.Context, bug *model.Bug, hist *model.DuplicateHistory, events ...model.AuditEvent) (Result, error) {
	if err := d.store.CreateBug(ctx, bug, hist, events); err != nil {
		return Result{}, fmt.Errorf("detector: create bug: %w", err)
	}
	d.addToIndex(ctx, bug)

	action := ActionCreated
	var parent *model.Bug
	var score float64
	if bug.DuplicateOf != nil {
		action = ActionFlagged
		if bug.SimilarityScore != nil {
			score = *bug.SimilarityScore
		}
	}
	d.logger.Info("bug created", "bug_id", bug.ID, "action", string(action))
	return Result{Action: action, Bug: bug, Parent: parent, Score: score}, nil
}

// addToIndex inserts the embedding after the database commit. Failure does
// not undo the bug; the row is parked and the next rebuild repairs it.
func (d *Detector) addToIndex(ctx context.Context, bug *model.Bug) {
	if bug.Embedding == nil {
		return
	}
	if err := d.index.Add([][]float32{bug.Embedding.Slice()}, []uuid.UUID{bug.ID}); err != nil {
		d.logger.Error("index add failed, parking bug for reindex", "bug_id", bug.ID, "error", err)
		if markErr := d.store.MarkPendingReindex(ctx, bug.ID); markErr != nil {
			d.logger.Error("mark pending reindex failed", "bug_id", bug.ID, "error", markErr)
		}
	}
}

func (d *Detector) blockSubmission(ctx context.Context, sub model.Submission, parent model.Bug, best similarity.Candidate) (Result, error) {
	snapshot := sub
	hist := model.DuplicateHistory{
		OriginalID:      parent.ID,
		SimilarityScore: best.HybridScore,
		Method:          model.MethodHybrid,
		WasBlocked:      true,
		Snapshot:        &snapshot,
	}
	confidence := best.HybridScore
	event := model.AuditEvent{
		EventType:    model.AuditDuplicateBlocked,
		ParentID:     &parent.ID,
		Actor:        "system",
		AIConfidence: &confidence,
		Reasoning:    fmt.Sprintf("hybrid score %.3f at or above block threshold %.2f", best.HybridScore, d.cfg.HighThreshold),
		NewState: map[string]any{
			"matching_fields": best.MatchDetails.MatchingFields,
			"confidence":      best.MatchDetails.ConfidenceLevel,
		},
	}
	if err := d.store.RecordBlockedDuplicate(ctx, &hist, []model.AuditEvent{event}); err != nil {
		return Result{}, fmt.Errorf("detector: record blocked duplicate: %w", err)
	}

	d.checkRecurrence(ctx, parent, nil)
	d.logger.Info("duplicate submission blocked",
		"parent_id", parent.ID,
		"score", best.HybridScore,
	)
	return Result{
		Action: ActionBlocked,
		Parent: &parent,
		Score:  best.HybridScore,
		Match:  best.MatchDetails,
	}, nil
}

func (d *Detector) flagDuplicate(ctx context.Context, bug *model.Bug, parent model.Bug, best similarity.Candidate) (Result, error) {
	score := best.HybridScore
	bug.DuplicateOf = &parent.ID
	bug.IsDuplicate = true
	bug.SimilarityScore = &score
	bug.Classification = model.ClassificationDuplicate
	bug.Status = model.StatusDuplicate

	hist := model.DuplicateHistory{
		OriginalID:      parent.ID,
		CandidateID:     &bug.ID,
		SimilarityScore: score,
		Method:          model.MethodHybrid,
	}
	confidence := score
	event := model.AuditEvent{
		EventType:    model.AuditDuplicateDetected,
		BugID:        &bug.ID,
		ParentID:     &parent.ID,
		Actor:        "system",
		AIConfidence: &confidence,
		Reasoning:    fmt.Sprintf("hybrid score %.3f between flag threshold %.2f and block threshold %.2f", score, d.cfg.LowThreshold, d.cfg.HighThreshold),
		NewState: map[string]any{
			"matching_fields": best.MatchDetails.MatchingFields,
			"confidence":      best.MatchDetails.ConfidenceLevel,
		},
	}

	res, err := d.createBug(ctx, bug, &hist, event)
	if err != nil {
		return Result{}, err
	}
	res.Parent = &parent
	res.Match = best.MatchDetails

	d.checkRecurrence(ctx, parent, &bug.ID)
	return res, nil
}

// checkRecurrence promotes the parent to recurring once its duplicate
// evidence (live duplicates plus blocked submissions) reaches the
// threshold. Best-effort: the duplicate decision already committed.
func (d *Detector) checkRecurrence(ctx context.Context, parent model.Bug, dupID *uuid.UUID) {
	if parent.IsRecurring {
		return
	}
	count, err := d.store.CountDuplicateEvidence(ctx, parent.ID)
	if err != nil {
		d.logger.Error("count duplicate evidence failed", "parent_id", parent.ID, "error", err)
		return
	}
	if count < d.cfg.RecurringThreshold {
		return
	}
	if err := d.store.MarkRecurring(ctx, parent.ID, dupID, "system", count); err != nil {
		d.logger.Error("mark recurring failed", "parent_id", parent.ID, "error", err)
		return
	}
	d.logger.Info("bug marked recurring", "parent_id", parent.ID, "duplicate_count", count)
}
