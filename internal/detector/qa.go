package detector

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/qaforge/bugsift/internal/model"
)

// QA override errors, mapped to 400s at the API boundary.
var (
	ErrNotDuplicate  = errors.New("detector: bug is not marked as a duplicate")
	ErrSelfParent    = errors.New("detector: bug cannot be its own duplicate parent")
	ErrCycle         = errors.New("detector: reclassification would create a duplicate cycle")
	ErrParentMissing = errors.New("detector: duplicate parent does not exist")
)

// maxChainDepth bounds the cycle walk during reclassification.
const maxChainDepth = 32

// Promote clears the duplicate linkage on a flagged bug, restoring it as
// an independent report.
func (d *Detector) Promote(ctx context.Context, id uuid.UUID, actor, reason string) (model.Bug, error) {
	bug, err := d.store.GetBug(ctx, id)
	if err != nil {
		return model.Bug{}, err
	}
	if bug.DuplicateOf == nil {
		return model.Bug{}, ErrNotDuplicate
	}

	promoted, err := d.store.PromoteBug(ctx, id, actor, reason)
	if err != nil {
		return model.Bug{}, fmt.Errorf("detector: promote: %w", err)
	}
	d.logger.Info("bug promoted", "bug_id", id, "actor", actor)
	return promoted, nil
}

// Reclassify re-points a bug's duplicate parent or overrides its
// classification tag. Rejects self-links and any parent whose own chain
// leads back to the bug.
func (d *Detector) Reclassify(ctx context.Context, id uuid.UUID, req model.ReclassifyRequest) (model.Bug, error) {
	if _, err := d.store.GetBug(ctx, id); err != nil {
		return model.Bug{}, err
	}

	if req.ParentID != nil {
		if *req.ParentID == id {
			return model.Bug{}, ErrSelfParent
		}
		if err := d.checkCycle(ctx, id, *req.ParentID); err != nil {
			return model.Bug{}, err
		}
	}

	updated, err := d.store.ReclassifyBug(ctx, id, req.ParentID, req.Classification, req.User, req.Reason)
	if err != nil {
		return model.Bug{}, fmt.Errorf("detector: reclassify: %w", err)
	}
	d.logger.Info("bug reclassified", "bug_id", id, "actor", req.User)
	return updated, nil
}

// checkCycle walks parent's duplicate chain; reaching id means linking
// id under parent would close a loop.
func (d *Detector) checkCycle(ctx context.Context, id, parentID uuid.UUID) error {
	current := parentID
	for depth := 0; depth < maxChainDepth; depth++ {
		bug, err := d.store.GetBug(ctx, current)
		if err != nil {
			if current == parentID {
				return ErrParentMissing
			}
			return fmt.Errorf("detector: walk duplicate chain: %w", err)
		}
		if bug.DuplicateOf == nil {
			return nil
		}
		if *bug.DuplicateOf == id {
			return ErrCycle
		}
		current = *bug.DuplicateOf
	}
	return ErrCycle
}

// ApproveLowQuality turns a pending queue item into a real bug. The
// submission is embedded here so the new bug participates in future
// similarity searches; it deliberately skips re-running duplicate
// detection, since a human has already vouched for it.
func (d *Detector) ApproveLowQuality(ctx context.Context, queueID uuid.UUID, reviewer, notes string) (model.Bug, error) {
	item, err := d.store.GetLowQualityItem(ctx, queueID)
	if err != nil {
		return model.Bug{}, err
	}

	bug := model.NewBugFromSubmission(item.Submission)
	bug.ID = uuid.New()
	bug.QualityScore = item.QualityScore
	bug.Status = model.StatusNew

	vec, err := d.embedder.Embed(ctx, item.Submission.MatchText())
	if err != nil {
		return model.Bug{}, fmt.Errorf("detector: embed approved submission: %w", err)
	}
	bug.Embedding = &vec

	event := model.AuditEvent{
		EventType: model.AuditQAOverride,
		BugID:     &bug.ID,
		Actor:     reviewer,
		Reasoning: notes,
		PreviousState: map[string]any{
			"queue_id": queueID,
			"issues":   item.QualityIssues,
		},
		NewState: map[string]any{"status": model.ReviewApproved},
	}
	if err := d.store.ApproveLowQuality(ctx, queueID, reviewer, notes, &bug, []model.AuditEvent{event}); err != nil {
		return model.Bug{}, err
	}
	d.addToIndex(ctx, &bug)

	d.logger.Info("low-quality submission approved", "queue_id", queueID, "bug_id", bug.ID, "reviewer", reviewer)
	return bug, nil
}

// RejectLowQuality closes a pending queue item without creating a bug.
func (d *Detector) RejectLowQuality(ctx context.Context, queueID uuid.UUID, reviewer, notes string) error {
	event := model.AuditEvent{
		EventType: model.AuditQAOverride,
		Actor:     reviewer,
		Reasoning: notes,
		PreviousState: map[string]any{
			"queue_id": queueID,
		},
		NewState: map[string]any{"status": model.ReviewRejected},
	}
	if err := d.store.ReviewLowQuality(ctx, queueID, model.ReviewRejected, reviewer, notes, nil, []model.AuditEvent{event}); err != nil {
		return err
	}
	d.logger.Info("low-quality submission rejected", "queue_id", queueID, "reviewer", reviewer)
	return nil
}
