// Package model defines the core domain types for bugsift: bugs, submissions,
// duplicate history, the low-quality review queue, and audit events.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Severity is the reporter-assigned impact level of a bug.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityTrivial  Severity = "trivial"
)

// Environment identifies where the defect was observed.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
	EnvQA          Environment = "qa"
)

// BugStatus is the lifecycle state of a bug. Bugs are never deleted;
// retirement is by status transition.
type BugStatus string

const (
	StatusNew           BugStatus = "new"
	StatusPendingReview BugStatus = "pending_review"
	StatusApproved      BugStatus = "approved"
	StatusRejected      BugStatus = "rejected"
	StatusDuplicate     BugStatus = "duplicate"
	StatusResolved      BugStatus = "resolved"
	StatusClosed        BugStatus = "closed"

	// StatusPendingReindex marks a committed bug whose vector-index insert
	// failed. The next index rebuild picks it up and restores StatusNew.
	StatusPendingReindex BugStatus = "pending_reindex"
)

// Classification is the detector- or QA-assigned tag on a bug.
type Classification string

const (
	ClassificationNone      Classification = ""
	ClassificationDuplicate Classification = "Duplicate"
	ClassificationRecurring Classification = "Recurring"
)

// SubmissionContext captures who and what submitted a bug.
type SubmissionContext struct {
	Reporter      string     `json:"reporter,omitempty"`
	APIKeyID      *uuid.UUID `json:"api_key_id,omitempty"`
	IP            string     `json:"ip,omitempty"`
	UserAgent     string     `json:"user_agent,omitempty"`
	IsAutomated   bool       `json:"is_automated"`
	ClientVersion string     `json:"client_version,omitempty"`
}

// Bug is the primary entity. Optional string attributes use "" for absent.
type Bug struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Product     string    `json:"product"`

	Component      string      `json:"component,omitempty"`
	Version        string      `json:"version,omitempty"`
	Severity       Severity    `json:"severity,omitempty"`
	Environment    Environment `json:"environment,omitempty"`
	Device         string      `json:"device,omitempty"`
	OSVersion      string      `json:"os_version,omitempty"`
	BuildVersion   string      `json:"build_version,omitempty"`
	Region         string      `json:"region,omitempty"`
	ReproSteps     []string    `json:"repro_steps,omitempty"`
	ExpectedResult string      `json:"expected_result,omitempty"`
	ActualResult   string      `json:"actual_result,omitempty"`
	Logs           string      `json:"logs,omitempty"`
	TrackerKey     string      `json:"tracker_key,omitempty"`

	QualityScore    float64          `json:"quality_score"`
	Embedding       *pgvector.Vector `json:"-"`
	IsDuplicate     bool             `json:"is_duplicate"`
	DuplicateOf     *uuid.UUID       `json:"duplicate_of,omitempty"`
	SimilarityScore *float64         `json:"similarity_score,omitempty"`
	IsRecurring     bool             `json:"is_recurring"`
	Classification  Classification   `json:"classification,omitempty"`
	Status          BugStatus        `json:"status"`

	Context   SubmissionContext `json:"context"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// SearchEligible reports whether the bug may appear as a similarity
// candidate. Resolved and closed bugs are excluded unless recurring.
func (b *Bug) SearchEligible() bool {
	if b.Status == StatusResolved || b.Status == StatusClosed {
		return b.Classification == ClassificationRecurring
	}
	return b.Status != StatusRejected
}

// DuplicateHistory is an immutable record of one duplicate detection event.
// CandidateID is nil when the submission was blocked outright and no bug
// row exists; Snapshot then retains the full submission.
type DuplicateHistory struct {
	ID              uuid.UUID   `json:"id"`
	OriginalID      uuid.UUID   `json:"original_id"`
	CandidateID     *uuid.UUID  `json:"candidate_id,omitempty"`
	SimilarityScore float64     `json:"similarity_score"`
	Method          string      `json:"method"`
	WasBlocked      bool        `json:"was_blocked"`
	Snapshot        *Submission `json:"snapshot,omitempty"`
	DetectedAt      time.Time   `json:"detected_at"`
}

// Detection methods recorded in DuplicateHistory.
const (
	MethodHybrid = "hybrid"
	MethodManual = "manual"
)

// ReviewStatus is the state of a low-quality queue item.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// LowQualityItem is a queued submission that failed the quality gate,
// awaiting human approve/reject.
type LowQualityItem struct {
	ID            uuid.UUID    `json:"id"`
	Submission    Submission   `json:"submission"`
	QualityScore  float64      `json:"quality_score"`
	QualityIssues []string     `json:"quality_issues"`
	Status        ReviewStatus `json:"status"`
	Reviewer      string       `json:"reviewer,omitempty"`
	ReviewNotes   string       `json:"review_notes,omitempty"`
	ReviewedAt    *time.Time   `json:"reviewed_at,omitempty"`
	CreatedBugID  *uuid.UUID   `json:"created_bug_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Audit event types.
const (
	AuditBugCreated            = "bug_created"
	AuditDuplicateDetected     = "duplicate_detected"
	AuditDuplicateBlocked      = "duplicate_blocked"
	AuditLowQualityFlagged     = "low_quality_flagged"
	AuditQAOverride            = "qa_override"
	AuditBugPromoted           = "bug_promoted"
	AuditClassificationChanged = "classification_changed"
)

// AuditEvent is an append-only record of a detector decision or QA action.
type AuditEvent struct {
	ID            uuid.UUID      `json:"id"`
	EventType     string         `json:"event_type"`
	BugID         *uuid.UUID     `json:"bug_id,omitempty"`
	ParentID      *uuid.UUID     `json:"parent_id,omitempty"`
	Actor         string         `json:"actor"`
	AIConfidence  *float64       `json:"ai_confidence,omitempty"`
	Reasoning     string         `json:"reasoning,omitempty"`
	PreviousState map[string]any `json:"previous_state,omitempty"`
	NewState      map[string]any `json:"new_state,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
