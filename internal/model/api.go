package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeDuplicate       = "DUPLICATE_RESOURCE"
	ErrCodeLowQuality      = "LOW_QUALITY"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeExternalService = "EXTERNAL_SERVICE_ERROR"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeAIProcessing    = "AI_PROCESSING_ERROR"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// SubmitBugResponse is the success body for POST /api/bugs/.
// Flagged is true when the bug was created but classified as a likely
// duplicate of DuplicateOf.
type SubmitBugResponse struct {
	Bug             *Bug       `json:"bug,omitempty"`
	Flagged         bool       `json:"flagged"`
	DuplicateOf     *uuid.UUID `json:"duplicate_of,omitempty"`
	SimilarityScore *float64   `json:"similarity_score,omitempty"`
	QualityScore    float64    `json:"quality_score"`
}

// BlockedDuplicateDetail is the error detail payload for a 409 blocked
// submission: the existing parent plus the match evidence.
type BlockedDuplicateDetail struct {
	ParentBugID    uuid.UUID    `json:"parent_bug_id"`
	ParentBugTitle string       `json:"parent_bug_title"`
	MatchScore     float64      `json:"match_score"`
	MatchDetails   MatchDetails `json:"match_details"`
}

// MatchDetails explains which metadata fields drove a similarity match.
type MatchDetails struct {
	MatchingFields  []string `json:"matching_fields"`
	DifferingFields []string `json:"differing_fields"`
	ConfidenceLevel string   `json:"confidence_level"`
}

// LowQualityDetail is the error detail payload for a 400 low-quality
// submission.
type LowQualityDetail struct {
	QueueID      uuid.UUID           `json:"queue_id"`
	QualityScore float64             `json:"quality_score"`
	Issues       []string            `json:"issues"`
	Categorized  map[string][]string `json:"categorized_issues"`
}

// BugWithDuplicates is the response for GET /api/bugs/{id}?include_duplicates=true.
type BugWithDuplicates struct {
	Bug        Bug   `json:"bug"`
	Duplicates []Bug `json:"duplicates,omitempty"`
}

// DuplicatesResponse is the response for GET /api/bugs/{id}/duplicates.
type DuplicatesResponse struct {
	BugID      uuid.UUID          `json:"bug_id"`
	Duplicates []Bug              `json:"duplicates"`
	History    []DuplicateHistory `json:"history"`
	Count      int                `json:"count"`
}

// PromoteRequest is the body for POST /api/qa/bugs/{id}/promote.
type PromoteRequest struct {
	User   string `json:"user" validate:"required,max=100"`
	Reason string `json:"reason,omitempty" validate:"max=1024"`
}

// ReclassifyRequest is the body for POST /api/qa/bugs/{id}/reclassify.
// ParentID re-points duplicate_of; Classification overrides the tag.
type ReclassifyRequest struct {
	User           string         `json:"user" validate:"required,max=100"`
	ParentID       *uuid.UUID     `json:"parent_id,omitempty"`
	Classification Classification `json:"classification,omitempty" validate:"omitempty,oneof=Duplicate Recurring"`
	Reason         string         `json:"reason,omitempty" validate:"max=1024"`
}

// ReviewRequest is the body for low-quality queue approve/reject.
type ReviewRequest struct {
	Reviewer string `json:"reviewer" validate:"required,max=100"`
	Notes    string `json:"notes,omitempty" validate:"max=1024"`
}

// AuthTokenRequest is the body for POST /auth/token.
type AuthTokenRequest struct {
	KeyID  string `json:"key_id" validate:"required,max=100"`
	APIKey string `json:"api_key" validate:"required,max=200"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PreventionStats summarizes duplicate suppression effectiveness.
type PreventionStats struct {
	TotalBugs      int      `json:"total_bugs"`
	FlaggedCount   int      `json:"flagged_count"`
	BlockedCount   int      `json:"blocked_count"`
	PreventionRate float64  `json:"prevention_rate"`
	AvgMatchScore  *float64 `json:"avg_match_score,omitempty"`
	RecurringBugs  int      `json:"recurring_bugs"`
	QueuePending   int      `json:"queue_pending"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	IndexSize int    `json:"index_size"`
	Embedder  string `json:"embedder"`
	Uptime    int64  `json:"uptime_seconds"`
}
