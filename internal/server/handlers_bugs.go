package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/qaforge/bugsift/internal/detector"
	"github.com/qaforge/bugsift/internal/model"
	"github.com/qaforge/bugsift/internal/service/quality"
	"github.com/qaforge/bugsift/internal/storage"
)

// HandleSubmitBug handles POST /api/bugs/.
//
// Outcomes: 201 created (possibly flagged as a duplicate), 409 blocked as
// a near-certain duplicate, 400 queued for quality review.
func (h *Handlers) HandleSubmitBug(w http.ResponseWriter, r *http.Request) {
	var sub model.Submission
	if err := decodeJSON(w, r, &sub, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.validate.Struct(sub); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	sctx := submissionContext(r)
	res, err := h.detector.Process(r.Context(), sub, sctx)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	switch res.Action {
	case detector.ActionBlocked:
		writeErrorDetails(w, r, http.StatusConflict, model.ErrCodeDuplicate,
			"submission matches an existing bug",
			model.BlockedDuplicateDetail{
				ParentBugID:    res.Parent.ID,
				ParentBugTitle: res.Parent.Title,
				MatchScore:     res.Score,
				MatchDetails:   res.Match,
			})

	case detector.ActionLowQuality:
		writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeLowQuality,
			"submission queued for quality review",
			model.LowQualityDetail{
				QueueID:      res.QueueID,
				QualityScore: res.QualityScore,
				Issues:       res.Issues,
				Categorized:  quality.Categorize(res.Issues),
			})

	case detector.ActionFlagged:
		writeJSON(w, r, http.StatusCreated, model.SubmitBugResponse{
			Bug:             res.Bug,
			Flagged:         true,
			DuplicateOf:     res.Bug.DuplicateOf,
			SimilarityScore: res.Bug.SimilarityScore,
			QualityScore:    res.Bug.QualityScore,
		})

	default:
		writeJSON(w, r, http.StatusCreated, model.SubmitBugResponse{
			Bug:          res.Bug,
			QualityScore: res.Bug.QualityScore,
		})
	}
}

// submissionContext captures request provenance for the stored bug.
func submissionContext(r *http.Request) model.SubmissionContext {
	sctx := model.SubmissionContext{
		IP:            clientIP(r),
		UserAgent:     r.UserAgent(),
		IsAutomated:   r.Header.Get("X-Automated-Reporter") != "",
		ClientVersion: r.Header.Get("X-Client-Version"),
	}
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		sctx.Reporter = claims.KeyID
		if id, err := uuid.Parse(claims.Subject); err == nil {
			sctx.APIKeyID = &id
		}
	}
	return sctx
}

func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// HandleGetBug handles GET /api/bugs/{id}.
// With ?include_duplicates=true the response also carries the bugs
// flagged against this one.
func (h *Handlers) HandleGetBug(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid bug id")
		return
	}

	bug, err := h.db.GetBug(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if r.URL.Query().Get("include_duplicates") != "true" {
		writeJSON(w, r, http.StatusOK, bug)
		return
	}

	dups, err := h.db.ListDuplicates(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.BugWithDuplicates{Bug: bug, Duplicates: dups})
}

// HandleBugDuplicates handles GET /api/bugs/{id}/duplicates.
func (h *Handlers) HandleBugDuplicates(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid bug id")
		return
	}
	if _, err := h.db.GetBug(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	dups, err := h.db.ListDuplicates(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	history, err := h.db.HistoryForBug(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.DuplicatesResponse{
		BugID:      id,
		Duplicates: dups,
		History:    history,
		Count:      len(dups),
	})
}

// HandleBugHistory handles GET /api/bugs/{id}/history.
func (h *Handlers) HandleBugHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid bug id")
		return
	}
	if _, err := h.db.GetBug(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	history, err := h.db.HistoryForBug(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, history)
}

// HandleSearchBugs handles GET /api/bugs/search.
func (h *Handlers) HandleSearchBugs(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	bugs, total, err := h.db.SearchBugs(r.Context(), storage.SearchParams{
		Query:    r.URL.Query().Get("q"),
		Product:  r.URL.Query().Get("product"),
		Status:   model.BugStatus(r.URL.Query().Get("status")),
		Severity: model.Severity(r.URL.Query().Get("severity")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeListJSON(w, r, bugs, total, limit, offset, len(bugs))
}
