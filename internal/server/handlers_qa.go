package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/qaforge/bugsift/internal/model"
	"github.com/qaforge/bugsift/internal/storage"
)

// HandlePromoteBug handles POST /api/qa/bugs/{id}/promote.
func (h *Handlers) HandlePromoteBug(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid bug id")
		return
	}
	var req model.PromoteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	bug, err := h.detector.Promote(r.Context(), id, req.User, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, bug)
}

// HandleReclassifyBug handles POST /api/qa/bugs/{id}/reclassify.
func (h *Handlers) HandleReclassifyBug(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid bug id")
		return
	}
	var req model.ReclassifyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.ParentID == nil && req.Classification == model.ClassificationNone {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "parent_id or classification is required")
		return
	}

	bug, err := h.detector.Reclassify(r.Context(), id, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, bug)
}

// HandleListLowQuality handles GET /api/qa/low-quality.
func (h *Handlers) HandleListLowQuality(w http.ResponseWriter, r *http.Request) {
	status := model.ReviewStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.ReviewPending, model.ReviewApproved, model.ReviewRejected:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status filter")
		return
	}

	limit := queryLimit(r, 50)
	offset := queryOffset(r)
	items, total, err := h.db.ListLowQuality(r.Context(), status, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeListJSON(w, r, items, total, limit, offset, len(items))
}

// HandleApproveLowQuality handles POST /api/qa/low-quality/{id}/approve.
// Creates a bug from the queued submission.
func (h *Handlers) HandleApproveLowQuality(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid queue id")
		return
	}
	var req model.ReviewRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	bug, err := h.detector.ApproveLowQuality(r.Context(), id, req.Reviewer, req.Notes)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, bug)
}

// HandleRejectLowQuality handles POST /api/qa/low-quality/{id}/reject.
func (h *Handlers) HandleRejectLowQuality(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid queue id")
		return
	}
	var req model.ReviewRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.detector.RejectLowQuality(r.Context(), id, req.Reviewer, req.Notes); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": string(model.ReviewRejected)})
}

// HandleAuditLog handles GET /api/qa/audit.
func (h *Handlers) HandleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	filter := storage.AuditFilter{
		EventType: r.URL.Query().Get("event_type"),
		Actor:     r.URL.Query().Get("actor"),
		Limit:     limit,
		Offset:    offset,
	}
	if raw := r.URL.Query().Get("bug_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid bug_id filter")
			return
		}
		filter.BugID = &id
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "since must be RFC 3339")
			return
		}
		filter.Since = since
	}

	events, total, err := h.db.ListAuditEvents(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeListJSON(w, r, events, total, limit, offset, len(events))
}

// HandleStats handles GET /api/qa/stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.PreventionStats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}
