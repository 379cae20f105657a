package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/qaforge/bugsift/internal/auth"
	"github.com/qaforge/bugsift/internal/detector"
	"github.com/qaforge/bugsift/internal/model"
	"github.com/qaforge/bugsift/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	detector            *detector.Detector
	indexSize           func() int
	embedderName        string
	validate            *validator.Validate
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Detector            *detector.Detector
	IndexSize           func() int
	EmbedderName        string
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		detector:            d.Detector,
		indexSize:           d.IndexSize,
		embedderName:        d.EmbedderName,
		validate:            validator.New(validator.WithRequiredStructEnabled()),
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// handleDecodeError maps a JSON decode failure to a 400 or 413.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
}

// writeServiceError maps domain errors to HTTP statuses. Anything
// unrecognized is a 500 with the detail kept out of the response.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, storage.ErrAlreadyReviewed):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "queue item already reviewed")
	case errors.Is(err, detector.ErrNotDuplicate),
		errors.Is(err, detector.ErrSelfParent),
		errors.Is(err, detector.ErrCycle),
		errors.Is(err, detector.ErrParentMissing):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, model.ErrTimeout):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeTimeout, "similarity search timed out, try again")
	case errors.Is(err, model.ErrExternalService):
		writeError(w, r, http.StatusBadGateway, model.ErrCodeExternalService, "embedding provider unavailable")
	case errors.Is(err, model.ErrAIProcessing):
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeAIProcessing, "embedding processing failed")
	default:
		h.logger.Error("internal error", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
	}
}

// pathUUID parses the {id} path segment.
func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	return id, err == nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

const maxQueryLimit = 100

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Postgres: "ok",
		Embedder: h.embedderName,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.indexSize != nil {
		resp.IndexSize = h.indexSize()
	}
	status := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Postgres = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}
