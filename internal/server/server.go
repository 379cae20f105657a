package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/qaforge/bugsift/internal/auth"
	"github.com/qaforge/bugsift/internal/detector"
	"github.com/qaforge/bugsift/internal/model"
	"github.com/qaforge/bugsift/internal/ratelimit"
	"github.com/qaforge/bugsift/internal/storage"
)

// Server is the bugsift HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	DB           *storage.DB
	JWTMgr       *auth.JWTManager
	Detector     *detector.Detector
	IndexSize    func() int
	EmbedderName string
	Limiter      ratelimit.Limiter
	Logger       *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Detector:            cfg.Detector,
		IndexSize:           cfg.IndexSize,
		EmbedderName:        cfg.EmbedderName,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Authenticated routes get a budget per API key; token exchange is
	// keyed by IP because no identity exists yet, and kept tightest since
	// each exchange costs an Argon2id verification.
	keyID := func(r *http.Request) string {
		if claims := ClaimsFromContext(r.Context()); claims != nil {
			return claims.KeyID
		}
		return ratelimit.IPKeyFunc(r)
	}
	ingestRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Name: "ingest", Limit: 300, Window: time.Minute,
	}, keyID, reqIDFunc, cfg.Logger)
	qaRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Name: "qa", Limit: 100, Window: time.Minute,
	}, keyID, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.Rule{
		Name: "auth", Limit: 20, Window: time.Minute,
	}, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Token exchange (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Bug intake and reads (reporter+).
	reporter := requireRole(model.RoleReporter)
	mux.Handle("POST /api/bugs/", ingestRL(reporter(http.HandlerFunc(h.HandleSubmitBug))))
	mux.Handle("POST /api/bugs", ingestRL(reporter(http.HandlerFunc(h.HandleSubmitBug))))
	mux.Handle("GET /api/bugs/search", reporter(http.HandlerFunc(h.HandleSearchBugs)))
	mux.Handle("GET /api/bugs/{id}", reporter(http.HandlerFunc(h.HandleGetBug)))
	mux.Handle("GET /api/bugs/{id}/duplicates", reporter(http.HandlerFunc(h.HandleBugDuplicates)))
	mux.Handle("GET /api/bugs/{id}/history", reporter(http.HandlerFunc(h.HandleBugHistory)))

	// QA overrides and review queue (qa+, rate limited).
	qa := requireRole(model.RoleQA)
	mux.Handle("POST /api/qa/bugs/{id}/promote", qaRL(qa(http.HandlerFunc(h.HandlePromoteBug))))
	mux.Handle("POST /api/qa/bugs/{id}/reclassify", qaRL(qa(http.HandlerFunc(h.HandleReclassifyBug))))
	mux.Handle("GET /api/qa/low-quality", qaRL(qa(http.HandlerFunc(h.HandleListLowQuality))))
	mux.Handle("POST /api/qa/low-quality/{id}/approve", qaRL(qa(http.HandlerFunc(h.HandleApproveLowQuality))))
	mux.Handle("POST /api/qa/low-quality/{id}/reject", qaRL(qa(http.HandlerFunc(h.HandleRejectLowQuality))))
	mux.Handle("GET /api/qa/audit", qaRL(qa(http.HandlerFunc(h.HandleAuditLog))))
	mux.Handle("GET /api/qa/stats", qaRL(qa(http.HandlerFunc(h.HandleStats))))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
