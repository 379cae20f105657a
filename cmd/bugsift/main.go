package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/qaforge/bugsift/internal/auth"
	"github.com/qaforge/bugsift/internal/config"
	"github.com/qaforge/bugsift/internal/detector"
	"github.com/qaforge/bugsift/internal/model"
	"github.com/qaforge/bugsift/internal/ratelimit"
	"github.com/qaforge/bugsift/internal/server"
	"github.com/qaforge/bugsift/internal/service/embedding"
	"github.com/qaforge/bugsift/internal/service/quality"
	"github.com/qaforge/bugsift/internal/similarity"
	"github.com/qaforge/bugsift/internal/storage"
	"github.com/qaforge/bugsift/internal/telemetry"
	"github.com/qaforge/bugsift/internal/vecindex"
	"github.com/qaforge/bugsift/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("bugsift starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate real
	// failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Verify the core table exists after migration. If the pgvector
	// extension failed to create, the first migration fails and the server
	// would start with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'bugs')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		return fmt.Errorf("critical table 'bugs' does not exist after migration; check that the pgvector extension can be created")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Seed the bootstrap admin key so a fresh deployment can mint tokens.
	if err := seedAdminKey(ctx, db, cfg.AdminAPIKey); err != nil {
		logger.Warn("admin key seed failed", "error", err)
	}

	// Create embedding provider.
	embedder := newEmbeddingProvider(cfg, logger)

	// Build the in-memory vector index: load the last snapshot if one
	// exists, otherwise rebuild from storage before serving.
	index := vecindex.NewFlat(cfg.VectorDimension)
	rebuilder := vecindex.NewRebuilder(index, db, cfg.IndexPath, cfg.IndexRebuildSchedule, logger)
	if err := index.Load(cfg.IndexPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("index snapshot load failed, rebuilding", "path", cfg.IndexPath, "error", err)
		}
		if err := rebuilder.RebuildNow(ctx); err != nil {
			return fmt.Errorf("initial index build: %w", err)
		}
	}
	logger.Info("vector index ready", "size", index.Len(), "dimensions", index.Dimensions())

	// Scheduled rebuilds reconcile the index with storage (drift from
	// failed adds, QA overrides, model changes).
	go rebuilder.Run(ctx)

	// Create the similarity engine and submission pipeline.
	engine := similarity.New(embedder, index, db, similarity.Config{
		CrossRegionEnabled: cfg.CrossRegionEnabled,
		SupportedRegions:   cfg.SupportedRegions,
		EmbedTimeout:       cfg.EmbedTimeout,
		SearchTimeout:      cfg.SearchTimeout,
	}, logger)

	checker := quality.Checker{
		MinDescriptionLength: cfg.MinDescriptionLength,
		RequireReproSteps:    cfg.RequireReproSteps,
		RequireLogs:          cfg.RequireLogs,
	}

	det := detector.New(checker, engine, embedder, db, index, detector.Config{
		HighThreshold:      cfg.SimilarityThreshold,
		LowThreshold:       cfg.LowConfidenceThreshold,
		TopK:               cfg.TopK,
		RecurringThreshold: cfg.RecurringThreshold,
	}, logger)

	// Create rate limiter. Redis gives shared budgets across replicas;
	// the memory limiter is per-process.
	var limiter ratelimit.Limiter
	switch {
	case cfg.RedisURL != "":
		rl, err := ratelimit.NewRedisLimiter(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis rate limiter: %w", err)
		}
		limiter = rl
		logger.Info("rate limiting: redis")
	case cfg.RateLimitEnabled:
		limiter = ratelimit.NewMemoryLimiter()
		logger.Info("rate limiting: memory (in-process token bucket)")
	default:
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}
	defer func() { _ = limiter.Close() }()

	// Create and start HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Detector:            det,
		IndexSize:           index.Len,
		EmbedderName:        embedder.Name(),
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight, (2) snapshot the vector index so
	// the next start skips a full rebuild.
	slog.Info("bugsift shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if err := index.Save(cfg.IndexPath); err != nil {
		slog.Error("index snapshot save failed", "error", err)
	}

	slog.Info("bugsift stopped")
	return nil
}

// seedAdminKey upserts the "admin" API key from configuration. A rotated
// BUGSIFT_ADMIN_API_KEY re-hashes and re-enables the key on restart.
func seedAdminKey(ctx context.Context, db *storage.DB, plaintext string) error {
	if plaintext == "" {
		return nil
	}
	hash, err := auth.HashAPIKey(plaintext)
	if err != nil {
		return err
	}
	return db.UpsertAPIKey(ctx, &model.APIKey{
		ID:      uuid.New(),
		KeyID:   "admin",
		KeyHash: hash,
		Role:    model.RoleAdmin,
	})
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if a key is present,
// else noop. Ollama is preferred: bug report text stays on-premises.
// Remote providers are wrapped in a circuit breaker so a dead backend
// fails fast instead of stalling every submission.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.VectorDimension

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when BUGSIFT_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return embedding.NewBreakerProvider(p, logger)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewBreakerProvider(embedding.NewOllamaProvider(cfg.OllamaURL, cfg.EmbeddingModel, dims), logger)

	case "noop":
		logger.Info("embedding provider: noop (duplicate detection degraded to metadata only)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewBreakerProvider(embedding.NewOllamaProvider(cfg.OllamaURL, cfg.EmbeddingModel, dims), logger)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			return embedding.NewBreakerProvider(p, logger)
		}
		logger.Warn("no embedding provider available, using noop (duplicate detection degraded to metadata only)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
