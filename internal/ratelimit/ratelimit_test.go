package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	rule := Rule{Name: "ingest", Limit: 1, Window: time.Minute}
	for i := 0; i < 10; i++ {
		res, err := l.Allow(context.Background(), rule, "k")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	require.NoError(t, l.Close())
}

type deniedLimiter struct{}

func (deniedLimiter) Allow(_ context.Context, rule Rule, _ string) (Result, error) {
	return Result{Allowed: false, Limit: rule.Limit, ResetAt: time.Now().Add(30 * time.Second)}, nil
}
func (deniedLimiter) Close() error { return nil }

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, Rule, string) (Result, error) {
	return Result{}, errors.New("redis down")
}
func (brokenLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareDeniesWithHeaders(t *testing.T) {
	rule := Rule{Name: "ingest", Limit: 5, Window: time.Minute}
	mw := Middleware(deniedLimiter{}, rule, IPKeyFunc, nil, slog.New(slog.DiscardHandler))

	req := httptest.NewRequest(http.MethodPost, "/api/bugs/", nil)
	req.RemoteAddr = "1.2.3.4:5678"
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestMiddlewareFailsOpenOnLimiterError(t *testing.T) {
	rule := Rule{Name: "ingest", Limit: 5, Window: time.Minute}
	mw := Middleware(brokenLimiter{}, rule, IPKeyFunc, nil, slog.New(slog.DiscardHandler))

	req := httptest.NewRequest(http.MethodPost, "/api/bugs/", nil)
	req.RemoteAddr = "1.2.3.4:5678"
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	rule := Rule{Name: "ingest", Limit: 5, Window: time.Minute}
	mw := Middleware(deniedLimiter{}, rule, func(*http.Request) string { return "" }, nil, slog.New(slog.DiscardHandler))

	req := httptest.NewRequest(http.MethodPost, "/api/bugs/", nil)
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:43210"
	assert.Equal(t, "10.0.0.1", IPKeyFunc(req))

	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "[::1]", IPKeyFunc(req))
}
