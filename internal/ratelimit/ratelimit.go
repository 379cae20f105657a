// Package ratelimit provides pluggable per-key request rate limiting.
//
// Single-instance deployments use the in-memory token bucket
// (MemoryLimiter). Multi-instance deployments use the Redis fixed-window
// limiter so all replicas share counters. Limiter errors are fail-open at
// the middleware: a broken limiter must not take down bug intake.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// Rule names one limited surface and its budget.
type Rule struct {
	// Name prefixes the counter key so different surfaces sharing one
	// limiter do not collide.
	Name   string
	Limit  int
	Window time.Duration
}

// Result is one admission decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders returns the standard X-RateLimit-* response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one unit of rule's budget for key. The key is opaque;
	// callers construct it (e.g. a client IP). An error signals a limiter
	// malfunction, which callers treat as fail-open.
	Allow(ctx context.Context, rule Rule, key string) (Result, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always permits.
func (NoopLimiter) Allow(_ context.Context, rule Rule, _ string) (Result, error) {
	return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: time.Now().Add(rule.Window)}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
