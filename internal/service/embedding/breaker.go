package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/sony/gobreaker/v2"

	"github.com/qaforge/bugsift/internal/model"
)

// BreakerProvider wraps a remote Provider with a circuit breaker.
// After repeated backend failures the breaker opens and calls fail fast
// with ErrExternalService instead of waiting on a dead backend; the
// breaker half-opens after a cooldown to probe recovery.
type BreakerProvider struct {
	inner Provider
	cb    *gobreaker.CircuitBreaker[[]pgvector.Vector]
}

// NewBreakerProvider wraps inner with a circuit breaker. The breaker trips
// after 5 consecutive failures and probes again after 30 seconds.
func NewBreakerProvider(inner Provider, logger *slog.Logger) *BreakerProvider {
	settings := gobreaker.Settings{
		Name:        "embedding:" + inner.Name(),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerProvider{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[[]pgvector.Vector](settings),
	}
}

// Dimensions returns the wrapped provider's vector size.
func (p *BreakerProvider) Dimensions() int { return p.inner.Dimensions() }

// Name identifies the wrapped provider.
func (p *BreakerProvider) Name() string { return p.inner.Name() }

// Embed generates a single embedding through the breaker.
func (p *BreakerProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings through the breaker. Empty texts resolve
// to the zero-vector sentinel locally; only the non-empty remainder reaches
// the backend, so an all-empty batch never touches the breaker state.
func (p *BreakerProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	remote := make([]string, 0, len(texts))
	pos := make([]int, 0, len(texts))
	for i, t := range texts {
		if t != "" {
			remote = append(remote, t)
			pos = append(pos, i)
		}
	}

	out := make([]pgvector.Vector, len(texts))
	for i := range out {
		out[i] = pgvector.NewVector(make([]float32, p.inner.Dimensions()))
	}
	if len(remote) == 0 {
		return out, nil
	}

	vecs, err := p.cb.Execute(func() ([]pgvector.Vector, error) {
		return p.inner.EmbedBatch(ctx, remote)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("embedding: circuit open: %w", model.ErrExternalService)
		}
		return nil, err
	}
	for i, v := range vecs {
		out[pos[i]] = v
	}
	return out, nil
}
