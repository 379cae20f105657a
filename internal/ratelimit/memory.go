package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is a single token bucket for one rule+key pair.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with an in-memory token bucket per
// rule+key pair. The bucket capacity is the rule's Limit and it refills at
// Limit tokens per Window, so short bursts up to the full budget pass. A
// background goroutine evicts stale entries every minute to bound memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter. Call Close to stop the
// eviction goroutine.
func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow consumes one token from the bucket for rule+key.
func (m *MemoryLimiter) Allow(_ context.Context, rule Rule, key string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	burst := float64(rule.Limit)
	rate := burst / rule.Window.Seconds()
	now := time.Now()

	id := rule.Name + ":" + key
	b, ok := m.buckets[id]
	if !ok {
		b = &bucket{tokens: burst, lastAccess: now}
		m.buckets[id] = b
	} else {
		// Refill tokens based on elapsed time.
		elapsed := now.Sub(b.lastAccess).Seconds()
		b.tokens += elapsed * rate
		if b.tokens > burst {
			b.tokens = burst
		}
		b.lastAccess = now
	}

	res := Result{Limit: rule.Limit}
	if b.tokens < 1 {
		// Time until one token refills.
		res.ResetAt = now.Add(time.Duration((1 - b.tokens) / rate * float64(time.Second)))
		return res, nil
	}
	b.tokens--
	res.Allowed = true
	res.Remaining = int(b.tokens)
	res.ResetAt = now.Add(time.Duration((burst - b.tokens) / rate * float64(time.Second)))
	return res, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
