// Package ratelimit enforces per-vault and per-client request budgets for the
// HTTP API, in process or shared through redis.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"chainvault/internal/domain"

	cmap "github.com/orcaman/concurrent-map/v2"
)

var ErrCapacity = errors.New("rate limiter capacity exceeded")

const defaultWindow = time.Second

type window struct {
	count   int
	resetAt time.Time
}

// Memory keeps one fixed window per key in a sharded map, so vaults on
// different shards never wait on each other.
type Memory struct {
	windows cmap.ConcurrentMap[string, window]
	now     func() time.Time
	maxKeys int
}

type MemoryConfig struct {
	Now func() time.Time
	// MaxKeys bounds the number of live windows; expired ones are swept
	// before a new key is refused.
	MaxKeys int
}

func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	return &Memory{windows: cmap.New[window](), now: cfg.Now, maxKeys: cfg.MaxKeys}
}

func (m *Memory) Allow(_ context.Context, key domain.RateLimitKey, rule domain.RateLimitRule) (domain.RateLimitDecision, error) {
	if rule.Limit <= 0 {
		return rule.Unlimited(), nil
	}
	span := rule.Window
	if span <= 0 {
		span = defaultWindow
	}
	now := m.now()
	id := key.String()
	if !m.windows.Has(id) && m.windows.Count() >= m.maxKeys {
		m.sweep(now)
		if m.windows.Count() >= m.maxKeys {
			return domain.RateLimitDecision{}, ErrCapacity
		}
	}

	allowed := false
	w := m.windows.Upsert(id, window{}, func(exists bool, current, _ window) window {
		if !exists || !now.Before(current.resetAt) {
			current = window{resetAt: now.Add(span)}
		}
		if current.count < rule.Limit {
			current.count++
			allowed = true
		}
		return current
	})
	return domain.RateLimitDecision{
		Allowed:   allowed,
		Limit:     rule.Limit,
		Remaining: rule.Limit - w.count,
		ResetAt:   w.resetAt,
	}, nil
}

// Len reports the number of windows currently held.
func (m *Memory) Len() int {
	return m.windows.Count()
}

func (m *Memory) sweep(now time.Time) {
	for _, id := range m.windows.Keys() {
		m.windows.RemoveCb(id, func(_ string, w window, exists bool) bool {
			return exists && !now.Before(w.resetAt)
		})
	}
}
