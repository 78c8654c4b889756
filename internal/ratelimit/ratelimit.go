// Package ratelimit throttles outbound work the worker runtime performs
// against external collaborators: archive downloads (bytes/sec) and LLM/
// embedding provider calls (requests/sec). Resources are named, one limiter
// per provider or per download class, created on demand.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Well-known resource names handlers throttle against.
const (
	ResourceArchiveDownload = "archive_download_bytes"
)

// ProviderResource names the per-provider LLM/embedding call budget.
func ProviderResource(provider string) string {
	return "llm_calls:" + provider
}

// Manager owns one rate.Limiter per named resource, created lazily on first
// use with an unlimited default, so callers that never configure a limit pay
// no throttling cost.
type Manager struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New returns a Manager with no configured limits.
func New() *Manager {
	return &Manager{limiters: make(map[string]*rate.Limiter)}
}

func (m *Manager) limiterFor(resource string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[resource]
	if !ok {
		l = rate.NewLimiter(rate.Inf, 0)
		m.limiters[resource] = l
	}
	return l
}

// SetLimit sets resource's sustained rate and allows a matching one-second
// burst. A non-positive value disables the limit (back to unbounded).
func (m *Manager) SetLimit(resource string, perSecond int) {
	l := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		l = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	m.mu.Lock()
	m.limiters[resource] = l
	m.mu.Unlock()
}

// Wait blocks until n units of resource may be consumed, or ctx is done.
func (m *Manager) Wait(ctx context.Context, resource string, n int) error {
	if n <= 0 {
		n = 1
	}
	return m.limiterFor(resource).WaitN(ctx, n)
}

// Allow reports whether n units of resource can be consumed immediately,
// without blocking or reserving them — used by the cost estimator's
// pre-flight checks where a hard reject is preferable to a long wait.
func (m *Manager) Allow(resource string, n int) bool {
	if n <= 0 {
		n = 1
	}
	return m.limiterFor(resource).AllowN(time.Now(), n)
}
