// Package ratelimit paces requests per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration. A non-positive RPS disables
// limiting.
type Config struct {
	RPS   float64
	Burst int
}

// Limiter keeps one token bucket per host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Enabled reports whether Wait can ever block.
func (l *Limiter) Enabled() bool {
	return l.limit != rate.Inf
}

// Wait blocks until rawURL's host has a token and returns how long it waited.
// URLs without a parseable host share one bucket.
func (l *Limiter) Wait(ctx context.Context, rawURL string) (time.Duration, error) {
	if !l.Enabled() {
		return 0, nil
	}
	start := time.Now()
	if err := l.forHost(hostOf(rawURL)).Wait(ctx); err != nil {
		return time.Since(start), fmt.Errorf("rate limit wait: %w", err)
	}
	return time.Since(start), nil
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
