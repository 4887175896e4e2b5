// Package ratelimit throttles outbound fetches with one token bucket per domain.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/scrape-dispatch/internal/metrics"
	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// Limiter manages per-domain rate limits. It implements scrape.RateLimiter.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	overrides    map[string]rate.Limit
}

// Config holds rate limiter configuration. A non-positive rate disables
// throttling for that domain.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// PerDomainRPS overrides DefaultRPS for specific hostnames.
	PerDomainRPS map[string]float64
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	overrides := make(map[string]rate.Limit, len(cfg.PerDomainRPS))
	for host, rps := range cfg.PerDomainRPS {
		overrides[strings.ToLower(host)] = toLimit(rps)
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  toLimit(cfg.DefaultRPS),
		defaultBurst: burst,
		overrides:    overrides,
	}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// Wait blocks until a token is available for the URL's domain, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, url string) error {
	domain := scrape.Hostname(url)
	limiter := l.limiterFor(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[domain]
	if !ok {
		r := l.defaultRate
		if override, found := l.overrides[domain]; found {
			r = override
		}
		limiter = rate.NewLimiter(r, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	return limiter
}
