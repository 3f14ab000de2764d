package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gatehouse-sso/gatehouse/pkg/httputil"
	"github.com/gatehouse-sso/gatehouse/pkg/observability"
)

// RateLimitConfig defines a rate limit window
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// LoginRateLimitConfig bounds login attempts per client address. Login
// endpoints are unauthenticated, so the cap is deliberately tight.
func LoginRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 30,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

// SCIMRateLimitConfig bounds SCIM traffic per organization token. IdP
// directory syncs are bursty, so the cap is generous.
func SCIMRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         100,
	}
}

// Limiter decides whether a keyed request may proceed. Implementations
// report remaining quota for response headers; a negative value means
// unknown.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Remaining(ctx context.Context, key string) (int, error)
}

// MemoryLimiter is an in-process token bucket limiter for single-node
// deployments. Multi-node deployments use the Redis-backed limiter.
type MemoryLimiter struct {
	config  *RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewMemoryLimiter creates an in-memory limiter
func NewMemoryLimiter(config *RateLimitConfig) *MemoryLimiter {
	if config == nil {
		config = LoginRateLimitConfig()
	}
	return &MemoryLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
	}
}

func (l *MemoryLimiter) maxTokens() float64 {
	return float64(l.config.RequestsPerWindow + l.config.BurstSize)
}

func (l *MemoryLimiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens += elapsed * float64(l.config.RequestsPerWindow) / l.config.WindowDuration.Seconds()
	if limit := l.maxTokens(); b.tokens > limit {
		b.tokens = limit
	}
	b.lastUpdate = now
}

// Allow consumes one token for the key
func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.maxTokens(), lastUpdate: now}
		l.buckets[key] = b
	}
	l.refill(b, now)

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Remaining returns the tokens left for a key
func (l *MemoryLimiter) Remaining(ctx context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return int(l.maxTokens()), nil
	}
	l.refill(b, time.Now())
	return int(b.tokens), nil
}

// Cleanup drops buckets idle for two windows
func (l *MemoryLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, b := range l.buckets {
		if now.Sub(b.lastUpdate) > l.config.WindowDuration*2 {
			delete(l.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup on a timer until the context is canceled
func (l *MemoryLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// KeyFunc derives the rate limit key from a request
type KeyFunc func(*http.Request) string

// ByClientIP keys requests on the originating client address
func ByClientIP(r *http.Request) string {
	return "ip:" + httputil.ClientIP(r)
}

// RateLimit enforces the limiter on each request. Limiter errors fail
// open with a warning so a limiter outage never blocks logins.
func RateLimit(limiter Limiter, config *RateLimitConfig, keyFn KeyFunc, logger *observability.Logger) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ByClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.WithError(err).Warn("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
				w.Header().Set("X-RateLimit-Remaining", "0")
				httputil.WriteTooManyRequests(w, int(config.WindowDuration.Seconds()))
				return
			}

			if remaining, err := limiter.Remaining(r.Context(), key); err == nil && remaining >= 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LimitPathPrefix applies the wrapped middleware only to requests under
// the path prefix; everything else passes straight through.
func LimitPathPrefix(prefix string, limit func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := limit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, prefix) {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
