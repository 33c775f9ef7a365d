// Package ratelimit provides fixed-window rate limiting on top of the cache
// subsystem's counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/web-tech-tw/freya-go/internal/api"
	"github.com/web-tech-tw/freya-go/internal/appctx"
	"github.com/web-tech-tw/freya-go/internal/cache"
	"github.com/web-tech-tw/freya-go/internal/logutil"
)

var (
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Config defines rate limiting parameters.
type Config struct {
	// RequestsPerWindow is the maximum requests allowed per window.
	RequestsPerWindow int64

	// Window is the time window for rate limiting.
	Window time.Duration

	// KeyPrefix is prepended to all rate limit keys.
	KeyPrefix string
}

// DefaultConfig returns the pairing completion limit: 10 attempts a minute.
func DefaultConfig() *Config {
	return &Config{
		RequestsPerWindow: 10,
		Window:            cache.TTLRateLimit,
		KeyPrefix:         "ratelimit:",
	}
}

// Limiter provides rate limiting using a cache backend.
type Limiter struct {
	cache  cache.Counter
	config *Config
	logger *slog.Logger
}

// New creates a new rate limiter.
func New(c cache.Counter, cfg *Config, logger *slog.Logger) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Limiter{
		cache:  c,
		config: cfg,
		logger: logutil.NoopIfNil(logger),
	}
}

// Result contains the rate limit check result.
type Result struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

func (l *Limiter) result(count int64, allowed bool) *Result {
	return &Result{
		Allowed:   allowed,
		Remaining: max(l.config.RequestsPerWindow-count, 0),
		ResetAt:   time.Now().Add(l.config.Window),
	}
}

// Allow counts a request for key and reports whether it fits the window.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	count, err := l.cache.Increment(ctx, l.config.KeyPrefix+key, 1, l.config.Window)
	if err != nil {
		return nil, err
	}
	return l.result(count, count <= l.config.RequestsPerWindow), nil
}

// Check reports the current quota without counting a request.
func (l *Limiter) Check(ctx context.Context, key string) (*Result, error) {
	count, err := l.cache.GetCount(ctx, l.config.KeyPrefix+key)
	if err != nil {
		return nil, err
	}
	return l.result(count, count < l.config.RequestsPerWindow), nil
}

// Reset clears the rate limit for a key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.cache.Reset(ctx, l.config.KeyPrefix+key)
}

// KeyFunc derives the bucket a request is counted against.
type KeyFunc func(r *http.Request) string

// KeyFromRequest keys by client IP. RemoteAddr is expected to hold the
// address already resolved through the trusted proxy list.
func KeyFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// KeyByPrincipal keys by the signed-in user, falling back to the client IP.
func KeyByPrincipal(r *http.Request) string {
	if p := appctx.PrincipalFromContext(r.Context()); p != nil {
		return "user:" + p.UserID
	}
	return "ip:" + KeyFromRequest(r)
}

// Middleware returns an HTTP middleware that applies rate limiting.
// A nil key function keys by client IP.
func (l *Limiter) Middleware(key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = KeyFromRequest
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result, err := l.Allow(r.Context(), key(r))
			if err != nil {
				// fail open
				l.logger.Warn("rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(l.config.RequestsPerWindow, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(l.config.Window.Seconds())))
				api.WriteTooManyRequests(w, "too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
