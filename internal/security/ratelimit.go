package security

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegisd-project/aegisd/internal/core"
	"github.com/aegisd-project/aegisd/internal/store"
)

// RateLimiter enforces a fixed-window request ceiling per identity
// (authenticated user ID, else source IP). Fixed windows trade boundary
// burstiness for an O(1) atomic increment against the TTL store; that is
// acceptable for abuse throttling, not billing-grade accounting.
type RateLimiter struct {
	cfg     core.RateLimitConfig
	store   store.Store
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRateLimiter creates a rate limiter backed by the shared store.
func NewRateLimiter(cfg core.RateLimitConfig, st store.Store, timeout time.Duration, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		store:   st,
		timeout: timeout,
		logger:  logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// Check increments the identity's window counter and decides. The increment
// and the limit comparison use a single atomic store operation so concurrent
// requests from one identity cannot all slip under the ceiling. On store
// failure the request is allowed through (fail-open) and the error logged.
func (l *RateLimiter) Check(ctx context.Context, identity string) (Decision, int64) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	key := store.NamespaceRateLimit + identity
	count, remaining, err := l.store.IncrWithTTL(ctx, key, l.cfg.Window)
	if err != nil {
		l.logger.Error().Err(err).Str("identity", identity).Msg("rate limit check failed, allowing request")
		return Allow, 0
	}

	if count > l.cfg.Max {
		return rejectRateLimited(ceilSeconds(remaining)), count
	}
	return Allow, count
}

// OnCompletion is the response hook: when skip_successful is configured, a
// 2xx completion refunds the request's slot in the window.
func (l *RateLimiter) OnCompletion(ctx context.Context, identity string, status int) {
	if !l.cfg.SkipSuccessful || status < http.StatusOK || status >= http.StatusMultipleChoices {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.store.Decr(ctx, store.NamespaceRateLimit+identity); err != nil {
		l.logger.Error().Err(err).Str("identity", identity).Msg("failed to refund successful request")
	}
}

// ceilSeconds converts a remaining TTL to whole retry-after seconds,
// clamped to at least zero.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
