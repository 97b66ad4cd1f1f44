package security

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegisd-project/aegisd/internal/core"
	"github.com/aegisd-project/aegisd/internal/store"
)

// BruteForceGuard slows credential guessing per (ip, endpoint). The guard
// itself never increments: the authentication collaborator reports failures
// via RecordFailure, which grows the attempt counter and recomputes its TTL
// as an exponential backoff. Attempts only reset through natural TTL expiry.
//
// The counter records its first-attempt time, and Lifetime is enforced as a
// hard ceiling on counter age: the recomputed backoff TTL is capped so the
// counter never survives past first failure + Lifetime. (A naive
// reapply-the-backoff design would silently overwrite the lifetime cap on
// the second attempt.)
type BruteForceGuard struct {
	cfg     core.BruteForceConfig
	store   store.Store
	timeout time.Duration
	logger  zerolog.Logger
}

// NewBruteForceGuard creates a guard backed by the shared store.
func NewBruteForceGuard(cfg core.BruteForceConfig, st store.Store, timeout time.Duration, logger zerolog.Logger) *BruteForceGuard {
	return &BruteForceGuard{
		cfg:     cfg,
		store:   st,
		timeout: timeout,
		logger:  logger.With().Str("component", "brute_force_guard").Logger(),
	}
}

func attemptKey(ip, endpoint string) string {
	return store.NamespaceBruteForce + ip + ":" + endpoint
}

// Check reads the attempt counter without mutating it and rejects once the
// free retries are spent. Fail-open on store errors.
func (g *BruteForceGuard) Check(ctx context.Context, ip, endpoint string) (Decision, int64) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	key := attemptKey(ip, endpoint)
	attempt, err := g.store.AttemptGet(ctx, key)
	if err != nil {
		g.logger.Error().Err(err).Str("ip", ip).Str("endpoint", endpoint).
			Msg("brute force check failed, allowing request")
		return Allow, 0
	}

	if attempt.Count > g.cfg.FreeRetries {
		remaining, err := g.store.CounterTTL(ctx, key)
		if err != nil {
			g.logger.Error().Err(err).Str("ip", ip).Msg("brute force TTL read failed, allowing request")
			return Allow, attempt.Count
		}
		return rejectBruteForce(ceilSeconds(remaining)), attempt.Count
	}
	return Allow, attempt.Count
}

// RecordFailure registers a failed authentication attempt and recomputes the
// counter TTL: wait = min(min_wait * 2^(attempts-1), max_wait), capped by the
// remaining counter lifetime. Returns the applied wait and attempt count.
func (g *BruteForceGuard) RecordFailure(ctx context.Context, ip, endpoint string) (time.Duration, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// The counter is born with the full lifetime as its TTL so it self-expires
	// even if the process dies before the backoff TTL below is applied.
	initial := g.cfg.Lifetime
	if initial <= 0 {
		initial = g.cfg.MaxWait
	}
	key := attemptKey(ip, endpoint)
	attempt, err := g.store.AttemptIncr(ctx, key, initial)
	if err != nil {
		return 0, 0, err
	}

	wait := backoffWait(g.cfg.MinWait, g.cfg.MaxWait, attempt.Count)

	// Lifetime ceiling: the counter dies at first_seen + lifetime no matter
	// how slowly attempts drip in.
	if g.cfg.Lifetime > 0 && !attempt.FirstSeen.IsZero() {
		if remaining := time.Until(attempt.FirstSeen.Add(g.cfg.Lifetime)); remaining < wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		// The ceiling has passed; drop the counter instead of pinning a
		// non-expiring key.
		if err := g.store.Delete(ctx, key); err != nil {
			g.logger.Error().Err(err).Str("ip", ip).Msg("failed to drop expired attempt counter")
		}
		return 0, attempt.Count, nil
	}

	if err := g.store.SetTTL(ctx, key, wait); err != nil {
		return 0, attempt.Count, err
	}

	g.logger.Debug().
		Str("ip", ip).
		Str("endpoint", endpoint).
		Int64("attempts", attempt.Count).
		Dur("wait", wait).
		Msg("failed attempt recorded")

	return wait, attempt.Count, nil
}

// backoffWait computes min(minWait * 2^(attempts-1), maxWait). The doubling
// loop exits at maxWait before it can overflow.
func backoffWait(minWait, maxWait time.Duration, attempts int64) time.Duration {
	wait := minWait
	for i := int64(1); i < attempts; i++ {
		wait *= 2
		if wait >= maxWait {
			return maxWait
		}
	}
	if wait > maxWait {
		return maxWait
	}
	if wait < 0 {
		return 0
	}
	return wait
}
