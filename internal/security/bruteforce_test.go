package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegisd-project/aegisd/internal/core"
	"github.com/aegisd-project/aegisd/internal/store"
)

// failingStore simulates a state store outage: every operation errors.
type failingStore struct{}

var errStoreDown = errors.New("store unreachable")

func (failingStore) IncrWithTTL(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errStoreDown
}
func (failingStore) Decr(context.Context, string) error { return errStoreDown }
func (failingStore) CounterTTL(context.Context, string) (time.Duration, error) {
	return 0, errStoreDown
}
func (failingStore) AttemptIncr(context.Context, string, time.Duration) (store.Attempt, error) {
	return store.Attempt{}, errStoreDown
}
func (failingStore) AttemptGet(context.Context, string) (store.Attempt, error) {
	return store.Attempt{}, errStoreDown
}
func (failingStore) SetTTL(context.Context, string, time.Duration) error { return errStoreDown }
func (failingStore) Delete(context.Context, string) error                { return errStoreDown }
func (failingStore) HashSet(context.Context, string, string, []byte) error {
	return errStoreDown
}
func (failingStore) HashGetAll(context.Context, string) (map[string]string, error) {
	return nil, errStoreDown
}
func (failingStore) HashDelete(context.Context, string, string) error { return errStoreDown }
func (failingStore) PushTrim(context.Context, string, []byte, int64) error {
	return errStoreDown
}
func (failingStore) ListRange(context.Context, string, int64, int64) ([]string, error) {
	return nil, errStoreDown
}
func (failingStore) Ping(context.Context) error { return errStoreDown }
func (failingStore) Close() error               { return nil }

func testBruteForceConfig() core.BruteForceConfig {
	return core.BruteForceConfig{
		FreeRetries: 3,
		MinWait:     5 * time.Second,
		MaxWait:     60 * time.Second,
		Lifetime:    time.Hour,
	}
}

func TestBackoffWait_Monotonic(t *testing.T) {
	wants := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	var prev time.Duration
	for i, want := range wants {
		got := backoffWait(5*time.Second, 60*time.Second, int64(i+1))
		if got != want {
			t.Errorf("attempt %d: wait = %s, want %s", i+1, got, want)
		}
		if got < prev {
			t.Errorf("attempt %d: wait decreased from %s to %s", i+1, prev, got)
		}
		prev = got
	}
}

func TestBackoffWait_LargeAttemptCount(t *testing.T) {
	// Must not overflow for absurd attempt counts.
	if got := backoffWait(5*time.Second, 60*time.Second, 10000); got != 60*time.Second {
		t.Errorf("wait = %s, want capped at 60s", got)
	}
}

func TestBruteForceGuard_AllowsFreeRetries(t *testing.T) {
	g := NewBruteForceGuard(testBruteForceConfig(), store.NewMemoryStore(), time.Second, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := g.RecordFailure(ctx, "10.0.0.1", "/login"); err != nil {
			t.Fatalf("RecordFailure() error: %v", err)
		}
		dec, _ := g.Check(ctx, "10.0.0.1", "/login")
		if !dec.Allowed {
			t.Fatalf("rejected after %d failures, free retries is 3", i+1)
		}
	}

	if _, _, err := g.RecordFailure(ctx, "10.0.0.1", "/login"); err != nil {
		t.Fatal(err)
	}
	dec, attempts := g.Check(ctx, "10.0.0.1", "/login")
	if dec.Allowed {
		t.Error("should reject after exceeding free retries")
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
	if dec.Code != CodeTooManyAttempts {
		t.Errorf("code = %q, want %q", dec.Code, CodeTooManyAttempts)
	}
	if dec.RetryAfter <= 0 || dec.RetryAfter > 60 {
		t.Errorf("retryAfter = %d, want (0, 60]", dec.RetryAfter)
	}
}

func TestBruteForceGuard_KeyedByIPAndEndpoint(t *testing.T) {
	g := NewBruteForceGuard(testBruteForceConfig(), store.NewMemoryStore(), time.Second, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, _ = g.RecordFailure(ctx, "10.0.0.1", "/login")
	}

	if dec, _ := g.Check(ctx, "10.0.0.1", "/login"); dec.Allowed {
		t.Error("locked endpoint should reject")
	}
	if dec, _ := g.Check(ctx, "10.0.0.1", "/other"); !dec.Allowed {
		t.Error("different endpoint should not be affected")
	}
	if dec, _ := g.Check(ctx, "10.0.0.2", "/login"); !dec.Allowed {
		t.Error("different IP should not be affected")
	}
}

func TestBruteForceGuard_BackoffAppliedAsTTL(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now()
	st.SetClock(func() time.Time { return now })
	g := NewBruteForceGuard(testBruteForceConfig(), st, time.Second, zerolog.Nop())
	ctx := context.Background()

	wait, attempts, err := g.RecordFailure(ctx, "10.0.0.1", "/login")
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 1 || wait != 5*time.Second {
		t.Errorf("first failure: wait=%s attempts=%d, want 5s/1", wait, attempts)
	}

	wait, _, _ = g.RecordFailure(ctx, "10.0.0.1", "/login")
	if wait != 10*time.Second {
		t.Errorf("second failure wait = %s, want 10s", wait)
	}

	ttl, _ := st.CounterTTL(ctx, attemptKey("10.0.0.1", "/login"))
	if ttl != 10*time.Second {
		t.Errorf("counter TTL = %s, want the recomputed 10s", ttl)
	}
}

func TestBruteForceGuard_LifetimeCeiling(t *testing.T) {
	cfg := testBruteForceConfig()
	cfg.Lifetime = time.Minute
	st := store.NewMemoryStore()
	g := NewBruteForceGuard(cfg, st, time.Second, zerolog.Nop())
	ctx := context.Background()

	// Seed a counter whose first attempt was almost a lifetime ago.
	key := attemptKey("10.0.0.1", "/login")
	now := time.Now()
	st.SetClock(func() time.Time { return now.Add(-59 * time.Second) })
	_, _ = st.AttemptIncr(ctx, key, cfg.Lifetime)
	st.SetClock(time.Now)

	wait, _, err := g.RecordFailure(ctx, "10.0.0.1", "/login")
	if err != nil {
		t.Fatal(err)
	}
	if wait > time.Second+500*time.Millisecond {
		t.Errorf("wait = %s, must be capped by the remaining lifetime (~1s)", wait)
	}
}

func TestBruteForceGuard_LifetimeExpiredDropsCounter(t *testing.T) {
	cfg := testBruteForceConfig()
	cfg.Lifetime = time.Minute
	st := store.NewMemoryStore()
	g := NewBruteForceGuard(cfg, st, time.Second, zerolog.Nop())
	ctx := context.Background()

	// Seed a counter that outlived its ceiling (e.g. lifetime was lowered in
	// config after the counter was created).
	key := attemptKey("10.0.0.1", "/login")
	now := time.Now()
	st.SetClock(func() time.Time { return now.Add(-2 * time.Minute) })
	_, _ = st.AttemptIncr(ctx, key, time.Hour)
	st.SetClock(time.Now)

	wait, _, err := g.RecordFailure(ctx, "10.0.0.1", "/login")
	if err != nil {
		t.Fatal(err)
	}
	if wait != 0 {
		t.Errorf("wait = %s, want 0 past the lifetime ceiling", wait)
	}
	attempt, _ := st.AttemptGet(ctx, key)
	if attempt.Count != 0 {
		t.Errorf("counter should be dropped, got %+v", attempt)
	}
}

// noTTLStore lets increments through but fails every TTL update, simulating
// a crash or store error between counter creation and backoff application.
type noTTLStore struct {
	*store.MemoryStore
}

func (noTTLStore) SetTTL(context.Context, string, time.Duration) error { return errStoreDown }

func TestBruteForceGuard_CounterExpiresWithoutSetTTL(t *testing.T) {
	cfg := testBruteForceConfig()
	cfg.Lifetime = time.Minute
	mem := store.NewMemoryStore()
	g := NewBruteForceGuard(cfg, noTTLStore{mem}, time.Second, zerolog.Nop())
	ctx := context.Background()

	now := time.Now()
	mem.SetClock(func() time.Time { return now })

	if _, _, err := g.RecordFailure(ctx, "10.0.0.1", "/login"); err == nil {
		t.Fatal("RecordFailure() should surface the TTL error")
	}

	key := attemptKey("10.0.0.1", "/login")
	ttl, _ := mem.CounterTTL(ctx, key)
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("counter TTL = %s, want the lifetime seeded at creation", ttl)
	}

	// Past the lifetime the orphaned counter is gone, not locked in forever.
	now = now.Add(2 * time.Minute)
	if attempt, _ := mem.AttemptGet(ctx, key); attempt.Count != 0 {
		t.Errorf("counter survived its seeded TTL: %+v", attempt)
	}
}

func TestBruteForceGuard_FailOpenOnStoreOutage(t *testing.T) {
	g := NewBruteForceGuard(testBruteForceConfig(), failingStore{}, time.Second, zerolog.Nop())

	dec, _ := g.Check(context.Background(), "10.0.0.1", "/login")
	if !dec.Allowed {
		t.Error("store outage must fail open")
	}
}
