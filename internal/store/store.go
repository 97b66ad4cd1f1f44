// Package store provides the shared state store backing the mitigation
// engine: TTL'd windowed counters, brute-force attempt tracking, the
// persisted reputation table, and the capped event log.
//
// Keys are namespaced (rate-limit:*, brute-force:*, threat:*, events:*) so
// unrelated subsystems can share the same store without collisions.
package store

import (
	"context"
	"time"
)

// Key namespaces shared with other subsystems using the same store.
const (
	NamespaceRateLimit  = "rate-limit:"
	NamespaceBruteForce = "brute-force:"
	NamespaceThreat     = "threat:"
	NamespaceEvents     = "events:"
)

const (
	// ThreatTableKey is the hash holding one JSON entry per IP.
	ThreatTableKey = NamespaceThreat + "intel"
	// EventLogKey is the list holding the persisted event log, newest first.
	EventLogKey = NamespaceEvents + "log"
)

// Attempt is the state of a brute-force attempt counter.
type Attempt struct {
	Count     int64
	FirstSeen time.Time
}

// Store is the shared state store contract. All operations that back a
// request-path check must be cheap and individually atomic; callers bound
// them with short context timeouts and fail open on error.
type Store interface {
	// IncrWithTTL atomically increments the counter at key, applying ttl when
	// the counter is created. It returns the post-increment count and the
	// counter's remaining TTL.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (count int64, remaining time.Duration, err error)

	// Decr decrements a counter, flooring at zero.
	Decr(ctx context.Context, key string) error

	// CounterTTL returns the remaining TTL of key, or zero if absent.
	CounterTTL(ctx context.Context, key string) (time.Duration, error)

	// AttemptIncr atomically increments a brute-force attempt counter. On
	// creation it records the first-attempt time and applies initialTTL, so
	// the counter always carries an expiry even if the caller never gets to
	// recompute it. The caller shortens the TTL afterwards via SetTTL.
	AttemptIncr(ctx context.Context, key string, initialTTL time.Duration) (Attempt, error)

	// AttemptGet reads an attempt counter without mutating it. A missing
	// counter yields a zero Attempt and no error.
	AttemptGet(ctx context.Context, key string) (Attempt, error)

	// SetTTL applies ttl to an existing key.
	SetTTL(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// HashSet sets one field of a hash.
	HashSet(ctx context.Context, key, field string, value []byte) error

	// HashGetAll returns all fields of a hash.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// HashDelete removes one field of a hash.
	HashDelete(ctx context.Context, key, field string) error

	// PushTrim prepends value to the list at key and trims it to max entries,
	// dropping the oldest.
	PushTrim(ctx context.Context, key string, value []byte, max int64) error

	// ListRange returns list entries in [start, stop] (inclusive, newest first).
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the store connection.
	Close() error
}
