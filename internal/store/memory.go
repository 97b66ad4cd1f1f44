package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for tests and single-replica
// deployments without a Redis server. TTLs are enforced lazily on access.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	attempts map[string]*memAttempt
	hashes   map[string]map[string]string
	lists    map[string][]string
	now      func() time.Time
}

type memCounter struct {
	count    int64
	expireAt time.Time
}

type memAttempt struct {
	count     int64
	firstSeen time.Time
	expireAt  time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memCounter),
		attempts: make(map[string]*memAttempt),
		hashes:   make(map[string]map[string]string),
		lists:    make(map[string][]string),
		now:      time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !c.expireAt.After(now) {
		c = &memCounter{expireAt: now.Add(ttl)}
		s.counters[key] = c
	}
	c.count++
	return c.count, c.expireAt.Sub(now), nil
}

func (s *MemoryStore) Decr(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.counters[key]; ok && c.expireAt.After(s.now()) && c.count > 0 {
		c.count--
	}
	return nil
}

func (s *MemoryStore) CounterTTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if c, ok := s.counters[key]; ok && c.expireAt.After(now) {
		return c.expireAt.Sub(now), nil
	}
	if a, ok := s.attempts[key]; ok && a.expireAt.After(now) {
		return a.expireAt.Sub(now), nil
	}
	return 0, nil
}

func (s *MemoryStore) AttemptIncr(_ context.Context, key string, initialTTL time.Duration) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	a, ok := s.attempts[key]
	if !ok || !a.expireAt.After(now) {
		a = &memAttempt{firstSeen: now.UTC(), expireAt: now.Add(initialTTL)}
		s.attempts[key] = a
	}
	a.count++
	return Attempt{Count: a.count, FirstSeen: a.firstSeen}, nil
}

func (s *MemoryStore) AttemptGet(_ context.Context, key string) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.attempts[key]; ok && a.expireAt.After(s.now()) {
		return Attempt{Count: a.count, FirstSeen: a.firstSeen}, nil
	}
	return Attempt{}, nil
}

func (s *MemoryStore) SetTTL(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expireAt := s.now().Add(ttl)
	if c, ok := s.counters[key]; ok {
		c.expireAt = expireAt
	}
	if a, ok := s.attempts[key]; ok {
		a.expireAt = expireAt
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.counters, key)
	delete(s.attempts, key)
	delete(s.hashes, key)
	delete(s.lists, key)
	return nil
}

func (s *MemoryStore) HashSet(_ context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = string(value)
	return nil
}

func (s *MemoryStore) HashGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HashDelete(_ context.Context, key, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.hashes[key]; ok {
		delete(h, field)
	}
	return nil
}

func (s *MemoryStore) PushTrim(_ context.Context, key string, value []byte, max int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append([]string{string(value)}, s.lists[key]...)
	if int64(len(list)) > max {
		list = list[:max]
	}
	s.lists[key] = list
	return nil
}

func (s *MemoryStore) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[key]
	n := int64(len(list))
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
