package adapter

import (
	"context"
	"sync"
	"time"
)

// Store abstracts the shared key-value store every lock and idempotency
// marker lives in. Each method must be atomic on the server side; callers
// never combine two calls into a critical decision.
type Store interface {
	// SetIfAbsent stores value under key with the given TTL only if the key
	// does not exist. It reports whether the value was stored.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the string stored under key. The boolean reports presence.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value unconditionally. A non-positive TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key regardless of its value and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// CompareAndDelete removes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// AcquireLease grants the lease on key to holder if the key is free or
	// already leased by the same holder, in which case the hold count is
	// incremented. The lease TTL is (re)set on success.
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// RenewLease resets the lease TTL if holder still owns it.
	RenewLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// HoldsLease reports whether holder currently owns the lease on key.
	HoldsLease(ctx context.Context, key, holder string) (bool, error)
	// ReleaseLease drops one hold of holder on key. It returns the remaining
	// hold count (zero once the lease is gone) and false if holder did not
	// own the lease.
	ReleaseLease(ctx context.Context, key, holder string) (int64, bool, error)
}

type entry struct {
	value     string
	holders   map[string]int64
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// InMemoryStore is a Store backed by a single map. One instance stands in
// for one external server: all components sharing it coordinate through it
// exactly as they would through Redis.
type InMemoryStore struct {
	mu    sync.Mutex
	items map[string]*entry
	now   func() time.Time
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]*entry), now: time.Now}
}

// lookup returns the live entry for key, dropping it if expired.
// Callers must hold s.mu.
func (s *InMemoryStore) lookup(key string) *entry {
	e, ok := s.items[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(s.items, key)
		return nil
	}
	return e
}

func (s *InMemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *InMemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(key) != nil {
		return false, nil
	}
	s.items[key] = &entry{value: value, expiresAt: s.deadline(ttl)}
	return true, nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil || e.holders != nil {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.items[key] = &entry{value: value, expiresAt: s.deadline(ttl)}
	s.mu.Unlock()
	return nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(key) == nil {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *InMemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil || e.holders != nil || e.value != expected {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// AcquireLease implements Store.AcquireLease.
func (s *InMemoryStore) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	switch {
	case e == nil:
		e = &entry{holders: make(map[string]int64)}
		s.items[key] = e
	case e.holders == nil:
		return false, nil
	case e.holders[holder] == 0:
		return false, nil
	}
	e.holders[holder]++
	e.expiresAt = s.deadline(ttl)
	return true, nil
}

// RenewLease implements Store.RenewLease.
func (s *InMemoryStore) RenewLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil || e.holders[holder] == 0 {
		return false, nil
	}
	e.expiresAt = s.deadline(ttl)
	return true, nil
}

// HoldsLease implements Store.HoldsLease.
func (s *InMemoryStore) HoldsLease(ctx context.Context, key, holder string) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	return e != nil && e.holders[holder] > 0, nil
}

// ReleaseLease implements Store.ReleaseLease.
func (s *InMemoryStore) ReleaseLease(ctx context.Context, key, holder string) (int64, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil || e.holders[holder] == 0 {
		return 0, false, nil
	}
	e.holders[holder]--
	if n := e.holders[holder]; n > 0 {
		return n, true, nil
	}
	delete(s.items, key)
	return 0, true, nil
}

// Expire drops key immediately as if its TTL had elapsed.
func (s *InMemoryStore) Expire(key string) {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns the number of live keys.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := s.now()
	for _, e := range s.items {
		if !e.expired(now) {
			n++
		}
	}
	return n
}
