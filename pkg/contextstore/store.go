// Package contextstore is the process-wide, in-memory key/value cache that
// holds conversational context. Entries expire on a sliding TTL: every read
// or write of a key restarts its clock. Nothing is persisted.
//
// Read-modify-write sequences on one key are serialized through Update; work
// on different keys never waits on each other except for the short critical
// section that guards the entry map.
package contextstore

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrSkip can be returned from an Update func to leave the entry untouched.
var ErrSkip = errors.New("contextstore: skip update")

type entry[V any] struct {
	value   V
	ttl     time.Duration
	expires time.Time
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Store is safe for concurrent use.
type Store[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]

	locksMu sync.Mutex
	locks   map[string]*keyLock

	now        func() time.Time
	defaultTTL time.Duration

	// recency is only set when a capacity is configured.
	recency *lru.Cache[string, struct{}]
	max     int
	onEvict func(key string)
}

type Option[V any] func(*Store[V])

// WithClock replaces time.Now, for tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(s *Store[V]) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCapacity bounds the number of live entries. When a new key would exceed
// it, the least recently used key is dropped. Zero or less means unbounded.
func WithCapacity[V any](max int) Option[V] {
	return func(s *Store[V]) {
		s.max = max
	}
}

// WithEvictionHook is called with each key dropped for capacity or expiry.
func WithEvictionHook[V any](fn func(key string)) Option[V] {
	return func(s *Store[V]) {
		s.onEvict = fn
	}
}

func New[V any](defaultTTL time.Duration, opts ...Option[V]) *Store[V] {
	s := &Store[V]{
		entries:    make(map[string]*entry[V]),
		locks:      make(map[string]*keyLock),
		now:        time.Now,
		defaultTTL: defaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.max > 0 {
		// Size is max+1 so the cache never evicts on its own; eviction is
		// driven explicitly in insertLocked to keep entries and recency in step.
		cache, err := lru.New[string, struct{}](s.max + 1)
		if err == nil {
			s.recency = cache
		}
	}
	return s
}

// Get returns the value for key and restarts its TTL. Expired entries are
// removed and reported as absent.
func (s *Store[V]) Get(key string) (V, bool) {
	var evicted []string
	defer func() { s.notify(evicted) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	now := s.now()
	if !now.Before(e.expires) {
		s.removeLocked(key)
		evicted = append(evicted, key)
		var zero V
		return zero, false
	}
	e.expires = now.Add(e.ttl)
	if s.recency != nil {
		s.recency.Get(key)
	}
	return e.value, true
}

// Set stores value under key with the given TTL (the store default when ttl
// is zero). It waits for any in-flight Update on the same key.
func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	unlock := s.lockKey(key)
	defer unlock()
	s.set(key, value, ttl)
}

// Update runs fn under the per-key lock with the current value (ok is false
// when absent or expired) and stores what it returns. fn may block; only
// callers of the same key wait for it. If fn returns an error nothing is
// stored and the error is returned, except ErrSkip which is swallowed and
// yields the current value.
func (s *Store[V]) Update(key string, ttl time.Duration, fn func(current V, ok bool) (V, error)) (V, error) {
	unlock := s.lockKey(key)
	defer unlock()

	current, ok := s.Get(key)
	next, err := fn(current, ok)
	if err != nil {
		if errors.Is(err, ErrSkip) {
			return current, nil
		}
		var zero V
		return zero, err
	}
	s.set(key, next, ttl)
	return next, nil
}

func (s *Store[V]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

// Len counts entries, including ones that have expired but not been swept.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops expired entries and returns how many were removed.
func (s *Store[V]) Sweep() int {
	var evicted []string
	s.mu.Lock()
	now := s.now()
	for key, e := range s.entries {
		if !now.Before(e.expires) {
			s.removeLocked(key)
			evicted = append(evicted, key)
		}
	}
	s.mu.Unlock()

	s.notify(evicted)
	return len(evicted)
}

func (s *Store[V]) set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	var evicted []string
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.value = value
		e.ttl = ttl
		e.expires = s.now().Add(ttl)
		if s.recency != nil {
			s.recency.Add(key, struct{}{})
		}
	} else {
		evicted = s.insertLocked(key, &entry[V]{value: value, ttl: ttl, expires: s.now().Add(ttl)})
	}
	s.mu.Unlock()
	s.notify(evicted)
}

func (s *Store[V]) insertLocked(key string, e *entry[V]) []string {
	var evicted []string
	if s.recency != nil {
		for s.recency.Len() >= s.max {
			oldest, _, ok := s.recency.RemoveOldest()
			if !ok {
				break
			}
			delete(s.entries, oldest)
			evicted = append(evicted, oldest)
		}
		s.recency.Add(key, struct{}{})
	}
	s.entries[key] = e
	return evicted
}

func (s *Store[V]) removeLocked(key string) {
	delete(s.entries, key)
	if s.recency != nil {
		s.recency.Remove(key)
	}
}

func (s *Store[V]) notify(keys []string) {
	if s.onEvict == nil {
		return
	}
	for _, k := range keys {
		s.onEvict(k)
	}
}

func (s *Store[V]) lockKey(key string) func() {
	s.locksMu.Lock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{}
		s.locks[key] = kl
	}
	kl.refs++
	s.locksMu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		s.locksMu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(s.locks, key)
		}
		s.locksMu.Unlock()
	}
}
