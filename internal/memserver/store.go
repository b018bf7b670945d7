// Package memserver implements the in-memory, memcached-style storage engine
// and TCP server used as the reference Replica backend (see DESIGN.md).
//
// Adapted from cachemir's pkg/cache: same Value{Data, ExpiresAt} entry shape
// and background expiration sweep, narrowed to a single binary-value type
// (flags + bytes) with a CAS counter, which is what the memcached operation
// set (§3.3) requires instead of cachemir's Redis-shaped multi-type store.
package memserver

import (
	"strconv"
	"sync"
	"time"
)

// item is one stored entry: opaque bytes, flags, expiry and a CAS counter
// used by meta-debug.
type item struct {
	bytes     []byte
	expiresAt time.Time
	flags     uint32
	cas       uint64
}

func (i *item) expired() bool {
	return !i.expiresAt.IsZero() && time.Now().After(i.expiresAt)
}

// Store is a thread-safe in-memory key/value store with TTL expiry.
type Store struct {
	mu      sync.RWMutex
	data    map[string]*item
	casSeq  uint64
	closeCh chan struct{}
}

// NewStore creates a Store and starts its background expiration sweep.
func NewStore() *Store {
	s := &Store{
		data:    make(map[string]*item),
		closeCh: make(chan struct{}),
	}
	go s.sweepExpired()
	return s
}

// Close stops the background sweep.
func (s *Store) Close() {
	close(s.closeCh)
}

func (s *Store) sweepExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			for k, v := range s.data {
				if v.expired() {
					delete(s.data, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

func ttlToExpiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// Get returns the stored (flags, bytes) for key.
func (s *Store) Get(key string) (flags uint32, bytes []byte, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, exists := s.data[key]
	if !exists || it.expired() {
		return 0, nil, false
	}
	return it.flags, it.bytes, true
}

// GetBulk returns every present, unexpired key among keys.
func (s *Store) GetBulk(keys []string) map[string]struct {
	Flags uint32
	Bytes []byte
} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]struct {
		Flags uint32
		Bytes []byte
	})
	for _, k := range keys {
		it, exists := s.data[k]
		if !exists || it.expired() {
			continue
		}
		out[k] = struct {
			Flags uint32
			Bytes []byte
		}{Flags: it.flags, Bytes: it.bytes}
	}
	return out
}

// Set unconditionally stores value under key.
func (s *Store) Set(key string, flags uint32, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.casSeq++
	s.data[key] = &item{bytes: value, flags: flags, expiresAt: ttlToExpiry(ttl), cas: s.casSeq}
}

// Add stores value under key only if it does not already exist.
func (s *Store) Add(key string, flags uint32, value []byte, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, exists := s.data[key]; exists && !it.expired() {
		return false
	}
	s.casSeq++
	s.data[key] = &item{bytes: value, flags: flags, expiresAt: ttlToExpiry(ttl), cas: s.casSeq}
	return true
}

// Replace stores value under key only if it already exists.
func (s *Store) Replace(key string, flags uint32, value []byte, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, exists := s.data[key]; !exists || it.expired() {
		return false
	}
	s.casSeq++
	s.data[key] = &item{bytes: value, flags: flags, expiresAt: ttlToExpiry(ttl), cas: s.casSeq}
	return true
}

// Append appends value to the existing entry under key, preserving its TTL
// and flags. Returns false if key does not exist.
func (s *Store) Append(key string, value []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, exists := s.data[key]
	if !exists || it.expired() {
		return false
	}
	s.casSeq++
	it.bytes = append(append([]byte(nil), it.bytes...), value...)
	it.cas = s.casSeq
	return true
}

// Delete removes key. Returns true if it existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.data[key]
	delete(s.data, key)
	return exists
}

// Touch updates key's TTL without altering its value. Returns false if key
// does not exist.
func (s *Store) Touch(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, exists := s.data[key]
	if !exists || it.expired() {
		return false
	}
	it.expiresAt = ttlToExpiry(ttl)
	return true
}

// IncrDecr adds delta (positive for incr, negative for decr) to the integer
// stored under key. If key is absent and initial >= 0, the key is created
// with value initial. If key is absent and initial < 0, IncrDecr returns -1
// without creating the key — the sentinel the write orchestrator's cross-
// replica convergence step (§4.6) uses to detect replicas needing repair. If
// the stored value is not a valid integer, ok is false.
func (s *Store) IncrDecr(key string, delta, initial int64, ttl time.Duration) (result int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, exists := s.data[key]
	if !exists || it.expired() {
		if initial < 0 {
			return -1, true
		}
		s.casSeq++
		s.data[key] = &item{bytes: []byte(strconv.FormatInt(initial, 10)), expiresAt: ttlToExpiry(ttl), cas: s.casSeq}
		return initial, true
	}

	cur, err := strconv.ParseInt(string(it.bytes), 10, 64)
	if err != nil {
		return 0, false
	}
	next := cur + delta
	if next < 0 {
		next = 0
	}
	s.casSeq++
	it.bytes = []byte(strconv.FormatInt(next, 10))
	it.cas = s.casSeq
	return next, true
}

// MetaDebug reports CAS and remaining TTL without returning the value bytes.
func (s *Store) MetaDebug(key string) (cas uint64, ttl time.Duration, found bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, exists := s.data[key]
	if !exists || it.expired() {
		return 0, 0, false
	}
	var remaining time.Duration
	if !it.expiresAt.IsZero() {
		remaining = time.Until(it.expiresAt)
	}
	return it.cas, remaining, true
}

