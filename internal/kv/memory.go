package kv

import (
	"context"
	"sync"
	"time"
)

// item is a stored value with expiration
type item struct {
	value     []byte
	expiresAt time.Time
}

func (i *item) expired() bool {
	return !i.expiresAt.IsZero() && time.Now().After(i.expiresAt)
}

// setItem is a stored set with expiration
type setItem struct {
	members   map[string]struct{}
	expiresAt time.Time
}

func (s *setItem) expired() bool {
	return !s.expiresAt.IsZero() && time.Now().After(s.expiresAt)
}

// Memory is an in-process Store with TTL support. Suitable for tests and
// single-instance deployments; multi-instance deployments should use Valkey.
type Memory struct {
	mu        sync.RWMutex
	items     map[string]*item
	sets      map[string]*setItem
	stopClean chan struct{}
	closeOnce sync.Once
}

// NewMemory creates an in-memory store. cleanupInterval controls how often
// expired entries are swept (0 disables the janitor; expired entries are
// still invisible to reads).
func NewMemory(cleanupInterval time.Duration) *Memory {
	m := &Memory{
		items:     make(map[string]*item),
		sets:      make(map[string]*setItem),
		stopClean: make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go m.cleanupLoop(cleanupInterval)
	}

	return m
}

func (m *Memory) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.deleteExpired()
		case <-m.stopClean:
			return
		}
	}
}

func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range m.items {
		if v.expired() {
			delete(m.items, k)
		}
	}
	for k, v := range m.sets {
		if v.expired() {
			delete(m.sets, k)
		}
	}
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// Get returns the value for key, or ErrNotFound
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || it.expired() {
		return nil, ErrNotFound
	}

	// Copy so callers cannot mutate the stored value
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

// Set writes key with the given TTL
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	m.items[key] = &item{value: stored, expiresAt: expiry(ttl)}
	m.mu.Unlock()
	return nil
}

// SetNX writes key only if absent, returning whether the write happened
func (m *Memory) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if it, ok := m.items[key]; ok && !it.expired() {
		return false, nil
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.items[key] = &item{value: stored, expiresAt: expiry(ttl)}
	return true, nil
}

// Delete removes key; missing keys are not an error
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	delete(m.sets, key)
	m.mu.Unlock()
	return nil
}

// Exists reports whether key is present and unexpired
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if it, ok := m.items[key]; ok && !it.expired() {
		return true, nil
	}
	if st, ok := m.sets[key]; ok && !st.expired() {
		return true, nil
	}
	return false, nil
}

// Expire resets the TTL on an existing key
func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if it, ok := m.items[key]; ok && !it.expired() {
		it.expiresAt = expiry(ttl)
		return nil
	}
	if st, ok := m.sets[key]; ok && !st.expired() {
		st.expiresAt = expiry(ttl)
		return nil
	}
	return ErrNotFound
}

// SAdd adds members to the set at key
func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sets[key]
	if !ok || st.expired() {
		st = &setItem{members: make(map[string]struct{})}
		m.sets[key] = st
	}
	for _, member := range members {
		st.members[member] = struct{}{}
	}
	return nil
}

// SRem removes members from the set at key
func (m *Memory) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sets[key]
	if !ok || st.expired() {
		return nil
	}
	for _, member := range members {
		delete(st.members, member)
	}
	if len(st.members) == 0 {
		delete(m.sets, key)
	}
	return nil
}

// SMembers returns all members of the set at key
func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.sets[key]
	if !ok || st.expired() {
		return nil, nil
	}

	members := make([]string, 0, len(st.members))
	for member := range st.members {
		members = append(members, member)
	}
	return members, nil
}

// Close stops the janitor goroutine
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopClean)
	})
	return nil
}
