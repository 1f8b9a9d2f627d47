package lww

import (
	"maps"
	"slices"
	"sync"
)

// Map is a set of independent registers keyed by string. Keys are never
// removed; Delete leaves a tombstone so the deletion merges like any write.
type Map[T any] struct {
	peer string

	mu   sync.RWMutex
	data map[string]*Register[T]
}

// NewMap creates an empty map owned by the local peer.
func NewMap[T any](peer string) *Map[T] {
	return &Map[T]{
		peer: peer,
		data: make(map[string]*Register[T]),
	}
}

// Peer returns the local peer id.
func (m *Map[T]) Peer() string {
	return m.peer
}

// Value returns every key that is not tombstoned.
func (m *Map[T]) Value() map[string]T {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]T, len(m.data))
	for key, reg := range m.data {
		if v, ok := reg.Value(); ok {
			out[key] = v
		}
	}
	return out
}

// State returns the version of every key, tombstones included.
func (m *Map[T]) State() map[string]State[T] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]State[T], len(m.data))
	for key, reg := range m.data {
		out[key] = reg.State()
	}
	return out
}

// Keys returns every key ever written, tombstones included, sorted.
func (m *Map[T]) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.data))
}

// Set writes value under key. A new key starts at counter 1.
func (m *Map[T]) Set(key string, value T) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reg, ok := m.data[key]; ok {
		reg.Set(value)
		return
	}
	m.data[key] = NewRegister(m.peer, State[T]{Peer: m.peer, Counter: 1, Value: value})
}

// Get returns the value under key; ok is false if missing or tombstoned.
func (m *Map[T]) Get(key string) (value T, ok bool) {
	m.mu.RLock()
	reg, exists := m.data[key]
	m.mu.RUnlock()
	if !exists {
		return value, false
	}
	return reg.Value()
}

// Has reports whether key holds a live value.
func (m *Map[T]) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete tombstones key. Unknown keys are left alone since there is no
// version to supersede.
func (m *Map[T]) Delete(key string) {
	m.mu.RLock()
	reg, exists := m.data[key]
	m.mu.RUnlock()
	if exists {
		reg.Delete()
	}
}

// Merge folds a remote State into the map. Known keys merge register by
// register; unknown keys are adopted verbatim. It returns the keys whose
// version changed.
func (m *Map[T]) Merge(remote map[string]State[T]) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed []string
	for key, state := range remote {
		reg, ok := m.data[key]
		if !ok {
			m.data[key] = NewRegister(m.peer, state)
			changed = append(changed, key)
			continue
		}
		before := reg.State()
		if reg.Merge(state) && !sameVersion(before, state) {
			changed = append(changed, key)
		}
	}
	return changed
}

// Ahead reports whether the map holds a version remote lacks: a key remote
// has never seen, or a write that supersedes remote's version of a key.
func (m *Map[T]) Ahead(remote map[string]State[T]) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key, reg := range m.data {
		theirs, ok := remote[key]
		if !ok || reg.State().Supersedes(theirs) {
			return true
		}
	}
	return false
}

// sameVersion compares version identity. A peer never reuses a counter, so
// (peer, counter) names one write.
func sameVersion[T any](a, b State[T]) bool {
	return a.Peer == b.Peer && a.Counter == b.Counter
}
