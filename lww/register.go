package lww

import "sync"

// State is one version of a register.
type State[T any] struct {
	// Peer identifies the writer whose counter produced this version.
	Peer string `json:"peer"`

	// Counter strictly increases on every local write.
	Counter uint64 `json:"counter"`

	// Value is the written value. Zero when Deleted.
	Value T `json:"value"`

	// Deleted marks a tombstone.
	Deleted bool `json:"deleted,omitempty"`
}

// Supersedes reports whether s wins over other. Counters compare first; on a
// tie the lexicographically greater peer wins. A version never supersedes
// itself.
func (s State[T]) Supersedes(other State[T]) bool {
	if s.Counter != other.Counter {
		return s.Counter > other.Counter
	}
	return s.Peer > other.Peer
}

// Register is a single last-writer-wins value owned by one local peer.
type Register[T any] struct {
	peer string

	mu    sync.RWMutex
	state State[T]
}

// NewRegister creates a register for the local peer starting at initial.
func NewRegister[T any](peer string, initial State[T]) *Register[T] {
	return &Register[T]{
		peer:  peer,
		state: initial,
	}
}

// Peer returns the local peer id.
func (r *Register[T]) Peer() string {
	return r.peer
}

// Value returns the current value; ok is false for a tombstone.
func (r *Register[T]) Value() (value T, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state.Deleted {
		return value, false
	}
	return r.state.Value, true
}

// State returns the current version.
func (r *Register[T]) State() State[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Set writes value as a new local version.
func (r *Register[T]) Set(value T) {
	r.write(value, false)
}

// Delete writes a tombstone as a new local version.
func (r *Register[T]) Delete() {
	var zero T
	r.write(zero, true)
}

func (r *Register[T]) write(value T, deleted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = State[T]{
		Peer:    r.peer,
		Counter: r.state.Counter + 1,
		Value:   value,
		Deleted: deleted,
	}
}

// Merge adopts remote if it wins over the local version and reports whether
// it did. An identical version is adopted as well, which changes nothing.
func (r *Register[T]) Merge(remote State[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Supersedes(remote) {
		return false
	}
	r.state = remote
	return true
}
