package awareness

import (
	"bytes"
	"encoding/json"
	"maps"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/awarekit/logging"
)

// Store holds the awareness state of every known peer from the point of view
// of one local peer. It is safe for concurrent use. Event handlers run on the
// calling goroutine after the store lock is released.
type Store struct {
	id      PeerID
	timeout time.Duration
	now     func() time.Time
	logger  *logging.Logger

	mu     sync.Mutex
	states map[PeerID]State
	meta   map[PeerID]Meta

	hmu            sync.Mutex
	changeHandlers map[int]func(Change)
	updateHandlers map[int]func(Update)
	nextHandler    int

	running     atomic.Bool
	destroyed   atomic.Bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	destroyOnce sync.Once
}

// NewStore creates a store whose local peer starts online with an empty
// state at clock 0.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	s := &Store{
		id:             cfg.PeerID,
		timeout:        cfg.Timeout,
		now:            cfg.Now,
		logger:         cfg.Logger.WithComponent("awareness"),
		states:         make(map[PeerID]State),
		meta:           make(map[PeerID]Meta),
		changeHandlers: make(map[int]func(Change)),
		updateHandlers: make(map[int]func(Update)),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	s.states[s.id] = State{}
	s.meta[s.id] = Meta{Clock: 0, LastUpdated: s.now()}
	return s, nil
}

// ID returns the local peer id.
func (s *Store) ID() PeerID {
	return s.id
}

// Timeout returns the eviction timeout.
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

// LocalState returns a copy of the local state, or nil when offline.
func (s *Store) LocalState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.states[s.id])
}

// State returns a copy of a peer's state, or nil when offline or unknown.
func (s *Store) State(peer PeerID) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.states[peer])
}

// States returns a copy of the state of every online peer.
func (s *Store) States() map[PeerID]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[PeerID]State, len(s.states))
	for peer, st := range s.states {
		out[peer] = maps.Clone(st)
	}
	return out
}

// Meta returns the clock and last update time of a peer. ok is false for a
// peer this store has never accepted an entry for.
func (s *Store) Meta(peer PeerID) (meta Meta, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok = s.meta[peer]
	return meta, ok
}

// Peers returns the online peers in ascending order.
func (s *Store) Peers() []PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedPeers(s.states)
}

// KnownPeers returns every peer with meta, online or not, in ascending order.
func (s *Store) KnownPeers() []PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedPeers(s.meta)
}

// SetLocalState replaces the local state and bumps the local clock. A nil
// state takes the local peer offline.
func (s *Store) SetLocalState(state State) {
	s.setLocal(func(State) (State, bool) { return state, true })
}

// SetLocalStateField sets one field of the local state. It does nothing
// while the local peer is offline.
func (s *Store) SetLocalStateField(field string, value any) {
	s.setLocal(func(prev State) (State, bool) {
		if prev == nil {
			return nil, false
		}
		next := maps.Clone(prev)
		next[field] = value
		return next, true
	})
}

// setLocal applies next to the local state under the store lock. next sees
// the current state and reports whether to write.
func (s *Store) setLocal(next func(prev State) (State, bool)) {
	s.mu.Lock()
	prev := s.states[s.id]
	state, ok := next(prev)
	if !ok {
		s.mu.Unlock()
		return
	}
	state = maps.Clone(state)

	clock := s.meta[s.id].Clock + 1
	if state == nil {
		delete(s.states, s.id)
	} else {
		s.states[s.id] = state
	}
	s.meta[s.id] = Meta{Clock: clock, LastUpdated: s.now()}

	var ev events
	switch {
	case state == nil:
		ev.removed = append(ev.removed, s.id)
	case prev == nil:
		ev.added = append(ev.added, s.id)
	default:
		ev.updated = append(ev.updated, s.id)
		if !equalState(prev, state) {
			ev.filtered = append(ev.filtered, s.id)
		}
	}
	s.mu.Unlock()

	s.emit(ev, OriginLocal)
}

// RemoveStates takes the listed online peers offline. The local peer is
// never removed this way; its clock and timestamp are renewed instead and it
// is reported in Update.Updated so the renewal gets broadcast. Its state did
// not change, so OnChange handlers see nothing for it.
func (s *Store) RemoveStates(peers []PeerID, origin string) {
	s.mu.Lock()
	var ev events
	for _, peer := range peers {
		if _, online := s.states[peer]; !online {
			continue
		}
		if peer == s.id {
			m := s.meta[peer]
			s.meta[peer] = Meta{Clock: m.Clock + 1, LastUpdated: s.now()}
			ev.updated = append(ev.updated, peer)
			continue
		}
		delete(s.states, peer)
		ev.removed = append(ev.removed, peer)
	}
	s.mu.Unlock()

	for _, peer := range ev.removed {
		s.logger.PeerLeft(uint64(peer), origin)
	}
	s.emit(ev, origin)
}

// ApplyUpdate merges decoded entries. An entry is accepted when its clock is
// newer than the one held for the peer, or when it has the same clock, a nil
// state and the peer is online. Rejected entries are ignored.
//
// A nil state for the local peer while it is online is not applied: the
// local clock moves past it and the local peer is reported as updated, so
// forwarding the update re-affirms its presence. The re-affirmation appears
// only in Update.Updated; no Change fires for it, so OnChange handlers never
// see the local peer removed.
func (s *Store) ApplyUpdate(entries []Entry, origin string) {
	now := s.now()

	s.mu.Lock()
	var ev events
	for _, e := range entries {
		prevMeta, known := s.meta[e.Peer]
		prevState, online := s.states[e.Peer]
		clock := e.Clock
		if !(prevMeta.Clock < clock || (prevMeta.Clock == clock && e.State == nil && online)) {
			continue
		}

		reaffirm := false
		if e.State == nil {
			if e.Peer == s.id && s.states[s.id] != nil {
				clock++
				reaffirm = true
			} else {
				delete(s.states, e.Peer)
			}
		} else {
			s.states[e.Peer] = maps.Clone(e.State)
		}
		s.meta[e.Peer] = Meta{Clock: clock, LastUpdated: now}

		switch {
		case reaffirm:
			ev.updated = append(ev.updated, e.Peer)
		case !known && e.State != nil:
			ev.added = append(ev.added, e.Peer)
			s.logger.PeerJoined(uint64(e.Peer), clock, origin)
		case known && e.State == nil:
			ev.removed = append(ev.removed, e.Peer)
			if online {
				s.logger.PeerLeft(uint64(e.Peer), origin)
			}
		case e.State != nil:
			ev.updated = append(ev.updated, e.Peer)
			if !equalState(prevState, e.State) {
				ev.filtered = append(ev.filtered, e.Peer)
			}
		}
	}
	s.mu.Unlock()

	s.emit(ev, origin)
}

// OnChange registers fn for Change events. The returned func removes it.
func (s *Store) OnChange(fn func(Change)) (cancel func()) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	id := s.nextHandler
	s.nextHandler++
	s.changeHandlers[id] = fn
	return func() {
		s.hmu.Lock()
		delete(s.changeHandlers, id)
		s.hmu.Unlock()
	}
}

// OnUpdate registers fn for Update events. The returned func removes it.
func (s *Store) OnUpdate(fn func(Update)) (cancel func()) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	id := s.nextHandler
	s.nextHandler++
	s.updateHandlers[id] = fn
	return func() {
		s.hmu.Lock()
		delete(s.updateHandlers, id)
		s.hmu.Unlock()
	}
}

// events collects the peers touched by one operation.
type events struct {
	added    []PeerID
	updated  []PeerID
	filtered []PeerID
	removed  []PeerID
}

// emit fires Change then Update. Handlers run in registration order.
func (s *Store) emit(ev events, origin string) {
	fireChange := len(ev.added) > 0 || len(ev.filtered) > 0 || len(ev.removed) > 0
	fireUpdate := len(ev.added) > 0 || len(ev.updated) > 0 || len(ev.removed) > 0
	if !fireChange && !fireUpdate {
		return
	}

	s.hmu.Lock()
	var changeFns []func(Change)
	var updateFns []func(Update)
	if fireChange {
		for _, id := range sortedKeys(s.changeHandlers) {
			changeFns = append(changeFns, s.changeHandlers[id])
		}
	}
	if fireUpdate {
		for _, id := range sortedKeys(s.updateHandlers) {
			updateFns = append(updateFns, s.updateHandlers[id])
		}
	}
	s.hmu.Unlock()

	if len(changeFns) > 0 {
		c := Change{Added: ev.added, Updated: ev.filtered, Removed: ev.removed, Origin: origin}
		for _, fn := range changeFns {
			fn(c)
		}
	}
	if len(updateFns) > 0 {
		u := Update{Added: ev.added, Updated: ev.updated, Removed: ev.removed, Origin: origin}
		for _, fn := range updateFns {
			fn(u)
		}
	}
}

// equalState compares two states structurally. Values are compared by their
// JSON encoding so 1 and 1.0 match, as they would after a round trip.
func equalState(a, b State) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
