package awareness

import (
	"context"
	"time"
)

// Interval returns the heartbeat period: a tenth of the timeout.
func (s *Store) Interval() time.Duration {
	return s.timeout / 10
}

// Check runs one heartbeat tick. It renews the local entry once half the
// timeout has passed since the last local update, and evicts every other
// online peer not heard from within the timeout.
func (s *Store) Check() {
	now := s.now()

	s.mu.Lock()
	self := s.meta[s.id]
	_, online := s.states[s.id]
	renew := online && s.timeout/2 <= now.Sub(self.LastUpdated)
	s.mu.Unlock()

	if renew {
		s.setLocal(func(prev State) (State, bool) { return prev, prev != nil })
	}
	s.evictStale(now)
}

// evictStale takes offline every other peer not heard from within the
// timeout of now. Selection and removal happen under one lock so an update
// arriving in between is never discarded.
func (s *Store) evictStale(now time.Time) {
	s.mu.Lock()
	var ev events
	idle := make(map[PeerID]time.Duration)
	for _, peer := range sortedPeers(s.states) {
		if peer == s.id {
			continue
		}
		if age := now.Sub(s.meta[peer].LastUpdated); s.timeout <= age {
			delete(s.states, peer)
			ev.removed = append(ev.removed, peer)
			idle[peer] = age
		}
	}
	s.mu.Unlock()

	for _, peer := range ev.removed {
		s.logger.PeerEvicted(uint64(peer), idle[peer])
	}
	s.emit(ev, OriginTimeout)
}

// Start runs Check every Interval until Destroy is called or ctx is done.
// Cancelling ctx destroys the store.
func (s *Store) Start(ctx context.Context) error {
	if s.destroyed.Load() {
		return ErrDestroyed
	}
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	go s.run(ctx)
	return nil
}

// run is the heartbeat loop.
func (s *Store) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Destroy()
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Check()
		}
	}
}

// Destroy stops the heartbeat and takes the local peer offline, which emits
// the removal for providers to broadcast. Calls after the first do nothing.
func (s *Store) Destroy() {
	s.destroyOnce.Do(func() {
		s.destroyed.Store(true)
		close(s.stopCh)
		s.SetLocalState(nil)
	})
}

// Destroyed reports whether Destroy has run.
func (s *Store) Destroyed() bool {
	return s.destroyed.Load()
}

// Wait blocks until the heartbeat loop has exited. It returns immediately if
// Start was never called.
func (s *Store) Wait() {
	if s.running.Load() {
		<-s.doneCh
	}
}
