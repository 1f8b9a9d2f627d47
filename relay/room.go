package relay

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/vinayprograms/awarekit/awareness"
	"github.com/vinayprograms/awarekit/bus"
	awerrors "github.com/vinayprograms/awarekit/errors"
	"github.com/vinayprograms/awarekit/logging"
	"github.com/vinayprograms/awarekit/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// Origins used by the relay besides connection ids.
const (
	OriginBus        = "bus"
	OriginDisconnect = "disconnect"
)

// room is one awareness room served by this node.
type room struct {
	name    string
	subject string
	srv     *Server
	store   *awareness.Store
	logger  *logging.Logger

	mu    sync.RWMutex
	conns map[string]*conn

	sub          bus.Subscription
	cancelUpdate func()
	cancel       context.CancelFunc
	done         chan struct{}
	stopped      chan struct{}
	closeOnce    sync.Once
}

// newRoom creates the room store, subscribes to the room subject and starts
// the heartbeat.
func newRoom(s *Server, name string) (*room, error) {
	subject, err := bus.RoomSubject(s.cfg.SubjectPrefix+".relay", name)
	if err != nil {
		return nil, err
	}

	store, err := awareness.NewStore(awareness.Config{
		Timeout: s.cfg.Timeout,
		Logger:  s.logger.WithComponent("awareness").WithRoom(name),
	})
	if err != nil {
		return nil, err
	}
	// The relay only tracks its clients.
	store.SetLocalState(nil)

	r := &room{
		name:    name,
		subject: subject,
		srv:     s,
		store:   store,
		logger:  s.logger.WithRoom(name),
		conns:   make(map[string]*conn),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	r.cancelUpdate = store.OnUpdate(r.onUpdate)

	sub, err := s.bus.Subscribe(subject)
	if err != nil {
		r.cancelUpdate()
		store.Destroy()
		return nil, err
	}
	r.sub = sub

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if err := store.Start(ctx); err != nil {
		cancel()
		r.cancelUpdate()
		_ = sub.Unsubscribe()
		return nil, err
	}

	go r.receive(sub)
	return r, nil
}

// add registers c and sends it the current room state.
func (r *room) add(c *conn) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()

	peers := r.store.Peers()
	if len(peers) == 0 {
		return
	}
	buf, err := awareness.EncodeUpdate(r.store, peers)
	if err != nil {
		r.logger.Error("encode room state", logging.Fields{"error": err})
		return
	}
	c.enqueue(buf)
}

// remove unregisters c. It reports how many connections remain.
func (r *room) remove(c *conn) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c.id)
	return len(r.conns)
}

// size returns the number of local connections.
func (r *room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// lookup finds a connection by id.
func (r *room) lookup(id string) *conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// handleFrame applies one client frame.
func (r *room) handleFrame(ctx context.Context, c *conn, data []byte) {
	s := r.srv
	_, span := s.tracer.StartFrameSpan(ctx, r.name)
	opts := telemetry.FrameSpanOptions{
		Room:   r.name,
		Conn:   c.id,
		Source: sourceWS,
		Bytes:  len(data),
	}

	if !s.limiter.Allow(c.id) {
		opts.Outcome = telemetry.OutcomeThrottled
		s.metrics.Frames.WithLabelValues(sourceWS, opts.Outcome).Inc()
		err := r.throttled(c)
		s.tracer.EndFrameSpan(span, opts, err)
		r.logger.Debug("frame throttled", logging.Fields{"conn": c.id, "error": err})
		return
	}

	if len(s.cfg.Redact) > 0 {
		redacted, err := awareness.ModifyUpdate(data, r.redact)
		if err != nil {
			r.dropFrame(span, opts, err)
			return
		}
		data = redacted
	}

	entries, err := awareness.DecodeUpdate(data)
	if err != nil {
		r.dropFrame(span, opts, err)
		return
	}

	opts.Entries = len(entries)
	opts.Outcome = telemetry.OutcomeAccepted
	if s.tracer.Debug() {
		for _, e := range entries {
			opts.Peers = append(opts.Peers, e.Peer.String())
		}
	}
	s.metrics.Frames.WithLabelValues(sourceWS, opts.Outcome).Inc()
	r.store.ApplyUpdate(entries, c.id)
	s.tracer.EndFrameSpan(span, opts, nil)
}

// throttled describes a frame refused by the limiter, with the bucket of c
// when the limiter tracks one.
func (r *room) throttled(c *conn) error {
	opts := []awerrors.Option{
		awerrors.WithRoom(r.name),
		awerrors.WithMetadata("conn", c.id),
	}
	if budget := r.srv.limiter.GetCapacity(c.id); budget != nil {
		opts = append(opts,
			awerrors.WithMetadata("budget", strconv.Itoa(budget.Total)),
			awerrors.WithMetadata("window", budget.Window.String()),
			awerrors.WithMetadata("denied", strconv.Itoa(budget.Denied)),
		)
	}
	return awerrors.RateLimited("frame budget exhausted", opts...)
}

// dropFrame records a malformed frame. The connection stays open.
func (r *room) dropFrame(span trace.Span, opts telemetry.FrameSpanOptions, err error) {
	opts.Outcome = telemetry.OutcomeMalformed
	r.srv.metrics.Frames.WithLabelValues(opts.Source, opts.Outcome).Inc()
	r.srv.tracer.EndFrameSpan(span, opts, err)
	r.logger.UpdateDropped(opts.Source, opts.Bytes, err)
}

// redact removes the configured fields from a state.
func (r *room) redact(state awareness.State) awareness.State {
	if state == nil {
		return nil
	}
	for _, field := range r.srv.cfg.Redact {
		delete(state, field)
	}
	return state
}

// onUpdate fans a store update out to local connections and, unless it
// came from the bus, to the other relay nodes.
func (r *room) onUpdate(u awareness.Update) {
	s := r.srv
	from := r.lookup(u.Origin)
	if from != nil {
		from.track(u)
	}
	switch u.Origin {
	case awareness.OriginTimeout:
		s.metrics.Evictions.Add(float64(len(u.Removed)))
	case OriginDisconnect:
		s.metrics.Disconnects.Add(float64(len(u.Removed)))
	}

	peers := u.Peers()
	// The room's own entry is never relayed.
	peers = without(peers, r.store.ID())
	if len(peers) == 0 {
		return
	}

	_, span := s.tracer.StartBroadcastSpan(context.Background(), r.name)
	buf, err := awareness.EncodeUpdate(r.store, peers)
	if err != nil {
		s.tracer.EndBroadcastSpan(span, u.Origin, 0, err)
		r.logger.Error("encode update", logging.Fields{"origin": u.Origin, "error": err})
		return
	}

	r.mu.RLock()
	targets := make([]*conn, 0, len(r.conns))
	for id, c := range r.conns {
		if id != u.Origin {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.enqueue(buf) {
			sent++
		}
	}

	if u.Origin != OriginBus {
		if perr := s.bus.Publish(r.subject, encodeEnvelope(s.nodeID, buf)); perr != nil {
			err = awerrors.Unavailable("bus publish failed",
				awerrors.WithRoom(r.name), awerrors.WithMetadata("subject", r.subject), awerrors.WithCause(perr))
			r.logger.Warn("bus publish failed", logging.Fields{"origin": u.Origin, "error": perr})
		}
	}
	s.tracer.EndBroadcastSpan(span, u.Origin, sent, err)
}

// receive applies envelopes from other relay nodes.
func (r *room) receive(sub bus.Subscription) {
	defer close(r.done)
	s := r.srv

	for msg := range sub.Messages() {
		node, update, err := decodeEnvelope(msg.Data)
		if err == nil && node == s.nodeID {
			continue
		}

		_, span := s.tracer.StartFrameSpan(context.Background(), r.name)
		opts := telemetry.FrameSpanOptions{
			Room:   r.name,
			Source: sourceBus,
			Bytes:  len(msg.Data),
		}
		if err != nil {
			r.dropFrame(span, opts, err)
			continue
		}

		entries, err := awareness.DecodeUpdate(update)
		if err != nil {
			r.dropFrame(span, opts, err)
			continue
		}
		opts.Entries = len(entries)
		opts.Outcome = telemetry.OutcomeAccepted
		s.metrics.Frames.WithLabelValues(sourceBus, opts.Outcome).Inc()
		r.store.ApplyUpdate(entries, OriginBus)
		s.tracer.EndFrameSpan(span, opts, nil)
	}
}

// release removes the peers c announced and broadcasts their removal.
func (r *room) release(c *conn) int {
	peers := c.controlledPeers()
	if len(peers) > 0 {
		r.store.RemoveStates(peers, OriginDisconnect)
	}
	return len(peers)
}

// snapshot lists the online peers.
func (r *room) snapshot() []PeerInfo {
	states := r.store.States()
	peers := make([]PeerInfo, 0, len(states))
	for _, peer := range r.store.Peers() {
		meta, _ := r.store.Meta(peer)
		peers = append(peers, PeerInfo{
			ID:          peer,
			Clock:       meta.Clock,
			LastUpdated: meta.LastUpdated,
			State:       states[peer],
		})
	}
	return peers
}

// close stops the heartbeat and leaves the bus without broadcasting.
func (r *room) close() {
	r.closeOnce.Do(func() {
		close(r.stopped)
		r.cancelUpdate()
		r.cancel()
		r.store.Wait()
		if err := r.sub.Unsubscribe(); err != nil {
			r.logger.Warn("unsubscribe failed", logging.Fields{"error": err})
		}
		select {
		case <-r.done:
		case <-time.After(time.Second):
			r.logger.Warn("receive loop did not stop")
		}
	})
}

// PeerInfo is one entry of a room snapshot.
type PeerInfo struct {
	ID          awareness.PeerID `json:"id"`
	Clock       uint64           `json:"clock"`
	LastUpdated time.Time        `json:"last_updated"`
	State       awareness.State  `json:"state"`
}

// RoomSnapshot is the body of GET /rooms/{room}/peers.
type RoomSnapshot struct {
	Room  string     `json:"room"`
	Node  string     `json:"node"`
	Conns int        `json:"connections"`
	Peers []PeerInfo `json:"peers"`
}

func without(peers []awareness.PeerID, skip awareness.PeerID) []awareness.PeerID {
	out := peers[:0:0]
	for _, p := range peers {
		if p != skip {
			out = append(out, p)
		}
	}
	return out
}
