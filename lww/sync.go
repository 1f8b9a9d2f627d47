package lww

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/vinayprograms/awarekit/bus"
	"github.com/vinayprograms/awarekit/logging"
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("sync already started")

// SyncConfig configures a Sync.
type SyncConfig struct {
	// Bus carries the replicated state.
	Bus bus.MessageBus

	// Subject all replicas of the map share.
	Subject string

	// Logger for dropped payloads. Defaults to a silent logger.
	Logger *logging.Logger
}

// envelope is the payload exchanged between replicas.
type envelope[T any] struct {
	Peer  string              `json:"peer"`
	State map[string]State[T] `json:"state"`
}

// Sync replicates a Map over a bus subject by exchanging the full native
// state. Every local write publishes the whole map; inbound states merge.
type Sync[T any] struct {
	m      *Map[T]
	bus    bus.MessageBus
	subj   string
	logger *logging.Logger

	mu       sync.Mutex
	sub      bus.Subscription
	handlers map[int]func([]string)
	nextID   int
	done     chan struct{}
}

// NewSync wires m to the subject in cfg. Call Start to begin receiving.
func NewSync[T any](m *Map[T], cfg SyncConfig) (*Sync[T], error) {
	if cfg.Bus == nil {
		return nil, errors.New("sync: bus is required")
	}
	if err := bus.ValidateSubject(cfg.Subject); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Sync[T]{
		m:        m,
		bus:      cfg.Bus,
		subj:     cfg.Subject,
		logger:   logger.WithComponent("lww-sync"),
		handlers: make(map[int]func([]string)),
	}, nil
}

// Map returns the replicated map.
func (s *Sync[T]) Map() *Map[T] {
	return s.m
}

// Start subscribes and publishes the current state so existing replicas
// learn about this one. The receive loop stops on Stop or ctx cancellation;
// a nil ctx means Stop alone ends it.
func (s *Sync[T]) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	sub, err := s.bus.Subscribe(s.subj)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.sub = sub
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.receive(ctx, sub)
	return s.Publish()
}

func (s *Sync[T]) receive(ctx context.Context, sub bus.Subscription) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			s.handle(msg.Data)
		}
	}
}

func (s *Sync[T]) handle(data []byte) {
	var env envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.UpdateDropped(s.subj, len(data), err)
		return
	}
	if env.Peer == s.m.Peer() {
		return
	}
	if changed := s.m.Merge(env.State); len(changed) > 0 {
		s.notify(changed)
	}
	// A replica that joined late, or missed writes, announced less than we
	// hold. Answer with the full state so it converges without waiting for
	// the next local write.
	if s.m.Ahead(env.State) {
		if err := s.Publish(); err != nil {
			s.logger.Warn("republish failed", logging.Fields{"subject": s.subj, "error": err})
		}
	}
}

// Set writes locally and publishes.
func (s *Sync[T]) Set(key string, value T) error {
	s.m.Set(key, value)
	s.notify([]string{key})
	return s.Publish()
}

// Delete tombstones locally and publishes.
func (s *Sync[T]) Delete(key string) error {
	if !s.m.Has(key) {
		return nil
	}
	s.m.Delete(key)
	s.notify([]string{key})
	return s.Publish()
}

// Publish sends the full state of the map.
func (s *Sync[T]) Publish() error {
	data, err := json.Marshal(envelope[T]{Peer: s.m.Peer(), State: s.m.State()})
	if err != nil {
		return err
	}
	return s.bus.Publish(s.subj, data)
}

// OnChange registers fn to receive the keys changed by each local write or
// remote merge. The returned func removes it.
func (s *Sync[T]) OnChange(fn func(keys []string)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

func (s *Sync[T]) notify(keys []string) {
	s.mu.Lock()
	fns := make([]func([]string), 0, len(s.handlers))
	for _, fn := range s.handlers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(keys)
	}
}

// Stop unsubscribes and waits for the receive loop to exit.
func (s *Sync[T]) Stop() error {
	s.mu.Lock()
	sub, done := s.sub, s.done
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Unsubscribe()
	<-done
	return err
}
