package awareness

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/vinayprograms/awarekit/bus"
	"github.com/vinayprograms/awarekit/logging"
)

// DefaultSubjectPrefix is prepended to room names to form bus subjects.
const DefaultSubjectPrefix = "awareness"

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	// Bus carries the room's updates.
	Bus bus.MessageBus

	// Room name. Must satisfy bus.ValidateRoom.
	Room string

	// SubjectPrefix for the room subject.
	// Default: "awareness"
	SubjectPrefix string

	// Logger for dropped updates. Default: silent.
	Logger *logging.Logger
}

// Provider connects a Store to a room on a message bus. Updates the store
// makes are published; updates received are applied with OriginRemote.
type Provider struct {
	store   *Store
	bus     bus.MessageBus
	room    string
	subject string
	logger  *logging.Logger

	mu           sync.Mutex
	sub          bus.Subscription
	cancelUpdate func()
	done         chan struct{}
	closeOnce    sync.Once
}

// NewProvider creates a provider for store. Call Start to go live.
func NewProvider(store *Store, cfg ProviderConfig) (*Provider, error) {
	if store == nil || cfg.Bus == nil {
		return nil, errors.New("provider: store and bus are required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	subject, err := bus.RoomSubject(prefix, cfg.Room)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Provider{
		store:   store,
		bus:     cfg.Bus,
		room:    cfg.Room,
		subject: subject,
		logger:  logger.WithComponent("provider").WithRoom(cfg.Room),
	}, nil
}

// Store returns the provider's store.
func (p *Provider) Store() *Store {
	return p.store
}

// Subject returns the bus subject of the room.
func (p *Provider) Subject() string {
	return p.subject
}

// Start subscribes to the room, announces the local state and starts the
// store heartbeat. Cancelling ctx destroys the store.
func (p *Provider) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.sub != nil {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	sub, err := p.bus.Subscribe(p.subject)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.sub = sub
	p.done = make(chan struct{})
	p.cancelUpdate = p.store.OnUpdate(p.onUpdate)
	p.mu.Unlock()

	go p.receive(ctx, sub)

	p.publish([]PeerID{p.store.ID()})
	if err := p.store.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyStarted) {
		return err
	}
	return nil
}

// onUpdate forwards store updates to the bus. Updates that came from the
// bus are not forwarded, except for the local peer, whose re-affirmation
// must reach the sender of the removal.
func (p *Provider) onUpdate(u Update) {
	peers := u.Peers()
	if u.Origin == OriginRemote {
		if !slices.Contains(peers, p.store.ID()) {
			return
		}
		peers = []PeerID{p.store.ID()}
	}
	p.publish(peers)
}

func (p *Provider) publish(peers []PeerID) {
	buf, err := EncodeUpdate(p.store, peers)
	if err != nil {
		p.logger.Error("encode update failed", logging.Fields{"error": err})
		return
	}
	if err := p.bus.Publish(p.subject, buf); err != nil {
		p.logger.Warn("publish failed", logging.Fields{"error": err, "bytes": len(buf)})
	}
}

// receive applies inbound updates until the subscription ends.
func (p *Provider) receive(ctx context.Context, sub bus.Subscription) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if err := ApplyUpdate(p.store, msg.Data, OriginRemote); err != nil {
				p.logger.UpdateDropped(p.subject, len(msg.Data), err)
			}
		}
	}
}

// Close destroys the store, which broadcasts the local peer going offline,
// then leaves the room. Calls after the first do nothing.
func (p *Provider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.store.Destroy()

		p.mu.Lock()
		sub, done, cancel := p.sub, p.done, p.cancelUpdate
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if sub != nil {
			err = sub.Unsubscribe()
			<-done
		}
	})
	return err
}

// OnShutdown implements shutdown.ShutdownHandler.
func (p *Provider) OnShutdown(ctx context.Context) error {
	return p.Close()
}
