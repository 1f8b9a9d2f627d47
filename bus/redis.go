package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements MessageBus using Redis PUBLISH/SUBSCRIBE.
type RedisBus struct {
	client *redis.Client
	config RedisConfig
	owned  bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Config // Embed base config

	// Addr is the Redis server address (host:port).
	Addr string

	// Username and Password for ACL auth.
	Username string
	Password string

	// DB selects the logical database. Pub/sub ignores it but the
	// connection still selects it.
	DB int

	// DialTimeout for new connections.
	DialTimeout time.Duration

	// OpTimeout bounds each Publish/Subscribe call.
	OpTimeout time.Duration
}

// DefaultRedisConfig returns configuration with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Config:      DefaultConfig(),
		Addr:        "localhost:6379",
		DialTimeout: 5 * time.Second,
		OpTimeout:   3 * time.Second,
	}
}

// NewRedisBus connects to Redis and verifies the connection with PING.
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	cfg = redisDefaults(cfg)

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{client: client, config: cfg, owned: true}, nil
}

// NewRedisBusFromClient wraps an existing client. Close leaves it open.
func NewRedisBusFromClient(client *redis.Client, cfg RedisConfig) *RedisBus {
	return &RedisBus{client: client, config: redisDefaults(cfg)}
}

func redisDefaults(cfg RedisConfig) RedisConfig {
	def := DefaultRedisConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	return cfg
}

// Publish sends a message to a channel.
func (b *RedisBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.OpTimeout)
	defer cancel()

	if err := b.client.Publish(ctx, subject, data).Err(); err != nil {
		if err == redis.ErrClosed {
			return ErrClosed
		}
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe creates a subscription to a channel. It returns once Redis has
// confirmed the subscription.
func (b *RedisBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.OpTimeout)
	defer cancel()

	pubsub := b.client.Subscribe(ctx, subject)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		if err == redis.ErrClosed {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	s := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan *Message, b.config.BufferSize),
		done:   make(chan struct{}),
	}
	go s.forward()
	return s, nil
}

// Close closes the client if the bus owns it.
func (b *RedisBus) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client for advanced use.
func (b *RedisBus) Client() *redis.Client {
	return b.client
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan *Message
	done   chan struct{}
	once   sync.Once
}

// forward copies Redis messages into the subscription channel until the
// pubsub channel closes.
func (s *redisSubscription) forward() {
	defer close(s.ch)
	in := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- &Message{Subject: m.Channel, Data: []byte(m.Payload)}:
			default:
				// Buffer full
			}
		}
	}
}

// Messages returns the message channel.
func (s *redisSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
