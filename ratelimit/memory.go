package ratelimit

import (
	"sync"
	"time"
)

// bucket implements a token bucket.
type bucket struct {
	capacity   int           // maximum tokens
	available  int           // current tokens
	window     time.Duration // refill window
	lastRefill time.Time     // last refill time
	denied     int           // refused takes
}

// refill adds tokens based on elapsed time since last refill.
// Returns true if tokens were added.
func (b *bucket) refill(now time.Time) bool {
	if b.window == 0 || b.capacity == 0 {
		return false
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return false
	}

	// rate = capacity / window
	tokensToAdd := int(float64(b.capacity) * float64(elapsed) / float64(b.window))
	if tokensToAdd > 0 {
		b.available += tokensToAdd
		if b.available > b.capacity {
			b.available = b.capacity
		}
		b.lastRefill = now
		return true
	}
	return false
}

// MemoryLimiter keeps one token bucket per key in process memory.
// It is safe for concurrent use.
type MemoryLimiter struct {
	config Config

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	nowFunc func() time.Time // for testing
}

// NewMemoryLimiter creates a limiter whose new keys start with cfg's bucket.
func NewMemoryLimiter(cfg Config) (*MemoryLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MemoryLimiter{
		config:  cfg,
		buckets: make(map[string]*bucket),
		nowFunc: time.Now,
	}, nil
}

// Enabled reports whether new keys are limited at all.
func (m *MemoryLimiter) Enabled() bool {
	return m.config.Capacity > 0
}

func (m *MemoryLimiter) newBucket(capacity int, window time.Duration) *bucket {
	return &bucket{
		capacity:   capacity,
		available:  capacity, // start full
		window:     window,
		lastRefill: m.nowFunc(),
	}
}

// GetCapacity returns the current bucket state of key.
func (m *MemoryLimiter) GetCapacity(key string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.buckets[key]
	if !exists {
		return nil
	}

	b.refill(m.nowFunc())

	return &Capacity{
		Key:       key,
		Available: b.available,
		Total:     b.capacity,
		Window:    b.window,
		Denied:    b.denied,
	}
}

// Allow takes a token for key without blocking.
func (m *MemoryLimiter) Allow(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	b, exists := m.buckets[key]
	if !exists {
		if m.config.Capacity <= 0 {
			return true
		}
		b = m.newBucket(m.config.Capacity, m.config.Window)
		m.buckets[key] = b
	}

	b.refill(m.nowFunc())

	if b.available > 0 {
		b.available--
		return true
	}
	b.denied++
	return false
}

// Forget drops the bucket of key.
func (m *MemoryLimiter) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, key)
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close shuts down the limiter.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.buckets = make(map[string]*bucket)
	return nil
}

// Ensure MemoryLimiter implements Limiter.
var _ Limiter = (*MemoryLimiter)(nil)
