package ratelimit

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed        = errors.New("limiter closed")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Limiter caps how fast each key (a relay connection) may send frames.
type Limiter interface {
	// Allow takes one token for key and reports whether one was available.
	// Unknown keys get a bucket with the default capacity.
	Allow(key string) bool

	// GetCapacity returns the current bucket state of key, or nil.
	GetCapacity(key string) *Capacity

	// Forget drops the bucket of key.
	Forget(key string)

	// Close shuts down the limiter. Allow reports false afterwards.
	Close() error
}

// Capacity describes the bucket of one key.
type Capacity struct {
	// Key is the bucket identifier.
	Key string

	// Available is the current number of tokens.
	Available int

	// Total is the maximum number of tokens per window.
	Total int

	// Window is the refill period.
	Window time.Duration

	// Denied counts frames refused since the bucket was created.
	Denied int
}

// Config sets the default bucket for new keys.
type Config struct {
	// Capacity is the number of frames per window. Zero disables limiting.
	// Default: 60
	Capacity int

	// Window is the refill period.
	// Default: 1s
	Window time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity: 60,
		Window:   time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Capacity < 0 {
		return ErrInvalidConfig
	}
	if c.Capacity > 0 && c.Window <= 0 {
		return ErrInvalidConfig
	}
	return nil
}
