package awareness

import (
	"encoding/binary"
	"errors"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/awarekit/logging"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("awareness heartbeat already started")
	ErrInvalidConfig  = errors.New("invalid awareness configuration")
	ErrDestroyed      = errors.New("awareness store destroyed")
)

// Update origins used by this package. Callers may pass any other string,
// such as a connection id.
const (
	OriginLocal   = "local"
	OriginRemote  = "remote"
	OriginTimeout = "timeout"
)

// PeerID identifies a peer. It travels as a varuint on the wire.
type PeerID uint64

// String returns the decimal form of the id.
func (p PeerID) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// peerIDMask keeps ids within the integer range JSON numbers hold exactly.
const peerIDMask = 1<<53 - 1

// NewPeerID returns a random non-zero id below 2^53.
func NewPeerID() PeerID {
	for {
		u := uuid.New()
		if id := binary.BigEndian.Uint64(u[8:]) & peerIDMask; id != 0 {
			return PeerID(id)
		}
	}
}

// State is one peer's application state: a JSON object. A nil State means
// the peer is offline.
type State map[string]any

// Meta is the bookkeeping kept for every peer ever seen.
type Meta struct {
	// Clock is the peer's logical clock. It only moves forward.
	Clock uint64

	// LastUpdated is when this store last accepted an entry for the peer.
	LastUpdated time.Time
}

// Entry is one peer's part of an encoded update.
type Entry struct {
	Peer  PeerID
	Clock uint64
	State State
}

// Change reports peers whose state changed in value.
type Change struct {
	Added   []PeerID
	Updated []PeerID
	Removed []PeerID
	Origin  string
}

// Update reports every peer touched by an operation, including renewals
// with an unchanged value.
type Update struct {
	Added   []PeerID
	Updated []PeerID
	Removed []PeerID
	Origin  string
}

// Peers returns Added, Updated and Removed as one list.
func (u Update) Peers() []PeerID {
	out := make([]PeerID, 0, len(u.Added)+len(u.Updated)+len(u.Removed))
	out = append(out, u.Added...)
	out = append(out, u.Updated...)
	return append(out, u.Removed...)
}

// Config configures a Store.
type Config struct {
	// PeerID of the local peer. Zero picks a random id.
	PeerID PeerID

	// Timeout after which a silent peer is evicted.
	// Default: 30s
	Timeout time.Duration

	// Now returns the current time. Default: time.Now
	Now func() time.Time

	// Logger for peer lifecycle events. Default: silent.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Now:     time.Now,
	}
}

// MinTimeout is the shortest accepted timeout.
const MinTimeout = 10 * time.Millisecond

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout != 0 && c.Timeout < MinTimeout {
		return ErrInvalidConfig
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PeerID == 0 {
		c.PeerID = NewPeerID()
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

// sortedPeers returns the keys of m in ascending order.
func sortedPeers[V any](m map[PeerID]V) []PeerID {
	return slices.Sorted(maps.Keys(m))
}

func sortedKeys[V any](m map[int]V) []int {
	return slices.Sorted(maps.Keys(m))
}
