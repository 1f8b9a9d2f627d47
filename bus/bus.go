// Package bus provides the room-scoped publish/subscribe channel that
// awareness providers and relays exchange updates over.
//
// Delivery is best effort: messages may be dropped when a subscriber falls
// behind, and nothing is redelivered. The CRDTs on top tolerate loss and
// duplication.
package bus

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
	ErrInvalidRoom    = errors.New("invalid room name")
)

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// MessageBus provides fan-out publish/subscribe.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to a subject.
	// All subscribers receive all messages, including the publisher's own.
	Subscribe(subject string) (Subscription, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks if a subject is valid.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	return nil
}

// ValidateRoom checks that a room name can be embedded in a subject.
// Dots and wildcards would change the meaning of a NATS subject.
func ValidateRoom(room string) error {
	if room == "" || len(room) > 256 {
		return ErrInvalidRoom
	}
	if strings.ContainsAny(room, " \t\r\n.*>") {
		return ErrInvalidRoom
	}
	return nil
}

// RoomSubject joins a subject prefix and a room name: ("awareness", "lobby")
// gives "awareness.lobby".
func RoomSubject(prefix, room string) (string, error) {
	if err := ValidateRoom(room); err != nil {
		return "", err
	}
	if prefix == "" {
		return room, nil
	}
	return strings.TrimSuffix(prefix, ".") + "." + room, nil
}
