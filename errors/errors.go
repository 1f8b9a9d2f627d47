package errors

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Coded is implemented by every structured error in awarekit.
type Coded interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of Coded.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	timestamp time.Time
	peer      string
	room      string
	offset    int // byte offset into a decoded buffer, -1 when unknown
}

var (
	_ Coded            = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	msg := e.message
	if e.offset >= 0 {
		msg = fmt.Sprintf("%s (at byte %d)", msg, e.offset)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable reports whether the category allows a retry.
func (e *Error) Retryable() bool {
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return make(map[string]string)
	}
	return maps.Clone(e.metadata)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Peer returns the peer the error concerns, if set.
func (e *Error) Peer() string {
	return e.peer
}

// Room returns the room the error concerns, if set.
func (e *Error) Room() string {
	return e.room
}

// Offset returns the byte offset of a decode failure, or -1.
func (e *Error) Offset() int {
	return e.offset
}

type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp string            `json:"timestamp,omitempty"`
	Peer      string            `json:"peer,omitempty"`
	Room      string            `json:"room,omitempty"`
	Offset    *int              `json:"offset,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:     e.code,
		Category: e.category,
		Message:  e.message,
		Metadata: e.metadata,
		Peer:     e.peer,
		Room:     e.room,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	if e.offset >= 0 {
		off := e.offset
		j.Offset = &off
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.peer = j.Peer
	e.room = j.Room
	e.offset = -1
	if j.Offset != nil {
		e.offset = *j.Offset
	}
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithPeer records the peer the error concerns.
func WithPeer(peer string) Option {
	return func(e *Error) {
		e.peer = peer
	}
}

// WithRoom records the room the error concerns.
func WithRoom(room string) Option {
	return func(e *Error) {
		e.room = room
	}
}

// WithOffset records the byte offset where decoding failed.
func WithOffset(offset int) Option {
	return func(e *Error) {
		e.offset = offset
	}
}

// WithTimestamp sets a custom timestamp.
func WithTimestamp(t time.Time) Option {
	return func(e *Error) {
		e.timestamp = t
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
		offset:    -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Malformed creates a decode error at the given byte offset.
func Malformed(code ErrorCode, message string, offset int, opts ...Option) *Error {
	opts = append([]Option{WithOffset(offset)}, opts...)
	return New(code, message, opts...)
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// Closed creates an error for use after shutdown.
func Closed(message string, opts ...Option) *Error {
	return New(ErrCodeClosed, message, opts...)
}

// Unavailable creates an unavailable error.
func Unavailable(message string, opts ...Option) *Error {
	return New(ErrCodeUnavailable, message, opts...)
}

// RateLimited creates a rate limit error.
func RateLimited(message string, opts ...Option) *Error {
	return New(ErrCodeRateLimit, message, opts...)
}
