package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/awarekit/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phases used by awarenessd. Lower phases stop first.
const (
	// PhaseListeners stops accepting connections.
	PhaseListeners = 10

	// PhaseRooms closes rooms and providers, which broadcast departures.
	PhaseRooms = 20

	// PhaseTransport closes the message bus.
	PhaseTransport = 30

	// PhaseTelemetry flushes spans last so teardown is traced.
	PhaseTelemetry = 40
)

// ShutdownHandler is implemented by components that need graceful shutdown.
type ShutdownHandler interface {
	// OnShutdown is called when shutdown is initiated.
	// The context will be cancelled when the timeout is reached.
	OnShutdown(ctx context.Context) error
}

// ShutdownFunc is a convenience type for simple shutdown functions.
type ShutdownFunc func(ctx context.Context) error

// OnShutdown implements ShutdownHandler.
func (f ShutdownFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// CloserFunc adapts a Close method to a ShutdownHandler.
func CloserFunc(close func() error) ShutdownHandler {
	return ShutdownFunc(func(context.Context) error { return close() })
}

// HandlerResult contains the result of a single handler's shutdown.
type HandlerResult struct {
	// Name of the handler.
	Name string

	// Phase the handler was registered with.
	Phase int

	// Duration how long the handler took to shut down.
	Duration time.Duration

	// Err is any error returned by the handler.
	Err error
}

// ShutdownResult contains the complete shutdown result.
type ShutdownResult struct {
	// TotalDuration of the entire shutdown process.
	TotalDuration time.Duration

	// Results for each handler.
	Results []HandlerResult

	// Err is the overall error (nil if all handlers succeeded).
	Err error
}

// Failed returns true if any handler failed.
func (r *ShutdownResult) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *ShutdownResult) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// DefaultTimeout bounds shutdowns started by a signal or by
	// ShutdownWithTimeout(0).
	// Default: 30 seconds
	DefaultTimeout time.Duration

	// DefaultPhase is assigned to handlers registered without a phase.
	// Default: 100
	DefaultPhase int

	// ContinueOnError determines whether later phases still run after a
	// handler fails.
	// Default: true
	ContinueOnError bool

	// Logger receives one line per handler. Default: silent.
	Logger *logging.Logger

	// OnProgress is called when each handler completes.
	OnProgress func(result HandlerResult)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DefaultTimeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		DefaultPhase:    100,
		ContinueOnError: true,
	}
}

// registration holds a registered handler with its metadata.
type registration struct {
	name    string
	handler ShutdownHandler
	phase   int
}
