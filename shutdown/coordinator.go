package shutdown

import (
	"cmp"
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/awarekit/errors"
	"github.com/vinayprograms/awarekit/logging"
)

// Coordinator runs registered handlers phase by phase.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu           sync.Mutex
	handlers     []registration
	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
	result       *ShutdownResult
	signalChan   chan os.Signal
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = DefaultConfig().DefaultPhase
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Coordinator{
		config:     config,
		logger:     logger.WithComponent("shutdown"),
		done:       make(chan struct{}),
		signalChan: make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler ShutdownHandler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler with a specific phase.
func (c *Coordinator) RegisterWithPhase(name string, handler ShutdownHandler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, registration{
		name:    name,
		handler: handler,
		phase:   phase,
	})
}

// RegisterFunc registers a function in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, ShutdownFunc(fn))
}

// Shutdown runs every handler once. Later calls wait for the first to finish
// and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	ran := false
	c.shutdownOnce.Do(func() {
		ran = true
		c.shutdownErr = c.doShutdown(ctx)
		close(c.done)
	})
	if !ran {
		<-c.done
	}
	return c.shutdownErr
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or by the default
// timeout when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts shutdown on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signalChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-c.signalChan:
			c.logger.Info("signal received", logging.Fields{"signal": sig.String()})
			_ = c.ShutdownWithTimeout(c.config.DefaultTimeout)
		case <-c.done:
		}
		signal.Stop(c.signalChan)
	}()
}

// Trigger behaves like receiving SIGTERM. Only effective after HandleSignals.
func (c *Coordinator) Trigger() {
	select {
	case c.signalChan <- syscall.SIGTERM:
	default:
	}
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns any error that occurred during shutdown.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.shutdownErr
	default:
		return nil
	}
}

// Result returns the detailed shutdown result, or nil before Done closes.
func (c *Coordinator) Result() *ShutdownResult {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

// doShutdown performs the actual shutdown sequence.
func (c *Coordinator) doShutdown(ctx context.Context) error {
	start := time.Now()

	c.mu.Lock()
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()

	slices.SortStableFunc(handlers, func(a, b registration) int {
		return cmp.Compare(a.phase, b.phase)
	})

	result := &ShutdownResult{
		Results: make([]HandlerResult, 0, len(handlers)),
	}
	finish := func(err error) error {
		result.Err = err
		result.TotalDuration = time.Since(start)
		c.result = result
		c.logger.Info("shutdown complete", logging.Fields{
			"handlers": len(result.Results),
			"failed":   len(result.FailedHandlers()),
			"duration": result.TotalDuration.Round(time.Millisecond).String(),
		})
		return err
	}

	var overallErr error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(ErrTimeout)
		}

		phaseResults := c.executePhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)

		for _, hr := range phaseResults {
			if hr.Err == nil {
				continue
			}
			overallErr = ErrHandlerFailed
			if !c.config.ContinueOnError {
				return finish(overallErr)
			}
		}
	}

	return finish(overallErr)
}

// executePhase runs all handlers in a phase concurrently.
func (c *Coordinator) executePhase(ctx context.Context, handlers []registration) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup

	for i, reg := range handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			err := runHandler(ctx, reg.handler)
			hr := HandlerResult{
				Name:     reg.name,
				Phase:    reg.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			results[i] = hr

			fields := logging.Fields{
				"handler":  hr.Name,
				"phase":    hr.Phase,
				"duration": hr.Duration.Round(time.Millisecond).String(),
			}
			if err != nil {
				fields["error"] = err
				c.logger.Error("handler failed", fields)
			} else {
				c.logger.Debug("handler done", fields)
			}

			if c.config.OnProgress != nil {
				c.config.OnProgress(hr)
			}
		}()
	}

	wg.Wait()
	return results
}

// runHandler calls h, turning a panic into an error.
func runHandler(ctx context.Context, h ShutdownHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return h.OnShutdown(ctx)
}

// groupByPhase splits handlers, already sorted by phase, into phase groups.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(handlers); {
		j := i + 1
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		groups = append(groups, handlers[i:j])
		i = j
	}
	return groups
}
