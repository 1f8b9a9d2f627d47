// Command awarenessd relays awareness updates between websocket clients.
//
// Clients join a room at ws://host/rooms/{room} and exchange binary
// awareness updates. Several awarenessd nodes pointed at the same NATS or
// Redis server share their rooms.
//
// Configuration comes from awarenessd.toml (see -config) and AWARENESSD_*
// environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vinayprograms/awarekit/bus"
	"github.com/vinayprograms/awarekit/config"
	"github.com/vinayprograms/awarekit/logging"
	"github.com/vinayprograms/awarekit/ratelimit"
	"github.com/vinayprograms/awarekit/relay"
	"github.com/vinayprograms/awarekit/shutdown"
	"github.com/vinayprograms/awarekit/telemetry"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "awarenessd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to awarenessd.toml")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, path, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := logging.New()
	logger.SetLevel(cfg.LogLevel())
	log := logger.WithComponent("awarenessd")
	if path != "" {
		log.Info("config loaded", logging.Fields{"path": path})
	}

	coord := shutdown.NewCoordinator(shutdown.Config{
		DefaultTimeout:  15 * time.Second,
		ContinueOnError: true,
		Logger:          logger.WithComponent("shutdown"),
	})

	var opts []relay.ServerOption
	opts = append(opts, relay.WithLogger(logger))

	if cfg.Telemetry.Endpoint != "" {
		tp, err := telemetry.InitProvider(context.Background(), telemetry.ProviderConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Protocol:       cfg.Telemetry.Protocol,
			Insecure:       cfg.Telemetry.Insecure,
			Debug:          cfg.Telemetry.Debug,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		coord.RegisterWithPhase("telemetry", tp, shutdown.PhaseTelemetry)
		opts = append(opts, relay.WithTracer(tp.Tracer()))
	}

	b, err := openBus(cfg.Bus)
	if err != nil {
		coord.ShutdownWithTimeout(0)
		return fmt.Errorf("bus: %w", err)
	}
	coord.RegisterWithPhase("bus", shutdown.CloserFunc(b.Close), shutdown.PhaseTransport)
	log.Info("bus connected", logging.Fields{"backend": cfg.Bus.Backend})

	limiter, err := ratelimit.NewMemoryLimiter(ratelimit.Config{
		Capacity: cfg.RateLimit.Frames,
		Window:   cfg.RateLimit.Window,
	})
	if err != nil {
		coord.ShutdownWithTimeout(0)
		return fmt.Errorf("ratelimit: %w", err)
	}
	coord.RegisterWithPhase("ratelimit", shutdown.CloserFunc(limiter.Close), shutdown.PhaseTransport)
	if limiter.Enabled() {
		opts = append(opts, relay.WithLimiter(limiter))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts = append(opts, relay.WithRegistry(reg))

	srv, err := relay.New(relay.Config{
		NodeID:         cfg.Server.NodeID,
		SubjectPrefix:  cfg.Awareness.SubjectPrefix,
		Timeout:        cfg.Awareness.Timeout,
		PingInterval:   cfg.Server.PingInterval,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxFrameBytes:  cfg.Server.MaxFrameBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Redact:         cfg.Awareness.Redact,
		MetricsPath:    cfg.Server.MetricsPath,
	}, b, opts...)
	if err != nil {
		coord.ShutdownWithTimeout(0)
		return err
	}
	coord.RegisterWithPhase("relay", srv, shutdown.PhaseRooms)

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		coord.ShutdownWithTimeout(0)
		return err
	}
	httpServer := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer.RegisterOnShutdown(srv.Drain)
	coord.RegisterWithPhase("http", shutdown.ShutdownFunc(httpServer.Shutdown), shutdown.PhaseListeners)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()
	log.Info("listening", logging.Fields{
		"addr":    ln.Addr().String(),
		"node":    srv.NodeID(),
		"version": version,
	})

	coord.HandleSignals()

	select {
	case <-coord.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("serve failed", logging.Fields{"error": err})
			coord.ShutdownWithTimeout(0)
			return err
		}
		<-coord.Done()
	}

	if res := coord.Result(); res != nil && res.Failed() {
		return fmt.Errorf("shutdown: failed handlers %v", res.FailedHandlers())
	}
	return nil
}

// openBus connects the configured relay interconnect.
func openBus(cfg config.BusConfig) (bus.MessageBus, error) {
	switch cfg.Backend {
	case config.BackendNATS:
		nc := bus.DefaultNATSConfig()
		nc.BufferSize = cfg.BufferSize
		nc.URL = cfg.NATSURL
		nc.Token = cfg.NATSToken
		nc.Name = "awarenessd"
		return bus.NewNATSBus(nc)
	case config.BackendRedis:
		rc := bus.DefaultRedisConfig()
		rc.BufferSize = cfg.BufferSize
		rc.Addr = cfg.RedisAddr
		rc.Password = cfg.RedisPassword
		rc.DB = cfg.RedisDB
		return bus.NewRedisBus(rc)
	case config.BackendMemory, "":
		return bus.NewMemoryBus(bus.Config{BufferSize: cfg.BufferSize}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
