package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vinayprograms/awarekit/awareness"
	"github.com/vinayprograms/awarekit/bus"
	awerrors "github.com/vinayprograms/awarekit/errors"
	"github.com/vinayprograms/awarekit/logging"
	"github.com/vinayprograms/awarekit/ratelimit"
	"github.com/vinayprograms/awarekit/telemetry"
)

// Common errors.
var (
	ErrClosed        = errors.New("relay closed")
	ErrInvalidConfig = errors.New("invalid relay config")
)

// Config holds relay configuration.
type Config struct {
	// NodeID names this relay on the bus. Default: random uuid.
	NodeID string

	// SubjectPrefix for room subjects. The relay publishes on
	// "<prefix>.relay.<room>".
	// Default: "awareness"
	SubjectPrefix string

	// Timeout after which silent peers are evicted.
	// Default: 30s
	Timeout time.Duration

	// PingInterval for websocket keepalive (0 = disabled).
	// Default: 15s
	PingInterval time.Duration

	// WriteTimeout for each outbound frame.
	// Default: 5s
	WriteTimeout time.Duration

	// MaxFrameBytes limits inbound frames.
	// Default: 64KiB
	MaxFrameBytes int64

	// SendBuffer is the per-connection outbound queue length.
	// Default: 64
	SendBuffer int

	// AllowedOrigins for the websocket upgrade. Empty allows any origin.
	AllowedOrigins []string

	// Redact lists state fields stripped from every inbound entry.
	Redact []string

	// MetricsPath serves Prometheus metrics when set.
	MetricsPath string
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix: awareness.DefaultSubjectPrefix,
		Timeout:       awareness.DefaultConfig().Timeout,
		PingInterval:  15 * time.Second,
		WriteTimeout:  5 * time.Second,
		MaxFrameBytes: 64 << 10,
		SendBuffer:    64,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout < awareness.MinTimeout {
		return fmt.Errorf("%w: timeout %s below %s", ErrInvalidConfig, c.Timeout, awareness.MinTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: write timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("%w: max frame bytes must be positive", ErrInvalidConfig)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("%w: send buffer must be positive", ErrInvalidConfig)
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("%w: negative ping interval", ErrInvalidConfig)
	}
	return nil
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLimiter rate limits inbound frames per connection.
func WithLimiter(l ratelimit.Limiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// WithTracer sets the tracer for frame spans.
func WithTracer(t *telemetry.Tracer) ServerOption {
	return func(s *Server) { s.tracer = t }
}

// WithRegistry registers the relay metrics with reg and serves them at
// Config.MetricsPath.
func WithRegistry(reg *prometheus.Registry) ServerOption {
	return func(s *Server) { s.registry = reg }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// Server relays awareness updates between websocket clients and other
// relay nodes.
type Server struct {
	cfg      Config
	nodeID   string
	bus      bus.MessageBus
	limiter  ratelimit.Limiter
	tracer   *telemetry.Tracer
	registry *prometheus.Registry
	metrics  *Metrics
	logger   *logging.Logger
	router   *mux.Router
	upgrader *websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string]*room
	conns  sync.WaitGroup
	closed bool

	draining  chan struct{}
	drainOnce sync.Once
}

// New creates a relay on b. Unset Config fields take their defaults.
func New(cfg Config, b bus.MessageBus, opts ...ServerOption) (*Server, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: bus is required", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		nodeID:   cfg.NodeID,
		bus:      b,
		rooms:    make(map[string]*room),
		draining: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	s.logger = s.logger.WithComponent("relay")
	if s.tracer == nil {
		s.tracer = telemetry.GetTracer()
	}
	if s.limiter == nil {
		s.limiter = unlimited{}
	}
	var reg prometheus.Registerer
	if s.registry != nil {
		reg = s.registry
	}
	s.metrics = NewMetrics(reg)

	s.upgrader = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	return s, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = d.SubjectPrefix
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = d.SendBuffer
	}
	return c
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}", s.handleRoom).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}/peers", s.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}/events", s.handleEvents).Methods(http.MethodGet)
	if s.registry != nil && s.cfg.MetricsPath != "" {
		r.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

// NodeID returns the id this relay uses on the bus.
func (s *Server) NodeID() string {
	return s.nodeID
}

// Metrics returns the relay collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "closing", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok\n"))
}

// handleRoom upgrades to a websocket and serves it until it closes.
func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["room"]
	if err := bus.ValidateRoom(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response.
		s.logger.Debug("upgrade failed", logging.Fields{"room": name, "error": err})
		return
	}

	c, rm, err := s.join(name, ws)
	if err != nil {
		s.logger.Warn("join failed", logging.Fields{"room": name, "error": err})
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}
	defer s.conns.Done()

	c.logger.ConnOpened(c.id, r.RemoteAddr)
	c.run(r.Context())
	s.leave(rm, c)
}

// join registers a new connection, creating the room on first use.
func (s *Server) join(name string, ws *websocket.Conn) (*conn, *room, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, awerrors.Closed("join refused", awerrors.WithRoom(name), awerrors.WithCause(ErrClosed))
	}
	rm, ok := s.rooms[name]
	if !ok {
		var err error
		rm, err = newRoom(s, name)
		if err != nil {
			s.mu.Unlock()
			return nil, nil, err
		}
		s.rooms[name] = rm
		s.metrics.Rooms.Inc()
	}

	id := uuid.NewString()
	c := newConn(id, ws, rm, s.cfg, rm.logger)
	s.conns.Add(1)
	rm.add(c)
	s.mu.Unlock()

	s.metrics.Connections.Inc()
	return c, rm, nil
}

// leave removes the connection's peers and closes the room once it has no
// local connections.
func (s *Server) leave(rm *room, c *conn) {
	s.mu.Lock()
	left := rm.remove(c)
	s.mu.Unlock()

	peers := rm.release(c)
	s.limiter.Forget(c.id)
	s.metrics.Connections.Dec()
	c.logger.ConnClosed(c.id, peers, time.Since(c.opened))

	if left > 0 {
		return
	}
	s.mu.Lock()
	drop := s.rooms[rm.name] == rm && rm.size() == 0
	if drop {
		delete(s.rooms, rm.name)
		s.metrics.Rooms.Dec()
	}
	s.mu.Unlock()
	if drop {
		rm.close()
	}
}

// handlePeers writes a JSON snapshot of a room's online peers. Rooms with no
// local connections report no peers.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["room"]
	if err := bus.ValidateRoom(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap := RoomSnapshot{Room: name, Node: s.nodeID, Peers: []PeerInfo{}}
	s.mu.Lock()
	rm := s.rooms[name]
	s.mu.Unlock()
	if rm != nil {
		snap.Conns = rm.size()
		snap.Peers = rm.snapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Debug("write snapshot", logging.Fields{"room": name, "error": err})
	}
}

// Rooms returns the names of rooms with local connections, sorted.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Drain ends all event streams. Websocket clients stay connected. It is
// meant for http.Server.RegisterOnShutdown, since Shutdown waits for
// streaming handlers to return.
func (s *Server) Drain() {
	s.drainOnce.Do(func() { close(s.draining) })
}

// Close disconnects every client and stops all rooms. The clients' peers are
// removed as on any disconnect, so other nodes learn of it over the bus.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.Drain()
	var conns []*conn
	for _, rm := range s.rooms {
		rm.mu.RLock()
		for _, c := range rm.conns {
			conns = append(conns, c)
		}
		rm.mu.RUnlock()
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	s.conns.Wait()

	// Rooms with connections are closed by leave; anything left is stopped here.
	s.mu.Lock()
	rooms := make([]*room, 0, len(s.rooms))
	for name, rm := range s.rooms {
		rooms = append(rooms, rm)
		delete(s.rooms, name)
		s.metrics.Rooms.Dec()
	}
	s.mu.Unlock()
	for _, rm := range rooms {
		rm.close()
	}
	return nil
}

// OnShutdown implements shutdown.ShutdownHandler.
func (s *Server) OnShutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return awerrors.Wrap(ctx.Err(), "relay close")
	}
}

// unlimited admits every frame.
type unlimited struct{}

func (unlimited) Allow(string) bool { return true }

func (unlimited) GetCapacity(string) *ratelimit.Capacity { return nil }

func (unlimited) Forget(string) {}

func (unlimited) Close() error { return nil }
