// Package config loads awarenessd configuration from a TOML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/vinayprograms/awarekit/logging"
)

// EnvPrefix prefixes every environment override, e.g. AWARENESSD_BUS_BACKEND.
const EnvPrefix = "AWARENESSD_"

// FileName is the configuration file looked up in StandardPaths.
const FileName = "awarenessd.toml"

// Bus backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
)

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInsecurePermissions is returned when a file holding bus secrets is
	// readable by group or others.
	ErrInsecurePermissions = errors.New("config file has insecure permissions")
)

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `toml:"server" envPrefix:"SERVER_"`
	Awareness AwarenessConfig `toml:"awareness" envPrefix:"AWARENESS_"`
	Bus       BusConfig       `toml:"bus" envPrefix:"BUS_"`
	RateLimit RateLimitConfig `toml:"ratelimit" envPrefix:"RATELIMIT_"`
	Telemetry TelemetryConfig `toml:"telemetry" envPrefix:"TELEMETRY_"`
	Log       LogConfig       `toml:"log" envPrefix:"LOG_"`
}

// ServerConfig configures the HTTP/websocket listener.
type ServerConfig struct {
	Listen         string        `toml:"listen" env:"LISTEN"`
	NodeID         string        `toml:"node_id" env:"NODE_ID"`
	PingInterval   time.Duration `toml:"ping_interval" env:"PING_INTERVAL"`
	WriteTimeout   time.Duration `toml:"write_timeout" env:"WRITE_TIMEOUT"`
	MaxFrameBytes  int64         `toml:"max_frame_bytes" env:"MAX_FRAME_BYTES"`
	AllowedOrigins []string      `toml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	MetricsPath    string        `toml:"metrics_path" env:"METRICS_PATH"`
}

// AwarenessConfig configures room stores.
type AwarenessConfig struct {
	Timeout       time.Duration `toml:"timeout" env:"TIMEOUT"`
	Redact        []string      `toml:"redact" env:"REDACT" envSeparator:","`
	SubjectPrefix string        `toml:"subject_prefix" env:"SUBJECT_PREFIX"`
}

// BusConfig selects and configures the relay interconnect.
type BusConfig struct {
	Backend       string `toml:"backend" env:"BACKEND"`
	BufferSize    int    `toml:"buffer_size" env:"BUFFER_SIZE"`
	NATSURL       string `toml:"nats_url" env:"NATS_URL"`
	NATSToken     string `toml:"nats_token" env:"NATS_TOKEN"`
	RedisAddr     string `toml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `toml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `toml:"redis_db" env:"REDIS_DB"`
}

// RateLimitConfig bounds inbound frames per connection.
type RateLimitConfig struct {
	Frames int           `toml:"frames" env:"FRAMES"`
	Window time.Duration `toml:"window" env:"WINDOW"`
}

// TelemetryConfig configures OTLP trace export. Tracing is off when
// Endpoint is empty.
type TelemetryConfig struct {
	Endpoint    string  `toml:"endpoint" env:"ENDPOINT"`
	Protocol    string  `toml:"protocol" env:"PROTOCOL"`
	Insecure    bool    `toml:"insecure" env:"INSECURE"`
	ServiceName string  `toml:"service_name" env:"SERVICE_NAME"`
	Debug       bool    `toml:"debug" env:"DEBUG"`
	SampleRatio float64 `toml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// LogConfig configures the daemon logger.
type LogConfig struct {
	Level string `toml:"level" env:"LEVEL"`
}

// Default returns a configuration that runs a single in-memory relay node.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        ":8080",
			PingInterval:  15 * time.Second,
			WriteTimeout:  5 * time.Second,
			MaxFrameBytes: 64 << 10,
			MetricsPath:   "/metrics",
		},
		Awareness: AwarenessConfig{
			Timeout:       30 * time.Second,
			SubjectPrefix: "awareness",
		},
		Bus: BusConfig{
			Backend:    BackendMemory,
			BufferSize: 256,
			NATSURL:    "nats://localhost:4222",
			RedisAddr:  "localhost:6379",
		},
		RateLimit: RateLimitConfig{
			Frames: 60,
			Window: time.Second,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "awarenessd",
			SampleRatio: 1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "awarekit", FileName))
	}
	return append(paths, filepath.Join("/etc", "awarekit", FileName))
}

// Load builds the configuration: defaults, then the file at path (or the
// first standard path that exists when path is empty), then environment
// overrides. It returns the file used, which is empty when none was found.
func Load(path string) (*Config, string, error) {
	cfg := Default()

	if path == "" {
		for _, p := range StandardPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, path, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, path, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// LoadFile reads path on top of the defaults without environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML content on top of the defaults.
func Parse(content string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %s", ErrInvalidConfig, undecoded[0])
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: %s: unknown key %s", ErrInvalidConfig, path, undecoded[0])
	}
	if c.Bus.hasSecrets() {
		return checkPermissions(path)
	}
	return nil
}

// checkPermissions rejects group- or world-readable files on Unix.
func checkPermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o and holds bus credentials (use 0600)",
			ErrInsecurePermissions, path, mode)
	}
	return nil
}

// ApplyEnv overrides fields from AWARENESSD_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Server.Listen == "" {
		fail("server.listen is required")
	}
	if c.Server.PingInterval <= 0 {
		fail("server.ping_interval must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		fail("server.write_timeout must be positive")
	}
	if c.Server.MaxFrameBytes <= 0 {
		fail("server.max_frame_bytes must be positive")
	}
	if c.Server.MetricsPath != "" && !strings.HasPrefix(c.Server.MetricsPath, "/") {
		fail("server.metrics_path must start with /")
	}
	if c.Awareness.Timeout < 10*time.Millisecond {
		fail("awareness.timeout must be at least 10ms")
	}
	if !slices.Contains([]string{BackendMemory, BackendNATS, BackendRedis}, c.Bus.Backend) {
		fail("bus.backend %q is not one of memory, nats, redis", c.Bus.Backend)
	}
	if c.Bus.Backend == BackendNATS && c.Bus.NATSURL == "" {
		fail("bus.nats_url is required for the nats backend")
	}
	if c.Bus.Backend == BackendRedis && c.Bus.RedisAddr == "" {
		fail("bus.redis_addr is required for the redis backend")
	}
	if c.RateLimit.Frames < 0 || (c.RateLimit.Frames > 0 && c.RateLimit.Window <= 0) {
		fail("ratelimit needs frames >= 0 and a positive window")
	}
	if p := c.Telemetry.Protocol; c.Telemetry.Endpoint != "" && p != "grpc" && p != "http" {
		fail("telemetry.protocol %q is not grpc or http", p)
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		fail("telemetry.sample_ratio %v is outside [0, 1]", r)
	}
	return errors.Join(errs...)
}

// LogLevel returns the configured level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Log.Level)
}

func (b BusConfig) hasSecrets() bool {
	return b.NATSToken != "" || b.RedisPassword != ""
}
