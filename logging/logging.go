// Package logging provides leveled line logging for awareness stores, providers
// and the relay daemon.
package logging

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string ("debug", "WARN", ...) to a Level.
// Unknown values fall back to LevelInfo.
func ParseLevel(s string) Level {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[l]; ok {
		return l
	}
	return LevelInfo
}

// Fields are key=value pairs appended to a log line.
type Fields map[string]any

// Logger writes one line per entry:
//
//	LEVEL TIMESTAMP [component/room] message key=value ...
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	room      string
}

// New creates a Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := New()
	l.output = io.Discard
	l.minLevel = LevelError
	return l
}

func (l *Logger) clone() *Logger {
	c := *l
	return &c
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	c := l.clone()
	c.component = component
	return c
}

// WithRoom returns a new logger tagged with a room name.
func (l *Logger) WithRoom(room string) *Logger {
	c := l.clone()
	c.room = room
	return c
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.output = w
	l.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...Fields) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields sorted by key so lines are stable.
func formatFields(fields Fields) string {
	if len(fields) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		fmt.Fprintf(&sb, " %s=%v", k, fields[k])
	}
	return sb.String()
}

func (l *Logger) tag() string {
	switch {
	case l.component != "" && l.room != "":
		return "[" + l.component + "/" + l.room + "] "
	case l.component != "":
		return "[" + l.component + "] "
	case l.room != "":
		return "[" + l.room + "] "
	}
	return ""
}

func (l *Logger) log(level Level, msg string, fields ...Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	line := fmt.Sprintf("%-5s %s %s%s%s\n", level, timestamp, l.tag(), msg, fieldStr)
	l.output.Write([]byte(line))
}

// --- Awareness events ---

// PeerJoined logs a peer coming online.
func (l *Logger) PeerJoined(peer uint64, clock uint64, origin string) {
	l.Debug("peer_joined", Fields{
		"peer":   peer,
		"clock":  clock,
		"origin": origin,
	})
}

// PeerLeft logs a peer going offline by explicit removal.
func (l *Logger) PeerLeft(peer uint64, origin string) {
	l.Debug("peer_left", Fields{
		"peer":   peer,
		"origin": origin,
	})
}

// PeerEvicted logs a timeout eviction.
func (l *Logger) PeerEvicted(peer uint64, idle time.Duration) {
	l.Info("peer_evicted", Fields{
		"peer": peer,
		"idle": idle.Round(time.Millisecond).String(),
	})
}

// UpdateDropped logs an inbound update that could not be used.
func (l *Logger) UpdateDropped(source string, size int, err error) {
	l.Warn("update_dropped", Fields{
		"source": source,
		"bytes":  size,
		"error":  err,
	})
}

// --- Relay connection events ---

// ConnOpened logs a new relay connection.
func (l *Logger) ConnOpened(conn, remote string) {
	l.Info("conn_opened", Fields{
		"conn":   conn,
		"remote": remote,
	})
}

// ConnClosed logs a finished relay connection and the peers it controlled.
func (l *Logger) ConnClosed(conn string, peers int, duration time.Duration) {
	l.Info("conn_closed", Fields{
		"conn":     conn,
		"peers":    peers,
		"duration": duration.Round(time.Millisecond).String(),
	})
}
