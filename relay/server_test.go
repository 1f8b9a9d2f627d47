package relay

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vinayprograms/awarekit/awareness"
	"github.com/vinayprograms/awarekit/bus"
	awerrors "github.com/vinayprograms/awarekit/errors"
	"github.com/vinayprograms/awarekit/ratelimit"
	"github.com/vinayprograms/awarekit/telemetry"
)

const waitFor = 2 * time.Second

func newTestServer(t *testing.T, b bus.MessageBus, cfg Config, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	if b == nil {
		mb := bus.NewMemoryBus(bus.DefaultConfig())
		t.Cleanup(func() { mb.Close() })
		b = mb
	}
	srv, err := New(cfg, b, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, room string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/" + room
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func recordingTracer() (*telemetry.Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return telemetry.NewTracerFromProvider(tp, "relay-test", false), rec
}

// endedSpan waits for an ended span named name whose attribute key equals
// value and returns its attributes.
func endedSpan(t *testing.T, rec *tracetest.SpanRecorder, name, key, value string) map[string]string {
	t.Helper()
	var found map[string]string
	require.Eventually(t, func() bool {
		for _, sp := range rec.Ended() {
			if sp.Name() != name {
				continue
			}
			attrs := make(map[string]string)
			for _, kv := range sp.Attributes() {
				attrs[string(kv.Key)] = kv.Value.Emit()
			}
			if attrs[key] == value {
				found = attrs
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	return found
}

func roomOf(t *testing.T, srv *Server, name string) *room {
	t.Helper()
	srv.mu.Lock()
	defer srv.mu.Unlock()
	rm := srv.rooms[name]
	require.NotNil(t, rm, "room %s", name)
	return rm
}

func waitConns(t *testing.T, srv *Server, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		rm := srv.rooms[room]
		srv.mu.Unlock()
		return rm != nil && rm.size() == n
	}, waitFor, 5*time.Millisecond)
}

func frame(t *testing.T, entries ...awareness.Entry) []byte {
	t.Helper()
	buf, err := awareness.EncodeEntries(entries)
	require.NoError(t, err)
	return buf
}

func send(t *testing.T, ws *websocket.Conn, buf []byte) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, buf))
}

func recv(t *testing.T, ws *websocket.Conn) []awareness.Entry {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(waitFor))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	entries, err := awareness.DecodeUpdate(data)
	require.NoError(t, err)
	return entries
}

func TestRelayFanOut(t *testing.T) {
	srv, ts := newTestServer(t, nil, Config{})
	a := dial(t, ts, "doc")
	b := dial(t, ts, "doc")
	waitConns(t, srv, "doc", 2)

	send(t, a, frame(t, awareness.Entry{Peer: 1, Clock: 1, State: awareness.State{"name": "ann"}}))

	got := recv(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, awareness.PeerID(1), got[0].Peer)
	assert.Equal(t, uint64(1), got[0].Clock)
	assert.Equal(t, "ann", got[0].State["name"])

	// The sender does not get its own update back.
	a.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, _, err := a.ReadMessage()
	assert.Error(t, err)
}

func TestRelaySendsRoomStateOnJoin(t *testing.T) {
	srv, ts := newTestServer(t, nil, Config{})
	a := dial(t, ts, "doc")
	waitConns(t, srv, "doc", 1)
	send(t, a, frame(t, awareness.Entry{Peer: 7, Clock: 3, State: awareness.State{"x": json.Number("1")}}))

	require.Eventually(t, func() bool {
		return len(roomOf(t, srv, "doc").store.Peers()) == 1
	}, waitFor, 5*time.Millisecond)

	b := dial(t, ts, "doc")
	got := recv(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, awareness.PeerID(7), got[0].Peer)
	assert.Equal(t, uint64(3), got[0].Clock)
}

func TestRelayDisconnectRemovesPeers(t *testing.T) {
	srv, ts := newTestServer(t, nil, Config{})
	a := dial(t, ts, "doc")
	b := dial(t, ts, "doc")
	waitConns(t, srv, "doc", 2)

	send(t, a, frame(t,
		awareness.Entry{Peer: 1, Clock: 1, State: awareness.State{}},
		awareness.Entry{Peer: 2, Clock: 4, State: awareness.State{}},
	))
	require.Len(t, recv(t, b), 2)

	a.Close()

	got := recv(t, b)
	require.Len(t, got, 2)
	for _, e := range got {
		assert.Nil(t, e.State, "peer %d", e.Peer)
	}
	assert.Equal(t, uint64(1), got[0].Clock)
	assert.Equal(t, uint64(4), got[1].Clock)
	assert.Equal(t, float64(2), testutil.ToFloat64(srv.Metrics().Disconnects))
}

func TestRelayDropsMalformedFrames(t *testing.T) {
	srv, ts := newTestServer(t, nil, Config{})
	a := dial(t, ts, "doc")
	b := dial(t, ts, "doc")
	waitConns(t, srv, "doc", 2)

	send(t, a, []byte{0x01, 0x01, 0x01, 0x05, '{', '"'})
	send(t, a, frame(t, awareness.Entry{Peer: 9, Clock: 1, State: awareness.State{}}))

	got := recv(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, awareness.PeerID(9), got[0].Peer)
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.Metrics().Frames.WithLabelValues(sourceWS, "malformed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.Metrics().Frames.WithLabelValues(sourceWS, "accepted")))
}

func TestRelayThrottlesConnections(t *testing.T) {
	limiter, err := ratelimit.NewMemoryLimiter(ratelimit.Config{Capacity: 1, Window: time.Hour})
	require.NoError(t, err)
	defer limiter.Close()

	tracer, rec := recordingTracer()
	srv, ts := newTestServer(t, nil, Config{}, WithLimiter(limiter), WithTracer(tracer))
	a := dial(t, ts, "doc")
	waitConns(t, srv, "doc", 1)

	send(t, a, frame(t, awareness.Entry{Peer: 1, Clock: 1, State: awareness.State{}}))
	send(t, a, frame(t, awareness.Entry{Peer: 1, Clock: 2, State: awareness.State{}}))

	attrs := endedSpan(t, rec, "relay.frame", "relay.outcome", "throttled")
	assert.Equal(t, "RATE_LIMITED", attrs["error.code"])
	assert.Equal(t, "true", attrs["error.retryable"])
	assert.Equal(t, "doc", attrs["error.room"])
	assert.Equal(t, "1", attrs["error.budget"])
	assert.Equal(t, "1", attrs["error.denied"])

	throttled := srv.Metrics().Frames.WithLabelValues(sourceWS, "throttled")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(throttled) == 1
	}, waitFor, 5*time.Millisecond)

	meta, ok := roomOf(t, srv, "doc").store.Meta(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), meta.Clock)
}

func TestRelayRedactsFields(t *testing.T) {
	srv, ts := newTestServer(t, nil, Config{Redact: []string{"token"}})
	a := dial(t, ts, "doc")
	b := dial(t, ts, "doc")
	waitConns(t, srv, "doc", 2)

	send(t, a, frame(t, awareness.Entry{Peer: 1, Clock: 1, State: awareness.State{"name": "ann", "token": "secret"}}))

	got := recv(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, awareness.State{"name": "ann"}, got[0].State)
	assert.NotContains(t, roomOf(t, srv, "doc").store.State(1), "token")
}

func TestRelayAcrossNodes(t *testing.T) {
	shared := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { shared.Close() })

	srv1, ts1 := newTestServer(t, shared, Config{NodeID: "n1"})
	srv2, ts2 := newTestServer(t, shared, Config{NodeID: "n2"})

	a := dial(t, ts1, "doc")
	b := dial(t, ts2, "doc")
	waitConns(t, srv1, "doc", 1)
	waitConns(t, srv2, "doc", 1)

	send(t, a, frame(t, awareness.Entry{Peer: 5, Clock: 2, State: awareness.State{"cursor": json.Number("10")}}))

	got := recv(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, awareness.PeerID(5), got[0].Peer)
	assert.Equal(t, json.Number("10"), got[0].State["cursor"])

	// Disconnect on one node reaches clients of the other.
	a.Close()
	got = recv(t, b)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].State)
}

func TestRelayEvictsSilentPeers(t *testing.T) {
	srv, ts := newTestServer(t, nil, Config{Timeout: 50 * time.Millisecond})
	a := dial(t, ts, "doc")
	b := dial(t, ts, "doc")
	waitConns(t, srv, "doc", 2)

	send(t, a, frame(t, awareness.Entry{Peer: 3, Clock: 1, State: awareness.State{}}))
	require.Len(t, recv(t, b), 1)

	got := recv(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, awareness.PeerID(3), got[0].Peer)
	assert.Nil(t, got[0].State)
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.Metrics().Evictions))
}

func TestPeersEndpoint(t *testing.T) {
	srv, ts := newTestServer(t, nil, Config{NodeID: "node-a"})

	resp, err := http.Get(ts.URL + "/rooms/empty/peers")
	require.NoError(t, err)
	var snap RoomSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Equal(t, "empty", snap.Room)
	assert.Equal(t, "node-a", snap.Node)
	assert.Empty(t, snap.Peers)

	a := dial(t, ts, "doc")
	waitConns(t, srv, "doc", 1)
	send(t, a, frame(t, awareness.Entry{Peer: 11, Clock: 2, State: awareness.State{"name": "bo"}}))
	require.Eventually(t, func() bool {
		return len(roomOf(t, srv, "doc").store.Peers()) == 1
	}, waitFor, 5*time.Millisecond)

	resp, err = http.Get(ts.URL + "/rooms/doc/peers")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, 1, snap.Conns)
	require.Len(t, snap.Peers, 1)
	assert.Equal(t, awareness.PeerID(11), snap.Peers[0].ID)
	assert.Equal(t, uint64(2), snap.Peers[0].Clock)
	assert.Equal(t, "bo", snap.Peers[0].State["name"])
}

func TestRejectsInvalidRoom(t *testing.T) {
	_, ts := newTestServer(t, nil, Config{})

	for _, path := range []string{"/rooms/a.b", "/rooms/a*/peers"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestCheckOrigin(t *testing.T) {
	srv, err := New(Config{AllowedOrigins: []string{"https://app.example"}}, bus.NewMemoryBus(bus.DefaultConfig()))
	require.NoError(t, err)
	defer srv.Close()

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/rooms/doc", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, srv.checkOrigin(r), tt.origin)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, ts := newTestServer(t, nil, Config{MetricsPath: "/metrics"}, WithRegistry(reg))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCloseDisconnectsClients(t *testing.T) {
	srv, ts := newTestServer(t, nil, Config{})
	a := dial(t, ts, "doc")
	waitConns(t, srv, "doc", 1)

	require.NoError(t, srv.Close())

	a.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Empty(t, srv.Rooms())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Timeout: time.Millisecond}, bus.NewMemoryBus(bus.DefaultConfig()))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEventStream(t *testing.T) {
	srv, ts := newTestServer(t, nil, Config{})

	resp, err := http.Get(ts.URL + "/rooms/doc/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	a := dial(t, ts, "doc")
	waitConns(t, srv, "doc", 1)

	resp, err = http.Get(ts.URL + "/rooms/doc/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	send(t, a, frame(t, awareness.Entry{Peer: 4, Clock: 1, State: awareness.State{"name": "di"}}))

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	var ev ChangeEvent
	timeout := time.After(waitFor)
	for ev.Room == "" {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended")
			if data, found := strings.CutPrefix(line, "data: "); found {
				require.NoError(t, json.Unmarshal([]byte(data), &ev))
			}
		case <-timeout:
			t.Fatal("no change event")
		}
	}
	assert.Equal(t, "doc", ev.Room)
	assert.Equal(t, []awareness.PeerID{4}, ev.Added)
	assert.NotEmpty(t, ev.Origin)

	srv.Drain()
	for range lines {
	}
}

func TestRelayJoinAfterClose(t *testing.T) {
	srv, _ := newTestServer(t, nil, Config{})
	require.NoError(t, srv.Close())

	_, _, err := srv.join("doc", nil)
	require.Error(t, err)
	assert.True(t, awerrors.Is(err, awerrors.ErrCodeClosed))
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Empty(t, srv.Rooms())
}

func TestRelayReportsBusPublishFailure(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	tracer, rec := recordingTracer()
	srv, ts := newTestServer(t, mb, Config{}, WithTracer(tracer))
	a := dial(t, ts, "doc")
	waitConns(t, srv, "doc", 1)

	require.NoError(t, mb.Close())
	send(t, a, frame(t, awareness.Entry{Peer: 4, Clock: 1, State: awareness.State{}}))

	attrs := endedSpan(t, rec, "relay.broadcast", "error.code", "UNAVAILABLE")
	assert.Equal(t, "doc", attrs["error.room"])
	assert.Equal(t, "true", attrs["error.retryable"])

	// The local store still took the update.
	_, ok := roomOf(t, srv, "doc").store.Meta(4)
	assert.True(t, ok)
}
