package relay

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/awarekit/awareness"
	"github.com/vinayprograms/awarekit/logging"
)

// conn is one client websocket in a room.
type conn struct {
	id     string
	ws     *websocket.Conn
	room   *room
	cfg    Config
	logger *logging.Logger
	opened time.Time

	send chan []byte
	done chan struct{}

	mu         sync.Mutex
	closed     bool
	controlled map[awareness.PeerID]struct{}
}

func newConn(id string, ws *websocket.Conn, r *room, cfg Config, logger *logging.Logger) *conn {
	ws.SetReadLimit(cfg.MaxFrameBytes)
	return &conn{
		id:         id,
		ws:         ws,
		room:       r,
		cfg:        cfg,
		logger:     logger,
		opened:     time.Now(),
		send:       make(chan []byte, cfg.SendBuffer),
		done:       make(chan struct{}),
		controlled: make(map[awareness.PeerID]struct{}),
	}
}

// run serves the connection until the client goes away or close is called.
func (c *conn) run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.readLoop(ctx)
	c.close()
	wg.Wait()
}

// enqueue queues a frame for the client. A client that cannot keep up is
// disconnected; it gets the full state again when it reconnects.
func (c *conn) enqueue(buf []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- buf:
		return true
	default:
		c.logger.Warn("send queue full, closing", logging.Fields{"conn": c.id})
		c.close()
		return false
	}
}

// track records the peers this connection announced or removed.
func (c *conn) track(u awareness.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range u.Added {
		c.controlled[p] = struct{}{}
	}
	for _, p := range u.Updated {
		c.controlled[p] = struct{}{}
	}
	for _, p := range u.Removed {
		delete(c.controlled, p)
	}
}

// controlledPeers returns the peers announced over this connection in
// ascending order.
func (c *conn) controlledPeers() []awareness.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]awareness.PeerID, 0, len(c.controlled))
	for p := range c.controlled {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// close sends a close frame and tears the socket down. Safe to call more
// than once.
func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.ws.Close()
}

// readLoop hands binary frames to the room. Text frames are ignored.
func (c *conn) readLoop(ctx context.Context) {
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		select {
		case <-c.done:
			return
		default:
		}

		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", logging.Fields{"conn": c.id, "error": err})
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		c.extendReadDeadline()
		c.room.handleFrame(ctx, c, data)
	}
}

// extendReadDeadline allows two missed pings before the read fails.
func (c *conn) extendReadDeadline() {
	if c.cfg.PingInterval > 0 {
		c.ws.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
	}
}

// writeLoop is the only writer of data frames.
func (c *conn) writeLoop() {
	ticker := c.createPingTicker()
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.close()
				return
			}
		case buf := <-c.send:
			if err := c.writeFrame(buf); err != nil {
				c.logger.Debug("write failed", logging.Fields{"conn": c.id, "error": err})
				c.close()
				return
			}
		}
	}
}

// createPingTicker returns a ticker for keepalive pings, or one that never
// fires when pings are disabled.
func (c *conn) createPingTicker() *time.Ticker {
	if c.cfg.PingInterval > 0 {
		return time.NewTicker(c.cfg.PingInterval)
	}
	ticker := time.NewTicker(time.Hour)
	ticker.Stop()
	return ticker
}

func (c *conn) writeFrame(buf []byte) error {
	if c.cfg.WriteTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, buf)
}
