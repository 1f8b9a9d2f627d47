package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/vinayprograms/awarekit/awareness"
	"github.com/vinayprograms/awarekit/bus"
	"github.com/vinayprograms/awarekit/logging"
)

// ChangeEvent is one Server-Sent Event on /rooms/{room}/events.
type ChangeEvent struct {
	Room    string             `json:"room"`
	Origin  string             `json:"origin"`
	Added   []awareness.PeerID `json:"added,omitempty"`
	Updated []awareness.PeerID `json:"updated,omitempty"`
	Removed []awareness.PeerID `json:"removed,omitempty"`
}

// handleEvents streams a room's Change events as Server-Sent Events until
// the client goes away or the room closes. Events are dropped for a client
// that falls behind.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["room"]
	if err := bus.ValidateRoom(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	rm := s.rooms[name]
	s.mu.Unlock()
	if rm == nil {
		http.Error(w, "room not active", http.StatusNotFound)
		return
	}

	events := make(chan []byte, 64)
	cancel := rm.store.OnChange(func(c awareness.Change) {
		data, err := json.Marshal(ChangeEvent{
			Room:    name,
			Origin:  c.Origin,
			Added:   c.Added,
			Updated: c.Updated,
			Removed: c.Removed,
		})
		if err != nil {
			return
		}
		select {
		case events <- data:
		default:
		}
	})
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	var heartbeat <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-rm.stopped:
			return
		case <-s.draining:
			return
		case <-heartbeat:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case data := <-events:
			if _, err := fmt.Fprintf(w, "event: change\ndata: %s\n\n", data); err != nil {
				s.logger.Debug("event stream closed", logging.Fields{"room": name, "error": err})
				return
			}
			flusher.Flush()
		}
	}
}
