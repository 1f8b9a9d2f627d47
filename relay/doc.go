// Package relay serves awareness rooms over websockets.
//
// Clients connect to /rooms/{room} and exchange binary awareness updates.
// Each room keeps a server-side awareness.Store that does not take part
// itself (its local state is null); it only tracks the clients' peers so
// new connections get the full room state and silent peers are evicted.
//
// # Frame Path
//
//	client frame
//	    -> rate limit (per connection)
//	    -> redact configured fields
//	    -> apply to the room store (origin = connection id)
//	    -> resulting update to the other connections of the room
//	    -> same update, wrapped with the node id, to the bus
//
// Relay nodes sharing a bus share rooms: updates from other nodes are
// applied and fanned out locally but not republished. A node ignores its
// own envelopes.
//
// # Disconnects
//
// The relay remembers which peers each connection announced. When the
// connection closes those peers are removed and the removal is broadcast,
// so other clients do not wait for the timeout.
//
// # Endpoints
//
//	GET /rooms/{room}         websocket upgrade
//	GET /rooms/{room}/peers   JSON snapshot of online peers
//	GET /rooms/{room}/events  Server-Sent Events of peer changes
//	GET /healthz              liveness
//	GET /metrics              Prometheus metrics (path configurable)
package relay
