// Package awareness keeps ephemeral per-peer state (presence, cursors,
// selections) and replicates it between peers.
//
// Each peer owns one entry: a JSON object plus a logical clock that the peer
// bumps on every local change. Peers exchange entries as compact binary
// updates and accept an entry only when its clock is newer than what they
// hold. Entries that are not renewed within the timeout are evicted, so a
// crashed peer disappears without an explicit goodbye.
//
// # State Machine
//
// From a store's point of view every peer moves through
//
//	Unknown -> Online -> Offline -> Online -> ...
//
// Offline is reached by a null state or by timeout. Meta (clock and last
// update time) is kept for offline peers so stale updates stay rejected.
//
// # Usage
//
//	store, _ := awareness.NewStore(awareness.DefaultConfig())
//	store.OnChange(func(c awareness.Change) {
//	    fmt.Println("joined", c.Added, "left", c.Removed)
//	})
//	store.SetLocalState(awareness.State{"user": "ada", "cursor": 12})
//
//	update, _ := awareness.EncodeUpdate(store, []awareness.PeerID{store.ID()})
//	// send update; on the receiving side:
//	err := awareness.ApplyUpdate(other, update, awareness.OriginRemote)
//
// # Events
//
// Two notifications fire for every accepted change. Update lists every
// touched peer, including renewals that did not change the value; use it to
// decide what to forward. Change omits renewals with an equal value; use it to
// redraw.
//
// # Heartbeat
//
// Start runs Check every timeout/10. A peer renews its own entry after half
// the timeout and evicts others after the full timeout. Destroy stops the
// heartbeat and sets the local state to null so the departure is broadcast.
//
// # Provider
//
// Provider binds a store to a room on a bus.MessageBus: it publishes local
// updates and applies inbound ones.
package awareness
