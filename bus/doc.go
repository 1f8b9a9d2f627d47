// Package bus provides the room-scoped publish/subscribe channel used by
// awareness providers and relay nodes.
//
// # Available Implementations
//
//   - MemoryBus: in-process channels, for tests and peers sharing a process
//   - NATSBus: NATS core subjects
//   - RedisBus: Redis PUBLISH/SUBSCRIBE channels
//
// # Rooms
//
// A room maps to one subject built by RoomSubject:
//
//	subject, _ := bus.RoomSubject("awareness", "doc-42") // "awareness.doc-42"
//	sub, _ := b.Subscribe(subject)
//	for msg := range sub.Messages() {
//	    // msg.Data is an encoded awareness update
//	}
//
// # Delivery
//
// Every implementation is at-most-once and unordered across publishers.
// Subscribers that fall behind lose messages rather than block publishers.
// A publisher receives its own messages when it is subscribed to the same
// subject; callers that care filter them out.
package bus
