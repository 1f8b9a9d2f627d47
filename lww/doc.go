// Package lww provides last-writer-wins CRDTs: a versioned Register and a Map
// of independent registers keyed by string.
//
// Every version is the triple (peer, counter, value). Merging keeps the version
// with the larger counter; equal counters are settled by comparing peer ids so
// both sides of an exchange pick the same winner. Deletion writes a tombstone
// through the same versioned path, which is why Map keys never disappear from
// State even after Delete.
//
// # Usage
//
//	alice := lww.NewMap[string]("alice")
//	bob := lww.NewMap[string]("bob")
//
//	alice.Set("title", "draft")
//	bob.Merge(alice.State())
//
//	bob.Delete("title")
//	alice.Merge(bob.State())
//	_, ok := alice.Get("title") // false on both peers
//
// State values are plain structs with JSON tags, so replicas can exchange
// them over any transport; Sync does this over a bus subject.
package lww
