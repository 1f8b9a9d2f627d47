// Package errors provides the structured error taxonomy used across awarekit.
//
// # Categories
//
//   - Malformed: bytes that failed to decode (truncated varints, bad UTF-8, bad JSON)
//   - Transient: temporary failures where retry may succeed (bus down, timeouts)
//   - Permanent: retry will not help (bad config, unknown peer, closed component)
//   - Internal: invariant violations and recovered panics
//
// Merge conflicts are not errors. A stale or tied update is a silent no-op and
// never surfaces here.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeTruncated, "reading clock", errors.WithOffset(12))
//	if errors.IsMalformed(err) {
//	    // drop the packet
//	}
//
// Errors serialize to JSON so a relay can report why a frame was refused:
//
//	data, _ := json.Marshal(err)
package errors
