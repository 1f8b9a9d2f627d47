package awareness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vinayprograms/awarekit/errors"
	"github.com/vinayprograms/awarekit/wire"
)

// nullText is the state text of an offline peer.
const nullText = "null"

// EncodeUpdate encodes the listed peers with their current clocks and
// states, in the given order. Offline peers encode as null.
func EncodeUpdate(s *Store, peers []PeerID) ([]byte, error) {
	entries, err := s.entries(peers, nil)
	if err != nil {
		return nil, err
	}
	return EncodeEntries(entries)
}

// EncodeUpdateWith is EncodeUpdate reading states from states instead of the
// store. A peer missing from states encodes as null. Clocks still come from
// the store.
func EncodeUpdateWith(s *Store, peers []PeerID, states map[PeerID]State) ([]byte, error) {
	if states == nil {
		states = map[PeerID]State{}
	}
	entries, err := s.entries(peers, states)
	if err != nil {
		return nil, err
	}
	return EncodeEntries(entries)
}

// entries snapshots clock and state for peers under one lock. A nil override
// reads states from the store.
func (s *Store) entries(peers []PeerID, override map[PeerID]State) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(peers))
	for _, peer := range peers {
		m, ok := s.meta[peer]
		if !ok {
			return nil, errors.NotFound(fmt.Sprintf("no clock for peer %s", peer),
				errors.WithPeer(peer.String()))
		}
		state := s.states[peer]
		if override != nil {
			state = override[peer]
		}
		out = append(out, Entry{Peer: peer, Clock: m.Clock, State: state})
	}
	return out, nil
}

// EncodeEntries encodes entries as an update:
//
//	count varuint, then per entry: peer varuint, clock varuint, state varstring
//
// State text is compact JSON without HTML escaping. Two kinds of string
// still differ byte for byte from what JSON.stringify writes: U+2028 and
// U+2029 come out as \u2028 and \u2029, and invalid UTF-8 is replaced with
// \ufffd. The separators decode to the same string on both sides.
func EncodeEntries(entries []Entry) ([]byte, error) {
	enc := wire.NewEncoder(1 + len(entries)*24)
	enc.WriteVarUint(uint64(len(entries)))
	for _, e := range entries {
		text, err := marshalState(e.State)
		if err != nil {
			return nil, errors.Wrap(err, "encode state", errors.WithPeer(e.Peer.String()))
		}
		enc.WriteVarUint(uint64(e.Peer))
		enc.WriteVarUint(e.Clock)
		enc.WriteVarString(text)
	}
	return enc.Bytes(), nil
}

// DecodeUpdate parses an update. Malformed input fails with an *errors.Error
// carrying one of the malformed codes and the byte offset of the problem.
func DecodeUpdate(buf []byte) ([]Entry, error) {
	d := wire.NewDecoder(buf)

	count, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	// Each entry takes at least three bytes.
	if count > uint64(d.Remaining()/3) {
		return nil, errors.Malformed(errors.ErrCodeTruncated,
			fmt.Sprintf("%d entries cannot fit in %d bytes", count, d.Remaining()), d.Offset())
	}

	entries := make([]Entry, 0, count)
	for range count {
		peer, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		clock, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		start := d.Offset()
		text, err := d.ReadVarString()
		if err != nil {
			return nil, err
		}
		state, err := parseState(text)
		if err != nil {
			return nil, errors.Malformed(errors.ErrCodeInvalidState, "state is not a JSON object or null",
				start, errors.WithPeer(PeerID(peer).String()), errors.WithCause(err))
		}
		entries = append(entries, Entry{Peer: PeerID(peer), Clock: clock, State: state})
	}

	if d.Remaining() > 0 {
		return nil, errors.Malformed(errors.ErrCodeTrailingData,
			fmt.Sprintf("%d bytes after last entry", d.Remaining()), d.Offset())
	}
	return entries, nil
}

// ApplyUpdate decodes buf and applies it to s. Nothing is applied when buf
// is malformed.
func ApplyUpdate(s *Store, buf []byte, origin string) error {
	entries, err := DecodeUpdate(buf)
	if err != nil {
		return err
	}
	s.ApplyUpdate(entries, origin)
	return nil
}

// ModifyUpdate decodes buf, passes every state through fn and re-encodes.
// Peers and clocks are kept as they are. fn receives nil for offline peers
// and may return nil to drop a state.
func ModifyUpdate(buf []byte, fn func(State) State) ([]byte, error) {
	entries, err := DecodeUpdate(buf)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].State = fn(entries[i].State)
	}
	return EncodeEntries(entries)
}

// marshalState renders state as compact JSON without HTML escaping. Line
// and paragraph separators are still escaped by encoding/json.
func marshalState(state State) (string, error) {
	if state == nil {
		return nullText, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(state); err != nil {
		return "", err
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})), nil
}

// parseState accepts a JSON object or null. Numbers are kept as json.Number
// so re-encoding reproduces their text.
func parseState(text string) (State, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}

	switch obj := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return State(obj), nil
	default:
		return nil, fmt.Errorf("state is %T", v)
	}
}
