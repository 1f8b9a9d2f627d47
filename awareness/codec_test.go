package awareness

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/vinayprograms/awarekit/errors"
)

func TestEncodeUpdate_KnownBytes(t *testing.T) {
	s := newTestStore(t, 1, newFakeClock())
	s.SetLocalState(State{"x": 1})

	got, err := EncodeUpdate(s, []PeerID{1})
	if err != nil {
		t.Fatalf("EncodeUpdate error: %v", err)
	}
	want := append([]byte{0x01, 0x01, 0x01, 0x07}, `{"x":1}`...)
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeUpdate = %x, want %x", got, want)
	}
}

func TestEncodeUpdate_LargeValues(t *testing.T) {
	s := newTestStore(t, 300, newFakeClock())
	s.SetLocalState(nil)

	got, err := EncodeUpdate(s, []PeerID{300})
	if err != nil {
		t.Fatalf("EncodeUpdate error: %v", err)
	}
	want := append([]byte{0x01, 0xac, 0x02, 0x01, 0x04}, "null"...)
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeUpdate = %x, want %x", got, want)
	}
}

func TestEncodeUpdate_NoHTMLEscape(t *testing.T) {
	s := newTestStore(t, 1, newFakeClock())
	s.SetLocalState(State{"name": "<b>&</b>"})

	buf, _ := EncodeUpdate(s, []PeerID{1})
	if !bytes.Contains(buf, []byte(`{"name":"<b>&</b>"}`)) {
		t.Errorf("state text escaped: %q", buf)
	}
}

func TestEncodeUpdate_SeparatorsAndInvalidText(t *testing.T) {
	s := newTestStore(t, 1, newFakeClock())
	s.SetLocalState(State{"line": "a\u2028b\u2029c", "raw": "x\xffy"})

	buf, err := EncodeUpdate(s, []PeerID{1})
	if err != nil {
		t.Fatalf("EncodeUpdate error: %v", err)
	}
	want := `{"line":"a\u2028b\u2029c","raw":"x\ufffdy"}`
	if !bytes.Contains(buf, []byte(want)) {
		t.Errorf("state text = %q, want %s", buf, want)
	}

	entries, err := DecodeUpdate(buf)
	if err != nil {
		t.Fatalf("DecodeUpdate error: %v", err)
	}
	if got := entries[0].State["line"]; got != "a\u2028b\u2029c" {
		t.Errorf("line = %q", got)
	}
}

func TestEncodeUpdate_UnknownPeer(t *testing.T) {
	s := newTestStore(t, 1, newFakeClock())
	_, err := EncodeUpdate(s, []PeerID{1, 99})
	if !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestEncodeUpdateWith_Override(t *testing.T) {
	s := newTestStore(t, 1, newFakeClock())
	s.SetLocalState(State{"secret": true})

	buf, err := EncodeUpdateWith(s, []PeerID{1}, map[PeerID]State{})
	if err != nil {
		t.Fatalf("EncodeUpdateWith error: %v", err)
	}
	entries, err := DecodeUpdate(buf)
	if err != nil {
		t.Fatalf("DecodeUpdate error: %v", err)
	}
	if entries[0].State != nil || entries[0].Clock != 1 {
		t.Errorf("entry = %+v, want null state at clock 1", entries[0])
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		state State
	}{
		{"null", nil},
		{"empty object", State{}},
		{"flat", State{"name": "ada", "cursor": 12}},
		{"nested", State{"user": map[string]any{"name": "ada", "tags": []any{"a", 1.5, nil, true}}}},
		{"unicode", State{"emoji": "héllo 世界"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, 7, newFakeClock())
			s.SetLocalState(tt.state)

			buf, err := EncodeUpdate(s, []PeerID{7})
			if err != nil {
				t.Fatalf("EncodeUpdate error: %v", err)
			}
			entries, err := DecodeUpdate(buf)
			if err != nil {
				t.Fatalf("DecodeUpdate error: %v", err)
			}
			if len(entries) != 1 {
				t.Fatalf("got %d entries", len(entries))
			}
			e := entries[0]
			if e.Peer != 7 || e.Clock != 1 {
				t.Errorf("entry = (%d, %d), want (7, 1)", e.Peer, e.Clock)
			}
			if !equalState(e.State, tt.state) {
				t.Errorf("state = %v, want %v", e.State, tt.state)
			}
		})
	}
}

func TestRoundTrip_PreservesOrder(t *testing.T) {
	s := newTestStore(t, 1, newFakeClock())
	s.ApplyUpdate([]Entry{
		{Peer: 5, Clock: 2, State: State{"a": 1}},
		{Peer: 3, Clock: 9, State: State{"b": 2}},
	}, OriginRemote)

	buf, err := EncodeUpdate(s, []PeerID{5, 1, 3})
	if err != nil {
		t.Fatalf("EncodeUpdate error: %v", err)
	}
	entries, err := DecodeUpdate(buf)
	if err != nil {
		t.Fatalf("DecodeUpdate error: %v", err)
	}
	var peers []PeerID
	for _, e := range entries {
		peers = append(peers, e.Peer)
	}
	if len(peers) != 3 || peers[0] != 5 || peers[1] != 1 || peers[2] != 3 {
		t.Errorf("order = %v", peers)
	}
}

func TestDecodeUpdate_KeepsNumberText(t *testing.T) {
	buf := append([]byte{0x01, 0x02, 0x01, 0x1a}, `{"big":9007199254740993}`...)
	buf[3] = byte(len(`{"big":9007199254740993}`))

	entries, err := DecodeUpdate(buf)
	if err != nil {
		t.Fatalf("DecodeUpdate error: %v", err)
	}
	if n, ok := entries[0].State["big"].(json.Number); !ok || n.String() != "9007199254740993" {
		t.Errorf("big = %#v", entries[0].State["big"])
	}

	again, err := EncodeEntries(entries)
	if err != nil {
		t.Fatalf("EncodeEntries error: %v", err)
	}
	if !bytes.Equal(again, buf) {
		t.Errorf("re-encode = %q, want %q", again, buf)
	}
}

func TestDecodeUpdate_Malformed(t *testing.T) {
	state := func(text string) []byte {
		return append([]byte{0x01, 0x01, 0x01, byte(len(text))}, text...)
	}

	tests := []struct {
		name   string
		buf    []byte
		code   errors.ErrorCode
		offset int
	}{
		{"empty", []byte{}, errors.ErrCodeTruncated, 0},
		{"count without entries", []byte{0x02, 0x01, 0x01, 0x00}, errors.ErrCodeTruncated, 1},
		{"truncated peer varint", []byte{0x01, 0x80, 0x80, 0x80}, errors.ErrCodeTruncated, 1},
		{"overflowing varint", append([]byte{0x01}, bytes.Repeat([]byte{0xff}, 11)...), errors.ErrCodeOverflow, 1},
		{"string past end", []byte{0x01, 0x01, 0x01, 0x09, '{', '}'}, errors.ErrCodeTruncated, 3},
		{"invalid utf8", []byte{0x01, 0x01, 0x01, 0x02, 0xc3, 0x28}, errors.ErrCodeInvalidText, 3},
		{"array state", state(`[1,2]`), errors.ErrCodeInvalidState, 3},
		{"number state", state(`42`), errors.ErrCodeInvalidState, 3},
		{"broken json", state(`{"a":`), errors.ErrCodeInvalidState, 3},
		{"two values", state(`{} {}`), errors.ErrCodeInvalidState, 3},
		{"empty text", state(``), errors.ErrCodeInvalidState, 3},
		{"trailing data", append(state(`{}`), 0x00), errors.ErrCodeTrailingData, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := DecodeUpdate(tt.buf)
			if err == nil {
				t.Fatalf("expected error, got %+v", entries)
			}
			coded := errors.AsCoded(err)
			if coded == nil {
				t.Fatalf("error %v is not coded", err)
			}
			if coded.Code() != tt.code {
				t.Errorf("code = %s, want %s", coded.Code(), tt.code)
			}
			if coded.Offset() != tt.offset {
				t.Errorf("offset = %d, want %d", coded.Offset(), tt.offset)
			}
			if !errors.IsMalformed(err) {
				t.Error("expected malformed category")
			}
		})
	}
}

func TestApplyUpdate_MalformedLeavesStore(t *testing.T) {
	s := newTestStore(t, 1, newFakeClock())
	// First entry is fine, second is broken: nothing may be applied.
	buf := []byte{0x02, 0x02, 0x01, 0x02, '{', '}', 0x03, 0x01, 0x02, '[', ']'}

	if err := ApplyUpdate(s, buf, OriginRemote); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := s.Meta(2); ok {
		t.Error("partial update applied")
	}
}

func TestEndToEnd_AddedOnRemote(t *testing.T) {
	clk := newFakeClock()
	a := newTestStore(t, 1, clk)
	b := newTestStore(t, 2, clk)

	a.SetLocalState(State{"x": 1})
	if c := clockOf(t, a, 1); c != 1 {
		t.Fatalf("clock = %d, want 1", c)
	}

	buf, err := EncodeUpdate(a, []PeerID{1})
	if err != nil {
		t.Fatalf("EncodeUpdate error: %v", err)
	}
	entries, _ := DecodeUpdate(buf)
	if len(entries) != 1 || entries[0].Peer != 1 || entries[0].Clock != 1 {
		t.Fatalf("entries = %+v", entries)
	}

	rec := record(b)
	if err := ApplyUpdate(b, buf, OriginRemote); err != nil {
		t.Fatalf("ApplyUpdate error: %v", err)
	}

	if !equalState(b.State(1), State{"x": 1}) {
		t.Errorf("b.states[1] = %v", b.State(1))
	}
	if c := clockOf(t, b, 1); c != 1 {
		t.Errorf("b.meta[1].clock = %d, want 1", c)
	}
	if len(rec.changes) != 1 || len(rec.changes[0].Added) != 1 || rec.changes[0].Added[0] != 1 {
		t.Errorf("changes = %+v", rec.changes)
	}
	if rec.changes[0].Origin != OriginRemote {
		t.Errorf("origin = %q", rec.changes[0].Origin)
	}
}

func TestModifyUpdate(t *testing.T) {
	s := newTestStore(t, 1, newFakeClock())
	s.ApplyUpdate([]Entry{{Peer: 4, Clock: 12, State: nil}}, OriginRemote)
	s.SetLocalState(State{"name": "ada", "token": "secret"})

	buf, err := EncodeUpdate(s, []PeerID{1, 4})
	if err != nil {
		t.Fatalf("EncodeUpdate error: %v", err)
	}

	var sawNil bool
	out, err := ModifyUpdate(buf, func(st State) State {
		if st == nil {
			sawNil = true
			return nil
		}
		delete(st, "token")
		return st
	})
	if err != nil {
		t.Fatalf("ModifyUpdate error: %v", err)
	}
	if !sawNil {
		t.Error("transform should see offline peers as nil")
	}

	entries, err := DecodeUpdate(out)
	if err != nil {
		t.Fatalf("DecodeUpdate error: %v", err)
	}
	if entries[0].Peer != 1 || entries[0].Clock != 1 || entries[1].Peer != 4 || entries[1].Clock != 12 {
		t.Errorf("peer/clock changed: %+v", entries)
	}
	if !equalState(entries[0].State, State{"name": "ada"}) {
		t.Errorf("state = %v", entries[0].State)
	}
	if entries[1].State != nil {
		t.Errorf("offline peer state = %v", entries[1].State)
	}
}

func TestModifyUpdate_Malformed(t *testing.T) {
	if _, err := ModifyUpdate([]byte{0x05}, func(s State) State { return s }); err == nil {
		t.Error("expected error")
	}
}
