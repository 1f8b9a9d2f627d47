package wire

import (
	"bytes"
	"math"
	"testing"

	"github.com/vinayprograms/awarekit/errors"
)

func TestVarUint_KnownBytes(t *testing.T) {
	tests := []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{300, []byte{0xac, 0x02}},
		{1 << 32, []byte{0x80, 0x80, 0x80, 0x80, 0x10}},
	}

	for _, tt := range tests {
		enc := NewEncoder(0)
		enc.WriteVarUint(tt.v)
		if !bytes.Equal(enc.Bytes(), tt.want) {
			t.Errorf("WriteVarUint(%d) = %x, want %x", tt.v, enc.Bytes(), tt.want)
		}

		got, err := NewDecoder(tt.want).ReadVarUint()
		if err != nil {
			t.Fatalf("ReadVarUint(%x) error: %v", tt.want, err)
		}
		if got != tt.v {
			t.Errorf("ReadVarUint(%x) = %d, want %d", tt.want, got, tt.v)
		}
	}
}

func TestVarUint_MaxValue(t *testing.T) {
	enc := NewEncoder(10)
	enc.WriteVarUint(math.MaxUint64)
	got, err := NewDecoder(enc.Bytes()).ReadVarUint()
	if err != nil || got != math.MaxUint64 {
		t.Errorf("got %d, %v", got, err)
	}
}

func TestVarString_RoundTrip(t *testing.T) {
	enc := NewEncoder(0)
	enc.WriteVarString("")
	enc.WriteVarString("héllo")
	enc.WriteVarString(`{"x":1}`)

	dec := NewDecoder(enc.Bytes())
	for _, want := range []string{"", "héllo", `{"x":1}`} {
		got, err := dec.ReadVarString()
		if err != nil {
			t.Fatalf("ReadVarString error: %v", err)
		}
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if dec.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", dec.Remaining())
	}
}

func TestDecoder_Malformed(t *testing.T) {
	tests := []struct {
		name       string
		buf        []byte
		read       func(*Decoder) error
		wantCode   errors.ErrorCode
		wantOffset int
	}{
		{
			name:     "empty varuint",
			buf:      nil,
			read:     func(d *Decoder) error { _, err := d.ReadVarUint(); return err },
			wantCode: errors.ErrCodeTruncated,
		},
		{
			name:     "dangling continuation bit",
			buf:      []byte{0x80, 0x80},
			read:     func(d *Decoder) error { _, err := d.ReadVarUint(); return err },
			wantCode: errors.ErrCodeTruncated,
		},
		{
			name:     "eleven byte varuint",
			buf:      []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01},
			read:     func(d *Decoder) error { _, err := d.ReadVarUint(); return err },
			wantCode: errors.ErrCodeOverflow,
		},
		{
			name:     "string longer than buffer",
			buf:      []byte{0x05, 'a', 'b'},
			read:     func(d *Decoder) error { _, err := d.ReadVarString(); return err },
			wantCode: errors.ErrCodeTruncated,
		},
		{
			name:     "invalid utf8",
			buf:      []byte{0x02, 0xc3, 0x28},
			read:     func(d *Decoder) error { _, err := d.ReadVarString(); return err },
			wantCode: errors.ErrCodeInvalidText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.read(NewDecoder(tt.buf))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.wantCode) {
				t.Errorf("code = %v, want %v", errors.Code(err), tt.wantCode)
			}
			if !errors.IsMalformed(err) {
				t.Error("expected malformed category")
			}
			if got := errors.AsCoded(err).Offset(); got != tt.wantOffset {
				t.Errorf("offset = %d, want %d", got, tt.wantOffset)
			}
		})
	}
}

func TestDecoder_OffsetOfSecondValue(t *testing.T) {
	dec := NewDecoder([]byte{0x01, 0x80})
	if _, err := dec.ReadVarUint(); err != nil {
		t.Fatal(err)
	}
	_, err := dec.ReadVarUint()
	if got := errors.AsCoded(err).Offset(); got != 1 {
		t.Errorf("offset = %d, want 1", got)
	}
}

func TestVarBytesAndRest(t *testing.T) {
	enc := NewEncoder(0)
	enc.WriteVarBytes([]byte{1, 2, 3})
	enc.WriteRaw([]byte{9, 9})

	dec := NewDecoder(enc.Bytes())
	b, err := dec.ReadVarBytes()
	if err != nil || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("ReadVarBytes = %v, %v", b, err)
	}
	if rest := dec.Rest(); !bytes.Equal(rest, []byte{9, 9}) {
		t.Errorf("Rest() = %v", rest)
	}
	if dec.Remaining() != 0 {
		t.Errorf("Remaining() = %d", dec.Remaining())
	}
}
