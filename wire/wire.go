package wire

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/vinayprograms/awarekit/errors"
)

// Encoder appends wire primitives to a growing buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with room for size bytes.
func NewEncoder(size int) *Encoder {
	return &Encoder{buf: make([]byte, 0, size)}
}

// WriteVarUint appends v as an unsigned LEB128 varint.
func (e *Encoder) WriteVarUint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

// WriteVarBytes appends a length-prefixed byte slice.
func (e *Encoder) WriteVarBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// WriteVarString appends a length-prefixed string.
func (e *Encoder) WriteVarString(s string) {
	e.WriteVarUint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteRaw appends bytes without a length prefix.
func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Bytes returns the encoded buffer. The encoder must not be reused afterwards.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder reads wire primitives from a buffer.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a decoder over buf. The buffer is not copied.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Offset returns the position of the next unread byte.
func (d *Decoder) Offset() int {
	return d.pos
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// ReadVarUint reads an unsigned LEB128 varint.
func (d *Decoder) ReadVarUint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	switch {
	case n == 0:
		return 0, errors.Malformed(errors.ErrCodeTruncated, "varuint runs past end of buffer", d.pos)
	case n < 0:
		return 0, errors.Malformed(errors.ErrCodeOverflow, "varuint overflows 64 bits", d.pos)
	}
	d.pos += n
	return v, nil
}

// ReadVarBytes reads a length-prefixed byte slice. The result aliases the
// decoder's buffer.
func (d *Decoder) ReadVarBytes() ([]byte, error) {
	start := d.pos
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Remaining()) {
		d.pos = start
		return nil, errors.Malformed(errors.ErrCodeTruncated, "length prefix exceeds buffer", start)
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

// ReadVarString reads a length-prefixed UTF-8 string.
func (d *Decoder) ReadVarString() (string, error) {
	start := d.pos
	b, err := d.ReadVarBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.Malformed(errors.ErrCodeInvalidText, "string is not valid UTF-8", start)
	}
	return string(b), nil
}

// Rest returns the unread bytes and advances to the end.
func (d *Decoder) Rest() []byte {
	b := d.buf[d.pos:]
	d.pos = len(d.buf)
	return b
}
