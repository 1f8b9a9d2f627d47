// Package wire implements the primitive encodings of the awareness wire format:
// unsigned LEB128 varints and length-prefixed UTF-8 strings.
//
// A varuint stores 7 bits per byte, least significant group first, with the
// high bit set on every byte except the last:
//
//	300 -> 0xAC 0x02
//
// A varstring is a varuint byte length followed by that many UTF-8 bytes.
//
// The Decoder never panics on hostile input. Every failure is an
// *errors.Error in the malformed category carrying the byte offset.
package wire
