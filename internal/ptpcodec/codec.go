/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Little-endian primitive encode/decode and PTP container framing
 */

// Package ptpcodec implements the wire-level encoding of the
// PTP-over-USB container format: little-endian primitive codecs, PTP
// string codecs, and the Container type that every higher layer of
// mtpgo builds on.
package ptpcodec

import (
	"encoding/binary"
	"errors"
	"unicode/utf16"
)

// HeaderLen is the size, in bytes, of a PTP container header.
const HeaderLen = 12

// Container types, as carried in the header's Type field.
const (
	TypeCommand  uint16 = 1
	TypeData     uint16 = 2
	TypeResponse uint16 = 3
	TypeEvent    uint16 = 4
)

// ErrShortBuffer is returned by decoders when the input does not hold
// enough bytes for the requested field; callers should treat it as
// "none" rather than propagate it as a hard failure where the spec
// calls for that behavior (see DecodeU8 and friends).
var ErrShortBuffer = errors.New("ptpcodec: buffer too short")

// Container is a single PTP container: a 12-byte header plus an
// opaque payload. For Command containers the payload is Params
// encoded as little-endian u32s; for Data containers the payload is
// raw bytes; for Response containers the payload is up to five
// little-endian u32 params.
type Container struct {
	Type          uint16
	Code          uint16
	TransactionID uint32
	Params        []uint32
	Payload       []byte
}

// Len returns the encoded length of the container, including the
// 12-byte header.
func (c *Container) Len() uint32 {
	switch c.Type {
	case TypeCommand, TypeResponse, TypeEvent:
		return uint32(HeaderLen + 4*len(c.Params))
	default:
		return uint32(HeaderLen + len(c.Payload))
	}
}

// Encode serializes the container into its wire form.
func (c *Container) Encode() []byte {
	switch c.Type {
	case TypeCommand, TypeResponse, TypeEvent:
		buf := make([]byte, HeaderLen+4*len(c.Params))
		binary.LittleEndian.PutUint32(buf[0:4], c.Len())
		binary.LittleEndian.PutUint16(buf[4:6], c.Type)
		binary.LittleEndian.PutUint16(buf[6:8], c.Code)
		binary.LittleEndian.PutUint32(buf[8:12], c.TransactionID)
		for i, p := range c.Params {
			binary.LittleEndian.PutUint32(buf[HeaderLen+4*i:], p)
		}
		return buf
	default:
		buf := make([]byte, HeaderLen+len(c.Payload))
		binary.LittleEndian.PutUint32(buf[0:4], c.Len())
		binary.LittleEndian.PutUint16(buf[4:6], c.Type)
		binary.LittleEndian.PutUint16(buf[6:8], c.Code)
		binary.LittleEndian.PutUint32(buf[8:12], c.TransactionID)
		copy(buf[HeaderLen:], c.Payload)
		return buf
	}
}

// DecodeHeader parses the fixed 12-byte container header. It returns
// ErrShortBuffer if buf is shorter than HeaderLen.
func DecodeHeader(buf []byte) (length uint32, typ, code uint16, txid uint32, err error) {
	if len(buf) < HeaderLen {
		return 0, 0, 0, 0, ErrShortBuffer
	}
	length = binary.LittleEndian.Uint32(buf[0:4])
	typ = binary.LittleEndian.Uint16(buf[4:6])
	code = binary.LittleEndian.Uint16(buf[6:8])
	txid = binary.LittleEndian.Uint32(buf[8:12])
	return length, typ, code, txid, nil
}

// Decode parses a complete container (header plus payload already
// assembled by the transaction engine's data-phase reassembly). For
// Command and Response types, the payload is interpreted as a vector
// of u32 params; for Data and Event it is kept raw (Event payload
// still follows the response-shaped param layout per spec, decoded by
// the caller with DecodeParams when needed).
func Decode(buf []byte) (*Container, error) {
	length, typ, code, txid, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if length < HeaderLen || int(length) != len(buf) {
		return nil, errors.New("ptpcodec: length field does not match buffer size")
	}

	c := &Container{Type: typ, Code: code, TransactionID: txid}
	rest := buf[HeaderLen:]

	switch typ {
	case TypeCommand, TypeResponse:
		if len(rest)%4 != 0 {
			return nil, errors.New("ptpcodec: param payload not a multiple of 4 bytes")
		}
		params := make([]uint32, len(rest)/4)
		for i := range params {
			params[i] = binary.LittleEndian.Uint32(rest[4*i:])
		}
		c.Params = params
	default:
		c.Payload = append([]byte(nil), rest...)
	}

	return c, nil
}

// DecodeParams interprets raw bytes (e.g. an Event container's
// payload) as a vector of little-endian u32 params.
func DecodeParams(buf []byte) []uint32 {
	n := len(buf) / 4
	params := make([]uint32, n)
	for i := 0; i < n; i++ {
		params[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return params
}

// --- primitive encode/decode, little-endian ---
//
// Each Decode* function returns ok=false instead of panicking when buf
// is too short, per Testable Property 2 ("truncated buffers return
// 'none' instead of panicking").

func EncodeU8(v uint8) []byte  { return []byte{v} }
func EncodeU16(v uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return buf
}
func EncodeU32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}
func EncodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func DecodeU8(buf []byte) (v uint8, ok bool) {
	if len(buf) < 1 {
		return 0, false
	}
	return buf[0], true
}

func DecodeU16(buf []byte) (v uint16, ok bool) {
	if len(buf) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(buf), true
}

func DecodeU32(buf []byte) (v uint32, ok bool) {
	if len(buf) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf), true
}

func DecodeU64(buf []byte) (v uint64, ok bool) {
	if len(buf) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf), true
}

// EncodeString encodes a PTP string: a one-byte character count
// (including the NUL terminator) followed by UTF-16LE code units, NUL
// terminated. An empty string is encoded as a single zero byte.
func EncodeString(s string) []byte {
	if s == "" {
		return []byte{0}
	}

	units := utf16.Encode([]rune(s))
	units = append(units, 0)

	if len(units) > 255 {
		units = units[:254]
		units = append(units, 0)
	}

	buf := make([]byte, 1+2*len(units))
	buf[0] = byte(len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[1+2*i:], u)
	}
	return buf
}

// DecodeString decodes a PTP string at the start of buf, returning the
// decoded string and the number of bytes consumed. ok is false if buf
// is too short to hold the declared string.
func DecodeString(buf []byte) (s string, consumed int, ok bool) {
	if len(buf) < 1 {
		return "", 0, false
	}

	count := int(buf[0])
	need := 1 + 2*count
	if len(buf) < need {
		return "", 0, false
	}
	if count == 0 {
		return "", 1, true
	}

	units := make([]uint16, count)
	for i := 0; i < count; i++ {
		units[i] = binary.LittleEndian.Uint16(buf[1+2*i:])
	}
	// Drop the trailing NUL code unit before decoding runes.
	if units[count-1] == 0 {
		units = units[:count-1]
	}

	return string(utf16.Decode(units)), need, true
}
