// Package wire implements the node's binary wire format: a compact,
// self-describing encoding for the Message envelope and everything it
// carries (CID lists, sync handshakes, chunk headers). The scheme mirrors
// Parity's SCALE codec -- the format the upstream message definitions were
// specified against -- variable-length "compact" integers, length-prefixed
// vectors and strings, and single-byte enum variant tags.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrCompactOverflow is returned when a decoded compact integer's mode
// byte claims a big-integer length this codec doesn't support.
var ErrCompactOverflow = errors.New("wire: compact integer too large")

// WriteCompactUint appends v in SCALE's compact-integer encoding: the low
// two bits of the first byte select a mode (single byte, two bytes, four
// bytes, or a big-integer length prefix) sized to the smallest mode that
// fits v.
func WriteCompactUint(w *Buffer, v uint64) {
	switch {
	case v <= 0x3f:
		w.WriteByte(byte(v << 2))
	case v <= 0x3fff:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v<<2)|0b01)
		w.Write(b[:])
	case v <= 0x3fffffff:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v<<2)|0b10)
		w.Write(b[:])
	default:
		var full [8]byte
		binary.LittleEndian.PutUint64(full[:], v)
		n := 8
		for n > 1 && full[n-1] == 0 {
			n--
		}
		w.WriteByte(byte((n-4)<<2) | 0b11)
		w.Write(full[:n])
	}
}

// CompactLen reports how many bytes WriteCompactUint would emit for v.
func CompactLen(v uint64) int {
	switch {
	case v <= 0x3f:
		return 1
	case v <= 0x3fff:
		return 2
	case v <= 0x3fffffff:
		return 4
	default:
		var full [8]byte
		binary.LittleEndian.PutUint64(full[:], v)
		n := 8
		for n > 1 && full[n-1] == 0 {
			n--
		}
		return n + 1
	}
}

// ReadCompactUint decodes a compact integer from r.
func ReadCompactUint(r *Reader) (uint64, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, err
	}

	switch first & 0b11 {
	case 0b00:
		return uint64(first >> 2), nil
	case 0b01:
		second, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint16([]byte{first, second})
		return uint64(v >> 2), nil
	case 0b10:
		rest := make([]byte, 3)
		if _, err := io.ReadFull(r, rest); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint32([]byte{first, rest[0], rest[1], rest[2]})
		return uint64(v >> 2), nil
	default:
		n := int(first>>2) + 4
		if n > 8 {
			return 0, ErrCompactOverflow
		}
		buf := make([]byte, 8)
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(buf), nil
	}
}
