package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Buffer and Reader are the concrete types Write*/Read* operate on --
// bytes.Buffer already satisfies io.ByteWriter and bytes.Reader already
// satisfies io.ByteReader, so no wrapping is needed beyond the aliases.
type Buffer = bytes.Buffer
type Reader = bytes.Reader

// NewReader wraps data for decoding.
func NewReader(data []byte) *Reader {
	return bytes.NewReader(data)
}

// WriteBool appends a single SCALE bool byte.
func WriteBool(w *Buffer, v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

// ReadBool decodes a SCALE bool byte.
func ReadBool(r *Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("wire: invalid bool byte %d", b)
	}
}

// WriteU8 appends a single byte.
func WriteU8(w *Buffer, v uint8) { w.WriteByte(v) }

// ReadU8 decodes a single byte.
func ReadU8(r *Reader) (uint8, error) { return r.ReadByte() }

// WriteU16 appends v little-endian.
func WriteU16(w *Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

// ReadU16 decodes a little-endian u16.
func ReadU16(r *Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// WriteU32 appends v little-endian.
func WriteU32(w *Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

// ReadU32 decodes a little-endian u32.
func ReadU32(r *Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// WriteBytes appends data as a compact-length-prefixed byte vector.
func WriteBytes(w *Buffer, data []byte) {
	WriteCompactUint(w, uint64(len(data)))
	w.Write(data)
}

// ReadBytes decodes a compact-length-prefixed byte vector.
func ReadBytes(r *Reader) ([]byte, error) {
	n, err := ReadCompactUint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// WriteString appends s as a compact-length-prefixed UTF-8 byte vector.
func WriteString(w *Buffer, s string) {
	WriteBytes(w, []byte(s))
}

// ReadString decodes a compact-length-prefixed UTF-8 byte vector.
func ReadString(r *Reader) (string, error) {
	b, err := ReadBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteStringSlice appends a compact-length-prefixed vector of strings.
func WriteStringSlice(w *Buffer, v []string) {
	WriteCompactUint(w, uint64(len(v)))
	for _, s := range v {
		WriteString(w, s)
	}
}

// ReadStringSlice decodes a compact-length-prefixed vector of strings.
func ReadStringSlice(r *Reader) ([]string, error) {
	n, err := ReadCompactUint(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// WriteBytesSlice appends a compact-length-prefixed vector of byte
// vectors.
func WriteBytesSlice(w *Buffer, v [][]byte) {
	WriteCompactUint(w, uint64(len(v)))
	for _, b := range v {
		WriteBytes(w, b)
	}
}

// ReadBytesSlice decodes a compact-length-prefixed vector of byte
// vectors.
func ReadBytesSlice(r *Reader) ([][]byte, error) {
	n, err := ReadCompactUint(r)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		b, err := ReadBytes(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
