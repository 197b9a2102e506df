// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire implements the bit-exact event codec and frame format
// of spec §6: little-endian fixed-width fields, u16/u32-count-prefixed
// collections, and a length-prefixed frame header.
//
// The Writer/Reader pair below follows the shape of the teacher's
// utils/wrappers.Packer (sticky first-error, append-style byte
// building) but is little-endian throughout per spec §6, whereas the
// teacher's Packer is big-endian — this is the one place this module
// deliberately diverges from the teacher's exact byte order, because
// spec §6 fixes the wire format for interoperability and the teacher's
// Packer was never itself exposed as a cross-process wire contract.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/luxfi/narwhal/types"
)

// ErrShortBuffer is returned when a Reader runs out of bytes mid-field.
var ErrShortBuffer = errors.New("wire: unexpected end of buffer")

// Writer accumulates a little-endian encoded payload. Like the
// teacher's Packer, once Err is set every subsequent Pack call is a
// no-op, so callers can chain calls and check Err once at the end.
type Writer struct {
	Bytes []byte
	Err   error
}

// NewWriter returns a Writer with capacity hint size.
func NewWriter(size int) *Writer {
	return &Writer{Bytes: make([]byte, 0, size)}
}

func (w *Writer) U8(v uint8) *Writer {
	if w.Err != nil {
		return w
	}
	w.Bytes = append(w.Bytes, v)
	return w
}

func (w *Writer) U16(v uint16) *Writer {
	if w.Err != nil {
		return w
	}
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	w.Bytes = append(w.Bytes, tmp[:]...)
	return w
}

func (w *Writer) U32(v uint32) *Writer {
	if w.Err != nil {
		return w
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.Bytes = append(w.Bytes, tmp[:]...)
	return w
}

func (w *Writer) U64(v uint64) *Writer {
	if w.Err != nil {
		return w
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.Bytes = append(w.Bytes, tmp[:]...)
	return w
}

func (w *Writer) I64(v int64) *Writer { return w.U64(uint64(v)) }

// Raw appends b verbatim, for already-fixed-width fields (digests,
// addresses, signatures) which are not themselves length-prefixed.
func (w *Writer) Raw(b []byte) *Writer {
	if w.Err != nil {
		return w
	}
	w.Bytes = append(w.Bytes, b...)
	return w
}

// Digest appends a fixed 32-byte digest field.
func (w *Writer) Digest(d types.Digest) *Writer { return w.Raw(d[:]) }

// Address appends a fixed-width validator address.
func (w *Writer) Address(a types.Address) *Writer { return w.Raw(a[:]) }

// BytesU32 appends a u32 length prefix followed by b's content — the
// "u32 otherwise" variable-length collection framing of spec §6.
func (w *Writer) BytesU32(b []byte) *Writer {
	if w.Err != nil {
		return w
	}
	w.U32(uint32(len(b)))
	return w.Raw(b)
}

// TransmissionIDsU32 encodes a transmission ID list with a u32 count
// prefix (spec §6: "u32 otherwise").
func (w *Writer) TransmissionIDsU32(ids []types.TransmissionID) *Writer {
	if w.Err != nil {
		return w
	}
	w.U32(uint32(len(ids)))
	for _, id := range ids {
		w.U8(byte(id.Kind))
		w.Digest(id.Digest)
	}
	return w
}

// DigestsU32 encodes a digest list with a u32 count prefix.
func (w *Writer) DigestsU32(ds []types.Digest) *Writer {
	if w.Err != nil {
		return w
	}
	w.U32(uint32(len(ds)))
	for _, d := range ds {
		w.Digest(d)
	}
	return w
}

// AddressesU16 encodes an address list with a u16 count prefix (spec
// §6: "u16 for peer lists ≤ 255").
func (w *Writer) AddressesU16(addrs []types.Address) *Writer {
	if w.Err != nil {
		return w
	}
	w.U16(uint16(len(addrs)))
	for _, a := range addrs {
		w.Address(a)
	}
	return w
}

// Reader consumes a little-endian encoded payload produced by Writer.
type Reader struct {
	buf []byte
	pos int
	Err error
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) need(n int) bool {
	if r.Err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.Err = fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, n, len(r.buf)-r.pos)
		return false
	}
	return true
}

func (r *Reader) U8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *Reader) U16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *Reader) U32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *Reader) U64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *Reader) I64() int64 { return int64(r.U64()) }

func (r *Reader) Raw(n int) []byte {
	if !r.need(n) {
		return nil
	}
	out := append([]byte(nil), r.buf[r.pos:r.pos+n]...)
	r.pos += n
	return out
}

func (r *Reader) Digest() types.Digest {
	var d types.Digest
	copy(d[:], r.Raw(len(d)))
	return d
}

func (r *Reader) Address() types.Address {
	var a types.Address
	copy(a[:], r.Raw(len(a)))
	return a
}

func (r *Reader) BytesU32() []byte {
	n := r.U32()
	if r.Err != nil {
		return nil
	}
	return r.Raw(int(n))
}

func (r *Reader) TransmissionIDsU32() []types.TransmissionID {
	n := r.U32()
	if r.Err != nil {
		return nil
	}
	out := make([]types.TransmissionID, 0, n)
	for i := uint32(0); i < n; i++ {
		kind := types.Kind(r.U8())
		d := r.Digest()
		if r.Err != nil {
			return nil
		}
		out = append(out, types.TransmissionID{Kind: kind, Digest: d})
	}
	return out
}

func (r *Reader) DigestsU32() []types.Digest {
	n := r.U32()
	if r.Err != nil {
		return nil
	}
	out := make([]types.Digest, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, r.Digest())
		if r.Err != nil {
			return nil
		}
	}
	return out
}

func (r *Reader) AddressesU16() []types.Address {
	n := r.U16()
	if r.Err != nil {
		return nil
	}
	out := make([]types.Address, 0, n)
	for i := uint16(0); i < n; i++ {
		out = append(out, r.Address())
		if r.Err != nil {
			return nil
		}
	}
	return out
}

// Done reports whether the reader consumed the entire buffer with no
// error, the shape a Decode function checks before returning success.
func (r *Reader) Done() error {
	if r.Err != nil {
		return r.Err
	}
	if r.pos != len(r.buf) {
		return fmt.Errorf("wire: %d trailing bytes", len(r.buf)-r.pos)
	}
	return nil
}
