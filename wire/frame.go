// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameHeaderSize is the fixed length of the little-endian u32 length
// prefix spec §6 defines.
const FrameHeaderSize = 4

// WriteFrame writes a length-prefixed frame: u32 little-endian length
// (excluding the header) followed by body. maxSize bounds body's
// length (128 MiB post-handshake, 1 MiB during handshake per spec §6).
func WriteFrame(w io.Writer, body []byte, maxSize uint32) error {
	if uint32(len(body)) > maxSize {
		return fmt.Errorf("wire: frame body %d bytes exceeds max %d", len(body), maxSize)
	}
	var header [FrameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame from r, rejecting bodies
// larger than maxSize before allocating a buffer for them (guards
// against a peer claiming an enormous length to exhaust memory).
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length > maxSize {
		return nil, fmt.Errorf("wire: frame length %d exceeds max %d", length, maxSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
