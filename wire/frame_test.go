// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("a narwhal batch header, serialized")
	require.NoError(t, WriteFrame(&buf, body, 1024))

	got, err := ReadFrame(&buf, 1024)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestWriteFrameRejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, 10), 4)
	require.Error(t, err)
	require.Zero(t, buf.Len())
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	// Write a frame whose header claims a 100-byte body and read it
	// with maxSize 50: ReadFrame must reject the header's length before
	// allocating, so a hostile peer cannot force an oversized buffer.
	require.NoError(t, WriteFrame(&buf, make([]byte, 100), 1024))
	trimmed := bytes.NewReader(buf.Bytes())
	_, err := ReadFrame(trimmed, 50)
	require.Error(t, err)
}

func TestReadFrameShortRead(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2}), 1024)
	require.Error(t, err)
}
