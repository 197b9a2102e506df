// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gateway

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/wire"
)

// sendQueueCapacity bounds each peer's outbound event queue; when a
// peer's reader is too slow to drain it, a new send that finds the
// queue full is dropped rather than stalling the whole gateway (spec §5: "a full
// outbound queue drops the newest event and charges the peer one
// failure", matching the teacher's bounded mpsc-channel pattern).
const sendQueueCapacity = 1024

// conn is one live, handshaked peer connection: a raw net.Conn wrapped
// in a Noise Transport, with a dedicated writer goroutine draining a
// bounded outbound queue so concurrent senders never race on the
// underlying socket.
type conn struct {
	peer      types.Address
	raw       net.Conn
	transport *Transport
	maxFrame  uint32

	outbox chan wire.Event
	done   chan struct{}

	closeOnce sync.Once
}

func newConn(peer types.Address, raw net.Conn, transport *Transport, maxFrame uint32) *conn {
	return &conn{
		peer:      peer,
		raw:       raw,
		transport: transport,
		maxFrame:  maxFrame,
		outbox:    make(chan wire.Event, sendQueueCapacity),
		done:      make(chan struct{}),
	}
}

// enqueue offers ev to the outbound queue, dropping it if the queue is
// already full rather than blocking the caller.
func (c *conn) enqueue(ev wire.Event) bool {
	select {
	case c.outbox <- ev:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound queue, encrypting and framing one
// event at a time, until the connection closes or ctx is canceled.
func (c *conn) writeLoop(ctx context.Context, onError func(error)) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case ev := <-c.outbox:
			if err := c.writeEvent(ev); err != nil {
				onError(err)
				return
			}
		}
	}
}

func (c *conn) writeEvent(ev wire.Event) error {
	plaintext := wire.Encode(ev)
	chunks, err := c.transport.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("gateway: encrypt event: %w", err)
	}
	if err := wire.WriteFrame(c.raw, u32le(len(chunks)), c.maxFrame); err != nil {
		return fmt.Errorf("gateway: write chunk count: %w", err)
	}
	for _, chunk := range chunks {
		if err := wire.WriteFrame(c.raw, chunk, c.maxFrame); err != nil {
			return fmt.Errorf("gateway: write ciphertext chunk: %w", err)
		}
	}
	return nil
}

// readLoop reads whole events off the connection and hands each
// decoded event to onEvent, until the connection closes, onEvent
// signals a fatal protocol violation, or ctx is canceled.
func (c *conn) readLoop(ctx context.Context, onEvent func(wire.Event) error, onClose func(error)) {
	for {
		select {
		case <-ctx.Done():
			onClose(ctx.Err())
			return
		default:
		}
		ev, err := c.readEvent()
		if err != nil {
			onClose(err)
			return
		}
		if err := onEvent(ev); err != nil {
			onClose(err)
			return
		}
	}
}

func (c *conn) readEvent() (wire.Event, error) {
	countFrame, err := wire.ReadFrame(c.raw, c.maxFrame)
	if err != nil {
		return nil, fmt.Errorf("gateway: read chunk count: %w", err)
	}
	count := le32(countFrame)
	plaintext := make([]byte, 0, 256)
	for i := uint32(0); i < count; i++ {
		chunk, err := wire.ReadFrame(c.raw, c.maxFrame)
		if err != nil {
			return nil, fmt.Errorf("gateway: read ciphertext chunk: %w", err)
		}
		pt, err := c.transport.Decrypt(chunk)
		if err != nil {
			return nil, fmt.Errorf("gateway: decrypt chunk: %w", err)
		}
		plaintext = append(plaintext, pt...)
	}
	return wire.Decode(plaintext)
}

// Close shuts down the connection's queue and underlying socket
// exactly once.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.raw.Close()
	})
	return err
}

func u32le(n int) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}

func le32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
