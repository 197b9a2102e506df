// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gateway

import (
	"sync"
	"time"

	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/types"
)

// peerRecord is one peer's cooldown/ban/failure bookkeeping (spec
// §4.1, SPEC_FULL.md supplemented feature 3: "a peer book with
// cooldown-until and ban-until timestamps").
type peerRecord struct {
	cooldownUntil time.Time
	banUntil      time.Time
	failures      []time.Time // rolling FailureWindow of failure timestamps
}

// PeerBook tracks per-peer cooldown/ban state and the rolling failure
// count that triggers a ban (spec §4.1: "MAX_FAILURES_PER_PEER (=25)
// cumulative failures within a rolling 60s window cause disconnection
// and a 300s ban").
type PeerBook struct {
	cfg   config.Config
	clock Clock

	mu    sync.Mutex
	peers map[types.Address]*peerRecord
}

// NewPeerBook constructs an empty PeerBook.
func NewPeerBook(cfg config.Config, clock Clock) *PeerBook {
	if clock == nil {
		clock = realClock{}
	}
	return &PeerBook{cfg: cfg, clock: clock, peers: make(map[types.Address]*peerRecord)}
}

func (b *PeerBook) record(addr types.Address) *peerRecord {
	r, ok := b.peers[addr]
	if !ok {
		r = &peerRecord{}
		b.peers[addr] = r
	}
	return r
}

// ReportFailure charges addr one protocol-violation/rate-limit failure
// (spec §4.1, §7 kind 2/4). Once MaxFailuresPerPeer accrue within
// FailureWindow, addr is banned for BanDuration.
func (b *PeerBook) ReportFailure(addr types.Address, reason string) {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.record(addr)
	r.failures = append(r.failures, now)
	r.failures = pruneBefore(r.failures, now.Add(-b.cfg.FailureWindow))
	if len(r.failures) >= b.cfg.MaxFailuresPerPeer {
		r.banUntil = now.Add(b.cfg.BanDuration)
		r.failures = nil
	}
}

func pruneBefore(ts []time.Time, horizon time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(horizon) {
			out = append(out, t)
		}
	}
	return out
}

// Cooldown places addr on a cooldown list, e.g. after a failed
// handshake (spec §4.1: "the peer is placed on a cooldown list").
func (b *PeerBook) Cooldown(addr types.Address, d time.Duration) {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(addr).cooldownUntil = now.Add(d)
}

// IsBanned reports whether addr is currently banned.
func (b *PeerBook) IsBanned(addr types.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.peers[addr]
	if !ok {
		return false
	}
	return b.clock.Now().Before(r.banUntil)
}

// IsCoolingDown reports whether addr is still on cooldown.
func (b *PeerBook) IsCoolingDown(addr types.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.peers[addr]
	if !ok {
		return false
	}
	return b.clock.Now().Before(r.cooldownUntil)
}

// Dialable reports whether addr may currently be dialed or accepted
// (neither banned nor cooling down).
func (b *PeerBook) Dialable(addr types.Address) bool {
	return !b.IsBanned(addr) && !b.IsCoolingDown(addr)
}
