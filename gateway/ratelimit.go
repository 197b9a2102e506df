// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gateway

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/wire"
)

// eventBudget is the per-event-kind token bucket rate and burst size.
// High-volume kinds (pings, transmission chatter) get a generous
// budget; low-volume consensus kinds get a tighter one, so a peer
// flooding signatures or certificates trips the limiter long before
// one flooding worker pings does.
type eventBudget struct {
	ratePerSec rate.Limit
	burst      int
}

// defaultBudgets is keyed by wire.Tag; tags absent from this map fall
// back to a conservative shared default.
var defaultBudgets = map[wire.Tag]eventBudget{
	wire.TagWorkerPing:            {ratePerSec: 5, burst: 10},
	wire.TagTransmissionRequest:   {ratePerSec: 50, burst: 100},
	wire.TagTransmissionResponse:  {ratePerSec: 50, burst: 100},
	wire.TagBatchPropose:          {ratePerSec: 5, burst: 5},
	wire.TagBatchSignature:        {ratePerSec: 20, burst: 20},
	wire.TagBatchCertified:        {ratePerSec: 5, burst: 5},
	wire.TagCertificateRequest:    {ratePerSec: 20, burst: 40},
	wire.TagCertificateResponse:   {ratePerSec: 20, burst: 40},
	wire.TagPrimaryPing:           {ratePerSec: 2, burst: 5},
	wire.TagBlockRequest:          {ratePerSec: 5, burst: 10},
	wire.TagBlockResponse:         {ratePerSec: 5, burst: 10},
	wire.TagValidatorsRequest:     {ratePerSec: 1, burst: 3},
	wire.TagValidatorsResponse:    {ratePerSec: 1, burst: 3},
	wire.TagChallengeRequest:      {ratePerSec: 1, burst: 3},
	wire.TagChallengeResponse:     {ratePerSec: 1, burst: 3},
	wire.TagDisconnect:            {ratePerSec: 1, burst: 3},
}

var defaultEventBudget = eventBudget{ratePerSec: 5, burst: 10}

// RateLimiter enforces per-peer, per-event-kind token buckets (spec
// §4.1). Exceeding a bucket counts as one failure against the peer.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[types.Address]map[wire.Tag]*rate.Limiter
}

// NewRateLimiter constructs an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[types.Address]map[wire.Tag]*rate.Limiter)}
}

// Allow reports whether peer may send one more event of tag right
// now, consuming a token if so.
func (rl *RateLimiter) Allow(peer types.Address, tag wire.Tag) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	byTag, ok := rl.buckets[peer]
	if !ok {
		byTag = make(map[wire.Tag]*rate.Limiter)
		rl.buckets[peer] = byTag
	}
	lim, ok := byTag[tag]
	if !ok {
		b, ok := defaultBudgets[tag]
		if !ok {
			b = defaultEventBudget
		}
		lim = rate.NewLimiter(b.ratePerSec, b.burst)
		byTag[tag] = lim
	}
	return lim.Allow()
}

// Forget drops peer's buckets, e.g. on disconnect.
func (rl *RateLimiter) Forget(peer types.Address) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, peer)
}
