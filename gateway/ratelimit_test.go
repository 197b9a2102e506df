// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/narwhal/wire"
)

func TestRateLimiterAllowsUpToBurstThenBlocks(t *testing.T) {
	rl := NewRateLimiter()
	p := addr(1)
	budget := defaultBudgets[wire.TagBatchPropose]

	for i := 0; i < budget.burst; i++ {
		require.True(t, rl.Allow(p, wire.TagBatchPropose), "burst allowance should not be exhausted yet")
	}
	require.False(t, rl.Allow(p, wire.TagBatchPropose), "burst allowance should now be exhausted")
}

func TestRateLimiterTracksPeersIndependently(t *testing.T) {
	rl := NewRateLimiter()
	p1, p2 := addr(1), addr(2)
	budget := defaultBudgets[wire.TagBatchPropose]

	for i := 0; i < budget.burst; i++ {
		require.True(t, rl.Allow(p1, wire.TagBatchPropose))
	}
	require.False(t, rl.Allow(p1, wire.TagBatchPropose))
	require.True(t, rl.Allow(p2, wire.TagBatchPropose), "a different peer must have its own bucket")
}

func TestRateLimiterTracksTagsIndependently(t *testing.T) {
	rl := NewRateLimiter()
	p := addr(1)
	budget := defaultBudgets[wire.TagBatchPropose]

	for i := 0; i < budget.burst; i++ {
		require.True(t, rl.Allow(p, wire.TagBatchPropose))
	}
	require.False(t, rl.Allow(p, wire.TagBatchPropose))
	require.True(t, rl.Allow(p, wire.TagWorkerPing), "a different event kind must have its own bucket")
}

func TestRateLimiterForgetResetsPeer(t *testing.T) {
	rl := NewRateLimiter()
	p := addr(1)
	budget := defaultBudgets[wire.TagBatchPropose]

	for i := 0; i < budget.burst; i++ {
		require.True(t, rl.Allow(p, wire.TagBatchPropose))
	}
	require.False(t, rl.Allow(p, wire.TagBatchPropose))

	rl.Forget(p)
	require.True(t, rl.Allow(p, wire.TagBatchPropose), "forgetting a peer must reset its buckets")
}

func TestRateLimiterUnknownTagUsesDefaultBudget(t *testing.T) {
	rl := NewRateLimiter()
	p := addr(1)
	for i := 0; i < defaultEventBudget.burst; i++ {
		require.True(t, rl.Allow(p, wire.Tag(250)))
	}
	require.False(t, rl.Allow(p, wire.Tag(250)))
}
