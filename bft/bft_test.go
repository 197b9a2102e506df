// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/ledger/ledgertest"
	"github.com/luxfi/narwhal/storage"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/wire"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []wire.Event
}

func (f *fakeSender) SendTo(peer types.Address, ev wire.Event) error { return f.record(ev) }
func (f *fakeSender) Broadcast(ev wire.Event) error                  { return f.record(ev) }

func (f *fakeSender) record(ev wire.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeSender) pings() []*wire.PrimaryPing {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*wire.PrimaryPing
	for _, ev := range f.sent {
		if p, ok := ev.(*wire.PrimaryPing); ok {
			out = append(out, p)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func addr(b byte) types.Address {
	var a types.Address
	a[0] = b
	return a
}

func genesis(author types.Address) *types.BatchCertificate {
	return &types.BatchCertificate{Header: types.BatchHeader{Author: author, Round: 0}}
}

func childOf(parent *types.BatchCertificate, author types.Address, round uint64) *types.BatchCertificate {
	return &types.BatchCertificate{Header: types.BatchHeader{
		Author:               author,
		Round:                round,
		ParentCertificateIDs: []types.Digest{parent.ID()},
	}}
}

// TestEvaluateCommitsAnchorWithAvailabilityQuorum exercises the single-
// validator case: the leader is the sole committee member, so its own
// round-3 certificate (which references the round-2 anchor as parent)
// trivially reaches the availability threshold.
func TestEvaluateCommitsAnchorWithAvailabilityQuorum(t *testing.T) {
	a1 := addr(1)
	committee := types.NewCommittee(types.Digest{}, 0, []types.Validator{{Address: a1, Stake: 1}})
	require.Equal(t, a1, committee.Leader(2))

	store := storage.New()
	r0 := genesis(a1)
	require.NoError(t, store.InsertCertificate(r0))
	r1 := childOf(r0, a1, 1)
	require.NoError(t, store.InsertCertificate(r1))
	anchor := childOf(r1, a1, 2)
	require.NoError(t, store.InsertCertificate(anchor))
	r3 := childOf(anchor, a1, 3)
	require.NoError(t, store.InsertCertificate(r3))

	lg := ledgertest.New(committee)
	sender := &fakeSender{}
	eng := New(config.Default(), nil, store, lg, sender, 0)

	eng.Evaluate(context.Background())

	require.Equal(t, uint64(2), eng.DecidedThrough())
	pings := sender.pings()
	require.Len(t, pings, 1)
	require.Equal(t, uint64(2), pings[0].CommittedRound)
	require.Equal(t, uint64(1), pings[0].CommittedHeight)

	blk, err := lg.GetBlock(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, anchor.ID(), blk.(*ledgertest.Block).Subdag.Anchor)
}

// TestEvaluateDoesNothingWithoutAnchorOrQuorum covers the pending case:
// no anchor certificate, and support round stake below quorum, so the
// engine must neither commit nor skip.
func TestEvaluateDoesNothingWithoutAnchorOrQuorum(t *testing.T) {
	a1, a2 := addr(1), addr(2)
	committee := types.NewCommittee(types.Digest{}, 0, []types.Validator{
		{Address: a1, Stake: 1},
		{Address: a2, Stake: 1},
	})
	store := storage.New()
	lg := ledgertest.New(committee)
	eng := New(config.Default(), nil, store, lg, &fakeSender{}, 0)

	eng.Evaluate(context.Background())
	require.Equal(t, uint64(0), eng.DecidedThrough())
}

// TestEvaluateSkipsAnchorAfterLeaderTimeout builds a DAG where the
// round-2 anchor leader never certifies, but the support round (3)
// still reaches quorum stake from the other validators. The skip rule
// should fire only once the leader-certificate delay has elapsed.
func TestEvaluateSkipsAnchorAfterLeaderTimeout(t *testing.T) {
	a1, a2, a3, a4 := addr(1), addr(2), addr(3), addr(4)
	committee := types.NewCommittee(types.Digest{}, 0, []types.Validator{
		{Address: a1, Stake: 1},
		{Address: a2, Stake: 1},
		{Address: a3, Stake: 1},
		{Address: a4, Stake: 1},
	})
	require.Equal(t, uint64(3), committee.QuorumThreshold())
	require.Equal(t, uint64(2), committee.AvailabilityThreshold())

	leader := committee.Leader(2)
	others := []types.Address{a1, a2, a3, a4}
	var followers []types.Address
	for _, a := range others {
		if a != leader {
			followers = append(followers, a)
		}
	}
	require.Len(t, followers, 3)

	store := storage.New()

	// Round 0/1/2/3 certificates from the three non-leader validators
	// only; the leader never certifies at round 2, so no anchor exists.
	round1 := make(map[types.Address]*types.BatchCertificate)
	round2 := make(map[types.Address]*types.BatchCertificate)
	for _, f := range followers {
		r0 := genesis(f)
		require.NoError(t, store.InsertCertificate(r0))
		r1 := childOf(r0, f, 1)
		require.NoError(t, store.InsertCertificate(r1))
		round1[f] = r1
	}
	for _, f := range followers {
		r2 := childOf(round1[f], f, 2)
		require.NoError(t, store.InsertCertificate(r2))
		round2[f] = r2
	}
	for _, f := range followers {
		r3 := childOf(round2[f], f, 3)
		require.NoError(t, store.InsertCertificate(r3))
	}

	_, anchorCertified := store.CertificateByAuthor(2, leader)
	require.False(t, anchorCertified)

	lg := ledgertest.New(committee)
	sender := &fakeSender{}
	cfg := config.Default()
	cfg.MaxLeaderCertificateDelay = 5 * time.Second
	eng := New(cfg, nil, store, lg, sender, 0)
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	eng.SetClock(clk)

	eng.Evaluate(context.Background())
	require.Equal(t, uint64(0), eng.DecidedThrough(), "timeout has not elapsed yet")

	clk.Advance(cfg.MaxLeaderCertificateDelay + time.Second)
	eng.Evaluate(context.Background())
	require.Equal(t, uint64(2), eng.DecidedThrough(), "leader timeout should skip the anchor round")
	require.Empty(t, sender.pings(), "a skip is not a commit and must not broadcast a primary ping")
}

func TestDecidedThroughStartsFromConstructorArgument(t *testing.T) {
	committee := types.NewCommittee(types.Digest{}, 0, []types.Validator{{Address: addr(1), Stake: 1}})
	eng := New(config.Default(), nil, storage.New(), ledgertest.New(committee), &fakeSender{}, 10)
	require.Equal(t, uint64(10), eng.DecidedThrough())
}
