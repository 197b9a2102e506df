// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/ledger"
	"github.com/luxfi/narwhal/ledger/ledgertest"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/wire"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []wire.Event
	remote *ledgertest.Ledger
	sync   *Sync
}

func (f *fakeSender) SendTo(peer types.Address, ev wire.Event) error {
	f.mu.Lock()
	f.sent = append(f.sent, ev)
	f.mu.Unlock()

	req, ok := ev.(*wire.BlockRequest)
	if !ok || f.remote == nil || f.sync == nil {
		return nil
	}
	go func() {
		ctx := context.Background()
		var heights []uint64
		var blocks [][]byte
		for h := req.StartHeight; h < req.EndHeight; h++ {
			blk, err := f.remote.GetBlock(ctx, h)
			if err != nil {
				break
			}
			raw, err := f.remote.EncodeBlock(ctx, blk)
			if err != nil {
				break
			}
			heights = append(heights, h)
			blocks = append(blocks, raw)
		}
		if len(heights) == 0 {
			return
		}
		f.sync.OnBlockResponse(peer, &wire.BlockResponse{Heights: heights, Blocks: blocks})
	}()
	return nil
}

func (f *fakeSender) Broadcast(ev wire.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeSender) last() wire.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type fakeFailer struct {
	mu       sync.Mutex
	failures []string
}

func (f *fakeFailer) ReportFailure(peer types.Address, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, reason)
}

type fakePauser struct {
	mu       sync.Mutex
	paused   bool
	resumeCh chan uint64
}

func newFakePauser() *fakePauser { return &fakePauser{resumeCh: make(chan uint64, 1)} }

func (p *fakePauser) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

func (p *fakePauser) Resume(round uint64) {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	select {
	case p.resumeCh <- round:
	default:
	}
}

func addr(b byte) types.Address {
	var a types.Address
	a[0] = b
	return a
}

func testCommittee() *types.Committee {
	return types.NewCommittee(types.Digest{}, 0, []types.Validator{{Address: addr(1), Stake: 1}})
}

func populateBlocks(t *testing.T, lg *ledgertest.Ledger, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		blk, err := lg.PrepareNextBlock(ctx, ledger.Subdag{})
		require.NoError(t, err)
		require.NoError(t, lg.AdvanceToNextBlock(ctx, blk))
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.SyncWindowSize = 2
	cfg.MaxSyncDifference = 1
	cfg.MaxFetchTimeout = 200 * time.Millisecond
	cfg.SyncBackoffBase = 10 * time.Millisecond
	cfg.SyncBackoffCap = 50 * time.Millisecond
	cfg.SyncMaxAttempts = 3
	return cfg
}

func TestOnPrimaryPingTriggersCatchUpAndAppliesBlocks(t *testing.T) {
	committee := testCommittee()
	local := ledgertest.New(committee)
	remote := ledgertest.New(committee)
	populateBlocks(t, remote, 3)

	sender := &fakeSender{remote: remote}
	failer := &fakeFailer{}
	pauser := newFakePauser()
	s := New(testConfig(), nil, local, sender, pauser, failer, nil)
	sender.sync = s

	peer := addr(2)
	s.OnPrimaryPing(context.Background(), peer, &wire.PrimaryPing{CommittedHeight: 3})

	select {
	case round := <-pauser.resumeCh:
		require.Equal(t, uint64(3), round)
	case <-time.After(2 * time.Second):
		t.Fatal("catch-up never resumed the primary")
	}

	height, err := local.LatestHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(3), height)
	require.Empty(t, failer.failures)
	require.False(t, s.Running())
}

func TestOnPrimaryPingSkipsWhenGapBelowThreshold(t *testing.T) {
	committee := testCommittee()
	local := ledgertest.New(committee)
	sender := &fakeSender{}
	pauser := newFakePauser()
	s := New(testConfig(), nil, local, sender, pauser, &fakeFailer{}, nil)

	s.OnPrimaryPing(context.Background(), addr(2), &wire.PrimaryPing{CommittedHeight: 0})

	require.False(t, s.Running())
	require.Nil(t, sender.last())
}

func TestOnPrimaryPingUsesRoundForHeight(t *testing.T) {
	committee := testCommittee()
	local := ledgertest.New(committee)
	remote := ledgertest.New(committee)
	populateBlocks(t, remote, 2)

	sender := &fakeSender{remote: remote}
	pauser := newFakePauser()
	roundForHeight := func(height uint64) uint64 { return height * 10 }
	s := New(testConfig(), nil, local, sender, pauser, &fakeFailer{}, roundForHeight)
	sender.sync = s

	s.OnPrimaryPing(context.Background(), addr(2), &wire.PrimaryPing{CommittedHeight: 2})

	select {
	case round := <-pauser.resumeCh:
		require.Equal(t, uint64(20), round)
	case <-time.After(2 * time.Second):
		t.Fatal("catch-up never resumed the primary")
	}
}

func TestOnBlockRequestServesAvailableHeightsAndStopsAtGap(t *testing.T) {
	committee := testCommittee()
	local := ledgertest.New(committee)
	populateBlocks(t, local, 2)

	sender := &fakeSender{}
	s := New(testConfig(), nil, local, sender, newFakePauser(), &fakeFailer{}, nil)

	s.OnBlockRequest(context.Background(), addr(2), &wire.BlockRequest{StartHeight: 1, EndHeight: 5})

	resp, ok := sender.last().(*wire.BlockResponse)
	require.True(t, ok)
	require.Equal(t, []uint64{1, 2}, resp.Heights)
	require.Len(t, resp.Blocks, 2)
}

func TestOnBlockRequestSilentWhenNothingAvailable(t *testing.T) {
	committee := testCommittee()
	local := ledgertest.New(committee)
	sender := &fakeSender{}
	s := New(testConfig(), nil, local, sender, newFakePauser(), &fakeFailer{}, nil)

	s.OnBlockRequest(context.Background(), addr(2), &wire.BlockRequest{StartHeight: 1, EndHeight: 5})
	require.Nil(t, sender.last())
}

func TestFetchWindowFailsWithNoKnownPeers(t *testing.T) {
	committee := testCommittee()
	local := ledgertest.New(committee)
	s := New(testConfig(), nil, local, &fakeSender{}, newFakePauser(), &fakeFailer{}, nil)

	err := s.fetchWindow(context.Background(), 1, 2)
	require.Error(t, err)
}

func TestOnBlockResponseIgnoresUnsolicitedReplyWithoutBlocking(t *testing.T) {
	committee := testCommittee()
	local := ledgertest.New(committee)
	s := New(testConfig(), nil, local, &fakeSender{}, newFakePauser(), &fakeFailer{}, nil)

	done := make(chan struct{})
	go func() {
		s.OnBlockResponse(addr(9), &wire.BlockResponse{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnBlockResponse blocked on an unsolicited reply")
	}
}
