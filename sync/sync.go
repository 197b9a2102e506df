// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sync implements spec §4.5: detecting a lagging local height
// against a peer's PrimaryPing, fetching missing blocks in bounded
// windows from multiple peers in parallel, and pausing/resuming the
// primary's proposal loop for the duration of catch-up.
package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/ledger"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/wire"
)

// Sender is the outbound event interface, shared with package worker.
type Sender interface {
	SendTo(peer types.Address, ev wire.Event) error
	Broadcast(ev wire.Event) error
}

// Pauser is the subset of package primary's interface sync needs to
// halt and resume proposing (spec §4.5: "the primary's proposal loop
// is paused").
type Pauser interface {
	Pause()
	Resume(atLeastRound uint64)
}

// FailureReporter lets sync charge a peer a failure without reaching
// into the gateway's rate limiter directly.
type FailureReporter interface {
	ReportFailure(peer types.Address, reason string)
}

// Clock is the monotonic clock sync's backoff and fetch timeouts run
// against.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RoundForHeight maps a committed block height to the round the
// primary's proposal loop should resume at. The core only needs an
// approximate resumption point — proposing at too low a round merely
// costs a few wasted rounds before the DAG catches back up — so a
// caller unsure of the exact mapping may pass nil to resume at the
// fetched height itself (spec §9: approximate wiring is acceptable
// where the original left the relationship between round and height
// implementation-defined).
type RoundForHeight func(height uint64) uint64

// Sync detects and performs catch-up.
type Sync struct {
	cfg            config.Config
	log            log.Logger
	ledger         ledger.LedgerService
	sender         Sender
	primary        Pauser
	failer         FailureReporter
	clock          Clock
	roundForHeight RoundForHeight

	mu          sync.Mutex
	peerHeights map[types.Address]uint64
	running     bool

	respMu  sync.Mutex
	waiters map[types.Address]chan *wire.BlockResponse
}

// New constructs a Sync.
func New(cfg config.Config, logger log.Logger, ls ledger.LedgerService, sender Sender, primary Pauser, failer FailureReporter, roundForHeight RoundForHeight) *Sync {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Sync{
		cfg:            cfg,
		log:            logger,
		ledger:         ls,
		sender:         sender,
		primary:        primary,
		failer:         failer,
		clock:          realClock{},
		roundForHeight: roundForHeight,
		peerHeights:    make(map[types.Address]uint64),
		waiters:        make(map[types.Address]chan *wire.BlockResponse),
	}
}

// SetClock overrides sync's clock, for deterministic tests.
func (s *Sync) SetClock(c Clock) { s.clock = c }

// Running reports whether a catch-up is currently in flight.
func (s *Sync) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// OnPrimaryPing records peer's committed height and, if that height is
// at least MaxSyncDifference above local, starts a catch-up run (spec
// §4.5's trigger condition). A run already in progress is left to
// finish with the target height it started with; a ping that arrives
// during the run only makes its peer a candidate for later windows.
func (s *Sync) OnPrimaryPing(ctx context.Context, peer types.Address, ev *wire.PrimaryPing) {
	s.mu.Lock()
	s.peerHeights[peer] = ev.CommittedHeight
	running := s.running
	s.mu.Unlock()

	if running {
		return
	}
	local, err := s.ledger.LatestHeight(ctx)
	if err != nil {
		s.log.Debug("sync: cannot read local height", "err", err)
		return
	}
	if ev.CommittedHeight < local+s.cfg.MaxSyncDifference {
		return
	}
	go s.run(ctx, ev.CommittedHeight)
}

// OnBlockResponse delivers a response to whatever window fetch is
// currently waiting on peer. A response from a peer sync isn't
// currently waiting on is stale/unsolicited and silently dropped
// (spec §7 kind 3).
func (s *Sync) OnBlockResponse(peer types.Address, ev *wire.BlockResponse) {
	s.respMu.Lock()
	ch, ok := s.waiters[peer]
	s.respMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ev:
	default:
	}
}

// OnBlockRequest serves a peer's pull for blocks in [req.StartHeight,
// req.EndHeight), stopping at the first height this node doesn't
// have.
func (s *Sync) OnBlockRequest(ctx context.Context, peer types.Address, req *wire.BlockRequest) {
	var heights []uint64
	var blocks [][]byte
	for h := req.StartHeight; h < req.EndHeight; h++ {
		block, err := s.ledger.GetBlock(ctx, h)
		if err != nil {
			break
		}
		raw, err := s.ledger.EncodeBlock(ctx, block)
		if err != nil {
			s.log.Warn("sync: failed to encode block for peer", "height", h, "err", err)
			break
		}
		heights = append(heights, h)
		blocks = append(blocks, raw)
	}
	if len(heights) == 0 {
		return
	}
	if err := s.sender.SendTo(peer, &wire.BlockResponse{Heights: heights, Blocks: blocks}); err != nil {
		s.log.Debug("sync: failed to answer block request", "peer", peer.String(), "err", err)
	}
}

// run drives one full catch-up to targetHeight, pausing the primary
// for its duration (spec §4.5).
func (s *Sync) run(ctx context.Context, targetHeight uint64) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.primary.Pause()
	s.log.Info("sync: starting catch-up", "target", targetHeight)

	local, err := s.ledger.LatestHeight(ctx)
	if err != nil {
		s.log.Warn("sync: cannot read local height, aborting catch-up", "err", err)
		s.primary.Resume(0)
		return
	}

	for start := local + 1; start <= targetHeight; {
		end := start + s.cfg.SyncWindowSize
		if end > targetHeight+1 {
			end = targetHeight + 1
		}
		if err := s.fetchWindow(ctx, start, end); err != nil {
			s.log.Warn("sync: window failed, aborting catch-up", "start", start, "end", end, "err", err)
			break
		}
		newLocal, err := s.ledger.LatestHeight(ctx)
		if err != nil || newLocal < start {
			break // made no progress; avoid spinning
		}
		start = newLocal + 1
	}

	newLocal, err := s.ledger.LatestHeight(ctx)
	if err != nil {
		newLocal = local
	}
	round := newLocal
	if s.roundForHeight != nil {
		round = s.roundForHeight(newLocal)
	}
	s.primary.Resume(round)
	s.log.Info("sync: catch-up finished", "height", newLocal)
}

// fetchWindow fetches and applies every block in [start,end), retrying
// the whole window with exponential backoff on failure (spec §4.5:
// "base 250ms, cap 10s, max 5 attempts").
func (s *Sync) fetchWindow(ctx context.Context, start, end uint64) error {
	peers := s.candidatePeers(s.cfg.MaxSyncPeers)
	if len(peers) == 0 {
		return fmt.Errorf("sync: no known peers to fetch blocks [%d,%d)", start, end)
	}

	backoff := s.cfg.SyncBackoffBase
	for attempt := 0; attempt < s.cfg.SyncMaxAttempts; attempt++ {
		if tip, err := s.ledger.LatestHeight(ctx); err == nil && tip >= start {
			start = tip + 1
		}
		if start >= end {
			return nil
		}
		if ok := s.tryWindow(ctx, start, end, peers); ok {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.SyncBackoffCap {
			backoff = s.cfg.SyncBackoffCap
		}
	}
	for _, p := range peers {
		s.failer.ReportFailure(p, "failed to serve block window after retries")
	}
	return fmt.Errorf("sync: window [%d,%d) failed after %d attempts", start, end, s.cfg.SyncMaxAttempts)
}

type windowResult struct {
	peer types.Address
	resp *wire.BlockResponse
}

// tryWindow dispatches a BlockRequest to every candidate peer in
// parallel and accepts the window as soon as any one peer's response
// fully and validly covers [start,end) (spec §4.5: "a block is
// accepted once any one peer returns it and check_next_block succeeds").
func (s *Sync) tryWindow(ctx context.Context, start, end uint64, peers []types.Address) bool {
	results := make(chan windowResult, len(peers))

	s.respMu.Lock()
	for _, p := range peers {
		s.waiters[p] = make(chan *wire.BlockResponse, 1)
	}
	s.respMu.Unlock()
	defer func() {
		s.respMu.Lock()
		for _, p := range peers {
			delete(s.waiters, p)
		}
		s.respMu.Unlock()
	}()

	for _, p := range peers {
		if err := s.sender.SendTo(p, &wire.BlockRequest{StartHeight: start, EndHeight: end}); err != nil {
			s.log.Debug("sync: failed to send block request", "peer", p.String(), "err", err)
			continue
		}
		s.respMu.Lock()
		ch := s.waiters[p]
		s.respMu.Unlock()
		go func(peer types.Address, ch chan *wire.BlockResponse) {
			select {
			case resp := <-ch:
				results <- windowResult{peer: peer, resp: resp}
			case <-time.After(s.cfg.MaxFetchTimeout):
			case <-ctx.Done():
			}
		}(p, ch)
	}

	deadline := time.After(s.cfg.MaxFetchTimeout)
	for {
		select {
		case res := <-results:
			if s.applyWindow(ctx, start, end, res.resp) {
				return true
			}
			s.failer.ReportFailure(res.peer, "window response failed validation")
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// applyWindow replays every height in [start,end) from resp, in
// order, via CheckNextBlock + AdvanceToNextBlock. It returns false
// (without reverting whatever prefix it already applied) the moment a
// height is missing or fails validation; the enclosing fetchWindow
// retry picks up from the ledger's new tip on its next attempt.
func (s *Sync) applyWindow(ctx context.Context, start, end uint64, resp *wire.BlockResponse) bool {
	byHeight := make(map[uint64][]byte, len(resp.Blocks))
	for i, h := range resp.Heights {
		if i < len(resp.Blocks) {
			byHeight[h] = resp.Blocks[i]
		}
	}
	for h := start; h < end; h++ {
		raw, ok := byHeight[h]
		if !ok {
			return false
		}
		block, err := s.ledger.DecodeBlock(ctx, raw)
		if err != nil {
			s.log.Warn("sync: failed to decode fetched block", "height", h, "err", err)
			return false
		}
		if block.Height() != h {
			return false
		}
		if err := s.ledger.CheckNextBlock(ctx, block); err != nil {
			s.log.Debug("sync: fetched block failed check", "height", h, "err", err)
			return false
		}
		if err := s.ledger.AdvanceToNextBlock(ctx, block); err != nil {
			// Spec §7 kind 7: a check-passed block being rejected at
			// advance time is a bug, never a normal sync failure.
			panic(fmt.Sprintf("sync: ledger rejected a check-passed block at height %d: %v", h, err))
		}
	}
	return true
}

func (s *Sync) candidatePeers(n int) []types.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Address, 0, len(s.peerHeights))
	for p := range s.peerHeights {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	if len(out) > n {
		out = out[:n]
	}
	return out
}
