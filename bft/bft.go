// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bft implements spec §4.4: anchor election, the availability-
// threshold commit rule, the leader-timeout skip rule, and the
// deterministic causal traversal that turns a committed anchor into an
// ordered subdag handed to the ledger service.
//
// The engine is driven by a poll loop in the same style as package
// primary's gatherParents/collectSignatures: storage is the only
// cross-subsystem mutable state (spec §5), so re-evaluating on a short
// ticker rather than wiring a dedicated "certificate stored" channel
// keeps this package decoupled from exactly which subsystem inserted
// the certificate that makes a round ready to decide.
package bft

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/internal/xset"
	"github.com/luxfi/narwhal/ledger"
	"github.com/luxfi/narwhal/storage"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/wire"
)

// Sender is the outbound event interface, shared with package worker.
type Sender interface {
	SendTo(peer types.Address, ev wire.Event) error
	Broadcast(ev wire.Event) error
}

// Clock is the monotonic clock the leader-timeout skip rule runs
// against (spec §9: prefer monotonic clocks for intra-node deadlines).
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Engine decides, every even round, whether the leader's certificate
// becomes a committed anchor, and on commit performs the deterministic
// causal traversal of spec §4.4.
type Engine struct {
	cfg    config.Config
	log    log.Logger
	store  *storage.Storage
	ledger ledger.LedgerService
	sender Sender
	clock  Clock

	mu             sync.Mutex
	decidedThrough uint64 // highest even round already committed or skipped
	committed      xset.Set[types.Digest]
	reachedAt      map[uint64]time.Time // support round -> first time it was observed at quorum stake
}

// New constructs an Engine. decidedThrough should be 0 for a fresh
// chain (the first anchor considered is round 2) or the last anchor
// round a restarted node already decided, read back from the ledger
// service's persisted height.
func New(cfg config.Config, logger log.Logger, store *storage.Storage, ls ledger.LedgerService, sender Sender, decidedThrough uint64) *Engine {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Engine{
		cfg:            cfg,
		log:            logger,
		store:          store,
		ledger:         ls,
		sender:         sender,
		clock:          realClock{},
		decidedThrough: decidedThrough,
		committed:      xset.New[types.Digest](0),
		reachedAt:      make(map[uint64]time.Time),
	}
}

// SetClock overrides the engine's clock, for deterministic tests.
func (e *Engine) SetClock(c Clock) { e.clock = c }

// DecidedThrough returns the highest anchor round already committed or
// skipped.
func (e *Engine) DecidedThrough() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decidedThrough
}

// Run drives the engine until ctx is cancelled, re-evaluating pending
// anchors on a short tick.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Evaluate(ctx)
		}
	}
}

// Evaluate decides every anchor round that has become resolvable since
// the last call, stopping at the first round still pending. Exported
// so tests (and a primary/gateway-driven "certificate just arrived"
// hook) can force an evaluation without waiting a tick.
func (e *Engine) Evaluate(ctx context.Context) {
	for {
		anchorRound := e.nextAnchorRound()
		decided, err := e.evaluateAnchor(ctx, anchorRound)
		if err != nil {
			e.log.Warn("bft: failed to evaluate anchor round", "round", anchorRound, "err", err)
			return
		}
		if !decided {
			return
		}
	}
}

func (e *Engine) nextAnchorRound() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decidedThrough + 2
}

// evaluateAnchor applies spec §4.4's commit rule and leader-timeout
// skip rule to a single even round. It returns decided=true once the
// round has either committed or been skipped, at which point the
// caller should re-evaluate the next anchor round.
func (e *Engine) evaluateAnchor(ctx context.Context, anchorRound uint64) (decided bool, err error) {
	committee, err := e.ledger.CommitteeForRound(ctx, anchorRound)
	if err != nil {
		return false, fmt.Errorf("bft: resolve committee for round %d: %w", anchorRound, err)
	}
	leader := committee.Leader(anchorRound)
	anchorCert, anchorCertified := e.store.CertificateByAuthor(anchorRound, leader)

	supportRound := anchorRound + 1
	var anchorSupportStake uint64
	if anchorCertified {
		anchorSupportStake = e.store.StakeSupporting(supportRound, anchorCert.ID(), committee)
	}
	if anchorCertified && anchorSupportStake >= committee.AvailabilityThreshold() {
		if err := e.commit(ctx, anchorCert, committee); err != nil {
			return false, err
		}
		return true, nil
	}

	if e.roundCertifiedStake(supportRound, committee) >= committee.QuorumThreshold() {
		firstSeen := e.markRoundReached(supportRound)
		if e.clock.Now().Sub(firstSeen) >= e.cfg.MaxLeaderCertificateDelay {
			e.skip(anchorRound)
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) roundCertifiedStake(round uint64, committee *types.Committee) uint64 {
	var total uint64
	for _, c := range e.store.RoundCertificates(round) {
		total += committee.Stake(c.Author())
	}
	return total
}

func (e *Engine) markRoundReached(round uint64) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.reachedAt[round]; ok {
		return t
	}
	now := e.clock.Now()
	e.reachedAt[round] = now
	return now
}

// skip advances past anchorRound without a block: no certificate from
// its leader reached the availability threshold of support within the
// leader-certificate delay (spec §4.4 "Leader timeout"). Certificates
// in anchorRound and below are not lost — a later anchor's causal
// traversal will naturally sweep them into its subdag if they are
// transitively reachable (spec §8 scenario 2).
func (e *Engine) skip(anchorRound uint64) {
	e.log.Info("bft: skipping anchor, no timely availability quorum", "round", anchorRound)
	e.mu.Lock()
	e.decidedThrough = anchorRound
	e.mu.Unlock()
}

// commit performs the deterministic causal traversal from anchor,
// hands the resulting subdag to the ledger service, and on success
// advances decidedThrough, broadcasts a PrimaryPing, and garbage
// collects every round at least MaxGCRounds behind the new commit.
func (e *Engine) commit(ctx context.Context, anchor *types.BatchCertificate, committee *types.Committee) error {
	subdag, orderedCerts := e.traverse(anchor)

	block, err := e.ledger.PrepareNextBlock(ctx, subdag)
	if err != nil {
		// Transient: the ledger may not yet be ready to extend its tip
		// (spec §7 kind 1/3 territory). Retry on the next tick rather
		// than treating this as a bug.
		return fmt.Errorf("bft: prepare block for anchor round %d: %w", anchor.Round(), err)
	}
	if err := e.ledger.AdvanceToNextBlock(ctx, block); err != nil {
		// Spec §7 kind 7: the ledger rejecting a committed subdag is a
		// bug. Operator intervention is required; refuse to advance.
		panic(fmt.Sprintf("bft: ledger rejected committed subdag at anchor round %d: %v", anchor.Round(), err))
	}

	e.mu.Lock()
	e.decidedThrough = anchor.Round()
	for _, c := range orderedCerts {
		e.committed.Add(c.ID())
	}
	e.mu.Unlock()

	if err := e.sender.Broadcast(&wire.PrimaryPing{CommittedHeight: block.Height(), CommittedRound: anchor.Round()}); err != nil {
		e.log.Debug("bft: failed to broadcast primary ping", "err", err)
	}

	if anchor.Round() > e.cfg.MaxGCRounds {
		e.store.GarbageCollect(anchor.Round() - e.cfg.MaxGCRounds)
	}
	e.log.Info("bft: committed anchor", "round", anchor.Round(), "height", block.Height(), "certificates", len(orderedCerts))
	return nil
}

// traverse performs the breadth-first, round-descending, lexicographic-
// tie-broken walk of spec §4.4: starting from anchor, it visits every
// certificate transitively reachable via parent edges that has not
// already been swept into a previous commit, grouping them by round
// for the ledger service and flattening them (in visit order) for the
// global transmission order.
func (e *Engine) traverse(anchor *types.BatchCertificate) (ledger.Subdag, []*types.BatchCertificate) {
	subdag := ledger.Subdag{
		Anchor:  anchor.ID(),
		Round:   anchor.Round(),
		ByRound: make(map[uint64][]*types.BatchCertificate),
	}

	visited := xset.Of(anchor.ID())
	frontier := []*types.BatchCertificate{anchor}
	var orderedCerts []*types.BatchCertificate

	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			if frontier[i].Round() != frontier[j].Round() {
				return frontier[i].Round() > frontier[j].Round()
			}
			return lessDigest(frontier[i].ID(), frontier[j].ID())
		})

		var next []*types.BatchCertificate
		for _, c := range frontier {
			subdag.ByRound[c.Round()] = append(subdag.ByRound[c.Round()], c)
			orderedCerts = append(orderedCerts, c)
			if c.Round() == 0 {
				continue
			}
			for _, parentID := range c.Header.ParentCertificateIDs {
				if e.committed.Contains(parentID) || visited.Contains(parentID) {
					continue
				}
				parent, ok := e.store.GetCertificate(c.Round()-1, parentID)
				if !ok {
					// Parent must have been stored before this
					// certificate was accepted (spec §3 invariant);
					// its absence here means it was already GC'd,
					// which only happens below a round this subdag
					// cannot reach anyway.
					continue
				}
				visited.Add(parentID)
				next = append(next, parent)
			}
		}
		frontier = next
	}

	for _, c := range orderedCerts {
		subdag.OrderedIDs = append(subdag.OrderedIDs, c.Header.TransmissionIDs...)
	}
	return subdag, orderedCerts
}

func lessDigest(a, b types.Digest) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
