// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package primary implements spec §4.3: the perpetual round loop that
// assembles batch headers, gathers quorum signatures, and forms
// certificates, plus the equivocation rule that makes double-signing
// durably refused.
//
// The primary advances its own round as soon as it has *certified* its
// round-r header (a 2f+1-by-stake quorum of signatures, forming a
// BatchCertificate) — not when BFT has *committed* an anchor derived
// from it. Certification and commitment are deliberately decoupled in
// a Narwhal/Bullshark split: the DAG keeps growing every round while
// BFT (package bft) decides, asynchronously and often several rounds
// later, which certified rounds become committed blocks. See
// DESIGN.md's Open Question log for why spec §4.3 step 1's "committed"
// wording is read as "certified" here.
package primary

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/keys"
	"github.com/luxfi/narwhal/ledger"
	"github.com/luxfi/narwhal/storage"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/wire"
	"github.com/luxfi/narwhal/worker"
)

// Status is the primary's operating mode (spec §4.5: proposing is
// paused while Status is Syncing).
type Status int

const (
	StatusProposing Status = iota
	StatusSyncing
)

// Clock is the monotonic clock the round loop and fetch deadlines run
// against; wall-clock timestamps are reserved for signed messages
// (spec §9).
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Sender is the outbound event interface, shared with package worker.
type Sender = worker.Sender

// FailureReporter is shared with package worker.
type FailureReporter = worker.FailureReporter

// Primary runs the round loop for one validator.
type Primary struct {
	cfg     config.Config
	log     log.Logger
	self    types.Address
	signer  keys.SecretKey
	store   *storage.Storage
	ledger  ledger.LedgerService
	sender  Sender
	failer  FailureReporter
	workers []*worker.Worker
	clock   Clock

	mu             sync.Mutex
	status         Status
	round          uint64
	roundAnnouncedAt map[uint64]time.Time

	pendingHeadersMu sync.Mutex
	pendingHeaders   map[types.Digest]types.BatchHeader // batch_id -> header, while awaiting this primary's own signature quorum
}

// New constructs a Primary. workers is the (normally length-1, per
// spec §4.2/§9) set of local workers it pulls transmissions from.
func New(cfg config.Config, logger log.Logger, self types.Address, signer keys.SecretKey, store *storage.Storage, ls ledger.LedgerService, sender Sender, failer FailureReporter, workers []*worker.Worker) *Primary {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Primary{
		cfg:              cfg,
		log:              logger,
		self:             self,
		signer:           signer,
		store:            store,
		ledger:           ls,
		sender:           sender,
		failer:           failer,
		workers:          workers,
		clock:            realClock{},
		roundAnnouncedAt: make(map[uint64]time.Time),
		pendingHeaders:   make(map[types.Digest]types.BatchHeader),
	}
}

// SetClock overrides the primary's clock for deterministic tests.
func (p *Primary) SetClock(c Clock) { p.clock = c }

// Round returns the primary's current proposal round.
func (p *Primary) Round() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.round
}

// Status returns the primary's current operating mode.
func (p *Primary) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Pause switches the primary to Syncing, halting the proposal loop
// (spec §4.5). Worker pings and transmission fetches are untouched —
// they live in package worker, which pause does not reach.
func (p *Primary) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusSyncing
}

// Resume switches back to StatusProposing, optionally fast-forwarding
// the round counter (e.g. to the round sync just caught the node up
// to).
func (p *Primary) Resume(atLeastRound uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusProposing
	if atLeastRound > p.round {
		p.round = atLeastRound
	}
}

// gatherParents waits for a 2f+1-by-stake quorum of round r
// certificates, applying the stall-prevention escape hatch of spec
// §4.3 step 2: after MaxBatchDelay since the round timer fired,
// advance anyway if at least one parent exists and f+1 distinct
// authors have announced round r.
func (p *Primary) gatherParents(ctx context.Context, round uint64, committee *types.Committee) ([]types.Digest, error) {
	if round == 0 {
		return nil, nil
	}
	deadline := p.clock.Now().Add(p.cfg.MaxBatchDelay)
	availability := committee.AvailabilityThreshold()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		certs := p.store.RoundCertificates(round)
		var stake uint64
		ids := make([]types.Digest, 0, len(certs))
		for _, c := range certs {
			stake += committee.Stake(c.Author())
			ids = append(ids, c.ID())
		}
		if stake >= committee.QuorumThreshold() {
			return ids, nil
		}
		now := p.clock.Now()
		if now.After(deadline) && len(ids) > 0 {
			authors := p.store.AuthorsAnnounced(round)
			distinct := uint64(0)
			var announcedStake uint64
			for _, a := range authors {
				announcedStake += committee.Stake(a)
				distinct++
			}
			if announcedStake >= availability {
				p.log.Debug("primary: advancing past stalled parent quorum", "round", round, "parents", len(ids))
				return ids, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProposeRound assembles, signs, and broadcasts this primary's batch
// header for round, then waits to gather a signature quorum and form
// the certificate. It returns once the certificate is stored (or ctx
// is cancelled / the ledger committee cannot be resolved).
func (p *Primary) ProposeRound(ctx context.Context, round uint64) (*types.BatchCertificate, error) {
	committee, err := p.ledger.CommitteeForRound(ctx, round)
	if err != nil {
		return nil, fmt.Errorf("primary: resolve committee for round %d: %w", round, err)
	}

	if p.store.IsFrozen(p.self, committee.ID()) {
		return nil, fmt.Errorf("primary: self is frozen for equivocation under committee %x", committee.ID())
	}

	var parents []types.Digest
	if round > 0 {
		parents, err = p.gatherParents(ctx, round-1, committee)
		if err != nil {
			return nil, err
		}
	}

	var txIDs []types.TransmissionID
	perWorker := p.cfg.MaxTransmissionsPerBatch
	if len(p.workers) > 0 {
		perWorker = p.cfg.MaxTransmissionsPerBatch / len(p.workers)
		if perWorker == 0 {
			perWorker = 1
		}
	}
	for _, w := range p.workers {
		txIDs = append(txIDs, w.DrainForBatch(perWorker)...)
		if len(txIDs) >= p.cfg.MaxTransmissionsPerBatch {
			txIDs = txIDs[:p.cfg.MaxTransmissionsPerBatch]
			break
		}
	}

	header := types.BatchHeader{
		Version:              types.Version,
		Author:                p.self,
		Round:                 round,
		Timestamp:             p.clock.Now().Unix(),
		CommitteeID:           committee.ID(),
		TransmissionIDs:       txIDs,
		ParentCertificateIDs:  parents,
	}
	header.Signature = p.signer.Sign(batchIDBytes(&header))

	if err := p.sender.Broadcast(&wire.BatchPropose{Header: header}); err != nil {
		p.log.Debug("primary: failed to broadcast proposal", "round", round, "err", err)
	}

	return p.collectSignatures(ctx, header, committee)
}

func batchIDBytes(h *types.BatchHeader) []byte {
	id := h.BatchID()
	return id[:]
}

func boolToUint64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// collectSignatures polls storage for gathered signatures until a
// quorum by stake is met, then assembles and stores the certificate.
// Signatures arrive out-of-band via OnBatchSignature, invoked by the
// gateway's dispatch loop.
func (p *Primary) collectSignatures(ctx context.Context, header types.BatchHeader, committee *types.Committee) (*types.BatchCertificate, error) {
	batchID := header.BatchID()

	p.pendingHeadersMu.Lock()
	p.pendingHeaders[batchID] = header
	p.pendingHeadersMu.Unlock()
	defer func() {
		p.pendingHeadersMu.Lock()
		delete(p.pendingHeaders, batchID)
		p.pendingHeadersMu.Unlock()
	}()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		sigs := p.store.PendingSignatures(batchID)
		cert := &types.BatchCertificate{Header: header, Signatures: sigs}
		if cert.SignerStake(committee) >= committee.QuorumThreshold() {
			if err := p.store.InsertCertificate(cert); err != nil {
				return nil, fmt.Errorf("primary: store own certificate: %w", err)
			}
			p.store.ClearPendingSignatures(batchID)
			if err := p.sender.Broadcast(&wire.BatchCertified{Certificate: *cert}); err != nil {
				p.log.Debug("primary: failed to broadcast certificate", "round", header.Round, "err", err)
			}
			return cert, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunRoundLoop drives the perpetual round loop of spec §4.3 until ctx
// is cancelled. It is a no-op tick while Status is Syncing.
func (p *Primary) RunRoundLoop(ctx context.Context) {
	var lastProposal time.Time
	for {
		if ctx.Err() != nil {
			return
		}
		if p.Status() == StatusSyncing {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if !lastProposal.IsZero() {
			if wait := p.cfg.MinBatchDelay - p.clock.Now().Sub(lastProposal); wait > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}
		}
		round := p.Round()
		lastProposal = p.clock.Now()
		cert, err := p.ProposeRound(ctx, round)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("primary: round proposal failed", "round", round, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		_ = cert
		p.mu.Lock()
		if p.round == round {
			p.round = round + 1
		}
		p.mu.Unlock()
	}
}
