// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package storage implements the causal DAG of certificates described
// in spec §3: per-round certificate maps, one-per-author enforcement,
// reference-counted transmissions, pending-signature accumulation, and
// GC. It is the only cross-subsystem mutable state (spec §5): writes
// are serialized per round by a sharded lock, reads snapshot the
// atomic gc_round first (spec §5's "lock-free after an atomic
// snapshot").
//
// Grounded on the teacher's core/dag package (View/Store/Meta shape) and
// on validators.go's Set/Manager split: this package plays the role of
// "Store" there, specialized to BatchCertificate rather than a generic
// vertex.
package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/luxfi/narwhal/types"
)

// Errors returned by Storage methods. Callers distinguish these from
// generic errors to decide whether a failure is a stale/GC'd read
// (spec §7 kind 3, silently dropped) or an invariant breach (kind 6).
var (
	ErrAlreadyGarbageCollected = errors.New("storage: round already garbage collected")
	ErrDuplicateCertificate    = errors.New("storage: author already certified this round")
	ErrUnknownCertificate      = errors.New("storage: certificate not found")
	ErrMissingParent           = errors.New("storage: parent certificate not stored locally")
	ErrCycle                   = errors.New("storage: certificate insertion would create a cycle")
)

type roundShard struct {
	mu         sync.RWMutex
	byID       map[types.Digest]*types.BatchCertificate
	byAuthor   map[types.Address]types.Digest
}

func newRoundShard() *roundShard {
	return &roundShard{
		byID:     make(map[types.Digest]*types.BatchCertificate),
		byAuthor: make(map[types.Address]types.Digest),
	}
}

// transmissionEntry is a reference-counted transmission: the count of
// distinct certificates that currently include it (spec §3, §9).
type transmissionEntry struct {
	transmission types.Transmission
	refs         map[types.Digest]struct{}
}

// Storage is the DAG + transmission pool + pending signature table.
// All exported methods are safe for concurrent use.
type Storage struct {
	gcRound atomic.Uint64
	// gcStarted is set by the first GarbageCollect call; until then no
	// round, round 0 included, has been collected.
	gcStarted atomic.Bool

	roundsMu sync.RWMutex
	rounds   map[uint64]*roundShard

	idMu    sync.RWMutex
	idIndex map[types.Digest]uint64 // certificate id -> round, for round-agnostic lookups (peer serving, sync)

	txMu          sync.RWMutex
	transmissions map[types.TransmissionID]*transmissionEntry
	// txQueue is the FIFO of transmission ids not yet surrendered to a
	// batch proposal (spec §4.2 drain_for_batch). Draining dequeues;
	// the transmission itself stays in `transmissions` until GC.
	txQueue []types.TransmissionID
	txQueued map[types.TransmissionID]struct{}

	pendingMu sync.Mutex
	pending   map[types.Digest]map[types.Address]types.BatchSignature

	// equivocation records every distinct header seen per (round,
	// author), keyed first-seen order; see SPEC_FULL.md supplemented
	// feature 1.
	equivMu sync.Mutex
	equiv   map[equivKey][]types.BatchHeader
	frozen  map[types.Address]types.Digest // author -> committee id they're frozen until
}

type equivKey struct {
	round  uint64
	author types.Address
}

// New returns an empty Storage with no garbage collected yet.
func New() *Storage {
	return &Storage{
		rounds:        make(map[uint64]*roundShard),
		idIndex:       make(map[types.Digest]uint64),
		transmissions: make(map[types.TransmissionID]*transmissionEntry),
		txQueued:      make(map[types.TransmissionID]struct{}),
		pending:       make(map[types.Digest]map[types.Address]types.BatchSignature),
		equiv:         make(map[equivKey][]types.BatchHeader),
		frozen:        make(map[types.Address]types.Digest),
	}
}

// GCRound returns the highest round fully garbage collected.
func (s *Storage) GCRound() uint64 { return s.gcRound.Load() }

func (s *Storage) shard(round uint64, create bool) *roundShard {
	s.roundsMu.RLock()
	r, ok := s.rounds[round]
	s.roundsMu.RUnlock()
	if ok || !create {
		return r
	}
	s.roundsMu.Lock()
	defer s.roundsMu.Unlock()
	if r, ok = s.rounds[round]; ok {
		return r
	}
	r = newRoundShard()
	s.rounds[round] = r
	return r
}

// InsertCertificate stores cert, enforcing one-certificate-per-author-
// per-round, parent availability (parents must already be stored in
// round-1, the acyclicity invariant spec §9 calls out), and GC
// soundness (no reference to an already-collected round). It also
// increments the reference count of every transmission the
// certificate lists, per spec §9's "encapsulate counts behind storage
// methods" note.
func (s *Storage) InsertCertificate(cert *types.BatchCertificate) error {
	round := cert.Round()
	gc := s.GCRound()
	if s.gcStarted.Load() && round <= gc {
		return fmt.Errorf("%w: round %d <= gc_round %d", ErrAlreadyGarbageCollected, round, gc)
	}
	if round > 0 {
		parentShard := s.shard(round-1, false)
		if parentShard == nil {
			return fmt.Errorf("%w: no certificates stored for round %d", ErrMissingParent, round-1)
		}
		parentShard.mu.RLock()
		for _, p := range cert.Header.ParentCertificateIDs {
			if _, ok := parentShard.byID[p]; !ok {
				parentShard.mu.RUnlock()
				return fmt.Errorf("%w: %x not stored in round %d", ErrMissingParent, p[:8], round-1)
			}
		}
		parentShard.mu.RUnlock()
	} else if len(cert.Header.ParentCertificateIDs) != 0 {
		return fmt.Errorf("%w: round 0 header carries parents", ErrCycle)
	}

	sh := s.shard(round, true)
	id := cert.ID()

	sh.mu.Lock()
	if existing, ok := sh.byAuthor[cert.Author()]; ok && existing != id {
		sh.mu.Unlock()
		return fmt.Errorf("%w: author %s round %d", ErrDuplicateCertificate, cert.Author(), round)
	}
	sh.byID[id] = cert
	sh.byAuthor[cert.Author()] = id
	sh.mu.Unlock()

	s.idMu.Lock()
	s.idIndex[id] = round
	s.idMu.Unlock()

	s.txMu.Lock()
	for _, txID := range cert.Header.TransmissionIDs {
		entry, ok := s.transmissions[txID]
		if !ok {
			entry = &transmissionEntry{refs: make(map[types.Digest]struct{})}
			s.transmissions[txID] = entry
		}
		entry.refs[id] = struct{}{}
	}
	s.txMu.Unlock()

	return nil
}

// GetCertificate returns the certificate with the given id, if stored.
func (s *Storage) GetCertificate(round uint64, id types.Digest) (*types.BatchCertificate, bool) {
	sh := s.shard(round, false)
	if sh == nil {
		return nil, false
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	c, ok := sh.byID[id]
	return c, ok
}

// CertificateByID returns the certificate with the given id regardless
// of round, for callers that only have an id in hand (serving
// CertificateRequest, sync's missing-parent resolution).
func (s *Storage) CertificateByID(id types.Digest) (*types.BatchCertificate, bool) {
	s.idMu.RLock()
	round, ok := s.idIndex[id]
	s.idMu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.GetCertificate(round, id)
}

// CertificateByAuthor returns the round's certificate authored by
// addr, enforcing the one-per-author invariant at read time too.
func (s *Storage) CertificateByAuthor(round uint64, addr types.Address) (*types.BatchCertificate, bool) {
	sh := s.shard(round, false)
	if sh == nil {
		return nil, false
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	id, ok := sh.byAuthor[addr]
	if !ok {
		return nil, false
	}
	return sh.byID[id], true
}

// RoundCertificates returns every certificate stored for round.
func (s *Storage) RoundCertificates(round uint64) []*types.BatchCertificate {
	sh := s.shard(round, false)
	if sh == nil {
		return nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make([]*types.BatchCertificate, 0, len(sh.byID))
	for _, c := range sh.byID {
		out = append(out, c)
	}
	return out
}

// StakeSupporting returns the total stake, among round's certificates,
// whose parent set includes target — the quantity BFT's commit rule
// (spec §4.4) and the primary's parent-quorum wait (spec §4.3) both
// need.
func (s *Storage) StakeSupporting(round uint64, target types.Digest, committee *types.Committee) uint64 {
	var total uint64
	for _, c := range s.RoundCertificates(round) {
		for _, p := range c.Header.ParentCertificateIDs {
			if p == target {
				total += committee.Stake(c.Author())
				break
			}
		}
	}
	return total
}

// AuthorsAnnounced returns the distinct authors with a certificate
// stored in round, used by the primary's stall-prevention rule (spec
// §4.3 step 2: "round r has been announced by f+1 distinct authors").
func (s *Storage) AuthorsAnnounced(round uint64) []types.Address {
	sh := s.shard(round, false)
	if sh == nil {
		return nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make([]types.Address, 0, len(sh.byAuthor))
	for a := range sh.byAuthor {
		out = append(out, a)
	}
	return out
}

// --- transmission pool ---

// PutTransmission inserts t if absent and returns its id. Safe to call
// repeatedly with the same transmission (idempotent).
func (s *Storage) PutTransmission(t types.Transmission) types.TransmissionID {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if _, ok := s.transmissions[t.ID]; !ok {
		s.transmissions[t.ID] = &transmissionEntry{transmission: t, refs: make(map[types.Digest]struct{})}
		if _, queued := s.txQueued[t.ID]; !queued {
			s.txQueued[t.ID] = struct{}{}
			s.txQueue = append(s.txQueue, t.ID)
		}
	}
	return t.ID
}

// SampleTransmissionIDs dequeues up to limit of the oldest
// not-yet-batched transmission ids (spec §4.2 drain_for_batch). The
// underlying transmission data is left untouched; only the queue
// position is consumed.
func (s *Storage) SampleTransmissionIDs(limit int) []types.TransmissionID {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if limit > len(s.txQueue) {
		limit = len(s.txQueue)
	}
	out := make([]types.TransmissionID, 0, limit)
	i := 0
	for i < len(s.txQueue) && len(out) < limit {
		id := s.txQueue[i]
		i++
		if _, ok := s.transmissions[id]; !ok {
			delete(s.txQueued, id) // GC'd before it was ever drained
			continue
		}
		out = append(out, id)
		delete(s.txQueued, id)
	}
	s.txQueue = s.txQueue[i:]
	return out
}

// GetTransmission returns the transmission for id, if held.
func (s *Storage) GetTransmission(id types.TransmissionID) (types.Transmission, bool) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	e, ok := s.transmissions[id]
	if !ok {
		return types.Transmission{}, false
	}
	return e.transmission, true
}

// ContainsTransmission reports whether id is held locally.
func (s *Storage) ContainsTransmission(id types.TransmissionID) bool {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	_, ok := s.transmissions[id]
	return ok
}

// --- pending signatures ---

// AddPendingSignature records sig for batchID, overwriting nothing: a
// duplicate signer is reported via the bool return so callers can
// charge exactly one failure (spec §4.3 step 5, §8 scenario 3).
func (s *Storage) AddPendingSignature(batchID types.Digest, sig types.BatchSignature) (added bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	m, ok := s.pending[batchID]
	if !ok {
		m = make(map[types.Address]types.BatchSignature)
		s.pending[batchID] = m
	}
	if _, exists := m[sig.Signer]; exists {
		return false
	}
	m[sig.Signer] = sig
	return true
}

// PendingSignatures returns every signature gathered so far for batchID.
func (s *Storage) PendingSignatures(batchID types.Digest) []types.BatchSignature {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	m := s.pending[batchID]
	out := make([]types.BatchSignature, 0, len(m))
	for _, sig := range m {
		out = append(out, sig)
	}
	return out
}

// ClearPendingSignatures drops the accumulator for batchID once its
// certificate has formed (spec §3: "owned by the primary and cleared
// once the certificate is formed").
func (s *Storage) ClearPendingSignatures(batchID types.Digest) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, batchID)
}

// --- equivocation ---

// RecordHeader records header as seen for its (round, author). It
// returns the first header ever seen for that key (which is the one
// that must be signed) and whether header itself is a distinct,
// newly-recorded equivocation.
func (s *Storage) RecordHeader(header types.BatchHeader) (first types.BatchHeader, isEquivocation bool) {
	key := equivKey{round: header.Round, author: header.Author}
	s.equivMu.Lock()
	defer s.equivMu.Unlock()
	seen := s.equiv[key]
	for _, h := range seen {
		if h.BatchID() == header.BatchID() {
			return seen[0], false
		}
	}
	s.equiv[key] = append(seen, header)
	if len(seen) == 0 {
		return header, false
	}
	return seen[0], true
}

// FreezeAuthor marks addr as refused until a committee newer than
// untilCommittee rotates in (SPEC_FULL.md supplemented feature 4).
func (s *Storage) FreezeAuthor(addr types.Address, untilCommittee types.Digest) {
	s.equivMu.Lock()
	defer s.equivMu.Unlock()
	s.frozen[addr] = untilCommittee
}

// IsFrozen reports whether addr is refused under currentCommittee.
func (s *Storage) IsFrozen(addr types.Address, currentCommittee types.Digest) bool {
	s.equivMu.Lock()
	defer s.equivMu.Unlock()
	frozenUntil, ok := s.frozen[addr]
	if !ok {
		return false
	}
	return frozenUntil == currentCommittee
}

// Unfreeze clears addr's freeze, called on committee rotation.
func (s *Storage) Unfreeze(addr types.Address) {
	s.equivMu.Lock()
	defer s.equivMu.Unlock()
	delete(s.frozen, addr)
}

// --- garbage collection ---

// GarbageCollect advances gc_round to newGCRound, dropping every
// certificate and any transmission whose last referencing certificate
// falls at or below newGCRound. It is a no-op (returns false) if
// newGCRound does not advance the horizon.
func (s *Storage) GarbageCollect(newGCRound uint64) bool {
	old := s.gcRound.Load()
	started := s.gcStarted.Load()
	if started && newGCRound <= old {
		return false
	}
	s.gcRound.Store(newGCRound)
	s.gcStarted.Store(true)

	first := uint64(0)
	if started {
		first = old + 1
	}
	s.roundsMu.Lock()
	var collected []types.Digest
	for r := first; r <= newGCRound; r++ {
		sh, ok := s.rounds[r]
		if !ok {
			continue
		}
		sh.mu.RLock()
		for id := range sh.byID {
			collected = append(collected, id)
		}
		sh.mu.RUnlock()
		delete(s.rounds, r)
	}
	s.roundsMu.Unlock()

	if len(collected) == 0 {
		return true
	}

	s.idMu.Lock()
	for _, id := range collected {
		delete(s.idIndex, id)
	}
	s.idMu.Unlock()
	collectedSet := make(map[types.Digest]struct{}, len(collected))
	for _, id := range collected {
		collectedSet[id] = struct{}{}
	}

	s.txMu.Lock()
	for txID, entry := range s.transmissions {
		before := len(entry.refs)
		for id := range collectedSet {
			delete(entry.refs, id)
		}
		if before > 0 && len(entry.refs) == 0 {
			delete(s.transmissions, txID)
		}
	}
	s.txMu.Unlock()
	return true
}

// AssertAcyclic walks every stored certificate's parent edges and
// fails loudly (spec §9: "the storage layer nevertheless asserts
// acyclicity to catch corruption") if any parent's round is not
// strictly less than the child's round — which is the only way a
// cycle could occur, since edges are constructed to always point from
// round r to round r-1.
func (s *Storage) AssertAcyclic() error {
	s.roundsMu.RLock()
	defer s.roundsMu.RUnlock()
	for round, sh := range s.rounds {
		sh.mu.RLock()
		for _, c := range sh.byID {
			if c.Header.Round != round {
				sh.mu.RUnlock()
				return fmt.Errorf("%w: certificate %x stored under round %d but header claims round %d", ErrCycle, c.ID(), round, c.Header.Round)
			}
			for _, parentRound := range []uint64{round} {
				if parentRound == 0 && len(c.Header.ParentCertificateIDs) != 0 {
					sh.mu.RUnlock()
					return fmt.Errorf("%w: round 0 certificate %x has parents", ErrCycle, c.ID())
				}
			}
			for _, p := range c.Header.ParentCertificateIDs {
				s.idMu.RLock()
				parentRound, ok := s.idIndex[p]
				s.idMu.RUnlock()
				if ok && parentRound >= round {
					sh.mu.RUnlock()
					return fmt.Errorf("%w: certificate %x in round %d has parent %x in round %d", ErrCycle, c.ID(), round, p, parentRound)
				}
			}
		}
		sh.mu.RUnlock()
	}
	return nil
}
