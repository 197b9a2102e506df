// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledgertest provides in-memory LedgerService/StorageService
// doubles for exercising primary/bft/sync without a real ledger,
// mirroring the teacher's validators/validatorstest sibling-package
// convention.
package ledgertest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/luxfi/narwhal/ledger"
	"github.com/luxfi/narwhal/types"
)

// Block is the concrete ledger.Block the test double produces.
type Block struct {
	height uint64
	hash   types.Digest
	Subdag ledger.Subdag
}

// Height returns the block's height.
func (b *Block) Height() uint64 { return b.height }

// Hash returns the block's identifying digest.
func (b *Block) Hash() types.Digest { return b.hash }

// Ledger is an in-memory LedgerService + StorageService double.
type Ledger struct {
	mu            sync.Mutex
	committee     *types.Committee
	committeeByRd map[uint64]*types.Committee
	blocks        []*Block
	transmissions map[types.TransmissionID][]byte

	// RejectNextBlock forces AdvanceToNextBlock to return an error once,
	// for exercising spec §7 kind 7 handling in tests.
	RejectNextBlock bool
}

// New returns a Ledger seeded with committee as both the current and
// every historical round's committee.
func New(committee *types.Committee) *Ledger {
	return &Ledger{
		committee:     committee,
		committeeByRd: make(map[uint64]*types.Committee),
		transmissions: make(map[types.TransmissionID][]byte),
	}
}

// SetCommitteeForRound overrides the committee effective at round r,
// for tests exercising committee rotation.
func (l *Ledger) SetCommitteeForRound(r uint64, c *types.Committee) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.committeeByRd[r] = c
}

// Seed pre-populates the transmission pool, e.g. for FindMissing tests.
func (l *Ledger) Seed(id types.TransmissionID, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transmissions[id] = payload
}

func (l *Ledger) LatestHeight(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.blocks)), nil
}

func (l *Ledger) ContainsBlock(ctx context.Context, hash types.Digest) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.blocks {
		if b.hash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (l *Ledger) GetBlock(ctx context.Context, h uint64) (ledger.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h == 0 || h > uint64(len(l.blocks)) {
		return nil, fmt.Errorf("ledgertest: no block at height %d", h)
	}
	return l.blocks[h-1], nil
}

func (l *Ledger) CurrentCommittee(ctx context.Context) (*types.Committee, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committee, nil
}

func (l *Ledger) CommitteeForRound(ctx context.Context, r uint64) (*types.Committee, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.committeeByRd[r]; ok {
		return c, nil
	}
	return l.committee, nil
}

func (l *Ledger) CheckSolution(ctx context.Context, id types.TransmissionID, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("ledgertest: empty solution payload")
	}
	return nil
}

func (l *Ledger) CheckTransaction(ctx context.Context, id types.TransmissionID, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("ledgertest: empty transaction payload")
	}
	return nil
}

func (l *Ledger) CheckNextBlock(ctx context.Context, block ledger.Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if block.Height() != uint64(len(l.blocks))+1 {
		return fmt.Errorf("ledgertest: expected height %d, got %d", len(l.blocks)+1, block.Height())
	}
	return nil
}

func (l *Ledger) PrepareNextBlock(ctx context.Context, subdag ledger.Subdag) (ledger.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	height := uint64(len(l.blocks)) + 1
	hashInput := make([]byte, 0, 32*len(subdag.OrderedIDs)+8)
	hashInput = append(hashInput, subdag.Anchor[:]...)
	return &Block{height: height, hash: deriveHash(height, hashInput), Subdag: subdag}, nil
}

func (l *Ledger) AdvanceToNextBlock(ctx context.Context, block ledger.Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.RejectNextBlock {
		l.RejectNextBlock = false
		return fmt.Errorf("ledgertest: forced rejection")
	}
	b, ok := block.(*Block)
	if !ok {
		return fmt.Errorf("ledgertest: foreign block type %T", block)
	}
	l.blocks = append(l.blocks, b)
	return nil
}

// EncodeBlock serializes a Block to its height plus hash, sufficient
// for DecodeBlock to reconstruct something CheckNextBlock/
// AdvanceToNextBlock can validate on the receiving peer; the double
// doesn't need to ferry the full Subdag over the wire, since tests
// only exercise sync's height bookkeeping, not re-derived ledger
// content.
func (l *Ledger) EncodeBlock(ctx context.Context, block ledger.Block) ([]byte, error) {
	b, ok := block.(*Block)
	if !ok {
		return nil, fmt.Errorf("ledgertest: foreign block type %T", block)
	}
	buf := make([]byte, 8, 40)
	binary.LittleEndian.PutUint64(buf, b.height)
	return append(buf, b.hash[:]...), nil
}

// DecodeBlock is EncodeBlock's inverse.
func (l *Ledger) DecodeBlock(ctx context.Context, raw []byte) (ledger.Block, error) {
	if len(raw) != 40 {
		return nil, fmt.Errorf("ledgertest: malformed encoded block (%d bytes)", len(raw))
	}
	height := binary.LittleEndian.Uint64(raw[:8])
	var hash types.Digest
	copy(hash[:], raw[8:40])
	return &Block{height: height, hash: hash}, nil
}

func (l *Ledger) ContainsTransmission(ctx context.Context, id types.TransmissionID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.transmissions[id]
	return ok, nil
}

func (l *Ledger) GetTransmission(ctx context.Context, id types.TransmissionID) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.transmissions[id]
	if !ok {
		return nil, fmt.Errorf("ledgertest: unknown transmission")
	}
	return p, nil
}

func (l *Ledger) FindMissing(ctx context.Context, header types.BatchHeader, provided map[types.TransmissionID][]byte) ([]types.TransmissionID, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var missing []types.TransmissionID
	for _, id := range header.TransmissionIDs {
		if _, ok := provided[id]; ok {
			continue
		}
		if _, ok := l.transmissions[id]; ok {
			continue
		}
		missing = append(missing, id)
	}
	return missing, false, nil
}

func (l *Ledger) InsertTransmissions(ctx context.Context, certID types.Digest, ids []types.TransmissionID) (bool, []types.TransmissionID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var missing []types.TransmissionID
	for _, id := range ids {
		if _, ok := l.transmissions[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return true, missing, nil
	}
	return false, nil, nil
}

func (l *Ledger) RemoveTransmissions(ctx context.Context, certID types.Digest, ids []types.TransmissionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		delete(l.transmissions, id)
	}
	return nil
}

func deriveHash(height uint64, seed []byte) types.Digest {
	var d types.Digest
	for i := range d {
		d[i] = byte(height) ^ seed[i%len(seed)]
	}
	return d
}

var _ ledger.LedgerService = (*Ledger)(nil)
var _ ledger.StorageService = (*Ledger)(nil)
