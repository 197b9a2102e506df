// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledger declares the narrow external-collaborator contracts
// spec §6 names: LedgerService and StorageService. Both are consumed,
// never implemented, by the core — transaction/proof cryptography,
// the block store, and the transmission-validity rules they gate live
// outside this module (spec §1).
package ledger

import (
	"context"
	"time"

	"github.com/luxfi/narwhal/types"
)

// Block is the opaque aggregate a committed subdag turns into. The
// core only needs its height to decide when sync is necessary and a
// hash to detect missing parents; it never inspects contents.
type Block interface {
	Height() uint64
	Hash() types.Digest
}

// Subdag is the committed set of certificates BFT hands to the ledger
// service, grouped by round for the ledger's own processing order.
type Subdag struct {
	Anchor     types.Digest
	Round      uint64
	ByRound    map[uint64][]*types.BatchCertificate
	OrderedIDs []types.TransmissionID
}

// LedgerService is the contract spec §6 names: block construction,
// committee resolution, and transmission/block validity checks.
type LedgerService interface {
	// LatestHeight returns the most recently advanced-to block height.
	LatestHeight(ctx context.Context) (uint64, error)
	// ContainsBlock reports whether hash is already part of the ledger.
	ContainsBlock(ctx context.Context, hash types.Digest) (bool, error)
	// GetBlock fetches the block at height h.
	GetBlock(ctx context.Context, h uint64) (Block, error)
	// CurrentCommittee returns the committee effective right now.
	CurrentCommittee(ctx context.Context) (*types.Committee, error)
	// CommitteeForRound returns the committee effective at round r.
	CommitteeForRound(ctx context.Context, r uint64) (*types.Committee, error)
	// CheckSolution validates a prover solution's basic well-formedness
	// before a worker admits it to the transmission pool.
	CheckSolution(ctx context.Context, id types.TransmissionID, payload []byte) error
	// CheckTransaction validates a transaction's basic well-formedness
	// before a worker admits it to the transmission pool.
	CheckTransaction(ctx context.Context, id types.TransmissionID, payload []byte) error
	// CheckNextBlock reports whether block may legally extend the
	// ledger's current tip (used by sync to accept a fetched block).
	CheckNextBlock(ctx context.Context, block Block) error
	// EncodeBlock serializes block to the opaque bytes a BlockResponse
	// carries over the wire (spec §6: "the ledger service owns block
	// (de)serialization; this module only ferries the bytes").
	EncodeBlock(ctx context.Context, block Block) ([]byte, error)
	// DecodeBlock parses a block previously produced by EncodeBlock,
	// the sync module's counterpart for admitting a fetched block.
	DecodeBlock(ctx context.Context, raw []byte) (Block, error)
	// PrepareNextBlock turns a committed subdag into a candidate block
	// without yet persisting it.
	PrepareNextBlock(ctx context.Context, subdag Subdag) (Block, error)
	// AdvanceToNextBlock persists block as the new ledger tip. A
	// rejection here is spec §7 kind 7: a bug, never recoverable by
	// retrying — callers must panic rather than silently drop the
	// commit.
	AdvanceToNextBlock(ctx context.Context, block Block) error
}

// StorageService is the contract spec §6 names for transmission
// presence checks the primary/worker need without owning the pool
// themselves.
type StorageService interface {
	// ContainsTransmission reports whether id is known to the ledger's
	// own view (distinct from storage.Storage's local DAG pool).
	ContainsTransmission(ctx context.Context, id types.TransmissionID) (bool, error)
	// GetTransmission fetches a transmission's payload.
	GetTransmission(ctx context.Context, id types.TransmissionID) ([]byte, error)
	// FindMissing reports which of a header's referenced transmission
	// ids are neither provided nor already known, aborting (returning
	// aborted=true) if any provided entry fails basic validation.
	FindMissing(ctx context.Context, header types.BatchHeader, provided map[types.TransmissionID][]byte) (missing []types.TransmissionID, aborted bool, err error)
	// InsertTransmissions records cert's transmissions against the
	// ledger's own accounting, aborting if anything is still missing.
	InsertTransmissions(ctx context.Context, certID types.Digest, ids []types.TransmissionID) (aborted bool, missing []types.TransmissionID, err error)
	// RemoveTransmissions drops cert's transmissions from the ledger's
	// accounting once certID's round is garbage collected.
	RemoveTransmissions(ctx context.Context, certID types.Digest, ids []types.TransmissionID) error
}

// Clock abstracts wall-clock reads the ledger layer signs against,
// kept narrow so tests can inject a fixed time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
