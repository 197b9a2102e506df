// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types defines the data model of spec §3: transmissions,
// batch headers, certificates and the stake-weighted committee that
// validates them. It follows the teacher's validators.go in using
// github.com/luxfi/ids for content-addressed identifiers and node
// addresses rather than hand-rolled byte arrays.
package types

import (
	"sort"

	"github.com/luxfi/ids"
)

// Address identifies a committee member. It is the gateway-level
// identity a validator's static Noise key is bound to.
type Address = ids.NodeID

// Digest is a collision-resistant content hash: a batch_id, a
// certificate id (which is its batch_id), or a transmission's
// identifying hash component.
type Digest = ids.ID

// Kind tags which variety of transmission a TransmissionID addresses.
type Kind uint8

const (
	// KindTransaction tags a client transaction.
	KindTransaction Kind = iota
	// KindSolution tags a prover solution.
	KindSolution
)

func (k Kind) String() string {
	switch k {
	case KindTransaction:
		return "transaction"
	case KindSolution:
		return "solution"
	default:
		return "unknown"
	}
}

// TransmissionID is the tagged-union content address of spec §3:
// Solution(puzzle_commitment) or Transaction(transaction_id).
type TransmissionID struct {
	Kind   Kind
	Digest Digest
}

// TransactionID builds a TransmissionID tagging a transaction digest.
func TransactionID(d Digest) TransmissionID { return TransmissionID{Kind: KindTransaction, Digest: d} }

// SolutionID builds a TransmissionID tagging a puzzle-commitment digest.
func SolutionID(d Digest) TransmissionID { return TransmissionID{Kind: KindSolution, Digest: d} }

// Transmission is the opaque payload spec §3 describes: immutable once
// admitted, destroyed only by garbage collection. The core never
// interprets Payload; transaction/proof semantics are the ledger
// service's concern (spec §1).
type Transmission struct {
	ID      TransmissionID
	Payload []byte
}

// Validator is one (address, stake) pair in a Committee.
type Validator struct {
	Address Address
	Stake   uint64
}

// Committee is the ordered, stake-weighted validator set of an epoch.
// Committees are immutable once constructed; a new epoch produces a
// new Committee with a new ID.
type Committee struct {
	id         Digest
	round      uint64
	validators []Validator
	byAddress  map[Address]uint64
	sorted     []Address // cached lexicographic-by-address ordering, for leader election
	total      uint64
}

// NewCommittee builds a Committee effective starting at round, from the
// given validator set. The committee ID is supplied by the embedder
// (typically derived from the ledger service's committee digest); the
// core treats it as an opaque comparable key.
func NewCommittee(id Digest, round uint64, validators []Validator) *Committee {
	c := &Committee{
		id:         id,
		round:      round,
		validators: append([]Validator(nil), validators...),
		byAddress:  make(map[Address]uint64, len(validators)),
	}
	for _, v := range validators {
		c.byAddress[v.Address] = v.Stake
		c.total += v.Stake
		c.sorted = append(c.sorted, v.Address)
	}
	sort.Slice(c.sorted, func(i, j int) bool {
		return c.sorted[i].String() < c.sorted[j].String()
	})
	return c
}

// ID returns the committee's opaque identifier.
func (c *Committee) ID() Digest { return c.id }

// Round returns the round this committee first takes effect at.
func (c *Committee) Round() uint64 { return c.round }

// Size returns the number of validators.
func (c *Committee) Size() int { return len(c.validators) }

// Validators returns the committee's validators in construction order.
func (c *Committee) Validators() []Validator { return append([]Validator(nil), c.validators...) }

// Stake returns a member's stake, or 0 if addr is not a member.
func (c *Committee) Stake(addr Address) uint64 { return c.byAddress[addr] }

// IsMember reports whether addr belongs to the committee.
func (c *Committee) IsMember(addr Address) bool {
	_, ok := c.byAddress[addr]
	return ok
}

// TotalStake returns the sum of all member stakes.
func (c *Committee) TotalStake() uint64 { return c.total }

// QuorumThreshold returns 2f+1 by stake: the smallest stake subset
// guaranteed to intersect every other such subset in an honest
// validator. Uses saturating arithmetic per spec §3.
func (c *Committee) QuorumThreshold() uint64 {
	return saturatingQuorum(c.total)
}

// AvailabilityThreshold returns f+1 by stake: the smallest subset
// guaranteed to contain an honest validator.
func (c *Committee) AvailabilityThreshold() uint64 {
	return saturatingAvailability(c.total)
}

// saturatingQuorum computes 2*total/3 + 1 without overflow.
func saturatingQuorum(total uint64) uint64 {
	// Divide before doubling so 2*total is never formed; the remainder
	// term keeps the result exactly floor(2*total/3) + 1.
	q := (total/3)*2 + (total%3)*2/3 + 1
	if q > total && total > 0 {
		return total
	}
	return q
}

// saturatingAvailability computes total/3 + 1.
func saturatingAvailability(total uint64) uint64 {
	a := total/3 + 1
	if a > total && total > 0 {
		return total
	}
	return a
}

// SortedAddresses returns committee members sorted lexicographically by
// address, the ordering spec §4.3 uses for leader election.
func (c *Committee) SortedAddresses() []Address {
	return append([]Address(nil), c.sorted...)
}

// Leader returns the designated leader for round r: the committee
// member at index hash(r) mod n in lexicographic-by-address order.
func (c *Committee) Leader(round uint64) Address {
	n := len(c.sorted)
	if n == 0 {
		var zero Address
		return zero
	}
	idx := roundHash(round) % uint64(n)
	return c.sorted[idx]
}

// roundHash is the deterministic, committee-independent function of a
// round number leader election indexes by. A simple multiplicative
// mix is sufficient: it only needs to be unpredictable-looking and
// identical at every honest validator, not cryptographically secure.
func roundHash(round uint64) uint64 {
	x := round
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}
