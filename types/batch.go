// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"encoding/binary"
	"sort"
	"time"

	"golang.org/x/crypto/blake2s"
)

// Version is the current BatchHeader wire version.
const Version uint8 = 1

// BatchHeader is the proposal a primary broadcasts each round (spec §3).
// ParentCertificateIDs must be empty at round 0 and otherwise hold a
// 2f+1-by-stake quorum of round-(Round-1) certificate ids.
type BatchHeader struct {
	Version        uint8
	Author         Address
	Round          uint64
	Timestamp      int64 // unix seconds, signed by Author
	CommitteeID    Digest
	TransmissionIDs []TransmissionID
	ParentCertificateIDs []Digest
	Signature      []byte // Author's signature over BatchID()
}

// BatchID is a collision-resistant hash of the header's contents,
// computed before Signature is attached. It is the header's (and its
// eventual certificate's) identifying digest.
func (h *BatchHeader) BatchID() Digest {
	return blake2sDigest(h.signingBytes())
}

// signingBytes returns the canonical byte encoding that BatchID hashes.
// The author signs the resulting BatchID; BatchSignature signers sign
// SignatureBytes instead.
func (h *BatchHeader) signingBytes() []byte {
	buf := make([]byte, 0, 64+len(h.TransmissionIDs)*33+len(h.ParentCertificateIDs)*32)
	buf = append(buf, h.Version)
	buf = append(buf, h.Author[:]...)
	buf = appendU64(buf, h.Round)
	buf = appendI64(buf, h.Timestamp)
	buf = append(buf, h.CommitteeID[:]...)
	buf = appendU32(buf, uint32(len(h.TransmissionIDs)))
	for _, id := range h.TransmissionIDs {
		buf = append(buf, byte(id.Kind))
		buf = append(buf, id.Digest[:]...)
	}
	// Parents are sorted before hashing so that two headers holding the
	// same parent set in different gather order hash identically.
	parents := append([]Digest(nil), h.ParentCertificateIDs...)
	sort.Slice(parents, func(i, j int) bool { return less(parents[i], parents[j]) })
	buf = appendU32(buf, uint32(len(parents)))
	for _, p := range parents {
		buf = append(buf, p[:]...)
	}
	return buf
}

// BatchSignature is one validator's endorsement of a proposed header,
// signing batch_id ++ author_timestamp (spec §3). Timestamp is the
// signer's own clock reading, checked against the header's timestamp
// within MaxTimestampDelta.
type BatchSignature struct {
	Signer    Address
	Timestamp int64
	Signature []byte
}

// SignatureBytes returns what a BatchSignature's Signature covers.
func SignatureBytes(batchID Digest, signerTimestamp int64) []byte {
	buf := make([]byte, 0, 40)
	buf = append(buf, batchID[:]...)
	buf = appendI64(buf, signerTimestamp)
	return buf
}

// BatchCertificate is a BatchHeader plus a quorum of BatchSignature
// entries (spec §3). The certificate ID is the header's BatchID.
type BatchCertificate struct {
	Header     BatchHeader
	Signatures []BatchSignature
}

// ID returns the certificate's identifying digest (its batch_id).
func (c *BatchCertificate) ID() Digest { return c.Header.BatchID() }

// Round returns the certificate's round, a shorthand for Header.Round.
func (c *BatchCertificate) Round() uint64 { return c.Header.Round }

// Author returns the certificate's author, a shorthand for Header.Author.
func (c *BatchCertificate) Author() Address { return c.Header.Author }

// SignerStake sums the stake of every signer (including the author,
// who implicitly signs by proposing) recognized by committee.
func (c *BatchCertificate) SignerStake(committee *Committee) uint64 {
	seen := map[Address]bool{c.Header.Author: true}
	total := committee.Stake(c.Header.Author)
	for _, sig := range c.Signatures {
		if seen[sig.Signer] {
			continue // duplicate signer; counted once
		}
		seen[sig.Signer] = true
		total += committee.Stake(sig.Signer)
	}
	return total
}

// HasDuplicateSigner reports whether any validator appears twice among
// c.Signatures (the certificate is invalid per spec §3 if so).
func (c *BatchCertificate) HasDuplicateSigner() bool {
	seen := make(map[Address]bool, len(c.Signatures))
	for _, sig := range c.Signatures {
		if seen[sig.Signer] {
			return true
		}
		seen[sig.Signer] = true
	}
	return false
}

// TimestampsWithinDelta reports whether every signature's timestamp
// (and the header's own timestamp) falls within delta of median, the
// median peer clock reading spec §3 requires certificates to satisfy.
func (c *BatchCertificate) TimestampsWithinDelta(median time.Time, delta time.Duration) bool {
	check := func(ts int64) bool {
		t := time.Unix(ts, 0)
		diff := t.Sub(median)
		if diff < 0 {
			diff = -diff
		}
		return diff <= delta
	}
	if !check(c.Header.Timestamp) {
		return false
	}
	for _, sig := range c.Signatures {
		if !check(sig.Timestamp) {
			return false
		}
	}
	return true
}

func blake2sDigest(b []byte) Digest {
	sum := blake2s.Sum256(b)
	var id Digest
	copy(id[:], sum[:])
	return id
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendI64(buf []byte, v int64) []byte {
	return appendU64(buf, uint64(v))
}

func less(a, b Digest) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
