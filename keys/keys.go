// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package keys provides validator identity signing for batch headers,
// batch signatures, and the gateway handshake's address attestation.
//
// The teacher's crypto/bls package (crypto/bls/types.go) ships a
// placeholder BLS implementation: fixed-size key/signature types backed
// by crypto/rand, with a Verify that unconditionally returns true. This
// package follows that same shape — crypto/rand-seeded fixed-size keys,
// one Sign/Verify pair per validator — but swaps the placeholder XOR
// scheme for real crypto/ed25519 signing, since spec §3/§4 require
// signatures that actually authenticate (equivocation evidence and
// certificate quorum both depend on verifiable, non-forgeable
// signatures). See DESIGN.md for why this one primitive is stdlib
// rather than a pack-sourced pairing library.
package keys

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"errors"
)

// PublicKey is a validator's signature verification key.
type PublicKey struct {
	bytes ed25519.PublicKey
}

// SecretKey is a validator's signing key.
type SecretKey struct {
	bytes ed25519.PrivateKey
}

// Bytes returns the raw public key bytes.
func (pk PublicKey) Bytes() []byte { return append([]byte(nil), pk.bytes...) }

// Equal reports whether two public keys are the same.
func (pk PublicKey) Equal(other PublicKey) bool { return pk.bytes.Equal(other.bytes) }

// PublicKeyFromBytes parses a public key from its raw encoding.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return PublicKey{}, errors.New("keys: wrong public key length")
	}
	return PublicKey{bytes: ed25519.PublicKey(append([]byte(nil), b...))}, nil
}

// PublicKey derives the public half of a secret key.
func (sk SecretKey) PublicKey() PublicKey {
	return PublicKey{bytes: sk.bytes.Public().(ed25519.PublicKey)}
}

// Sign signs msg, producing a signature verifiable against sk.PublicKey().
func (sk SecretKey) Sign(msg []byte) []byte {
	return ed25519.Sign(sk.bytes, msg)
}

// Verify reports whether sig is a valid signature of msg under pk.
func (pk PublicKey) Verify(msg, sig []byte) bool {
	return ed25519.Verify(pk.bytes, msg, sig)
}

// Generate creates a new random key pair.
func Generate() (SecretKey, error) {
	_, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return SecretKey{}, err
	}
	return SecretKey{bytes: priv}, nil
}
