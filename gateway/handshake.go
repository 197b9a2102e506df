// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gateway

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/flynn/noise"

	"github.com/luxfi/narwhal/keys"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/wire"
)

// noisePrologue binds every handshake to this protocol version, per
// spec §6: "Noise_XX_25519_ChaChaPoly_BLAKE2s ... with a fixed
// prologue constant". Changing it invalidates interop with older
// builds by design.
var noisePrologue = []byte("lux-narwhal-noise-xx-v1")

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// KeyResolver answers the two questions a handshake needs about a
// claimed committee address: whether a Noise static key is the one
// registered to it, and whether a signature verifies under it. Key
// distribution itself (genesis, validator key registries) is outside
// the core's scope per spec §1; the gateway only consumes the
// resolved view.
type KeyResolver interface {
	// StaticKeyBound reports whether staticKey is addr's registered
	// Noise static public key in the committee effective at round.
	StaticKeyBound(addr types.Address, round uint64, staticKey []byte) bool
	// Verify reports whether sig is addr's valid signature over msg.
	Verify(addr types.Address, msg, sig []byte) bool
}

// Transport is the pair of keyed ciphers a completed handshake
// produces: one to encrypt outbound frames, one to decrypt inbound
// ones (spec §4.1: "Noise transport is chunked at 65535-16 bytes per
// chunk").
type Transport struct {
	send *noise.CipherState
	recv *noise.CipherState
}

const noiseMaxPlaintextChunk = 65535 - 16 // cipher tag overhead

// Encrypt splits plaintext into noiseMaxPlaintextChunk-sized chunks
// and encrypts each independently, so an arbitrarily large event
// payload survives Noise's per-message ciphertext limit transparently
// (spec §4.1).
func (t *Transport) Encrypt(plaintext []byte) ([][]byte, error) {
	if len(plaintext) == 0 {
		return [][]byte{t.send.Encrypt(nil, nil, nil)}, nil
	}
	var chunks [][]byte
	for len(plaintext) > 0 {
		n := len(plaintext)
		if n > noiseMaxPlaintextChunk {
			n = noiseMaxPlaintextChunk
		}
		chunks = append(chunks, t.send.Encrypt(nil, nil, plaintext[:n]))
		plaintext = plaintext[n:]
	}
	return chunks, nil
}

// Decrypt reverses one chunk produced by Encrypt.
func (t *Transport) Decrypt(chunk []byte) ([]byte, error) {
	return t.recv.Decrypt(nil, nil, chunk)
}

// GenerateStaticKeypair creates a new Noise X25519 static keypair for
// this node's gateway identity, distinct from the Ed25519 signing key
// in package keys.
func GenerateStaticKeypair() (noise.DHKey, error) {
	return cipherSuite.GenerateKeypair(rand.Reader)
}

func handshakeConfig(initiator bool, static noise.DHKey) noise.Config {
	return noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		Prologue:      noisePrologue,
		StaticKeypair: static,
	}
}

// DialHandshake runs the three-legged initiator side of the handshake
// over conn (spec §4.1 steps 1 and 3): send an ephemeral key with no
// payload, receive the responder's ChallengeRequest, reply with a
// signed ChallengeResponse. It returns the keyed Transport and the
// address the peer attested to, which the caller must still confirm
// is a current committee member before trusting it.
func DialHandshake(conn net.Conn, static noise.DHKey, self types.Address, signer keys.SecretKey, listenPort uint16, resolver KeyResolver, round uint64, timeout time.Duration, maxFrame uint32) (*Transport, types.Address, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, types.Address{}, err
	}
	defer conn.SetDeadline(time.Time{})

	hs, err := noise.NewHandshakeState(handshakeConfig(true, static))
	if err != nil {
		return nil, types.Address{}, fmt.Errorf("gateway: init handshake state: %w", err)
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, types.Address{}, fmt.Errorf("gateway: write handshake message 1: %w", err)
	}
	if err := wire.WriteFrame(conn, msg1, maxFrame); err != nil {
		return nil, types.Address{}, fmt.Errorf("gateway: send handshake message 1: %w", err)
	}

	frame2, err := wire.ReadFrame(conn, maxFrame)
	if err != nil {
		return nil, types.Address{}, fmt.Errorf("gateway: read handshake message 2: %w", err)
	}
	payload2, _, _, err := hs.ReadMessage(nil, frame2)
	if err != nil {
		return nil, types.Address{}, fmt.Errorf("gateway: process handshake message 2: %w", err)
	}
	var challenge wire.ChallengeRequest
	if err := challenge.Unmarshal(wire.NewReader(payload2)); err != nil {
		return nil, types.Address{}, fmt.Errorf("gateway: decode challenge request: %w", err)
	}
	if !bytes.Equal(hs.PeerStatic(), challenge.StaticKey) {
		return nil, types.Address{}, fmt.Errorf("gateway: responder static key mismatches attestation")
	}
	if !resolver.StaticKeyBound(challenge.Address, round, challenge.StaticKey) {
		return nil, types.Address{}, fmt.Errorf("gateway: responder static key not bound to committee address %s", challenge.Address)
	}

	sig := signer.Sign(signingBytes(challenge.ServerNonce, self))
	resp := wire.ChallengeResponse{StaticKey: static.Public, Address: self, Signature: sig, ListenPort: listenPort}
	msg3, send, recv, err := hs.WriteMessage(nil, resp.Marshal())
	if err != nil {
		return nil, types.Address{}, fmt.Errorf("gateway: write handshake message 3: %w", err)
	}
	if err := wire.WriteFrame(conn, msg3, maxFrame); err != nil {
		return nil, types.Address{}, fmt.Errorf("gateway: send handshake message 3: %w", err)
	}

	return &Transport{send: send, recv: recv}, challenge.Address, nil
}

// AcceptHandshake runs the three-legged responder side (spec §4.1
// step 2): receive the initiator's bare ephemeral key, reply with its
// own ChallengeRequest attestation, then verify the initiator's
// ChallengeResponse signature over (server_nonce || initiator_address).
func AcceptHandshake(conn net.Conn, static noise.DHKey, self types.Address, serverNonce [32]byte, resolver KeyResolver, round uint64, timeout time.Duration, maxFrame uint32) (*Transport, types.Address, uint16, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, types.Address{}, 0, err
	}
	defer conn.SetDeadline(time.Time{})

	hs, err := noise.NewHandshakeState(handshakeConfig(false, static))
	if err != nil {
		return nil, types.Address{}, 0, fmt.Errorf("gateway: init handshake state: %w", err)
	}

	frame1, err := wire.ReadFrame(conn, maxFrame)
	if err != nil {
		return nil, types.Address{}, 0, fmt.Errorf("gateway: read handshake message 1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, frame1); err != nil {
		return nil, types.Address{}, 0, fmt.Errorf("gateway: process handshake message 1: %w", err)
	}

	challenge := wire.ChallengeRequest{StaticKey: static.Public, Address: self, ServerNonce: serverNonce}
	msg2, _, _, err := hs.WriteMessage(nil, challenge.Marshal())
	if err != nil {
		return nil, types.Address{}, 0, fmt.Errorf("gateway: write handshake message 2: %w", err)
	}
	if err := wire.WriteFrame(conn, msg2, maxFrame); err != nil {
		return nil, types.Address{}, 0, fmt.Errorf("gateway: send handshake message 2: %w", err)
	}

	frame3, err := wire.ReadFrame(conn, maxFrame)
	if err != nil {
		return nil, types.Address{}, 0, fmt.Errorf("gateway: read handshake message 3: %w", err)
	}
	payload3, send, recv, err := hs.ReadMessage(nil, frame3)
	if err != nil {
		return nil, types.Address{}, 0, fmt.Errorf("gateway: process handshake message 3: %w", err)
	}
	var resp wire.ChallengeResponse
	if err := resp.Unmarshal(wire.NewReader(payload3)); err != nil {
		return nil, types.Address{}, 0, fmt.Errorf("gateway: decode challenge response: %w", err)
	}
	if !bytes.Equal(hs.PeerStatic(), resp.StaticKey) {
		return nil, types.Address{}, 0, fmt.Errorf("gateway: initiator static key mismatches attestation")
	}
	if !resolver.StaticKeyBound(resp.Address, round, resp.StaticKey) {
		return nil, types.Address{}, 0, fmt.Errorf("gateway: initiator static key not bound to committee address %s", resp.Address)
	}
	if !resolver.Verify(resp.Address, signingBytes(serverNonce, resp.Address), resp.Signature) {
		return nil, types.Address{}, 0, fmt.Errorf("gateway: initiator signature over server nonce does not verify")
	}

	return &Transport{send: send, recv: recv}, resp.Address, resp.ListenPort, nil
}

func signingBytes(nonce [32]byte, addr types.Address) []byte {
	buf := make([]byte, 0, len(nonce)+len(addr))
	buf = append(buf, nonce[:]...)
	buf = append(buf, addr[:]...)
	return buf
}
