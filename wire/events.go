// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"fmt"

	"github.com/luxfi/narwhal/types"
)

// Tag is the one-byte wire-compatible event discriminator of spec
// §4.1/§6. Values are fixed; do not renumber existing entries.
type Tag uint8

const (
	TagChallengeRequest Tag = iota
	TagChallengeResponse
	TagDisconnect
	TagWorkerPing
	TagTransmissionRequest
	TagTransmissionResponse
	TagBatchPropose
	TagBatchSignature
	TagBatchCertified
	TagCertificateRequest
	TagCertificateResponse
	TagPrimaryPing
	TagBlockRequest
	TagBlockResponse
	TagValidatorsRequest
	TagValidatorsResponse
)

// Event is any wire-codec payload. Tag identifies which concrete type
// to decode into; Marshal/Unmarshal round-trip exactly (spec §8:
// "decode(encode(E)) == E").
type Event interface {
	Tag() Tag
	Marshal() []byte
	Unmarshal(*Reader) error
}

// DisconnectReason enumerates why a peer closed a connection, carried
// in a Disconnect event for diagnostics.
type DisconnectReason uint8

const (
	ReasonGeneric DisconnectReason = iota
	ReasonHandshakeFailed
	ReasonRateLimited
	ReasonProtocolViolation
	ReasonBanned
	ReasonShuttingDown
)

// ChallengeRequest is the handshake's second leg payload (ephemeral
// key exchange is handled by the Noise state machine itself; this
// event carries the responder's committee attestation — see
// SPEC_FULL.md supplemented feature 2).
type ChallengeRequest struct {
	StaticKey   []byte
	Address     types.Address
	ServerNonce [32]byte
}

func (*ChallengeRequest) Tag() Tag { return TagChallengeRequest }
func (e *ChallengeRequest) Marshal() []byte {
	return NewWriter(96).BytesU32(e.StaticKey).Address(e.Address).Raw(e.ServerNonce[:]).Bytes
}
func (e *ChallengeRequest) Unmarshal(r *Reader) error {
	e.StaticKey = r.BytesU32()
	e.Address = r.Address()
	copy(e.ServerNonce[:], r.Raw(len(e.ServerNonce)))
	return r.Done()
}

// ChallengeResponse is the handshake's third leg: the initiator's
// static key, its own committee address, a signature over
// (server_nonce || initiator_address), and its listener port.
type ChallengeResponse struct {
	StaticKey  []byte
	Address    types.Address
	Signature  []byte
	ListenPort uint16
}

func (*ChallengeResponse) Tag() Tag { return TagChallengeResponse }
func (e *ChallengeResponse) Marshal() []byte {
	return NewWriter(96).BytesU32(e.StaticKey).Address(e.Address).BytesU32(e.Signature).U16(e.ListenPort).Bytes
}
func (e *ChallengeResponse) Unmarshal(r *Reader) error {
	e.StaticKey = r.BytesU32()
	e.Address = r.Address()
	e.Signature = r.BytesU32()
	e.ListenPort = r.U16()
	return r.Done()
}

// Disconnect notifies a peer that the sender is closing the
// connection, and why.
type Disconnect struct {
	Reason DisconnectReason
}

func (*Disconnect) Tag() Tag { return TagDisconnect }
func (e *Disconnect) Marshal() []byte { return NewWriter(1).U8(uint8(e.Reason)).Bytes }
func (e *Disconnect) Unmarshal(r *Reader) error {
	e.Reason = DisconnectReason(r.U8())
	return r.Done()
}

// WorkerPing advertises transmission IDs the sending worker newly
// holds (spec §4.2).
type WorkerPing struct {
	IDs []types.TransmissionID
}

func (*WorkerPing) Tag() Tag { return TagWorkerPing }
func (e *WorkerPing) Marshal() []byte { return NewWriter(64).TransmissionIDsU32(e.IDs).Bytes }
func (e *WorkerPing) Unmarshal(r *Reader) error {
	e.IDs = r.TransmissionIDsU32()
	return r.Done()
}

// TransmissionRequest pulls transmissions by id from a peer worker.
type TransmissionRequest struct {
	IDs []types.TransmissionID
}

func (*TransmissionRequest) Tag() Tag { return TagTransmissionRequest }
func (e *TransmissionRequest) Marshal() []byte {
	return NewWriter(64).TransmissionIDsU32(e.IDs).Bytes
}
func (e *TransmissionRequest) Unmarshal(r *Reader) error {
	e.IDs = r.TransmissionIDsU32()
	return r.Done()
}

// TransmissionResponse answers a TransmissionRequest. An unsolicited
// response (no matching outstanding request) is dropped by the worker
// and charged one failure (spec §4.2, §8 scenario 4).
type TransmissionResponse struct {
	Transmissions []types.Transmission
}

func (*TransmissionResponse) Tag() Tag { return TagTransmissionResponse }
func (e *TransmissionResponse) Marshal() []byte {
	w := NewWriter(128)
	w.U32(uint32(len(e.Transmissions)))
	for _, t := range e.Transmissions {
		w.U8(byte(t.ID.Kind)).Digest(t.ID.Digest).BytesU32(t.Payload)
	}
	return w.Bytes
}
func (e *TransmissionResponse) Unmarshal(r *Reader) error {
	n := r.U32()
	e.Transmissions = make([]types.Transmission, 0, n)
	for i := uint32(0); i < n && r.Err == nil; i++ {
		kind := types.Kind(r.U8())
		d := r.Digest()
		payload := r.BytesU32()
		e.Transmissions = append(e.Transmissions, types.Transmission{
			ID:      types.TransmissionID{Kind: kind, Digest: d},
			Payload: payload,
		})
	}
	return r.Done()
}

// BatchPropose broadcasts a primary's signed BatchHeader.
type BatchPropose struct {
	Header types.BatchHeader
}

func (*BatchPropose) Tag() Tag { return TagBatchPropose }
func (e *BatchPropose) Marshal() []byte {
	w := NewWriter(256)
	WriteBatchHeader(w, &e.Header)
	return w.Bytes
}
func (e *BatchPropose) Unmarshal(r *Reader) error {
	h, err := ReadBatchHeader(r)
	if err != nil {
		return err
	}
	e.Header = h
	return r.Done()
}

// BatchSignatureEvent carries one validator's endorsement of a
// proposed batch_id (named with an Event suffix to avoid colliding
// with types.BatchSignature, which is the signed payload it wraps).
type BatchSignatureEvent struct {
	BatchID   types.Digest
	Signature types.BatchSignature
}

func (*BatchSignatureEvent) Tag() Tag { return TagBatchSignature }
func (e *BatchSignatureEvent) Marshal() []byte {
	w := NewWriter(96)
	w.Digest(e.BatchID).Address(e.Signature.Signer).I64(e.Signature.Timestamp).BytesU32(e.Signature.Signature)
	return w.Bytes
}
func (e *BatchSignatureEvent) Unmarshal(r *Reader) error {
	e.BatchID = r.Digest()
	e.Signature.Signer = r.Address()
	e.Signature.Timestamp = r.I64()
	e.Signature.Signature = r.BytesU32()
	return r.Done()
}

// BatchCertified broadcasts a formed BatchCertificate.
type BatchCertified struct {
	Certificate types.BatchCertificate
}

func (*BatchCertified) Tag() Tag { return TagBatchCertified }
func (e *BatchCertified) Marshal() []byte {
	w := NewWriter(512)
	WriteCertificate(w, &e.Certificate)
	return w.Bytes
}
func (e *BatchCertified) Unmarshal(r *Reader) error {
	c, err := ReadCertificate(r)
	if err != nil {
		return err
	}
	e.Certificate = c
	return r.Done()
}

// CertificateRequest pulls certificates by id, used by sync and by
// the primary's bounded parent fetch.
type CertificateRequest struct {
	IDs []types.Digest
}

func (*CertificateRequest) Tag() Tag { return TagCertificateRequest }
func (e *CertificateRequest) Marshal() []byte { return NewWriter(64).DigestsU32(e.IDs).Bytes }
func (e *CertificateRequest) Unmarshal(r *Reader) error {
	e.IDs = r.DigestsU32()
	return r.Done()
}

// CertificateResponse answers a CertificateRequest.
type CertificateResponse struct {
	Certificates []types.BatchCertificate
}

func (*CertificateResponse) Tag() Tag { return TagCertificateResponse }
func (e *CertificateResponse) Marshal() []byte {
	w := NewWriter(512)
	w.U32(uint32(len(e.Certificates)))
	for i := range e.Certificates {
		WriteCertificate(w, &e.Certificates[i])
	}
	return w.Bytes
}
func (e *CertificateResponse) Unmarshal(r *Reader) error {
	n := r.U32()
	e.Certificates = make([]types.BatchCertificate, 0, n)
	for i := uint32(0); i < n && r.Err == nil; i++ {
		c, err := ReadCertificate(r)
		if err != nil {
			return err
		}
		e.Certificates = append(e.Certificates, c)
	}
	return r.Done()
}

// PrimaryPing announces a primary's committed height, the trigger sync
// watches for (spec §4.5).
type PrimaryPing struct {
	CommittedHeight uint64
	CommittedRound  uint64
}

func (*PrimaryPing) Tag() Tag { return TagPrimaryPing }
func (e *PrimaryPing) Marshal() []byte {
	return NewWriter(16).U64(e.CommittedHeight).U64(e.CommittedRound).Bytes
}
func (e *PrimaryPing) Unmarshal(r *Reader) error {
	e.CommittedHeight = r.U64()
	e.CommittedRound = r.U64()
	return r.Done()
}

// BlockRequest asks for blocks in [StartHeight, EndHeight) (spec §4.5,
// §8 scenario 5).
type BlockRequest struct {
	StartHeight uint64
	EndHeight   uint64
}

func (*BlockRequest) Tag() Tag { return TagBlockRequest }
func (e *BlockRequest) Marshal() []byte {
	return NewWriter(16).U64(e.StartHeight).U64(e.EndHeight).Bytes
}
func (e *BlockRequest) Unmarshal(r *Reader) error {
	e.StartHeight = r.U64()
	e.EndHeight = r.U64()
	return r.Done()
}

// BlockResponse answers a BlockRequest with opaque, already-serialized
// block bytes (the ledger service owns block (de)serialization; this
// module only ferries the bytes).
type BlockResponse struct {
	Heights []uint64
	Blocks  [][]byte
}

func (*BlockResponse) Tag() Tag { return TagBlockResponse }
func (e *BlockResponse) Marshal() []byte {
	w := NewWriter(256)
	w.U32(uint32(len(e.Blocks)))
	for i, b := range e.Blocks {
		w.U64(e.Heights[i]).BytesU32(b)
	}
	return w.Bytes
}
func (e *BlockResponse) Unmarshal(r *Reader) error {
	n := r.U32()
	e.Heights = make([]uint64, 0, n)
	e.Blocks = make([][]byte, 0, n)
	for i := uint32(0); i < n && r.Err == nil; i++ {
		e.Heights = append(e.Heights, r.U64())
		e.Blocks = append(e.Blocks, r.BytesU32())
	}
	return r.Done()
}

// ValidatorsRequest asks a peer for its known committee member
// addresses, used to bootstrap peer discovery within the committee.
type ValidatorsRequest struct{}

func (*ValidatorsRequest) Tag() Tag { return TagValidatorsRequest }
func (e *ValidatorsRequest) Marshal() []byte { return nil }
func (e *ValidatorsRequest) Unmarshal(r *Reader) error { return r.Done() }

// ValidatorsResponse answers a ValidatorsRequest with a capped (≤255)
// address list, hence the u16 count prefix per spec §6.
type ValidatorsResponse struct {
	Addresses []types.Address
}

func (*ValidatorsResponse) Tag() Tag { return TagValidatorsResponse }
func (e *ValidatorsResponse) Marshal() []byte {
	return NewWriter(64).AddressesU16(e.Addresses).Bytes
}
func (e *ValidatorsResponse) Unmarshal(r *Reader) error {
	e.Addresses = r.AddressesU16()
	return r.Done()
}

// WriteBatchHeader encodes h into w.
func WriteBatchHeader(w *Writer, h *types.BatchHeader) {
	w.U8(h.Version).Address(h.Author).U64(h.Round).I64(h.Timestamp).Digest(h.CommitteeID)
	w.TransmissionIDsU32(h.TransmissionIDs)
	w.DigestsU32(h.ParentCertificateIDs)
	w.BytesU32(h.Signature)
}

// ReadBatchHeader decodes a BatchHeader from r.
func ReadBatchHeader(r *Reader) (types.BatchHeader, error) {
	var h types.BatchHeader
	h.Version = r.U8()
	h.Author = r.Address()
	h.Round = r.U64()
	h.Timestamp = r.I64()
	h.CommitteeID = r.Digest()
	h.TransmissionIDs = r.TransmissionIDsU32()
	h.ParentCertificateIDs = r.DigestsU32()
	h.Signature = r.BytesU32()
	if r.Err != nil {
		return types.BatchHeader{}, r.Err
	}
	return h, nil
}

// WriteCertificate encodes c into w.
func WriteCertificate(w *Writer, c *types.BatchCertificate) {
	WriteBatchHeader(w, &c.Header)
	w.U32(uint32(len(c.Signatures)))
	for _, sig := range c.Signatures {
		w.Address(sig.Signer).I64(sig.Timestamp).BytesU32(sig.Signature)
	}
}

// ReadCertificate decodes a BatchCertificate from r.
func ReadCertificate(r *Reader) (types.BatchCertificate, error) {
	h, err := ReadBatchHeader(r)
	if err != nil {
		return types.BatchCertificate{}, err
	}
	n := r.U32()
	sigs := make([]types.BatchSignature, 0, n)
	for i := uint32(0); i < n && r.Err == nil; i++ {
		var sig types.BatchSignature
		sig.Signer = r.Address()
		sig.Timestamp = r.I64()
		sig.Signature = r.BytesU32()
		sigs = append(sigs, sig)
	}
	if r.Err != nil {
		return types.BatchCertificate{}, r.Err
	}
	return types.BatchCertificate{Header: h, Signatures: sigs}, nil
}

// Encode serializes ev as tag || payload, the post-handshake body
// format of spec §6 (the Noise encryption wrapping happens one layer
// up, in package gateway).
func Encode(ev Event) []byte {
	body := ev.Marshal()
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(ev.Tag()))
	return append(out, body...)
}

// Decode parses tag||payload into the matching concrete Event.
func Decode(buf []byte) (Event, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("wire: empty event buffer")
	}
	tag := Tag(buf[0])
	ev, err := newEvent(tag)
	if err != nil {
		return nil, err
	}
	r := NewReader(buf[1:])
	if err := ev.Unmarshal(r); err != nil {
		return nil, fmt.Errorf("wire: decode tag %d: %w", tag, err)
	}
	return ev, nil
}

func newEvent(tag Tag) (Event, error) {
	switch tag {
	case TagChallengeRequest:
		return &ChallengeRequest{}, nil
	case TagChallengeResponse:
		return &ChallengeResponse{}, nil
	case TagDisconnect:
		return &Disconnect{}, nil
	case TagWorkerPing:
		return &WorkerPing{}, nil
	case TagTransmissionRequest:
		return &TransmissionRequest{}, nil
	case TagTransmissionResponse:
		return &TransmissionResponse{}, nil
	case TagBatchPropose:
		return &BatchPropose{}, nil
	case TagBatchSignature:
		return &BatchSignatureEvent{}, nil
	case TagBatchCertified:
		return &BatchCertified{}, nil
	case TagCertificateRequest:
		return &CertificateRequest{}, nil
	case TagCertificateResponse:
		return &CertificateResponse{}, nil
	case TagPrimaryPing:
		return &PrimaryPing{}, nil
	case TagBlockRequest:
		return &BlockRequest{}, nil
	case TagBlockResponse:
		return &BlockResponse{}, nil
	case TagValidatorsRequest:
		return &ValidatorsRequest{}, nil
	case TagValidatorsResponse:
		return &ValidatorsResponse{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown event tag %d", tag)
	}
}
