// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/narwhal/storage"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/wire"
)

// Errors returned by the receiving side of the primary (spec §4.3
// "Receiving a proposal" / "Receiving a certificate").
var (
	ErrUnknownAuthor   = errors.New("primary: header author not a committee member")
	ErrWrongCommittee  = errors.New("primary: header committee id mismatch")
	ErrUnresolvedData  = errors.New("primary: could not resolve missing parents/transmissions before the fetch deadline")
	ErrInvalidCertificate = errors.New("primary: certificate fails validation")
)

// OnBatchPropose validates and, if acceptable, signs a peer's proposed
// header (spec §4.3 "Receiving a proposal"). It never signs a second
// distinct header from the same (round, author): storage.RecordHeader
// enforces the equivocation rule and hands back whichever header was
// seen first, which is the one this validator commits to signing.
func (p *Primary) OnBatchPropose(ctx context.Context, peer types.Address, header types.BatchHeader) error {
	committee, err := p.ledger.CommitteeForRound(ctx, header.Round)
	if err != nil {
		return fmt.Errorf("primary: resolve committee for round %d: %w", header.Round, err)
	}
	if header.CommitteeID != committee.ID() {
		p.failer.ReportFailure(peer, "batch header wrong committee")
		return ErrWrongCommittee
	}
	if !committee.IsMember(header.Author) {
		p.failer.ReportFailure(peer, "batch header unknown author")
		return ErrUnknownAuthor
	}
	if p.store.IsFrozen(header.Author, committee.ID()) {
		p.log.Debug("primary: dropping proposal from frozen author", "author", header.Author.String(), "round", header.Round)
		return nil
	}

	current := p.Round()
	if header.Round != current && header.Round+1 != current {
		p.log.Trace("primary: dropping stale or out-of-window proposal", "round", header.Round, "current", current)
		return nil
	}

	toSign, equivocated := p.store.RecordHeader(header)
	if equivocated {
		p.log.Warn("primary: equivocation evidence recorded", "author", header.Author.String(), "round", header.Round)
		p.store.FreezeAuthor(header.Author, committee.ID())
		return nil
	}

	if err := p.awaitParents(ctx, peer, toSign); err != nil {
		return err
	}
	if err := p.awaitTransmissions(ctx, peer, toSign); err != nil {
		return err
	}

	ts := p.clock.Now().Unix()
	sig := types.BatchSignature{
		Signer:    p.self,
		Timestamp: ts,
		Signature: p.signer.Sign(types.SignatureBytes(toSign.BatchID(), ts)),
	}
	if err := p.sender.SendTo(peer, &wire.BatchSignatureEvent{BatchID: toSign.BatchID(), Signature: sig}); err != nil {
		p.log.Debug("primary: failed to reply with batch signature", "round", header.Round, "err", err)
	}
	return nil
}

// awaitParents blocks (bounded by MaxFetchTimeout) until every parent
// certificate header names is stored locally, fetching any that are
// missing from peer first.
func (p *Primary) awaitParents(ctx context.Context, peer types.Address, header types.BatchHeader) error {
	if header.Round == 0 {
		return nil
	}
	missing := p.missingParents(header)
	if len(missing) == 0 {
		return nil
	}
	if err := p.sender.SendTo(peer, &wire.CertificateRequest{IDs: missing}); err != nil {
		p.log.Debug("primary: failed to request missing parents", "err", err)
	}
	deadline := p.clock.Now().Add(p.cfg.MaxFetchTimeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(p.missingParents(header)) == 0 {
			return nil
		}
		if p.clock.Now().After(deadline) {
			return fmt.Errorf("%w: parents of round %d", ErrUnresolvedData, header.Round)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Primary) missingParents(header types.BatchHeader) []types.Digest {
	var missing []types.Digest
	for _, id := range header.ParentCertificateIDs {
		if _, ok := p.store.GetCertificate(header.Round-1, id); !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// awaitTransmissions blocks (bounded by MaxFetchTimeout) until every
// transmission header references is held locally. The fetch itself is
// delegated to this primary's local worker via OnPing, reusing its
// dedup/TTL-guarded pull table (spec §4.2) rather than issuing a
// second, worker-bypassing TransmissionRequest that would collide with
// the worker's own in-flight bookkeeping and make peer responses look
// unsolicited.
func (p *Primary) awaitTransmissions(ctx context.Context, peer types.Address, header types.BatchHeader) error {
	missing := p.missingTransmissions(header)
	if len(missing) == 0 {
		return nil
	}
	if len(p.workers) == 0 {
		return fmt.Errorf("%w: no local worker to fetch transmissions of round %d", ErrUnresolvedData, header.Round)
	}
	p.workers[0].OnPing(peer, missing)
	deadline := p.clock.Now().Add(p.cfg.MaxFetchTimeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(p.missingTransmissions(header)) == 0 {
			return nil
		}
		if p.clock.Now().After(deadline) {
			return fmt.Errorf("%w: transmissions of round %d", ErrUnresolvedData, header.Round)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Primary) missingTransmissions(header types.BatchHeader) []types.TransmissionID {
	var missing []types.TransmissionID
	for _, id := range header.TransmissionIDs {
		if !p.store.ContainsTransmission(id) {
			missing = append(missing, id)
		}
	}
	return missing
}

// OnCertificateResponse admits certificates a peer sent in answer to
// awaitParents's request.
func (p *Primary) OnCertificateResponse(resp *wire.CertificateResponse) {
	for i := range resp.Certificates {
		if err := p.store.InsertCertificate(&resp.Certificates[i]); err != nil {
			p.log.Trace("primary: discarding fetched certificate", "err", err)
		}
	}
}

// OnCertificateRequest answers a peer's pull for certificates by id,
// regardless of round (spec §4.3 missing-parent fetch, §4.5 sync).
func (p *Primary) OnCertificateRequest(peer types.Address, req *wire.CertificateRequest) {
	var out []types.BatchCertificate
	for _, id := range req.IDs {
		if c, ok := p.store.CertificateByID(id); ok {
			out = append(out, *c)
		}
	}
	if len(out) == 0 {
		return
	}
	if err := p.sender.SendTo(peer, &wire.CertificateResponse{Certificates: out}); err != nil {
		p.log.Debug("primary: failed to answer certificate request", "peer", peer.String(), "err", err)
	}
}

// OnBatchSignature admits a signature reply to one of this primary's
// own in-flight proposals (spec §4.3 step 5). Signatures for a batch
// id this primary isn't currently waiting on are stale/unknown and
// silently dropped (spec §7 kind 3).
func (p *Primary) OnBatchSignature(ctx context.Context, peer types.Address, ev *wire.BatchSignatureEvent) {
	p.pendingHeadersMu.Lock()
	header, ok := p.pendingHeaders[ev.BatchID]
	p.pendingHeadersMu.Unlock()
	if !ok {
		return
	}

	committee, err := p.ledger.CommitteeForRound(ctx, header.Round)
	if err != nil {
		p.log.Debug("primary: resolve committee for signature", "round", header.Round, "err", err)
		return
	}
	if !committee.IsMember(ev.Signature.Signer) {
		p.failer.ReportFailure(peer, "batch signature from non-member")
		return
	}
	delta := int64(p.cfg.MaxTimestampDelta / time.Second)
	if abs64(ev.Signature.Timestamp-header.Timestamp) > delta {
		p.failer.ReportFailure(peer, "batch signature timestamp out of range")
		return
	}
	if !p.store.AddPendingSignature(ev.BatchID, ev.Signature) {
		p.failer.ReportFailure(peer, "duplicate batch signature")
	}
}

// OnCertificate validates and stores a broadcast BatchCertificate
// (spec §4.3 "Receiving a certificate"). If the certificate belongs to
// a round this primary is currently gathering parents for, the poll
// loop in gatherParents picks the new stake up on its next tick.
func (p *Primary) OnCertificate(ctx context.Context, peer types.Address, cert *types.BatchCertificate) error {
	committee, err := p.ledger.CommitteeForRound(ctx, cert.Round())
	if err != nil {
		return fmt.Errorf("primary: resolve committee for round %d: %w", cert.Round(), err)
	}
	if cert.HasDuplicateSigner() {
		p.failer.ReportFailure(peer, "certificate has a duplicate signer")
		return ErrInvalidCertificate
	}
	if cert.SignerStake(committee) < committee.QuorumThreshold() {
		p.failer.ReportFailure(peer, "certificate lacks quorum stake")
		return ErrInvalidCertificate
	}
	if err := p.store.InsertCertificate(cert); err != nil {
		if errors.Is(err, storage.ErrAlreadyGarbageCollected) || errors.Is(err, storage.ErrDuplicateCertificate) {
			p.log.Trace("primary: dropping stale or duplicate certificate", "err", err)
			return nil
		}
		p.failer.ReportFailure(peer, "certificate failed to store: "+err.Error())
		return err
	}
	return nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
