// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/keys"
	"github.com/luxfi/narwhal/ledger/ledgertest"
	"github.com/luxfi/narwhal/storage"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/wire"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []wire.Event
}

func (f *fakeSender) SendTo(peer types.Address, ev wire.Event) error { return f.record(ev) }
func (f *fakeSender) Broadcast(ev wire.Event) error                  { return f.record(ev) }

func (f *fakeSender) record(ev wire.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeSender) ofType(tag wire.Tag) []wire.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Event
	for _, ev := range f.sent {
		if ev.Tag() == tag {
			out = append(out, ev)
		}
	}
	return out
}

type fakeFailer struct {
	mu       sync.Mutex
	failures []string
}

func (f *fakeFailer) ReportFailure(peer types.Address, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, reason)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func addr(b byte) types.Address {
	var a types.Address
	a[0] = b
	return a
}

func newTestPrimary(t *testing.T, self types.Address, signer keys.SecretKey, committee *types.Committee) (*Primary, *fakeSender, *fakeFailer, *ledgertest.Ledger) {
	t.Helper()
	cfg := config.Default()
	cfg.MaxFetchTimeout = 200 * time.Millisecond
	lg := ledgertest.New(committee)
	sender := &fakeSender{}
	failer := &fakeFailer{}
	p := New(cfg, nil, self, signer, storage.New(), lg, sender, failer, nil)
	p.SetClock(fixedClock{t: time.Unix(1700000000, 0)})
	return p, sender, failer, lg
}

func twoValidatorCommittee(t *testing.T) (a1, a2 types.Address, sk1, sk2 keys.SecretKey, committee *types.Committee) {
	t.Helper()
	var err error
	sk1, err = keys.Generate()
	require.NoError(t, err)
	sk2, err = keys.Generate()
	require.NoError(t, err)
	a1, a2 = addr(1), addr(2)
	committee = types.NewCommittee(types.Digest{}, 0, []types.Validator{
		{Address: a1, Stake: 1},
		{Address: a2, Stake: 1},
	})
	return
}

func TestOnBatchProposeSignsValidHeaderAndReplies(t *testing.T) {
	a1, a2, sk1, sk2, committee := twoValidatorCommittee(t)
	p, sender, failer, _ := newTestPrimary(t, a2, sk2, committee)

	header := types.BatchHeader{
		Version:     types.Version,
		Author:      a1,
		Round:       0,
		Timestamp:   1700000000,
		CommitteeID: committee.ID(),
	}
	header.Signature = sk1.Sign(func() []byte { id := header.BatchID(); return id[:] }())

	require.NoError(t, p.OnBatchPropose(context.Background(), a1, header))
	require.Empty(t, failer.failures)

	sigs := sender.ofType(wire.TagBatchSignature)
	require.Len(t, sigs, 1)
	ev := sigs[0].(*wire.BatchSignatureEvent)
	require.Equal(t, a2, ev.Signature.Signer)
	require.Equal(t, header.BatchID(), ev.BatchID)
}

func TestOnBatchProposeRejectsWrongCommittee(t *testing.T) {
	a1, a2, _, _, committee := twoValidatorCommittee(t)
	p, _, failer, _ := newTestPrimary(t, a2, keys.SecretKey{}, committee)

	header := types.BatchHeader{Author: a1, Round: 0, CommitteeID: types.Digest{0xFF}}
	err := p.OnBatchPropose(context.Background(), a1, header)
	require.ErrorIs(t, err, ErrWrongCommittee)
	require.Contains(t, failer.failures, "batch header wrong committee")
}

func TestOnBatchProposeRejectsUnknownAuthor(t *testing.T) {
	a1, a2, _, _, committee := twoValidatorCommittee(t)
	p, _, failer, _ := newTestPrimary(t, a2, keys.SecretKey{}, committee)

	header := types.BatchHeader{Author: addr(9), Round: 0, CommitteeID: committee.ID()}
	err := p.OnBatchPropose(context.Background(), a1, header)
	require.ErrorIs(t, err, ErrUnknownAuthor)
	require.Contains(t, failer.failures, "batch header unknown author")
}

func TestOnBatchProposeDetectsEquivocationAndFreezes(t *testing.T) {
	a1, a2, sk1, sk2, committee := twoValidatorCommittee(t)
	p, sender, _, _ := newTestPrimary(t, a2, sk2, committee)

	h1 := types.BatchHeader{Author: a1, Round: 0, Timestamp: 1, CommitteeID: committee.ID()}
	h1.Signature = sk1.Sign(func() []byte { id := h1.BatchID(); return id[:] }())
	require.NoError(t, p.OnBatchPropose(context.Background(), a1, h1))
	require.Len(t, sender.ofType(wire.TagBatchSignature), 1)

	h2 := types.BatchHeader{Author: a1, Round: 0, Timestamp: 2, CommitteeID: committee.ID()}
	require.NoError(t, p.OnBatchPropose(context.Background(), a1, h2))
	// No second signature for the equivocating header.
	require.Len(t, sender.ofType(wire.TagBatchSignature), 1)

	require.True(t, p.store.IsFrozen(a1, committee.ID()))
}

func TestOnBatchSignatureReachesQuorum(t *testing.T) {
	a1, a2, _, sk2, committee := twoValidatorCommittee(t)
	selfSigner, err := keys.Generate()
	require.NoError(t, err)
	p, _, failer, _ := newTestPrimary(t, a1, selfSigner, committee)

	header := types.BatchHeader{Author: a1, Round: 0, Timestamp: 1700000000, CommitteeID: committee.ID()}
	header.Signature = selfSigner.Sign(func() []byte { id := header.BatchID(); return id[:] }())
	batchID := header.BatchID()

	p.pendingHeadersMu.Lock()
	p.pendingHeaders[batchID] = header
	p.pendingHeadersMu.Unlock()

	sig := types.BatchSignature{
		Signer:    a2,
		Timestamp: 1700000000,
		Signature: sk2.Sign(types.SignatureBytes(batchID, 1700000000)),
	}
	p.OnBatchSignature(context.Background(), a2, &wire.BatchSignatureEvent{BatchID: batchID, Signature: sig})
	require.Empty(t, failer.failures)
	require.Len(t, p.store.PendingSignatures(batchID), 1)
	cert := &types.BatchCertificate{Header: header, Signatures: p.store.PendingSignatures(batchID)}
	require.GreaterOrEqual(t, cert.SignerStake(committee), committee.QuorumThreshold())
}

func TestOnBatchSignatureRejectsNonMember(t *testing.T) {
	a1, _, _, _, committee := twoValidatorCommittee(t)
	p, _, failer, _ := newTestPrimary(t, a1, keys.SecretKey{}, committee)

	header := types.BatchHeader{Author: a1, Round: 0, Timestamp: 1700000000}
	batchID := header.BatchID()
	p.pendingHeadersMu.Lock()
	p.pendingHeaders[batchID] = header
	p.pendingHeadersMu.Unlock()

	sig := types.BatchSignature{Signer: addr(9), Timestamp: 1700000000}
	p.OnBatchSignature(context.Background(), addr(9), &wire.BatchSignatureEvent{BatchID: batchID, Signature: sig})
	require.Contains(t, failer.failures, "batch signature from non-member")
}

func TestOnCertificateAcceptsQuorumCertificate(t *testing.T) {
	a1, a2, sk1, sk2, committee := twoValidatorCommittee(t)
	p, _, failer, _ := newTestPrimary(t, a1, sk1, committee)

	header := types.BatchHeader{Author: a1, Round: 0, Timestamp: 1700000000, CommitteeID: committee.ID()}
	batchID := header.BatchID()
	cert := &types.BatchCertificate{
		Header: header,
		Signatures: []types.BatchSignature{
			{Signer: a2, Timestamp: 1700000000, Signature: sk2.Sign(types.SignatureBytes(batchID, 1700000000))},
		},
	}

	require.NoError(t, p.OnCertificate(context.Background(), a2, cert))
	require.Empty(t, failer.failures)
	stored, ok := p.store.GetCertificate(0, batchID)
	require.True(t, ok)
	require.Equal(t, batchID, stored.ID())
}

func TestOnCertificateRejectsBelowQuorum(t *testing.T) {
	a1, _, _, _, committee := twoValidatorCommittee(t)
	p, _, failer, _ := newTestPrimary(t, a1, keys.SecretKey{}, committee)

	header := types.BatchHeader{Author: a1, Round: 0, CommitteeID: committee.ID()}
	cert := &types.BatchCertificate{Header: header}
	err := p.OnCertificate(context.Background(), a1, cert)
	require.ErrorIs(t, err, ErrInvalidCertificate)
	require.Contains(t, failer.failures, "certificate lacks quorum stake")
}

func TestOnCertificateRejectsDuplicateSigner(t *testing.T) {
	a1, a2, _, _, committee := twoValidatorCommittee(t)
	p, _, failer, _ := newTestPrimary(t, a1, keys.SecretKey{}, committee)

	header := types.BatchHeader{Author: a1, Round: 0, CommitteeID: committee.ID()}
	cert := &types.BatchCertificate{
		Header:     header,
		Signatures: []types.BatchSignature{{Signer: a2}, {Signer: a2}},
	}
	err := p.OnCertificate(context.Background(), a2, cert)
	require.ErrorIs(t, err, ErrInvalidCertificate)
	require.Contains(t, failer.failures, "certificate has a duplicate signer")
}

func TestOnCertificateRequestAnswersKnownIDs(t *testing.T) {
	a1, _, sk1, _, committee := twoValidatorCommittee(t)
	p, sender, _, _ := newTestPrimary(t, a1, sk1, committee)

	header := types.BatchHeader{Author: a1, Round: 0, CommitteeID: committee.ID()}
	cert := &types.BatchCertificate{Header: header}
	require.NoError(t, p.store.InsertCertificate(cert))

	p.OnCertificateRequest(addr(2), &wire.CertificateRequest{IDs: []types.Digest{cert.ID()}})
	resps := sender.ofType(wire.TagCertificateResponse)
	require.Len(t, resps, 1)
	require.Len(t, resps[0].(*wire.CertificateResponse).Certificates, 1)
}

func TestPauseResume(t *testing.T) {
	a1, _, _, _, committee := twoValidatorCommittee(t)
	p, _, _, _ := newTestPrimary(t, a1, keys.SecretKey{}, committee)

	require.Equal(t, StatusProposing, p.Status())
	p.Pause()
	require.Equal(t, StatusSyncing, p.Status())
	p.Resume(5)
	require.Equal(t, StatusProposing, p.Status())
	require.Equal(t, uint64(5), p.Round())
}
