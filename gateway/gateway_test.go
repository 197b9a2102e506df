// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/keys"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/wire"
)

// recordingDispatcher satisfies Dispatcher and records every event it
// is handed, so a test can assert the gateway routed an inbound event
// to the right callback.
type recordingDispatcher struct {
	mu    sync.Mutex
	pings []struct {
		peer types.Address
		ids  []types.TransmissionID
	}
}

func (d *recordingDispatcher) OnWorkerPing(peer types.Address, ev *wire.WorkerPing) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pings = append(d.pings, struct {
		peer types.Address
		ids  []types.TransmissionID
	}{peer, ev.IDs})
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pings)
}

func (d *recordingDispatcher) OnTransmissionRequest(types.Address, *wire.TransmissionRequest)   {}
func (d *recordingDispatcher) OnTransmissionResponse(context.Context, types.Address, *wire.TransmissionResponse) {
}
func (d *recordingDispatcher) OnBatchPropose(context.Context, types.Address, *wire.BatchPropose) {}
func (d *recordingDispatcher) OnBatchSignature(context.Context, types.Address, *wire.BatchSignatureEvent) {
}
func (d *recordingDispatcher) OnBatchCertified(context.Context, types.Address, *wire.BatchCertified) {}
func (d *recordingDispatcher) OnCertificateRequest(types.Address, *wire.CertificateRequest)         {}
func (d *recordingDispatcher) OnCertificateResponse(types.Address, *wire.CertificateResponse)       {}
func (d *recordingDispatcher) OnPrimaryPing(context.Context, types.Address, *wire.PrimaryPing)      {}
func (d *recordingDispatcher) OnBlockRequest(context.Context, types.Address, *wire.BlockRequest)    {}
func (d *recordingDispatcher) OnBlockResponse(types.Address, *wire.BlockResponse)                   {}
func (d *recordingDispatcher) OnValidatorsRequest(types.Address, *wire.ValidatorsRequest)           {}
func (d *recordingDispatcher) OnValidatorsResponse(types.Address, *wire.ValidatorsResponse)         {}

var _ Dispatcher = (*recordingDispatcher)(nil)

func newTestNode(t *testing.T, cfg config.Config, resolver *fakeResolver, id byte) (*recordingDispatcher, *Gateway) {
	t.Helper()
	static, err := GenerateStaticKeypair()
	require.NoError(t, err)
	signer, err := keys.Generate()
	require.NoError(t, err)

	a := addr(id)
	resolver.mu.Lock()
	resolver.staticKeys[a] = static.Public
	resolver.pubKeys[a] = signer.PublicKey()
	resolver.mu.Unlock()

	d := &recordingDispatcher{}
	gw := New(cfg, nil, a, signer, static, resolver, d)
	return d, gw
}

// TestGatewayDialAcceptAndRouteEvent exercises the whole transport
// stack end to end over a real TCP loopback connection: handshake,
// frame, encrypt, and event dispatch, matching spec §4.1/§6.
func TestGatewayDialAcceptAndRouteEvent(t *testing.T) {
	cfg := config.Default()
	cfg.HandshakeTimeout = 2 * time.Second

	resolver := newFakeResolver()
	_, clientGW := newTestNode(t, cfg, resolver, 1)
	serverDispatch, serverGW := newTestNode(t, cfg, resolver, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer clientGW.Close()
	defer serverGW.Close()

	require.NoError(t, serverGW.Listen(ctx, "127.0.0.1:0"))

	serverAddr := serverGW.listener.Addr().String()
	clientPeerAddr := addr(2)

	require.NoError(t, clientGW.Dial(ctx, clientPeerAddr, serverAddr, 0))

	require.Eventually(t, func() bool { return serverGW.Connected(addr(1)) }, time.Second, 10*time.Millisecond)
	require.True(t, clientGW.Connected(clientPeerAddr))

	ping := &wire.WorkerPing{IDs: []types.TransmissionID{types.TransactionID(types.Digest{1, 2, 3})}}
	require.NoError(t, clientGW.SendTo(clientPeerAddr, ping))

	require.Eventually(t, func() bool { return serverDispatch.count() == 1 }, time.Second, 10*time.Millisecond)

	serverDispatch.mu.Lock()
	got := serverDispatch.pings[0]
	serverDispatch.mu.Unlock()
	require.Equal(t, addr(1), got.peer)
	require.Equal(t, ping.IDs, got.ids)
}

// TestGatewaySendToUnknownPeerFails ensures SendTo to a peer with no
// live connection errors rather than silently hanging (spec §4.1's
// "send any" router).
func TestGatewaySendToUnknownPeerFails(t *testing.T) {
	cfg := config.Default()
	resolver := newFakeResolver()
	_, gw := newTestNode(t, cfg, resolver, 1)
	defer gw.Close()

	err := gw.SendTo(addr(9), &wire.WorkerPing{})
	require.Error(t, err)
}

// TestGatewayDialRejectsBannedPeer ensures a peer the peer book has
// banned cannot be dialed (spec §4.1 cooldown/ban list).
func TestGatewayDialRejectsBannedPeer(t *testing.T) {
	cfg := config.Default()
	resolver := newFakeResolver()
	_, gw := newTestNode(t, cfg, resolver, 1)
	defer gw.Close()

	target := addr(7)
	gw.peerBook.Cooldown(target, time.Minute)

	err := gw.Dial(context.Background(), target, "127.0.0.1:1", 0)
	require.Error(t, err)
}
