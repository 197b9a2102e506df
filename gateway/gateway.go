// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gateway implements spec §4.1: the Noise_XX-authenticated,
// length-framed peer transport that every other subsystem's Sender
// interface ultimately runs over, plus the peer book and rate limiter
// that keep a misbehaving or overloaded peer from starving the node.
package gateway

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/luxfi/log"

	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/keys"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/wire"
)

// Clock is the monotonic clock the peer book's cooldown/ban bookkeeping
// runs against (spec §9: prefer monotonic clocks for intra-node
// deadlines).
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Dispatcher routes a decoded event from an authenticated peer to
// whichever subsystem owns that event kind. Gateway never interprets
// event payloads itself beyond the handshake's own Challenge events;
// every other tag is handed off verbatim (spec §5: gateway is pure
// transport).
type Dispatcher interface {
	OnWorkerPing(peer types.Address, ev *wire.WorkerPing)
	OnTransmissionRequest(peer types.Address, ev *wire.TransmissionRequest)
	OnTransmissionResponse(ctx context.Context, peer types.Address, ev *wire.TransmissionResponse)
	OnBatchPropose(ctx context.Context, peer types.Address, ev *wire.BatchPropose)
	OnBatchSignature(ctx context.Context, peer types.Address, ev *wire.BatchSignatureEvent)
	OnBatchCertified(ctx context.Context, peer types.Address, ev *wire.BatchCertified)
	OnCertificateRequest(peer types.Address, ev *wire.CertificateRequest)
	OnCertificateResponse(peer types.Address, ev *wire.CertificateResponse)
	OnPrimaryPing(ctx context.Context, peer types.Address, ev *wire.PrimaryPing)
	OnBlockRequest(ctx context.Context, peer types.Address, ev *wire.BlockRequest)
	OnBlockResponse(peer types.Address, ev *wire.BlockResponse)
	OnValidatorsRequest(peer types.Address, ev *wire.ValidatorsRequest)
	OnValidatorsResponse(peer types.Address, ev *wire.ValidatorsResponse)
}

// Gateway owns every live peer connection for one node: it dials and
// accepts Noise_XX-authenticated connections, enforces the peer book
// and rate limiter on inbound traffic, and exposes the Sender interface
// every other subsystem depends on (spec §4.1).
type Gateway struct {
	cfg      config.Config
	log      log.Logger
	self     types.Address
	signer   keys.SecretKey
	static   noise.DHKey
	resolver KeyResolver
	dispatch Dispatcher
	clock    Clock

	peerBook *PeerBook
	limiter  *RateLimiter

	listener   net.Listener
	listenPort uint16

	mu    sync.RWMutex
	conns map[types.Address]*conn
}

// New constructs a Gateway. static is this node's Noise X25519 identity
// keypair (see GenerateStaticKeypair), distinct from signer's Ed25519
// committee signing key.
func New(cfg config.Config, logger log.Logger, self types.Address, signer keys.SecretKey, static noise.DHKey, resolver KeyResolver, dispatch Dispatcher) *Gateway {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	clock := Clock(realClock{})
	return &Gateway{
		cfg:      cfg,
		log:      logger,
		self:     self,
		signer:   signer,
		static:   static,
		resolver: resolver,
		dispatch: dispatch,
		clock:    clock,
		peerBook: NewPeerBook(cfg, clock),
		limiter:  NewRateLimiter(),
		conns:    make(map[types.Address]*conn),
	}
}

// Listen binds addr and begins accepting inbound connections in the
// background until ctx is cancelled.
func (g *Gateway) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", addr, err)
	}
	g.listener = ln
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		g.listenPort = uint16(tcpAddr.Port)
	}
	go g.acceptLoop(ctx)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	return nil
}

func (g *Gateway) acceptLoop(ctx context.Context) {
	for {
		raw, err := g.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.log.Debug("gateway: accept failed", "err", err)
			continue
		}
		go g.handleAccept(ctx, raw)
	}
}

func (g *Gateway) handleAccept(ctx context.Context, raw net.Conn) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		raw.Close()
		return
	}
	transport, peer, _, err := AcceptHandshake(raw, g.static, g.self, nonce, g.resolver, 0, g.cfg.HandshakeTimeout, g.cfg.MaxHandshakeFrameSize)
	if err != nil {
		g.log.Debug("gateway: inbound handshake failed", "err", err)
		raw.Close()
		return
	}
	if !g.peerBook.Dialable(peer) {
		g.log.Debug("gateway: rejecting banned/cooling-down peer", "peer", peer.String())
		raw.Close()
		return
	}
	g.adopt(ctx, peer, raw, transport)
}

// Dial opens an outbound connection to addr, runs the initiator side of
// the handshake, and adopts the resulting connection under peer's
// committee address.
func (g *Gateway) Dial(ctx context.Context, peer types.Address, addr string, round uint64) error {
	if !g.peerBook.Dialable(peer) {
		return fmt.Errorf("gateway: peer %s is banned or cooling down", peer.String())
	}
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: dial %s: %w", addr, err)
	}
	transport, attested, err := DialHandshake(raw, g.static, g.self, g.signer, g.listenPort, g.resolver, round, g.cfg.HandshakeTimeout, g.cfg.MaxHandshakeFrameSize)
	if err != nil {
		raw.Close()
		g.peerBook.Cooldown(peer, g.cfg.BanDuration)
		return fmt.Errorf("gateway: handshake with %s: %w", addr, err)
	}
	if attested != peer {
		raw.Close()
		return fmt.Errorf("gateway: %s attested unexpected address %s", addr, attested.String())
	}
	g.adopt(ctx, peer, raw, transport)
	return nil
}

func (g *Gateway) adopt(ctx context.Context, peer types.Address, raw net.Conn, transport *Transport) {
	c := newConn(peer, raw, transport, g.cfg.MaxFrameSize)

	g.mu.Lock()
	if old, ok := g.conns[peer]; ok {
		old.Close()
	}
	g.conns[peer] = c
	g.mu.Unlock()

	go c.writeLoop(ctx, func(err error) { g.disconnect(peer, err) })
	go c.readLoop(ctx, func(ev wire.Event) error { return g.handleEvent(ctx, peer, ev) }, func(err error) { g.disconnect(peer, err) })
}

func (g *Gateway) disconnect(peer types.Address, err error) {
	g.mu.Lock()
	c, ok := g.conns[peer]
	if ok {
		delete(g.conns, peer)
	}
	g.mu.Unlock()
	if ok {
		c.Close()
	}
	g.limiter.Forget(peer)
	if err != nil {
		g.log.Debug("gateway: peer disconnected", "peer", peer.String(), "err", err)
	}
}

func (g *Gateway) handleEvent(ctx context.Context, peer types.Address, ev wire.Event) error {
	if !g.limiter.Allow(peer, ev.Tag()) {
		g.peerBook.ReportFailure(peer, "rate limit exceeded")
		return fmt.Errorf("gateway: peer %s exceeded rate limit for tag %d", peer.String(), ev.Tag())
	}
	switch e := ev.(type) {
	case *wire.WorkerPing:
		g.dispatch.OnWorkerPing(peer, e)
	case *wire.TransmissionRequest:
		g.dispatch.OnTransmissionRequest(peer, e)
	case *wire.TransmissionResponse:
		g.dispatch.OnTransmissionResponse(ctx, peer, e)
	case *wire.BatchPropose:
		g.dispatch.OnBatchPropose(ctx, peer, e)
	case *wire.BatchSignatureEvent:
		g.dispatch.OnBatchSignature(ctx, peer, e)
	case *wire.BatchCertified:
		g.dispatch.OnBatchCertified(ctx, peer, e)
	case *wire.CertificateRequest:
		g.dispatch.OnCertificateRequest(peer, e)
	case *wire.CertificateResponse:
		g.dispatch.OnCertificateResponse(peer, e)
	case *wire.PrimaryPing:
		g.dispatch.OnPrimaryPing(ctx, peer, e)
	case *wire.BlockRequest:
		g.dispatch.OnBlockRequest(ctx, peer, e)
	case *wire.BlockResponse:
		g.dispatch.OnBlockResponse(peer, e)
	case *wire.ValidatorsRequest:
		g.dispatch.OnValidatorsRequest(peer, e)
	case *wire.ValidatorsResponse:
		g.dispatch.OnValidatorsResponse(peer, e)
	case *wire.Disconnect:
		return fmt.Errorf("gateway: peer %s disconnected, reason %d", peer.String(), e.Reason)
	default:
		g.peerBook.ReportFailure(peer, "unknown event tag")
		return fmt.Errorf("gateway: peer %s sent unroutable event tag %d", peer.String(), ev.Tag())
	}
	return nil
}

// SendTo enqueues ev for delivery to peer (the worker/primary/bft/sync
// Sender interface). It returns an error when peer has no live
// connection or its outbound queue is full; on a full queue ev is
// dropped and peer is charged one failure. Callers treat send errors
// as best-effort and only log them (spec §5).
func (g *Gateway) SendTo(peer types.Address, ev wire.Event) error {
	g.mu.RLock()
	c, ok := g.conns[peer]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gateway: no live connection to peer %s", peer.String())
	}
	if !c.enqueue(ev) {
		g.peerBook.ReportFailure(peer, "outbound queue overflow")
		return fmt.Errorf("gateway: outbound queue to peer %s is full", peer.String())
	}
	return nil
}

// Broadcast enqueues ev to every currently connected peer.
func (g *Gateway) Broadcast(ev wire.Event) error {
	g.mu.RLock()
	peers := make([]types.Address, 0, len(g.conns))
	for p := range g.conns {
		peers = append(peers, p)
	}
	g.mu.RUnlock()
	var firstErr error
	for _, p := range peers {
		if err := g.SendTo(p, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReportFailure charges peer one failure in the peer book, the
// FailureReporter interface shared with worker/primary/bft/sync.
func (g *Gateway) ReportFailure(peer types.Address, reason string) {
	g.peerBook.ReportFailure(peer, reason)
	g.log.Debug("gateway: peer failure charged", "peer", peer.String(), "reason", reason)
}

// Connected reports whether peer currently has a live connection.
func (g *Gateway) Connected(peer types.Address) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conns[peer]
	return ok
}

// Close tears down every live connection and the listener, if any.
func (g *Gateway) Close() error {
	if g.listener != nil {
		g.listener.Close()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for peer, c := range g.conns {
		c.Close()
		delete(g.conns, peer)
	}
	return nil
}
