// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package node wires one validator's gateway, worker(s), primary, BFT
// engine, and sync together into a single running core (spec §5/§9):
// exactly one gateway, one primary, and one BFT engine per node, each
// driven by its own perpetual goroutine sharing nothing but the
// storage.Storage DAG and the ledger service.
package node

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/flynn/noise"
	"github.com/luxfi/log"

	"github.com/luxfi/narwhal/bft"
	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/gateway"
	"github.com/luxfi/narwhal/keys"
	"github.com/luxfi/narwhal/ledger"
	"github.com/luxfi/narwhal/primary"
	"github.com/luxfi/narwhal/storage"
	narwhalsync "github.com/luxfi/narwhal/sync"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/wire"
	"github.com/luxfi/narwhal/worker"
)

// PeerAddr is a committee member's network address, the bootstrap table
// a node dials from at startup.
type PeerAddr struct {
	Address types.Address
	Addr    string
}

// Node is one validator's complete running core.
type Node struct {
	cfg    config.Config
	log    log.Logger
	self   types.Address
	store  *storage.Storage
	ledger ledger.LedgerService

	gw      *gateway.Gateway
	workers []*worker.Worker
	prim    *primary.Primary
	engine  *bft.Engine
	syncer  *narwhalsync.Sync

	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New constructs a Node. static is this node's Noise identity keypair;
// signer is its Ed25519 committee signing key; resolver answers the
// gateway's committee-membership key-binding questions; roundForHeight
// maps a committed block height back to a primary proposal round for
// sync's resume call (see the doc comment on sync.RoundForHeight for
// why an approximate mapping is acceptable).
func New(
	cfg config.Config,
	logger log.Logger,
	self types.Address,
	signer keys.SecretKey,
	static noise.DHKey,
	resolver gateway.KeyResolver,
	ls ledger.LedgerService,
	decidedThrough uint64,
	roundForHeight narwhalsync.RoundForHeight,
) *Node {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	store := storage.New()

	n := &Node{
		cfg:    cfg,
		log:    logger,
		self:   self,
		store:  store,
		ledger: ls,
	}

	n.gw = gateway.New(cfg, logger, self, signer, static, resolver, n)

	w := worker.New(cfg, logger, store, ls, n.gw, n.gw)
	n.workers = []*worker.Worker{w}
	for i := 1; i < cfg.MaxWorkers; i++ {
		n.workers = append(n.workers, worker.New(cfg, logger, store, ls, n.gw, n.gw))
	}

	n.prim = primary.New(cfg, logger, self, signer, store, ls, n.gw, n.gw, n.workers)
	n.engine = bft.New(cfg, logger, store, ls, n.gw, decidedThrough)
	n.syncer = narwhalsync.New(cfg, logger, ls, n.gw, n.prim, n.gw, roundForHeight)

	return n
}

// Start dials every known peer, begins listening on listenAddr, and
// launches every subsystem's perpetual loop. It returns once dialing
// has been attempted (dial failures are logged, not fatal: the
// handshake retries happen out-of-band via later reconnect attempts
// driven by the caller, per spec §9's "reconnection policy is left to
// the embedder").
func (n *Node) Start(ctx context.Context, listenAddr string, peers []PeerAddr, round uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if err := n.gw.Listen(ctx, listenAddr); err != nil {
		cancel()
		return fmt.Errorf("node: listen: %w", err)
	}

	for _, p := range peers {
		go func(p PeerAddr) {
			if err := n.gw.Dial(ctx, p.Address, p.Addr, round); err != nil {
				n.log.Debug("node: initial dial failed", "peer", p.Address.String(), "addr", p.Addr, "err", err)
			}
		}(p)
	}

	n.spawn(func() { n.prim.RunRoundLoop(ctx) })
	n.spawn(func() { n.engine.Run(ctx) })
	for _, w := range n.workers {
		w := w
		n.spawn(func() { w.RunPingTimer(ctx) })
	}
	n.spawn(func() { n.runPrimaryPingTimer(ctx) })

	return nil
}

func (n *Node) spawn(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// runPrimaryPingTimer broadcasts this node's committed height on
// PrimaryPingInterval, the liveness beacon sync watches for elsewhere
// in the committee (spec §4.5).
func (n *Node) runPrimaryPingTimer(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.PrimaryPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			height, err := n.ledger.LatestHeight(ctx)
			if err != nil {
				n.log.Debug("node: failed to read local height for primary ping", "err", err)
				continue
			}
			if err := n.gw.Broadcast(&wire.PrimaryPing{CommittedHeight: height, CommittedRound: n.engine.DecidedThrough()}); err != nil {
				n.log.Trace("node: failed to broadcast primary ping", "err", err)
			}
		}
	}
}

// Shutdown cancels every subsystem's context and waits up to
// ShutdownGracePeriod for cooperative exit before returning regardless
// (spec §5: "a task that overruns its shutdown grace period is
// abandoned, not blocked on forever").
func (n *Node) Shutdown() {
	if n.cancel != nil {
		n.cancel()
	}
	n.gw.Close()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(n.cfg.ShutdownGracePeriod):
		n.log.Warn("node: shutdown grace period elapsed, abandoning remaining tasks")
	}
}

// Worker returns the node's primary worker, exposed for client
// transmission submission (spec §4.2 Put).
func (n *Node) Worker() *worker.Worker {
	return n.workers[0]
}

// Primary exposes the node's primary, e.g. for status inspection.
func (n *Node) Primary() *primary.Primary { return n.prim }

// Engine exposes the node's BFT engine, e.g. for status inspection.
func (n *Node) Engine() *bft.Engine { return n.engine }

var _ gateway.Dispatcher = (*Node)(nil)

// --- gateway.Dispatcher ---

func (n *Node) OnWorkerPing(peer types.Address, ev *wire.WorkerPing) {
	for _, w := range n.workers {
		w.OnPing(peer, ev.IDs)
	}
}

func (n *Node) OnTransmissionRequest(peer types.Address, ev *wire.TransmissionRequest) {
	for _, w := range n.workers {
		w.OnTransmissionRequest(peer, ev)
	}
}

func (n *Node) OnTransmissionResponse(ctx context.Context, peer types.Address, ev *wire.TransmissionResponse) {
	for _, w := range n.workers {
		w.OnTransmissionResponse(ctx, peer, ev)
	}
}

func (n *Node) OnBatchPropose(ctx context.Context, peer types.Address, ev *wire.BatchPropose) {
	if err := n.prim.OnBatchPropose(ctx, peer, ev.Header); err != nil {
		n.log.Trace("node: batch propose rejected", "peer", peer.String(), "err", err)
	}
}

func (n *Node) OnBatchSignature(ctx context.Context, peer types.Address, ev *wire.BatchSignatureEvent) {
	n.prim.OnBatchSignature(ctx, peer, ev)
}

func (n *Node) OnBatchCertified(ctx context.Context, peer types.Address, ev *wire.BatchCertified) {
	if err := n.prim.OnCertificate(ctx, peer, &ev.Certificate); err != nil {
		n.log.Trace("node: certificate rejected", "peer", peer.String(), "err", err)
		return
	}
	n.engine.Evaluate(ctx)
}

func (n *Node) OnCertificateRequest(peer types.Address, ev *wire.CertificateRequest) {
	n.prim.OnCertificateRequest(peer, ev)
}

func (n *Node) OnCertificateResponse(peer types.Address, ev *wire.CertificateResponse) {
	n.prim.OnCertificateResponse(ev)
}

func (n *Node) OnPrimaryPing(ctx context.Context, peer types.Address, ev *wire.PrimaryPing) {
	n.syncer.OnPrimaryPing(ctx, peer, ev)
}

func (n *Node) OnBlockRequest(ctx context.Context, peer types.Address, ev *wire.BlockRequest) {
	n.syncer.OnBlockRequest(ctx, peer, ev)
}

func (n *Node) OnBlockResponse(peer types.Address, ev *wire.BlockResponse) {
	n.syncer.OnBlockResponse(peer, ev)
}

func (n *Node) OnValidatorsRequest(peer types.Address, ev *wire.ValidatorsRequest) {
	committee, err := n.ledger.CurrentCommittee(context.Background())
	if err != nil {
		n.log.Debug("node: failed to resolve committee for validators request", "err", err)
		return
	}
	if err := n.gw.SendTo(peer, &wire.ValidatorsResponse{Addresses: committee.SortedAddresses()}); err != nil {
		n.log.Debug("node: failed to answer validators request", "peer", peer.String(), "err", err)
	}
}

func (n *Node) OnValidatorsResponse(peer types.Address, ev *wire.ValidatorsResponse) {
	n.log.Trace("node: received validators response", "peer", peer.String(), "count", len(ev.Addresses))
}
