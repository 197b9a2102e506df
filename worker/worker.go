// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package worker implements spec §4.2: transmission fetch, dedup, and
// the ping/pull protocol that keeps every worker's pool converging on
// the same set of transmissions. Exactly one worker runs per primary
// in the current deployment (spec §4.2, §9 open question); MaxWorkers
// stays parameterized so a future fan-out only touches wiring in
// package node.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/ledger"
	"github.com/luxfi/narwhal/storage"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/wire"
)

// Sender abstracts outbound event delivery so worker/primary/bft/sync
// never depend on the gateway's connection machinery directly (spec
// §5: subsystems communicate exclusively through bounded channels).
type Sender interface {
	SendTo(peer types.Address, ev wire.Event) error
	Broadcast(ev wire.Event) error
}

// FailureReporter lets a subsystem charge a peer a protocol-violation
// failure without reaching into the gateway's rate limiter directly.
type FailureReporter interface {
	ReportFailure(peer types.Address, reason string)
}

// Clock is the monotonic clock worker timers run against (spec §9:
// "prefer a monotonic clock for all intra-node deadlines").
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type pullState struct {
	peer    types.Address
	expires time.Time
}

// Worker is one worker instance: a transmission pool (shared with the
// primary via storage.Storage), a dedup table for in-flight pulls, and
// the set of IDs acquired since the last ping broadcast.
type Worker struct {
	cfg     config.Config
	log     log.Logger
	store   *storage.Storage
	ledger  ledger.LedgerService
	sender  Sender
	failer  FailureReporter
	clock   Clock

	mu                sync.Mutex
	pulling           map[types.TransmissionID]pullState
	sinceLastPing     []types.TransmissionID
	sinceLastPingSet  map[types.TransmissionID]struct{}
}

// New constructs a Worker backed by store for pool state.
func New(cfg config.Config, logger log.Logger, store *storage.Storage, ls ledger.LedgerService, sender Sender, failer FailureReporter) *Worker {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Worker{
		cfg:               cfg,
		log:               logger,
		store:             store,
		ledger:            ls,
		sender:            sender,
		failer:            failer,
		clock:             realClock{},
		pulling:           make(map[types.TransmissionID]pullState),
		sinceLastPingSet:  make(map[types.TransmissionID]struct{}),
	}
}

// SetClock overrides the worker's clock, for deterministic tests.
func (w *Worker) SetClock(c Clock) { w.clock = c }

// Put validates and inserts a client-submitted transmission, returning
// its id. Basic validity (spec §4.2: "signature well-formedness, size
// <= MaxTransmissionSize") is delegated to the ledger service.
func (w *Worker) Put(ctx context.Context, id types.TransmissionID, payload []byte) (types.TransmissionID, error) {
	if len(payload) > w.cfg.MaxTransmissionSize {
		return id, errTooLarge(len(payload), w.cfg.MaxTransmissionSize)
	}
	var err error
	switch id.Kind {
	case types.KindSolution:
		err = w.ledger.CheckSolution(ctx, id, payload)
	default:
		err = w.ledger.CheckTransaction(ctx, id, payload)
	}
	if err != nil {
		return id, err
	}
	w.store.PutTransmission(types.Transmission{ID: id, Payload: payload})
	w.markAcquired(id)
	return id, nil
}

// Get returns the transmission for id if held locally.
func (w *Worker) Get(id types.TransmissionID) (types.Transmission, bool) {
	return w.store.GetTransmission(id)
}

func (w *Worker) markAcquired(id types.TransmissionID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.sinceLastPingSet[id]; ok {
		return
	}
	w.sinceLastPingSet[id] = struct{}{}
	w.sinceLastPing = append(w.sinceLastPing, id)
}

// OnPing handles an inbound WorkerPing from peer: for each id not
// already held and not already being pulled from some peer, it issues
// a TransmissionRequest and records a dedup entry with a
// PingDedupTTL-second expiry (spec §4.2).
func (w *Worker) OnPing(peer types.Address, ids []types.TransmissionID) {
	now := w.clock.Now()
	var toRequest []types.TransmissionID

	w.mu.Lock()
	for id, st := range w.pulling {
		if now.After(st.expires) {
			delete(w.pulling, id)
		}
	}
	for _, id := range ids {
		if w.store.ContainsTransmission(id) {
			continue
		}
		if _, inFlight := w.pulling[id]; inFlight {
			continue
		}
		w.pulling[id] = pullState{peer: peer, expires: now.Add(w.cfg.PingDedupTTL)}
		toRequest = append(toRequest, id)
	}
	w.mu.Unlock()

	if len(toRequest) == 0 {
		return
	}
	if err := w.sender.SendTo(peer, &wire.TransmissionRequest{IDs: toRequest}); err != nil {
		w.log.Debug("worker: failed to send transmission request", "peer", peer.String(), "err", err)
	}
}

// OnTransmissionResponse admits transmissions delivered in response to
// an outstanding pull. A response with no matching outstanding pull
// for any of its entries is unsolicited; spec §4.2/§8 scenario 4 says
// to drop it and charge one failure.
func (w *Worker) OnTransmissionResponse(ctx context.Context, peer types.Address, resp *wire.TransmissionResponse) {
	any := false
	w.mu.Lock()
	for _, t := range resp.Transmissions {
		if st, ok := w.pulling[t.ID]; ok && st.peer == peer {
			delete(w.pulling, t.ID)
			any = true
		}
	}
	w.mu.Unlock()

	if !any {
		w.failer.ReportFailure(peer, "unsolicited transmission response")
		return
	}

	for _, t := range resp.Transmissions {
		if len(t.Payload) > w.cfg.MaxTransmissionSize {
			w.failer.ReportFailure(peer, "oversized transmission")
			continue
		}
		var err error
		if t.ID.Kind == types.KindSolution {
			err = w.ledger.CheckSolution(ctx, t.ID, t.Payload)
		} else {
			err = w.ledger.CheckTransaction(ctx, t.ID, t.Payload)
		}
		if err != nil {
			w.failer.ReportFailure(peer, "invalid transmission")
			continue
		}
		w.store.PutTransmission(t)
		w.markAcquired(t.ID)
	}
}

// OnTransmissionRequest answers a peer's pull with whatever of the
// requested ids this worker holds locally.
func (w *Worker) OnTransmissionRequest(peer types.Address, req *wire.TransmissionRequest) {
	var out []types.Transmission
	for _, id := range req.IDs {
		if t, ok := w.store.GetTransmission(id); ok {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return
	}
	if err := w.sender.SendTo(peer, &wire.TransmissionResponse{Transmissions: out}); err != nil {
		w.log.Debug("worker: failed to answer transmission request", "peer", peer.String(), "err", err)
	}
}

// Ping broadcasts up to MaxIDsPerPing transmission IDs acquired since
// the previous ping, then resets the accumulator (spec §4.2).
func (w *Worker) Ping() {
	w.mu.Lock()
	ids := w.sinceLastPing
	if len(ids) > w.cfg.MaxIDsPerPing {
		ids = ids[:w.cfg.MaxIDsPerPing]
	}
	w.sinceLastPing = nil
	w.sinceLastPingSet = make(map[types.TransmissionID]struct{})
	w.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	if err := w.sender.Broadcast(&wire.WorkerPing{IDs: ids}); err != nil {
		w.log.Debug("worker: failed to broadcast ping", "err", err)
	}
}

// RunPingTimer broadcasts a WorkerPing every WorkerPingInterval until
// ctx is cancelled, the worker's one perpetual task (spec §5).
func (w *Worker) RunPingTimer(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.WorkerPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Ping()
		}
	}
}

// DrainForBatch returns up to limit of the oldest transmission IDs
// held locally, for the primary to include in its next batch header.
// IDs are only surrendered, not removed: removal happens only at GC
// (spec §4.2).
func (w *Worker) DrainForBatch(limit int) []types.TransmissionID {
	return w.store.SampleTransmissionIDs(limit)
}

func errTooLarge(got, max int) error {
	return &tooLargeError{got: got, max: max}
}

type tooLargeError struct{ got, max int }

func (e *tooLargeError) Error() string {
	return "worker: transmission size exceeds limit"
}
