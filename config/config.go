// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config enumerates the tunable constants of the consensus core.
// The core never loads these from disk or the network itself — genesis
// and CLI configuration are external collaborators (see spec §1) that
// construct a Config and pass it in.
package config

import "time"

// Config holds every tunable named in spec §6. Fields default to the
// literal values the spec fixes; callers only need to override what
// they deliberately want to change (e.g. in tests).
type Config struct {
	// MaxBatchDelay bounds how long a primary waits to gather a
	// round-r-1 parent quorum before proposing its round-r batch.
	MaxBatchDelay time.Duration
	// MinBatchDelay is the minimum spacing between successive batch
	// proposals by the same author, preventing a fast validator from
	// starving slower ones of round time.
	MinBatchDelay time.Duration
	// MaxFetchTimeout bounds how long the primary waits for a missing
	// parent or transmission before rejecting a proposal or block.
	MaxFetchTimeout time.Duration
	// MaxLeaderCertificateDelay bounds how long BFT waits for anchor
	// support in round a+1 before skipping the anchor.
	MaxLeaderCertificateDelay time.Duration
	// MaxTimestampDelta bounds clock skew tolerated in signed batch
	// headers and signatures.
	MaxTimestampDelta time.Duration
	// MaxWorkers is the configured worker fan-out per primary. The
	// current deployment pins this to 1 (see spec §9 open question)
	// but the primary's pull loop stays parameterized over it.
	MaxWorkers int
	// PrimaryPingInterval is how often a primary broadcasts liveness.
	PrimaryPingInterval time.Duration
	// WorkerPingInterval is how often a worker advertises newly held
	// transmission IDs.
	WorkerPingInterval time.Duration
	// MaxGCRounds is how many rounds behind the last committed round a
	// certificate/transmission may live before garbage collection.
	MaxGCRounds uint64
	// MaxSyncDifference is the height gap that triggers sync.
	MaxSyncDifference uint64
	// MaxTransmissionsPerBatch caps transmission IDs per batch header.
	MaxTransmissionsPerBatch int
	// MaxIDsPerPing caps transmission IDs advertised per WorkerPing.
	MaxIDsPerPing int
	// MaxTransmissionSize caps the serialized size of one transmission.
	MaxTransmissionSize int
	// MaxFailuresPerPeer is the rolling-window failure count that
	// triggers a disconnect + ban.
	MaxFailuresPerPeer int
	// FailureWindow is the rolling window over which failures accrue.
	FailureWindow time.Duration
	// BanDuration is how long a peer stays banned after exceeding
	// MaxFailuresPerPeer.
	BanDuration time.Duration
	// HandshakeTimeout bounds the Noise_XX handshake.
	HandshakeTimeout time.Duration
	// MaxFrameSize bounds a post-handshake frame body.
	MaxFrameSize uint32
	// MaxHandshakeFrameSize bounds a handshake-phase frame body.
	MaxHandshakeFrameSize uint32
	// ShutdownGracePeriod bounds cooperative task shutdown before abort.
	ShutdownGracePeriod time.Duration
	// SyncWindowSize is the number of blocks requested per sync window.
	SyncWindowSize uint64
	// MaxSyncPeers is how many distinct peers a sync window is sent to.
	MaxSyncPeers int
	// SyncBackoffBase/SyncBackoffCap/SyncMaxAttempts govern window retry.
	SyncBackoffBase time.Duration
	SyncBackoffCap  time.Duration
	SyncMaxAttempts int
	// PingDedupTTL is how long a worker remembers an in-flight pull
	// request to a peer for one transmission ID.
	PingDedupTTL time.Duration
}

// Default returns the configuration spec §6 fixes literally.
func Default() Config {
	return Config{
		MaxBatchDelay:             2500 * time.Millisecond,
		MinBatchDelay:             1 * time.Second,
		MaxFetchTimeout:           7500 * time.Millisecond,
		MaxLeaderCertificateDelay: 5 * time.Second,
		MaxTimestampDelta:         10 * time.Second,
		MaxWorkers:                1,
		PrimaryPingInterval:       5000 * time.Millisecond,
		WorkerPingInterval:        10000 * time.Millisecond,
		MaxGCRounds:               50,
		MaxSyncDifference:         10,
		MaxTransmissionsPerBatch:  250,
		MaxIDsPerPing:             250,
		MaxTransmissionSize:       2 << 20, // 2 MiB; ledger service re-validates basic size limits
		MaxFailuresPerPeer:        25,
		FailureWindow:             60 * time.Second,
		BanDuration:               300 * time.Second,
		HandshakeTimeout:          10 * time.Second,
		MaxFrameSize:              128 << 20,
		MaxHandshakeFrameSize:     1 << 20,
		ShutdownGracePeriod:       5 * time.Second,
		SyncWindowSize:            32,
		MaxSyncPeers:              3,
		SyncBackoffBase:           250 * time.Millisecond,
		SyncBackoffCap:            10 * time.Second,
		SyncMaxAttempts:           5,
		PingDedupTTL:              3 * time.Second,
	}
}
