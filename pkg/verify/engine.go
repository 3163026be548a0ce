// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package verify issues challenge-response storage proofs against
// (chunk, node) pairs drawn from the replica ledger.
//
// A proof is valid iff the node's response digest equals
// SHA-256(storedBlob || nonce) and arrives before the challenge timeout.
// A timeout is a failed proof, not an error: it is a normal outcome under
// packet loss. Repeated consecutive failures for the same pair escalate to
// a node-suspect signal instead of an immediate replica removal, which
// avoids false positives from transient network trouble.
package verify

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ShardWorks/keepfs/pkg/events"
	"github.com/ShardWorks/keepfs/pkg/ledger"
	"github.com/ShardWorks/keepfs/pkg/logger"
	"github.com/ShardWorks/keepfs/pkg/registry"
	"github.com/ShardWorks/keepfs/pkg/transport"
	"github.com/ShardWorks/keepfs/pkg/types"
	"github.com/ShardWorks/keepfs/pkg/utils"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Defaults for the challenge cycle.
const (
	DefaultChallengeInterval          = time.Hour
	DefaultChallengeTimeout           = 30 * time.Second
	DefaultMaxConcurrentVerifications = 16
	DefaultChallengeRate              = 50 // challenges per second during a pass

	// NonceSize is the challenge nonce length in bytes.
	NonceSize = 32

	// suspectThreshold is the consecutive-failure count that escalates a
	// pair's failures to a node-suspect signal.
	suspectThreshold = 3
)

// ProofStatus is the lifecycle of one challenge.
type ProofStatus string

const (
	ProofPending  ProofStatus = "pending"
	ProofComplete ProofStatus = "complete"
	ProofFailed   ProofStatus = "failed"
)

// Proof records one challenge-response exchange.
type Proof struct {
	ChunkID  types.ChunkID `json:"chunk_id"`
	NodeID   string        `json:"node_id"`
	Nonce    []byte        `json:"nonce"`
	IssuedAt time.Time     `json:"issued_at"`
	Status   ProofStatus   `json:"status"`
}

// BlobSource supplies the reference bytes a proof is computed against.
type BlobSource interface {
	// ChunkBlob returns the stored representation of a chunk.
	ChunkBlob(ctx context.Context, chunkID types.ChunkID) ([]byte, error)
}

// pairKey identifies one (chunk, node) verification subject.
type pairKey struct {
	chunkID types.ChunkID
	nodeID  string
}

// pairHistory accumulates proof evidence for one pair.
type pairHistory struct {
	consecutiveFails int
	lastProof        Proof
	totalProofs      int
	totalFails       int
}

// Config configures an Engine.
type Config struct {
	Ledger    *ledger.Ledger
	Registry  *registry.Registry
	Transport transport.Transport
	Blobs     BlobSource
	Emitter   *events.Emitter

	ChallengeInterval          time.Duration // 0 means DefaultChallengeInterval
	ChallengeTimeout           time.Duration // 0 means DefaultChallengeTimeout
	MaxConcurrentVerifications int64         // 0 means DefaultMaxConcurrentVerifications
	ChallengeRate              float64       // 0 means DefaultChallengeRate
}

// Engine drives the verification cycle.
type Engine struct {
	ledger    *ledger.Ledger
	registry  *registry.Registry
	transport transport.Transport
	blobs     BlobSource
	emitter   *events.Emitter

	challengeInterval time.Duration
	challengeTimeout  time.Duration
	sem               *semaphore.Weighted
	limiter           *rate.Limiter

	mu      sync.Mutex
	history map[pairKey]*pairHistory

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a verification engine.
func New(cfg Config) *Engine {
	if cfg.ChallengeInterval == 0 {
		cfg.ChallengeInterval = DefaultChallengeInterval
	}
	if cfg.ChallengeTimeout == 0 {
		cfg.ChallengeTimeout = DefaultChallengeTimeout
	}
	if cfg.MaxConcurrentVerifications == 0 {
		cfg.MaxConcurrentVerifications = DefaultMaxConcurrentVerifications
	}
	if cfg.ChallengeRate == 0 {
		cfg.ChallengeRate = DefaultChallengeRate
	}

	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter()
	}

	return &Engine{
		ledger:            cfg.Ledger,
		registry:          cfg.Registry,
		transport:         cfg.Transport,
		blobs:             cfg.Blobs,
		emitter:           emitter,
		challengeInterval: cfg.ChallengeInterval,
		challengeTimeout:  cfg.ChallengeTimeout,
		sem:               semaphore.NewWeighted(cfg.MaxConcurrentVerifications),
		limiter:           rate.NewLimiter(rate.Limit(cfg.ChallengeRate), 1),
		history:           make(map[pairKey]*pairHistory),
		stopCh:            make(chan struct{}),
	}
}

// Verify issues one challenge to a (chunk, node) pair and reports whether
// the proof was valid. A timeout or transport failure resolves as false;
// it never surfaces as an error.
func (e *Engine) Verify(ctx context.Context, chunkID types.ChunkID, nodeID string) bool {
	node, ok := e.registry.Get(nodeID)
	if !ok {
		return false
	}

	blob, err := e.blobs.ChunkBlob(ctx, chunkID)
	if err != nil {
		// Reference bytes unavailable: the proof cannot be evaluated.
		// Not evidence against the node.
		logger.Warn().
			Err(err).
			Str("chunk", chunkID.String()).
			Msg("verify: reference blob unavailable, skipping challenge")
		return false
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		logger.Error().Err(err).Msg("verify: nonce generation failed")
		return false
	}

	proof := Proof{
		ChunkID:  chunkID,
		NodeID:   nodeID,
		Nonce:    nonce,
		IssuedAt: time.Now(),
		Status:   ProofPending,
	}

	challengeCtx, cancel := context.WithTimeout(ctx, e.challengeTimeout)
	defer cancel()

	digest, err := e.transport.Challenge(challengeCtx, node, chunkID, nonce)
	valid := false
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		// A challenge that receives no response in time is a failed
		// proof, not an exceptional condition.
		challengeTimeouts.Inc()
	case err != nil:
		// Unreachable node or refused challenge: also a failed proof.
	default:
		expected := utils.Sha256Sum(blob, nonce)
		valid = bytes.Equal(digest, expected[:])
	}

	if valid {
		proof.Status = ProofComplete
	} else {
		proof.Status = ProofFailed
	}
	e.recordOutcome(ctx, proof, valid)
	return valid
}

// recordOutcome folds a proof result into the pair history, the node's
// reliability score, and the ledger's verification timestamp.
func (e *Engine) recordOutcome(ctx context.Context, proof Proof, valid bool) {
	if err := e.registry.RecordProofOutcome(proof.NodeID, valid); err != nil && !errors.Is(err, registry.ErrNodeNotFound) {
		logger.Warn().Err(err).Str("node", proof.NodeID).Msg("verify: reliability update failed")
	}

	e.mu.Lock()
	key := pairKey{chunkID: proof.ChunkID, nodeID: proof.NodeID}
	h, ok := e.history[key]
	if !ok {
		h = &pairHistory{}
		e.history[key] = h
	}
	h.lastProof = proof
	h.totalProofs++

	var escalate bool
	if valid {
		h.consecutiveFails = 0
	} else {
		h.consecutiveFails++
		h.totalFails++
		if h.consecutiveFails == suspectThreshold {
			escalate = true
		}
	}
	e.mu.Unlock()

	if valid {
		proofsTotal.WithLabelValues("complete").Inc()
		if err := e.ledger.MarkVerified(proof.ChunkID, proof.IssuedAt); err != nil && !errors.Is(err, ledger.ErrChunkNotFound) {
			logger.Warn().Err(err).Str("chunk", proof.ChunkID.String()).Msg("verify: ledger update failed")
		}
		return
	}

	proofsTotal.WithLabelValues("failed").Inc()
	e.emitter.Emit(ctx, events.Event{
		Type:    events.TypeVerificationFailed,
		ChunkID: proof.ChunkID,
		NodeID:  proof.NodeID,
	})

	if escalate {
		nodesSuspected.Inc()
		logger.Warn().
			Str("node", proof.NodeID).
			Str("chunk", proof.ChunkID.String()).
			Int("consecutive_failures", suspectThreshold).
			Msg("verify: node suspect after repeated proof failures")
		e.emitter.EmitNodeSuspect(ctx, proof.NodeID, "consecutive storage proof failures")
	}
}

// PairHistory returns the accumulated evidence for one pair.
func (e *Engine) PairHistory(chunkID types.ChunkID, nodeID string) (consecutiveFails, totalProofs, totalFails int, last Proof) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.history[pairKey{chunkID: chunkID, nodeID: nodeID}]
	if !ok {
		return 0, 0, 0, Proof{}
	}
	return h.consecutiveFails, h.totalProofs, h.totalFails, h.lastProof
}
