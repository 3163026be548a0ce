// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package recovery restores chunks to their target redundancy after
// under-replication or verification failure.
//
// Recovery operations are taskqueue tasks: the queue provides bounded
// retries with linear backoff, and the worker's concurrency is the upper
// bound on simultaneous recoveries. Concurrent attempts for the same chunk
// are coalesced into the single in-flight operation. Chunk recovery is
// idempotent: it re-checks the ledger against the target before acting, so
// re-running it on a healthy chunk mutates nothing.
package recovery

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ShardWorks/keepfs/pkg/events"
	"github.com/ShardWorks/keepfs/pkg/ledger"
	"github.com/ShardWorks/keepfs/pkg/logger"
	"github.com/ShardWorks/keepfs/pkg/placer"
	"github.com/ShardWorks/keepfs/pkg/registry"
	"github.com/ShardWorks/keepfs/pkg/taskqueue"
	"github.com/ShardWorks/keepfs/pkg/transport"
	"github.com/ShardWorks/keepfs/pkg/types"
	"github.com/ShardWorks/keepfs/pkg/utils"

	"github.com/google/uuid"
)

// DefaultRecoveryTimeout bounds the data transfer of one repair step.
const DefaultRecoveryTimeout = 2 * time.Minute

// ErrNoHealthySource means no remaining replica could supply intact chunk
// bytes for a repair. Retried by the queue until retries exhaust.
var ErrNoHealthySource = errors.New("no healthy replica to repair from")

// OperationType classifies a recovery operation.
type OperationType string

const (
	OpChunk  OperationType = "chunk"
	OpNode   OperationType = "node"
	OpSystem OperationType = "system"
)

// OperationStatus is the recovery state machine.
type OperationStatus string

const (
	StatusStarted    OperationStatus = "started"
	StatusInProgress OperationStatus = "in-progress"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
)

// Operation is one bounded-retry recovery process.
type Operation struct {
	ID       string          `json:"id"`
	Type     OperationType   `json:"type"`
	Target   string          `json:"target"`
	Attempts int             `json:"attempts"`
	Status   OperationStatus `json:"status"`
	Started  time.Time       `json:"started"`
	Updated  time.Time       `json:"updated"`
	LastErr  string          `json:"last_error,omitempty"`
}

// Config configures a Coordinator.
type Config struct {
	Ledger    *ledger.Ledger
	Registry  *registry.Registry
	Planner   *placer.Planner
	Transport transport.Transport
	Emitter   *events.Emitter
	Queue     taskqueue.Queue

	RecoveryTimeout time.Duration // 0 means DefaultRecoveryTimeout
}

// Coordinator executes recovery operations.
type Coordinator struct {
	ledger    *ledger.Ledger
	registry  *registry.Registry
	planner   *placer.Planner
	transport transport.Transport
	emitter   *events.Emitter
	queue     taskqueue.Queue

	recoveryTimeout time.Duration

	mu       sync.Mutex
	inflight map[types.ChunkID]struct{}
	ops      map[string]*Operation
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter()
	}

	return &Coordinator{
		ledger:          cfg.Ledger,
		registry:        cfg.Registry,
		planner:         cfg.Planner,
		transport:       cfg.Transport,
		emitter:         emitter,
		queue:           cfg.Queue,
		recoveryTimeout: cfg.RecoveryTimeout,
		inflight:        make(map[types.ChunkID]struct{}),
		ops:             make(map[string]*Operation),
	}
}

// RecoverChunk restores one chunk to its target replica count.
// A no-op when the chunk is already at target or unknown to the ledger.
func (c *Coordinator) RecoverChunk(ctx context.Context, chunkID types.ChunkID) error {
	if !c.acquire(chunkID) {
		// Another recovery for this chunk is in flight; coalesce.
		recoveriesCoalesced.Inc()
		return nil
	}
	defer c.release(chunkID)

	entry, err := c.ledger.Get(chunkID)
	if errors.Is(err, ledger.ErrChunkNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if uint(len(entry.Nodes)) >= entry.Target.Copies {
		return nil // already healthy
	}
	deficit := int(entry.Target.Copies) - len(entry.Nodes)

	blob, err := c.fetchIntactBlob(ctx, entry)
	if err != nil {
		return err
	}

	tier, err := tierFromTarget(entry.Target)
	if err != nil {
		return err
	}

	exclude := make(map[string]struct{}, len(entry.Nodes))
	for nodeID := range entry.Nodes {
		exclude[nodeID] = struct{}{}
	}

	plan, err := c.planner.PlanRepair(ctx, chunkID, tier, deficit, exclude)
	if err != nil {
		return fmt.Errorf("plan repair for chunk %s: %w", chunkID, err)
	}

	stored := 0
	for _, node := range plan.TargetNodes {
		storeCtx, cancel := context.WithTimeout(ctx, c.recoveryTimeout)
		err := c.transport.Store(storeCtx, node, chunkID, blob)
		cancel()
		if err != nil {
			logger.Warn().
				Err(err).
				Str("chunk", chunkID.String()).
				Str("node", node.ID).
				Msg("recovery: store to replacement node failed")
			continue
		}

		if err := c.ledger.AddReplica(ctx, chunkID, node.ID); err != nil {
			return err
		}
		if err := c.registry.ReserveCapacity(node.ID, entry.SizeBytes); err != nil && !errors.Is(err, registry.ErrNodeNotFound) {
			logger.Warn().Err(err).Str("node", node.ID).Msg("recovery: capacity update failed")
		}
		stored++
	}

	if stored == 0 {
		return fmt.Errorf("chunk %s: no replacement node accepted the chunk", chunkID)
	}
	replicasRestored.Add(float64(stored))
	if stored < deficit {
		// Partial repair: the retry recomputes the remaining deficit.
		return fmt.Errorf("chunk %s: restored %d of %d replicas", chunkID, stored, deficit)
	}

	logger.Info().
		Str("chunk", chunkID.String()).
		Int("restored", stored).
		Uint("target", entry.Target.Copies).
		Msg("recovery: chunk restored to target redundancy")
	return nil
}

// RecoverNode re-evaluates every chunk a suspect node held. The node's
// replicas are dropped from the ledger; the resulting redundancy signals
// schedule chunk recoveries.
func (c *Coordinator) RecoverNode(ctx context.Context, nodeID string) error {
	chunks := c.ledger.NodeChunks(nodeID)
	if len(chunks) == 0 {
		return nil
	}

	logger.Info().
		Str("node", nodeID).
		Int("chunks", len(chunks)).
		Msg("recovery: re-evaluating suspect node inventory")

	for _, chunkID := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.ledger.RemoveReplica(ctx, chunkID, nodeID); err != nil && !errors.Is(err, ledger.ErrChunkNotFound) {
			return fmt.Errorf("drop replica of %s on %s: %w", chunkID, nodeID, err)
		}
	}
	return nil
}

// Sweep is the system-type recovery: compare every chunk against its tier
// target and schedule chunk recovery for any deficit. Used after signal
// storms to restore consistency.
func (c *Coordinator) Sweep(ctx context.Context) error {
	chunkIDs := c.ledger.Chunks()
	sort.Slice(chunkIDs, func(i, j int) bool { return chunkIDs[i] < chunkIDs[j] })

	scheduled := 0
	for _, chunkID := range chunkIDs {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := c.ledger.Get(chunkID)
		if err != nil {
			continue
		}
		if uint(len(entry.Nodes)) >= entry.Target.Copies {
			continue
		}

		payload, err := taskqueue.MarshalPayload(taskqueue.ChunkRecoveryPayload{
			ChunkID:  chunkID.String(),
			Current:  len(entry.Nodes),
			Required: int(entry.Target.Copies),
		})
		if err != nil {
			return err
		}
		task := &taskqueue.Task{
			ID:       uuid.New().String(),
			Type:     taskqueue.TaskTypeChunkRecovery,
			Priority: taskqueue.PriorityNormal,
			Payload:  payload,
		}
		if err := c.queue.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("schedule recovery for chunk %s: %w", chunkID, err)
		}
		scheduled++
	}

	sweepsTotal.Inc()
	logger.Info().
		Int("chunks", len(chunkIDs)).
		Int("scheduled", scheduled).
		Msg("recovery: system sweep completed")
	return nil
}

// fetchIntactBlob pulls the chunk's bytes from remaining replicas until a
// copy matches the chunk's content hash.
func (c *Coordinator) fetchIntactBlob(ctx context.Context, entry *ledger.Entry) ([]byte, error) {
	for nodeID := range entry.Nodes {
		node, ok := c.registry.Get(nodeID)
		if !ok {
			continue
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.recoveryTimeout)
		blob, err := c.transport.Fetch(fetchCtx, node, entry.ChunkID)
		cancel()
		if err != nil {
			logger.Debug().
				Err(err).
				Str("chunk", entry.ChunkID.String()).
				Str("node", nodeID).
				Msg("recovery: fetch from replica failed")
			continue
		}

		sum := utils.Sha256Sum(blob)
		if hex.EncodeToString(sum[:]) != entry.ChunkID.String() {
			logger.Warn().
				Str("chunk", entry.ChunkID.String()).
				Str("node", nodeID).
				Msg("recovery: replica returned corrupt bytes")
			continue
		}
		return blob, nil
	}
	return nil, fmt.Errorf("%w: chunk %s", ErrNoHealthySource, entry.ChunkID)
}

// acquire claims the single-flight slot for a chunk.
func (c *Coordinator) acquire(chunkID types.ChunkID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[chunkID]; busy {
		return false
	}
	c.inflight[chunkID] = struct{}{}
	return true
}

func (c *Coordinator) release(chunkID types.ChunkID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, chunkID)
}

// trackOperation records operation state for the status surface.
func (c *Coordinator) trackOperation(taskID string, opType OperationType, target string, attempt int, status OperationStatus, lastErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, ok := c.ops[taskID]
	if !ok {
		op = &Operation{
			ID:      taskID,
			Type:    opType,
			Target:  target,
			Status:  StatusStarted,
			Started: time.Now(),
		}
		c.ops[taskID] = op
	}
	op.Attempts = attempt
	op.Status = status
	op.Updated = time.Now()
	if lastErr != nil {
		op.LastErr = lastErr.Error()
	}
}

// Operations returns a snapshot of tracked recovery operations.
func (c *Coordinator) Operations() []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]Operation, 0, len(c.ops))
	for _, op := range c.ops {
		result = append(result, *op)
	}
	return result
}

// tierFromTarget rebuilds the tier (with cost multiplier) a ledger target
// was derived from.
func tierFromTarget(t ledger.Target) (types.Tier, error) {
	if t.Tier == types.TierCustom {
		return types.CustomTier(t.Copies)
	}
	tier, ok := types.TierByName(t.Tier)
	if !ok {
		return types.CustomTier(t.Copies)
	}
	return tier, nil
}
