// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/ShardWorks/keepfs/pkg/events"
	"github.com/ShardWorks/keepfs/pkg/ledger"
	"github.com/ShardWorks/keepfs/pkg/payment"
	"github.com/ShardWorks/keepfs/pkg/placer"
	"github.com/ShardWorks/keepfs/pkg/registry"
	"github.com/ShardWorks/keepfs/pkg/taskqueue"
	"github.com/ShardWorks/keepfs/pkg/transport"
	"github.com/ShardWorks/keepfs/pkg/types"
	"github.com/ShardWorks/keepfs/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recoveryFixture struct {
	registry  *registry.Registry
	ledger    *ledger.Ledger
	transport *transport.FakeTransport
	queue     *taskqueue.MemoryQueue
	coord     *Coordinator
}

// newFixture builds a coordinator over a fake transport with `nodes`
// registered storage nodes spread round-robin over three regions.
func newFixture(t *testing.T, nodes int) *recoveryFixture {
	t.Helper()

	reg, err := registry.New(registry.Config{})
	require.NoError(t, err)

	regions := []string{"eu-west", "us-east", "ap-south"}
	for i := 0; i < nodes; i++ {
		require.NoError(t, reg.Announce(&types.StorageNode{
			ID:             fmt.Sprintf("node-%02d", i),
			Region:         regions[i%len(regions)],
			CapacityBytes:  1 << 30,
			AvailableBytes: 1 << 30,
			Reliability:    1.0 - float64(i)*0.01,
		}))
	}

	queue := taskqueue.NewMemoryQueue()
	emitter := events.NewEmitter(events.EmitterConfig{Queue: queue, Enabled: true})

	led, err := ledger.New(ledger.Config{Emitter: emitter})
	require.NoError(t, err)

	fake := transport.NewFakeTransport()
	planner := placer.New(placer.Config{
		Registry: reg,
		Oracle:   payment.NewFixedOracle(1e9),
	})

	coord := New(Config{
		Ledger:          led,
		Registry:        reg,
		Planner:         planner,
		Transport:       fake,
		Emitter:         emitter,
		Queue:           queue,
		RecoveryTimeout: 2 * time.Second,
	})

	return &recoveryFixture{
		registry:  reg,
		ledger:    led,
		transport: fake,
		queue:     queue,
		coord:     coord,
	}
}

// placeChunk stores a blob on the named nodes and records the placement.
func (f *recoveryFixture) placeChunk(t *testing.T, blob []byte, target ledger.Target, nodeIDs ...string) types.ChunkID {
	t.Helper()
	sum := utils.Sha256Sum(blob)
	chunkID := types.ChunkID(hex.EncodeToString(sum[:]))

	for _, nodeID := range nodeIDs {
		node, ok := f.registry.Get(nodeID)
		require.True(t, ok, "node %s not registered", nodeID)
		require.NoError(t, f.transport.Store(context.Background(), node, chunkID, blob))
	}
	require.NoError(t, f.ledger.RecordPlacement(context.Background(), chunkID, nodeIDs, target, uint64(len(blob))))
	return chunkID
}

func minimumTarget() ledger.Target {
	return ledger.Target{Tier: types.TierMinimum, Copies: 5, Regions: 2}
}

func TestRecoverChunk_RestoresDeficit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)

	blob := []byte("chunk payload under test")
	chunkID := f.placeChunk(t, blob, minimumTarget(),
		"node-00", "node-01", "node-02", "node-03", "node-04")

	// Two replicas vanish, bytes included.
	require.NoError(t, f.ledger.RemoveReplica(context.Background(), chunkID, "node-03"))
	require.NoError(t, f.ledger.RemoveReplica(context.Background(), chunkID, "node-04"))
	f.transport.DropChunk("node-03", chunkID)
	f.transport.DropChunk("node-04", chunkID)

	require.NoError(t, f.coord.RecoverChunk(context.Background(), chunkID))

	replicas, err := f.ledger.Replicas(chunkID)
	require.NoError(t, err)
	assert.Len(t, replicas, 5)

	// Every ledger replica is backed by actually stored bytes.
	for _, nodeID := range replicas {
		assert.True(t, f.transport.Holds(nodeID, chunkID), "node %s has no blob", nodeID)
	}
	assert.Equal(t, 5, f.transport.StoredCount(chunkID))
}

func TestRecoverChunk_HealthyChunkIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)

	blob := []byte("already healthy")
	chunkID := f.placeChunk(t, blob, minimumTarget(),
		"node-00", "node-01", "node-02", "node-03", "node-04")

	before, err := f.ledger.Replicas(chunkID)
	require.NoError(t, err)
	storedBefore := f.transport.StoredCount(chunkID)

	require.NoError(t, f.coord.RecoverChunk(context.Background(), chunkID))

	after, err := f.ledger.Replicas(chunkID)
	require.NoError(t, err)
	assert.ElementsMatch(t, before, after)
	assert.Equal(t, storedBefore, f.transport.StoredCount(chunkID))
}

func TestRecoverChunk_UnknownChunkIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5)

	assert.NoError(t, f.coord.RecoverChunk(context.Background(), types.ChunkID("deadbeef")))
}

func TestRecoverChunk_SkipsCorruptSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)

	blob := []byte("verify the source before copying it")
	chunkID := f.placeChunk(t, blob, minimumTarget(),
		"node-00", "node-01", "node-02", "node-03", "node-04")

	require.NoError(t, f.ledger.RemoveReplica(context.Background(), chunkID, "node-04"))
	// The most reliable remaining replica serves corrupt bytes.
	f.transport.CorruptChunk("node-00", chunkID)

	require.NoError(t, f.coord.RecoverChunk(context.Background(), chunkID))

	replicas, err := f.ledger.Replicas(chunkID)
	require.NoError(t, err)
	assert.Len(t, replicas, 5)
}

func TestRecoverChunk_NoHealthySource(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)

	blob := []byte("all sources gone")
	chunkID := f.placeChunk(t, blob, minimumTarget(), "node-00", "node-01")
	f.transport.FailNode("node-00", transport.ErrNodeUnreachable)
	f.transport.DropChunk("node-01", chunkID)

	err := f.coord.RecoverChunk(context.Background(), chunkID)
	require.ErrorIs(t, err, ErrNoHealthySource)
}

func TestRecoverNode_DropsReplicasAndSchedulesRepairs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)

	targetA := f.placeChunk(t, []byte("chunk a"), minimumTarget(),
		"node-00", "node-01", "node-02", "node-03", "node-04")
	targetB := f.placeChunk(t, []byte("chunk b"), minimumTarget(),
		"node-00", "node-05", "node-06", "node-07", "node-08")

	require.NoError(t, f.coord.RecoverNode(context.Background(), "node-00"))

	for _, chunkID := range []types.ChunkID{targetA, targetB} {
		replicas, err := f.ledger.Replicas(chunkID)
		require.NoError(t, err)
		assert.Len(t, replicas, 4)
		assert.NotContains(t, replicas, "node-00")
	}
	assert.Empty(t, f.ledger.NodeChunks("node-00"))

	// Dropping below target queued chunk recovery tasks.
	tasks, err := f.queue.List(context.Background(), taskqueue.TaskFilter{
		Type: taskqueue.TaskTypeChunkRecovery,
	})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestSweep_SchedulesOnlyDeficientChunks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)

	f.placeChunk(t, []byte("healthy"), minimumTarget(),
		"node-00", "node-01", "node-02", "node-03", "node-04")
	deficient := f.placeChunk(t, []byte("deficient"), minimumTarget(),
		"node-05", "node-06", "node-07")

	// Drain redundancy signals queued during placement.
	drainQueue(t, f.queue)

	require.NoError(t, f.coord.Sweep(context.Background()))

	tasks, err := f.queue.List(context.Background(), taskqueue.TaskFilter{
		Type:   taskqueue.TaskTypeChunkRecovery,
		Status: taskqueue.StatusPending,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	payload, err := taskqueue.UnmarshalPayload[taskqueue.ChunkRecoveryPayload](tasks[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, deficient.String(), payload.ChunkID)
	assert.Equal(t, 3, payload.Current)
	assert.Equal(t, 5, payload.Required)
}

func TestRecoverChunk_CoalescesConcurrentAttempts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)

	blob := []byte("single flight")
	chunkID := f.placeChunk(t, blob, minimumTarget(), "node-00", "node-01", "node-02")

	require.True(t, f.coord.acquire(chunkID))
	// Second attempt while the first holds the slot is a silent no-op.
	require.NoError(t, f.coord.RecoverChunk(context.Background(), chunkID))

	replicas, err := f.ledger.Replicas(chunkID)
	require.NoError(t, err)
	assert.Len(t, replicas, 3, "coalesced attempt must not repair")

	f.coord.release(chunkID)
	require.NoError(t, f.coord.RecoverChunk(context.Background(), chunkID))
	replicas, err = f.ledger.Replicas(chunkID)
	require.NoError(t, err)
	assert.Len(t, replicas, 5)
}

func TestChunkHandler_EmitsExhaustionAlert(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)

	blob := []byte("unrecoverable")
	chunkID := f.placeChunk(t, blob, minimumTarget(), "node-00")
	f.transport.DropChunk("node-00", chunkID)
	drainQueue(t, f.queue)

	payload, err := taskqueue.MarshalPayload(taskqueue.ChunkRecoveryPayload{
		ChunkID: chunkID.String(), Current: 1, Required: 5,
	})
	require.NoError(t, err)

	handler := &ChunkHandler{c: f.coord}
	task := &taskqueue.Task{
		ID:         "task-1",
		Type:       taskqueue.TaskTypeChunkRecovery,
		Payload:    payload,
		Attempts:   taskqueue.DefaultMaxRetries - 1, // final attempt
		MaxRetries: taskqueue.DefaultMaxRetries,
	}
	require.Error(t, handler.Handle(context.Background(), task))

	// Exhaustion produced an operator alert task.
	alerts, err := f.queue.List(context.Background(), taskqueue.TaskFilter{
		Type: taskqueue.TaskTypeAlert,
	})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	alert, err := taskqueue.UnmarshalPayload[taskqueue.AlertPayload](alerts[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, string(events.TypeRecoveryExhausted), alert.Kind)
	assert.Equal(t, chunkID.String(), alert.ChunkID)

	ops := f.coord.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, StatusFailed, ops[0].Status)
}

func TestNodeHandler_MarksNodeOfflineOnExhaustion(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5)

	// Force RecoverNode to fail: the ledger entry exists but removal races
	// with a cancelled context.
	f.placeChunk(t, []byte("held by suspect"), minimumTarget(), "node-00", "node-01")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	payload, err := taskqueue.MarshalPayload(taskqueue.NodeRecoveryPayload{NodeID: "node-00"})
	require.NoError(t, err)

	handler := &NodeHandler{c: f.coord}
	task := &taskqueue.Task{
		ID:         "task-node-1",
		Type:       taskqueue.TaskTypeNodeRecovery,
		Payload:    payload,
		Attempts:   taskqueue.DefaultMaxRetries - 1,
		MaxRetries: taskqueue.DefaultMaxRetries,
	}
	require.Error(t, handler.Handle(ctx, task))

	node, ok := f.registry.Get("node-00")
	require.True(t, ok)
	assert.Equal(t, types.NodeOffline, node.State)
}

func TestHandlers_InvalidPayload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5)

	for _, h := range []taskqueue.Handler{
		&ChunkHandler{c: f.coord},
		&NodeHandler{c: f.coord},
		&SystemHandler{c: f.coord},
		&AlertHandler{},
	} {
		task := &taskqueue.Task{ID: "bad", Type: h.Type(), Payload: []byte("{not json")}
		assert.ErrorIs(t, h.Handle(context.Background(), task), taskqueue.ErrInvalidPayload)
	}
}

func TestTierFromTarget(t *testing.T) {
	t.Parallel()

	tier, err := tierFromTarget(ledger.Target{Tier: types.TierStandard, Copies: 15, Regions: 4})
	require.NoError(t, err)
	assert.Equal(t, types.TierStandard, tier.Name)
	assert.InDelta(t, 1.8, tier.CostMultiplier, 1e-9)

	tier, err = tierFromTarget(ledger.Target{Tier: types.TierCustom, Copies: 10, Regions: 2})
	require.NoError(t, err)
	assert.Equal(t, uint(10), tier.Copies)
	assert.InDelta(t, 2.0, tier.CostMultiplier, 1e-9)
}

// drainQueue dequeues and completes everything currently pending.
func drainQueue(t *testing.T, q taskqueue.Queue) {
	t.Helper()
	for {
		task, err := q.Dequeue(context.Background(), "drain",
			taskqueue.TaskTypeChunkRecovery,
			taskqueue.TaskTypeNodeRecovery,
			taskqueue.TaskTypeSystemRecovery,
			taskqueue.TaskTypeAlert)
		require.NoError(t, err)
		if task == nil {
			return
		}
		require.NoError(t, q.Complete(context.Background(), task.ID))
	}
}
