// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"testing"

	"github.com/ShardWorks/keepfs/pkg/taskqueue"
	"github.com/ShardWorks/keepfs/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEmitter(t *testing.T) (*Emitter, *taskqueue.MemoryQueue) {
	t.Helper()
	queue := taskqueue.NewMemoryQueue()
	return NewEmitter(EmitterConfig{Queue: queue, Enabled: true}), queue
}

func onlyTask(t *testing.T, queue *taskqueue.MemoryQueue) *taskqueue.Task {
	t.Helper()
	tasks, err := queue.List(context.Background(), taskqueue.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func TestEmit_LowRedundancySchedulesNormalRecovery(t *testing.T) {
	t.Parallel()
	e, queue := newTestEmitter(t)

	e.EmitLowRedundancy(context.Background(), "c1", 12, 15)

	task := onlyTask(t, queue)
	assert.Equal(t, taskqueue.TaskTypeChunkRecovery, task.Type)
	assert.Equal(t, taskqueue.PriorityNormal, task.Priority)
	assert.Equal(t, taskqueue.DefaultMaxRetries, task.MaxRetries)

	payload, err := taskqueue.UnmarshalPayload[taskqueue.ChunkRecoveryPayload](task.Payload)
	require.NoError(t, err)
	assert.Equal(t, "c1", payload.ChunkID)
	assert.Equal(t, 12, payload.Current)
	assert.Equal(t, 15, payload.Required)
}

func TestEmit_CriticalRedundancySchedulesUrgentRecovery(t *testing.T) {
	t.Parallel()
	e, queue := newTestEmitter(t)

	e.EmitCriticalRedundancy(context.Background(), "c1", 3, 15)

	task := onlyTask(t, queue)
	assert.Equal(t, taskqueue.TaskTypeChunkRecovery, task.Type)
	assert.Equal(t, taskqueue.PriorityUrgent, task.Priority)
}

func TestEmit_NodeSuspectSchedulesHighPriorityNodeRecovery(t *testing.T) {
	t.Parallel()
	e, queue := newTestEmitter(t)

	e.EmitNodeSuspect(context.Background(), "node-03", "consecutive storage proof failures")

	task := onlyTask(t, queue)
	assert.Equal(t, taskqueue.TaskTypeNodeRecovery, task.Type)
	assert.Equal(t, taskqueue.PriorityHigh, task.Priority)

	payload, err := taskqueue.UnmarshalPayload[taskqueue.NodeRecoveryPayload](task.Payload)
	require.NoError(t, err)
	assert.Equal(t, "node-03", payload.NodeID)
}

func TestEmit_RecoveryExhaustedSchedulesAlert(t *testing.T) {
	t.Parallel()
	e, queue := newTestEmitter(t)

	e.Emit(context.Background(), Event{
		Type:    TypeRecoveryExhausted,
		ChunkID: types.ChunkID("c1"),
		Detail:  "retries exhausted",
	})

	task := onlyTask(t, queue)
	assert.Equal(t, taskqueue.TaskTypeAlert, task.Type)
	assert.Equal(t, taskqueue.PriorityLow, task.Priority)

	payload, err := taskqueue.UnmarshalPayload[taskqueue.AlertPayload](task.Payload)
	require.NoError(t, err)
	assert.Equal(t, string(TypeRecoveryExhausted), payload.Kind)
	assert.Equal(t, "c1", payload.ChunkID)
	assert.Equal(t, "retries exhausted", payload.Detail)
}

func TestEmit_VerificationFailedIsEvidenceOnly(t *testing.T) {
	t.Parallel()
	e, queue := newTestEmitter(t)

	e.Emit(context.Background(), Event{
		Type:    TypeVerificationFailed,
		ChunkID: types.ChunkID("c1"),
		NodeID:  "node-00",
	})

	tasks, err := queue.List(context.Background(), taskqueue.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks, "a single failed proof schedules nothing")
}

func TestEmit_DisabledEmitterDropsEverything(t *testing.T) {
	t.Parallel()
	queue := taskqueue.NewMemoryQueue()
	e := NewEmitter(EmitterConfig{Queue: queue, Enabled: false})
	assert.False(t, e.IsEnabled())

	e.EmitCriticalRedundancy(context.Background(), "c1", 1, 15)

	tasks, err := queue.List(context.Background(), taskqueue.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestNoopEmitter(t *testing.T) {
	t.Parallel()
	e := NoopEmitter()
	assert.False(t, e.IsEnabled())
	// Must not panic without a queue.
	e.EmitLowRedundancy(context.Background(), "c1", 1, 5)
}

func TestEmit_QueueErrorDoesNotPropagate(t *testing.T) {
	t.Parallel()
	queue := taskqueue.NewMemoryQueue()
	require.NoError(t, queue.Close())
	e := NewEmitter(EmitterConfig{Queue: queue, Enabled: true})

	// Emit swallows enqueue failures so producers never stall.
	e.EmitLowRedundancy(context.Background(), "c1", 4, 5)
}
