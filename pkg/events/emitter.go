// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"time"

	"github.com/ShardWorks/keepfs/pkg/logger"
	"github.com/ShardWorks/keepfs/pkg/taskqueue"
	"github.com/ShardWorks/keepfs/pkg/types"

	"github.com/google/uuid"
)

// Emitter routes health events onto the taskqueue for async handling.
//
// Redundancy and node-suspect events become recovery tasks drained by the
// recovery worker; exhaustion events become operator alerts. Emit never
// blocks a ledger or verification mutation on queue I/O errors.
type Emitter struct {
	queue   taskqueue.Queue
	enabled bool
}

// EmitterConfig configures the event emitter.
type EmitterConfig struct {
	// Queue receives the derived tasks. If nil, events are dropped.
	Queue taskqueue.Queue

	// Enabled controls whether events are routed. If false, Emit is a no-op.
	Enabled bool
}

// NewEmitter creates an event emitter.
func NewEmitter(cfg EmitterConfig) *Emitter {
	return &Emitter{
		queue:   cfg.Queue,
		enabled: cfg.Enabled && cfg.Queue != nil,
	}
}

// NoopEmitter returns an emitter that drops all events.
func NoopEmitter() *Emitter {
	return &Emitter{enabled: false}
}

// IsEnabled returns whether the emitter is enabled.
func (e *Emitter) IsEnabled() bool {
	return e.enabled
}

// Emit routes one event. Returns immediately; handling is async.
// Errors are logged but not returned so producers never stall.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	EventsEmittedTotal.WithLabelValues(string(ev.Type)).Inc()

	if !e.enabled {
		EventsDroppedTotal.Inc()
		return
	}

	task, ok := e.taskFor(ev)
	if !ok {
		// Evidence-only event; nothing to schedule
		return
	}

	if err := e.queue.Enqueue(ctx, task); err != nil {
		EventsErrorsTotal.WithLabelValues("enqueue").Inc()
		logger.Warn().
			Err(err).
			Str("event", string(ev.Type)).
			Str("chunk", ev.ChunkID.String()).
			Str("node", ev.NodeID).
			Msg("failed to queue event")
		return
	}

	taskqueue.TasksEnqueuedTotal.WithLabelValues(string(task.Type)).Inc()
	logger.Debug().
		Str("event", string(ev.Type)).
		Str("chunk", ev.ChunkID.String()).
		Str("node", ev.NodeID).
		Str("task_id", task.ID).
		Msg("queued health event")
}

// EmitLowRedundancy emits a low-redundancy signal for a chunk.
func (e *Emitter) EmitLowRedundancy(ctx context.Context, chunkID string, current, required int) {
	e.Emit(ctx, Event{
		Type:     TypeLowRedundancy,
		ChunkID:  chunkIDOf(chunkID),
		Current:  current,
		Required: required,
	})
}

// EmitCriticalRedundancy emits a critical-redundancy signal for a chunk.
func (e *Emitter) EmitCriticalRedundancy(ctx context.Context, chunkID string, current, required int) {
	e.Emit(ctx, Event{
		Type:     TypeCriticalRedundancy,
		ChunkID:  chunkIDOf(chunkID),
		Current:  current,
		Required: required,
	})
}

// EmitNodeSuspect emits a node-suspect signal.
func (e *Emitter) EmitNodeSuspect(ctx context.Context, nodeID, detail string) {
	e.Emit(ctx, Event{
		Type:   TypeNodeSuspect,
		NodeID: nodeID,
		Detail: detail,
	})
}

// taskFor maps an event to the task it schedules. Evidence-only events
// map to no task.
func (e *Emitter) taskFor(ev Event) (*taskqueue.Task, bool) {
	var (
		taskType taskqueue.TaskType
		priority taskqueue.TaskPriority
		payload  any
	)

	switch ev.Type {
	case TypeLowRedundancy:
		taskType = taskqueue.TaskTypeChunkRecovery
		priority = taskqueue.PriorityNormal
		payload = taskqueue.ChunkRecoveryPayload{
			ChunkID:  ev.ChunkID.String(),
			Current:  ev.Current,
			Required: ev.Required,
		}
	case TypeCriticalRedundancy:
		taskType = taskqueue.TaskTypeChunkRecovery
		priority = taskqueue.PriorityUrgent
		payload = taskqueue.ChunkRecoveryPayload{
			ChunkID:  ev.ChunkID.String(),
			Current:  ev.Current,
			Required: ev.Required,
		}
	case TypeNodeSuspect:
		taskType = taskqueue.TaskTypeNodeRecovery
		priority = taskqueue.PriorityHigh
		payload = taskqueue.NodeRecoveryPayload{NodeID: ev.NodeID}
	case TypeRecoveryExhausted:
		taskType = taskqueue.TaskTypeAlert
		priority = taskqueue.PriorityLow
		payload = taskqueue.AlertPayload{
			Kind:    string(ev.Type),
			ChunkID: ev.ChunkID.String(),
			NodeID:  ev.NodeID,
			Detail:  ev.Detail,
		}
	default:
		return nil, false
	}

	data, err := taskqueue.MarshalPayload(payload)
	if err != nil {
		EventsErrorsTotal.WithLabelValues("marshal").Inc()
		logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("failed to marshal event payload")
		return nil, false
	}

	return &taskqueue.Task{
		ID:         uuid.New().String(),
		Type:       taskType,
		Status:     taskqueue.StatusPending,
		Priority:   priority,
		Payload:    data,
		MaxRetries: taskqueue.DefaultMaxRetries,
	}, true
}

func chunkIDOf(s string) types.ChunkID {
	return types.ChunkID(s)
}
