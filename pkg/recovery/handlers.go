// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/ShardWorks/keepfs/pkg/events"
	"github.com/ShardWorks/keepfs/pkg/logger"
	"github.com/ShardWorks/keepfs/pkg/registry"
	"github.com/ShardWorks/keepfs/pkg/taskqueue"
	"github.com/ShardWorks/keepfs/pkg/types"
)

// RegisterHandlers wires all recovery task types into a worker.
func RegisterHandlers(w *taskqueue.Worker, c *Coordinator) {
	w.RegisterHandler(&ChunkHandler{c: c})
	w.RegisterHandler(&NodeHandler{c: c})
	w.RegisterHandler(&SystemHandler{c: c})
	w.RegisterHandler(&AlertHandler{})
}

// exhausted reports whether a failing attempt was the task's last.
func exhausted(task *taskqueue.Task) bool {
	return task.Attempts+1 >= task.MaxRetries
}

// ChunkHandler restores a single chunk to its target redundancy.
type ChunkHandler struct {
	c *Coordinator
}

func (h *ChunkHandler) Type() taskqueue.TaskType { return taskqueue.TaskTypeChunkRecovery }

func (h *ChunkHandler) Handle(ctx context.Context, task *taskqueue.Task) error {
	payload, err := taskqueue.UnmarshalPayload[taskqueue.ChunkRecoveryPayload](task.Payload)
	if err != nil {
		return errors.Join(taskqueue.ErrInvalidPayload, err)
	}
	chunkID := types.ChunkID(payload.ChunkID)

	h.c.trackOperation(task.ID, OpChunk, payload.ChunkID, task.Attempts+1, StatusInProgress, nil)

	err = h.c.RecoverChunk(ctx, chunkID)
	if err == nil {
		h.c.trackOperation(task.ID, OpChunk, payload.ChunkID, task.Attempts+1, StatusCompleted, nil)
		return nil
	}

	h.c.trackOperation(task.ID, OpChunk, payload.ChunkID, task.Attempts+1, StatusFailed, err)
	if exhausted(task) {
		recoveriesExhausted.WithLabelValues("chunk").Inc()
		h.c.emitter.Emit(ctx, events.Event{
			Type:    events.TypeRecoveryExhausted,
			ChunkID: chunkID,
			Detail:  err.Error(),
		})
	}
	return err
}

// NodeHandler re-evaluates every chunk a suspect node held.
type NodeHandler struct {
	c *Coordinator
}

func (h *NodeHandler) Type() taskqueue.TaskType { return taskqueue.TaskTypeNodeRecovery }

func (h *NodeHandler) Handle(ctx context.Context, task *taskqueue.Task) error {
	payload, err := taskqueue.UnmarshalPayload[taskqueue.NodeRecoveryPayload](task.Payload)
	if err != nil {
		return errors.Join(taskqueue.ErrInvalidPayload, err)
	}

	h.c.trackOperation(task.ID, OpNode, payload.NodeID, task.Attempts+1, StatusInProgress, nil)

	err = h.c.RecoverNode(ctx, payload.NodeID)
	if err == nil {
		h.c.trackOperation(task.ID, OpNode, payload.NodeID, task.Attempts+1, StatusCompleted, nil)
		return nil
	}

	h.c.trackOperation(task.ID, OpNode, payload.NodeID, task.Attempts+1, StatusFailed, err)
	if exhausted(task) {
		recoveriesExhausted.WithLabelValues("node").Inc()
		// The node could not be re-evaluated cleanly; stop routing
		// placements to it until it announces again.
		if markErr := h.c.registry.MarkOffline(payload.NodeID); markErr != nil && !errors.Is(markErr, registry.ErrNodeNotFound) {
			logger.Warn().Err(markErr).Str("node", payload.NodeID).Msg("recovery: mark offline failed")
		}
		h.c.emitter.Emit(ctx, events.Event{
			Type:   events.TypeRecoveryExhausted,
			NodeID: payload.NodeID,
			Detail: err.Error(),
		})
	}
	return err
}

// SystemHandler runs a full consistency sweep.
type SystemHandler struct {
	c *Coordinator
}

func (h *SystemHandler) Type() taskqueue.TaskType { return taskqueue.TaskTypeSystemRecovery }

func (h *SystemHandler) Handle(ctx context.Context, task *taskqueue.Task) error {
	payload, err := taskqueue.UnmarshalPayload[taskqueue.SystemRecoveryPayload](task.Payload)
	if err != nil {
		return errors.Join(taskqueue.ErrInvalidPayload, err)
	}

	h.c.trackOperation(task.ID, OpSystem, payload.Reason, task.Attempts+1, StatusInProgress, nil)
	if err := h.c.Sweep(ctx); err != nil {
		h.c.trackOperation(task.ID, OpSystem, payload.Reason, task.Attempts+1, StatusFailed, err)
		return err
	}
	h.c.trackOperation(task.ID, OpSystem, payload.Reason, task.Attempts+1, StatusCompleted, nil)
	return nil
}

// AlertHandler surfaces exhaustion alerts to the operator log. A real
// deployment would fan these out to a paging integration.
type AlertHandler struct{}

func (h *AlertHandler) Type() taskqueue.TaskType { return taskqueue.TaskTypeAlert }

func (h *AlertHandler) Handle(_ context.Context, task *taskqueue.Task) error {
	payload, err := taskqueue.UnmarshalPayload[taskqueue.AlertPayload](task.Payload)
	if err != nil {
		return errors.Join(taskqueue.ErrInvalidPayload, err)
	}

	alertsRaised.WithLabelValues(payload.Kind).Inc()
	logger.Error().
		Str("kind", payload.Kind).
		Str("chunk", payload.ChunkID).
		Str("node", payload.NodeID).
		Str("detail", payload.Detail).
		Time("raised_at", time.Now()).
		Msg("recovery exhausted: operator attention required")
	return nil
}
