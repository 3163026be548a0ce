// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time interface verification
var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue is an in-memory implementation of Queue for testing.
// NOT for production use - tasks are not persisted.
type MemoryQueue struct {
	mu          sync.Mutex
	tasks       map[string]*Task
	backoffBase time.Duration
	closed      bool
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		tasks:       make(map[string]*Task),
		backoffBase: DefaultBackoffBase,
	}
}

// SetBackoffBase overrides the retry backoff base (useful in tests).
func (q *MemoryQueue) SetBackoffBase(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backoffBase = d
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	fillTaskDefaults(task)
	q.tasks[task.ID] = task
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	now := time.Now()
	var best *Task

	for _, task := range q.tasks {
		if !dequeueable(task, now, taskTypes) {
			continue
		}
		// Pick highest priority, oldest first
		if best == nil || task.Priority > best.Priority ||
			(task.Priority == best.Priority && task.ScheduledAt.Before(best.ScheduledAt)) {
			best = task
		}
	}

	if best == nil {
		return nil, nil
	}

	markRunning(best, workerID, now)
	return best, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	now := time.Now()
	task.Status = StatusCompleted
	task.CompletedAt = &now
	task.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, taskID string, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	applyFailure(task, err, q.backoffBase)
	return nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	task.Status = StatusCancelled
	task.UpdatedAt = time.Now()
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func (q *MemoryQueue) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result []*Task
	for _, task := range q.tasks {
		if matchesFilter(task, filter) {
			result = append(result, task)
		}
	}

	return applyWindow(result, filter), nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (*QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &QueueStats{
		ByType: make(map[TaskType]int64),
	}
	for _, task := range q.tasks {
		accumulateStats(stats, task)
	}
	return stats, nil
}

func (q *MemoryQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	count := 0

	for id, task := range q.tasks {
		if task.Status == StatusCompleted || task.Status == StatusCancelled {
			if task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
				delete(q.tasks, id)
				count++
			}
		}
	}

	return count, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// fillTaskDefaults populates zero-value task fields before storage.
func fillTaskDefaults(task *Task) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = DefaultMaxRetries
	}
	now := time.Now()
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
}

// dequeueable reports whether a task is ready to be handed to a worker.
func dequeueable(task *Task, now time.Time, taskTypes []TaskType) bool {
	if task.Status != StatusPending {
		return false
	}
	if task.ScheduledAt.After(now) {
		return false
	}
	if !task.RetryAfter.IsZero() && task.RetryAfter.After(now) {
		return false
	}
	if len(taskTypes) == 0 {
		return true
	}
	for _, t := range taskTypes {
		if task.Type == t {
			return true
		}
	}
	return false
}

func markRunning(task *Task, workerID string, now time.Time) {
	task.Status = StatusRunning
	task.WorkerID = workerID
	startTime := now
	task.StartedAt = &startTime
	task.UpdatedAt = now
}

// applyFailure records a failed attempt. Attempt k is requeued with a delay
// of backoffBase*k; once attempts reach MaxRetries the task dead-letters.
func applyFailure(task *Task, err error, backoffBase time.Duration) {
	task.Attempts++
	task.LastError = err.Error()
	task.UpdatedAt = time.Now()

	if task.Attempts >= task.MaxRetries {
		task.Status = StatusDeadLetter
		return
	}
	task.RetryAfter = time.Now().Add(backoffBase * time.Duration(task.Attempts))
	task.Status = StatusPending
	task.WorkerID = ""
}

func matchesFilter(task *Task, filter TaskFilter) bool {
	if filter.Type != "" && task.Type != filter.Type {
		return false
	}
	if filter.Status != "" && task.Status != filter.Status {
		return false
	}
	return true
}

func applyWindow(result []*Task, filter TaskFilter) []*Task {
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result
}

func accumulateStats(stats *QueueStats, task *Task) {
	switch task.Status {
	case StatusPending:
		stats.Pending++
		if stats.OldestPending == nil || task.ScheduledAt.Before(*stats.OldestPending) {
			t := task.ScheduledAt
			stats.OldestPending = &t
		}
	case StatusRunning:
		stats.Running++
	case StatusCompleted:
		stats.Completed++
	case StatusFailed:
		stats.Failed++
	case StatusDeadLetter:
		stats.DeadLetter++
	}
	stats.ByType[task.Type]++
}
