// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var tasksBucket = []byte("tasks")

// Compile-time interface verification
var _ Queue = (*BoltQueue)(nil)

// BoltQueue is a BoltDB-backed implementation of Queue. Tasks survive
// process restarts; a task left in running state by a crashed worker is
// requeued on Open.
//
// Dequeue scans the bucket inside a single write transaction, which
// serializes workers. Fine for repair traffic; not a high-throughput bus.
type BoltQueue struct {
	db          *bolt.DB
	backoffBase time.Duration
}

// BoltQueueConfig configures a BoltQueue.
type BoltQueueConfig struct {
	Path        string
	BackoffBase time.Duration // 0 means DefaultBackoffBase
}

// NewBoltQueue opens (or creates) a durable queue at the given path.
func NewBoltQueue(cfg BoltQueueConfig) (*BoltQueue, error) {
	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}

	backoffBase := cfg.BackoffBase
	if backoffBase == 0 {
		backoffBase = DefaultBackoffBase
	}

	q := &BoltQueue{db: db, backoffBase: backoffBase}
	if err := q.init(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// init creates the bucket and requeues tasks orphaned by a crash.
// The bucket must not be written during ForEach, so orphans are collected
// first and rewritten after iteration.
func (q *BoltQueue) init() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(tasksBucket)
		if err != nil {
			return err
		}

		var orphans []*Task
		if err := b.ForEach(func(k, v []byte) error {
			var task Task
			if err := json.Unmarshal(v, &task); err != nil {
				return fmt.Errorf("decode task %s: %w", k, err)
			}
			if task.Status != StatusRunning {
				return nil
			}
			t := task
			orphans = append(orphans, &t)
			return nil
		}); err != nil {
			return err
		}

		for _, task := range orphans {
			task.Status = StatusPending
			task.WorkerID = ""
			task.UpdatedAt = time.Now()
			if err := putTask(b, task); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *BoltQueue) Enqueue(ctx context.Context, task *Task) error {
	fillTaskDefaults(task)
	return q.db.Update(func(tx *bolt.Tx) error {
		return putTask(tx.Bucket(tasksBucket), task)
	})
}

func (q *BoltQueue) Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	var best *Task
	now := time.Now()

	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tasksBucket)
		if err := b.ForEach(func(k, v []byte) error {
			var task Task
			if err := json.Unmarshal(v, &task); err != nil {
				return fmt.Errorf("decode task %s: %w", k, err)
			}
			if !dequeueable(&task, now, taskTypes) {
				return nil
			}
			if best == nil || task.Priority > best.Priority ||
				(task.Priority == best.Priority && task.ScheduledAt.Before(best.ScheduledAt)) {
				t := task
				best = &t
			}
			return nil
		}); err != nil {
			return err
		}
		if best == nil {
			return nil
		}
		markRunning(best, workerID, now)
		return putTask(b, best)
	})
	if err != nil {
		return nil, err
	}
	return best, nil
}

func (q *BoltQueue) Complete(ctx context.Context, taskID string) error {
	return q.update(taskID, func(task *Task) {
		now := time.Now()
		task.Status = StatusCompleted
		task.CompletedAt = &now
		task.UpdatedAt = now
	})
}

func (q *BoltQueue) Fail(ctx context.Context, taskID string, failure error) error {
	return q.update(taskID, func(task *Task) {
		applyFailure(task, failure, q.backoffBase)
	})
}

func (q *BoltQueue) Cancel(ctx context.Context, taskID string) error {
	return q.update(taskID, func(task *Task) {
		task.Status = StatusCancelled
		task.UpdatedAt = time.Now()
	})
}

func (q *BoltQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	var task *Task
	err := q.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tasksBucket).Get([]byte(taskID))
		if v == nil {
			return ErrTaskNotFound
		}
		task = new(Task)
		return json.Unmarshal(v, task)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (q *BoltQueue) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var result []*Task
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(k, v []byte) error {
			var task Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if matchesFilter(&task, filter) {
				t := task
				result = append(result, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return applyWindow(result, filter), nil
}

func (q *BoltQueue) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{ByType: make(map[TaskType]int64)}
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(k, v []byte) error {
			var task Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			accumulateStats(stats, &task)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (q *BoltQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	count := 0

	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tasksBucket)
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var task Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.Status != StatusCompleted && task.Status != StatusCancelled {
				return nil
			}
			if task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (q *BoltQueue) Close() error {
	return q.db.Close()
}

// update applies fn to one task inside a write transaction.
func (q *BoltQueue) update(taskID string, fn func(*Task)) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tasksBucket)
		v := b.Get([]byte(taskID))
		if v == nil {
			return ErrTaskNotFound
		}
		var task Task
		if err := json.Unmarshal(v, &task); err != nil {
			return err
		}
		fn(&task)
		return putTask(b, &task)
	})
}

func putTask(b *bolt.Bucket, task *Task) error {
	encoded, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return b.Put([]byte(task.ID), encoded)
}
