// Package taskqueue provides a task queue for background processing.
//
// Supported backends:
// - BoltDB - default, durable across restarts
// - In-memory - for testing only
//
// Use cases:
// - Chunk repair (re-placement of under-replicated chunks)
// - Node repair (re-evaluating every chunk a lost node held)
// - System sweeps (full ledger consistency pass)
// - Operator alerts (redundancy exhaustion)
package taskqueue

import (
	"encoding/json"
	"time"
)

// Default configuration values
const (
	DefaultPollInterval = time.Second
	DefaultConcurrency  = 5
	DefaultMaxRetries   = 3
	DefaultBackoffBase  = time.Second
)

// TaskType identifies the type of task for routing to handlers.
type TaskType string

const (
	TaskTypeChunkRecovery  TaskType = "recovery_chunk"  // Restore one chunk to target redundancy
	TaskTypeNodeRecovery   TaskType = "recovery_node"   // Re-evaluate all chunks a node held
	TaskTypeSystemRecovery TaskType = "recovery_system" // Full consistency sweep
	TaskTypeAlert          TaskType = "alert"           // Operator-facing alert
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"     // Waiting to be picked up
	StatusRunning    TaskStatus = "running"     // Currently being processed
	StatusCompleted  TaskStatus = "completed"   // Successfully finished
	StatusFailed     TaskStatus = "failed"      // Failed, may retry
	StatusDeadLetter TaskStatus = "dead_letter" // Failed permanently
	StatusCancelled  TaskStatus = "cancelled"   // Cancelled by user/system
)

// TaskPriority allows urgent tasks to be processed first.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 0
	PriorityNormal TaskPriority = 5
	PriorityHigh   TaskPriority = 10
	PriorityUrgent TaskPriority = 20
)

// Task represents a unit of work to be processed.
type Task struct {
	// Identification
	ID       string       `json:"id"`
	Type     TaskType     `json:"type"`
	Status   TaskStatus   `json:"status"`
	Priority TaskPriority `json:"priority"`

	// Payload - JSON encoded task-specific data
	Payload json.RawMessage `json:"payload"`

	// Scheduling
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Retry handling
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"max_retries"`
	RetryAfter time.Time `json:"retry_after,omitempty"`

	// Error tracking
	LastError string `json:"last_error,omitempty"`

	// Metadata
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	WorkerID  string    `json:"worker_id,omitempty"`
}

// TaskFilter for querying tasks.
type TaskFilter struct {
	Type   TaskType   `json:"type,omitempty"`
	Status TaskStatus `json:"status,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}

// QueueStats provides queue metrics.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Running    int64 `json:"running"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"dead_letter"`

	// By type
	ByType map[TaskType]int64 `json:"by_type"`

	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// MarshalPayload is a helper to marshal a payload struct to JSON.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// UnmarshalPayload is a helper to unmarshal a JSON payload.
func UnmarshalPayload[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}

// ChunkRecoveryPayload targets one under-replicated chunk.
type ChunkRecoveryPayload struct {
	ChunkID  string `json:"chunk_id"`
	Current  int    `json:"current"`
	Required int    `json:"required"`
}

// NodeRecoveryPayload targets every chunk a suspect node held.
type NodeRecoveryPayload struct {
	NodeID string `json:"node_id"`
}

// SystemRecoveryPayload triggers a full consistency sweep.
type SystemRecoveryPayload struct {
	Reason string `json:"reason,omitempty"`
}

// AlertPayload carries an operator-facing alert.
type AlertPayload struct {
	Kind    string `json:"kind"`
	ChunkID string `json:"chunk_id,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}
