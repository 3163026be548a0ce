// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"time"

	"github.com/ShardWorks/keepfs/pkg/types"
)

// Type categorizes health events.
type Type string

const (
	// TypeLowRedundancy fires when a chunk's live replica count drops
	// below its tier target.
	TypeLowRedundancy Type = "LowRedundancy"

	// TypeCriticalRedundancy fires when a chunk drops below the absolute
	// replica floor. A hard health violation.
	TypeCriticalRedundancy Type = "CriticalRedundancy"

	// TypeNodeSuspect fires after repeated consecutive proof failures for
	// the same node. Consumed as node-type recovery.
	TypeNodeSuspect Type = "NodeSuspect"

	// TypeVerificationFailed fires for a single failed storage proof.
	// Evidence only; no recovery is scheduled from one failure.
	TypeVerificationFailed Type = "VerificationFailed"

	// TypeRecoveryExhausted fires when a recovery operation runs out of
	// retries. The system keeps operating degraded; this is the operator
	// alert hook.
	TypeRecoveryExhausted Type = "RecoveryExhausted"
)

// Event is a typed health signal produced by the ledger, the verification
// engine, or the recovery coordinator.
type Event struct {
	Type    Type          `json:"type"`
	ChunkID types.ChunkID `json:"chunk_id,omitempty"`
	NodeID  string        `json:"node_id,omitempty"`

	// Replica accounting for redundancy events
	Current  int `json:"current,omitempty"`
	Required int `json:"required,omitempty"`

	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}
