// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// NodeState tracks a storage node's liveness.
// Transitions: active -> offline (heartbeat missed beyond 2x interval)
// -> dead (missed beyond dead-node timeout) -> active (heartbeat resumes).
type NodeState string

const (
	NodeActive  NodeState = "active"
	NodeOffline NodeState = "offline"
	NodeDead    NodeState = "dead"
)

// StorageNode is a provider that holds chunk replicas. The registry is the
// sole owner; other components hold node IDs, never mutate node state.
type StorageNode struct {
	ID             string    `json:"id"`
	Region         string    `json:"region"`
	PubKey         string    `json:"pubkey"`
	CapacityBytes  uint64    `json:"capacity_bytes"`
	AvailableBytes uint64    `json:"available_bytes"`
	Reliability    float64   `json:"reliability"` // 0..1, verification track record
	LastSeen       time.Time `json:"last_seen"`
	State          NodeState `json:"state"`
	Endpoint       string    `json:"endpoint,omitempty"` // Transport address
}

// Eligible reports whether the node can take new placements: free capacity
// and a heartbeat within the freshness window.
func (n *StorageNode) Eligible(now time.Time, freshness time.Duration) bool {
	return n.AvailableBytes > 0 && now.Sub(n.LastSeen) < freshness
}

// FreeBytes returns available capacity.
func (n *StorageNode) FreeBytes() uint64 {
	return n.AvailableBytes
}

// UsagePercent returns capacity usage as percentage (0-100)
func (n *StorageNode) UsagePercent() float64 {
	if n.CapacityBytes == 0 {
		return 0
	}
	used := n.CapacityBytes - n.AvailableBytes
	return float64(used) / float64(n.CapacityBytes) * 100
}

// NodeMeta is the stable boundary representation of a node.
type NodeMeta struct {
	ID       string `json:"id"`
	Region   string `json:"region"`
	PubKey   string `json:"pubkey"`
	Capacity uint64 `json:"capacity"`
}
