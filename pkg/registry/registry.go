// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks known storage nodes: region, capacity,
// reliability, and liveness. The registry is the sole owner of node state;
// every other component holds node IDs and re-reads through the registry.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ShardWorks/keepfs/pkg/logger"
	"github.com/ShardWorks/keepfs/pkg/types"
)

// Defaults for liveness tracking.
const (
	DefaultFreshnessWindow   = 5 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDeadNodeTimeout   = 30 * time.Minute

	// reliabilityDecay is the EWMA weight kept from a node's previous
	// reliability score when a proof outcome is recorded.
	reliabilityDecay = 0.9
)

var ErrNodeNotFound = errors.New("node not found")

// Criteria filters FindNodes results.
type Criteria struct {
	Region            string  // Restrict to one region ("" = any)
	MinAvailableBytes uint64  // Require at least this much free capacity
	MinReliability    float64 // Require at least this reliability score
}

// Config configures a Registry.
type Config struct {
	FreshnessWindow   time.Duration // 0 means DefaultFreshnessWindow
	HeartbeatInterval time.Duration // 0 means DefaultHeartbeatInterval
	DeadNodeTimeout   time.Duration // 0 means DefaultDeadNodeTimeout
	Store             *BoltStore    // Optional write-through persistence
}

// Registry is the authoritative node table.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*types.StorageNode

	freshnessWindow   time.Duration
	heartbeatInterval time.Duration
	deadNodeTimeout   time.Duration
	store             *BoltStore

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a registry. If cfg.Store is set, previously announced nodes
// are loaded from it.
func New(cfg Config) (*Registry, error) {
	if cfg.FreshnessWindow == 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.DeadNodeTimeout == 0 {
		cfg.DeadNodeTimeout = DefaultDeadNodeTimeout
	}

	r := &Registry{
		nodes:             make(map[string]*types.StorageNode),
		freshnessWindow:   cfg.FreshnessWindow,
		heartbeatInterval: cfg.HeartbeatInterval,
		deadNodeTimeout:   cfg.DeadNodeTimeout,
		store:             cfg.Store,
		stopCh:            make(chan struct{}),
	}

	if r.store != nil {
		nodes, err := r.store.LoadNodes()
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			r.nodes[n.ID] = n
		}
		logger.Info().Int("nodes", len(nodes)).Msg("registry: loaded persisted nodes")
	}

	return r, nil
}

// Announce registers a node or refreshes an existing registration.
// The node becomes active with a fresh heartbeat.
func (r *Registry) Announce(node *types.StorageNode) error {
	if node == nil || node.ID == "" {
		return errors.New("node must have an ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := *node
	if n.AvailableBytes == 0 && n.CapacityBytes > 0 {
		// A capacity-only registration starts empty
		n.AvailableBytes = n.CapacityBytes
	}
	n.LastSeen = time.Now()
	n.State = types.NodeActive
	r.nodes[n.ID] = &n

	nodesAnnounced.Inc()
	return r.persist(&n)
}

// FindNodes returns eligible nodes matching the criteria, sorted by
// reliability descending. The ordering is load-bearing: placement breaks
// ties by position in this list. Returned nodes are copies.
func (r *Registry) FindNodes(criteria Criteria) []*types.StorageNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var result []*types.StorageNode
	for _, n := range r.nodes {
		if !n.Eligible(now, r.freshnessWindow) {
			continue
		}
		if criteria.Region != "" && n.Region != criteria.Region {
			continue
		}
		if n.AvailableBytes < criteria.MinAvailableBytes {
			continue
		}
		if n.Reliability < criteria.MinReliability {
			continue
		}
		c := *n
		result = append(result, &c)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Reliability != result[j].Reliability {
			return result[i].Reliability > result[j].Reliability
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Get returns a copy of one node.
func (r *Registry) Get(nodeID string) (*types.StorageNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, false
	}
	c := *n
	return &c, true
}

// List returns copies of all known nodes regardless of liveness.
func (r *Registry) List() []*types.StorageNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*types.StorageNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		c := *n
		result = append(result, &c)
	}
	return result
}

// MarkSeen records a heartbeat. A node returns to active from offline or
// dead when its heartbeat resumes.
func (r *Registry) MarkSeen(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}

	n.LastSeen = time.Now()
	if n.State != types.NodeActive {
		logger.Info().
			Str("node", nodeID).
			Str("previous_state", string(n.State)).
			Msg("registry: node heartbeat resumed")
		n.State = types.NodeActive
	}
	return r.persist(n)
}

// MarkOffline forces a node offline. Used by recovery when a node's
// repair operations exhaust their retries.
func (r *Registry) MarkOffline(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}

	n.State = types.NodeOffline
	nodesMarkedOffline.Inc()
	return r.persist(n)
}

// RecordProofOutcome folds one storage-proof result into a node's
// reliability score (exponentially weighted moving average).
func (r *Registry) RecordProofOutcome(nodeID string, ok bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, exists := r.nodes[nodeID]
	if !exists {
		return ErrNodeNotFound
	}

	outcome := 0.0
	if ok {
		outcome = 1.0
	}
	n.Reliability = n.Reliability*reliabilityDecay + outcome*(1-reliabilityDecay)
	return r.persist(n)
}

// ReserveCapacity decrements a node's available bytes after a placement.
func (r *Registry) ReserveCapacity(nodeID string, bytes uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	if n.AvailableBytes < bytes {
		n.AvailableBytes = 0
	} else {
		n.AvailableBytes -= bytes
	}
	return r.persist(n)
}

// ReleaseCapacity returns capacity after a replica is dropped.
func (r *Registry) ReleaseCapacity(nodeID string, bytes uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	n.AvailableBytes += bytes
	if n.AvailableBytes > n.CapacityBytes {
		n.AvailableBytes = n.CapacityBytes
	}
	return r.persist(n)
}

// FreshnessWindow returns the eligibility freshness window.
func (r *Registry) FreshnessWindow() time.Duration {
	return r.freshnessWindow
}

// persist writes through to the bolt store when configured.
// Caller must hold r.mu.
func (r *Registry) persist(n *types.StorageNode) error {
	if r.store == nil {
		return nil
	}
	return r.store.SaveNode(n)
}
