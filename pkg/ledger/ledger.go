// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger is the authoritative map from chunk to its current
// replica node set. Every component that needs a chunk's redundancy level
// reads it here; nothing infers redundancy from anywhere else.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ShardWorks/keepfs/pkg/events"
	"github.com/ShardWorks/keepfs/pkg/types"
)

var ErrChunkNotFound = errors.New("chunk not found in ledger")

// Target is the redundancy a chunk must be held at.
type Target struct {
	Tier    types.TierName `json:"tier"`
	Copies  uint           `json:"copies"`
	Regions uint           `json:"regions"`
}

// Entry is the ledger's record for one chunk.
type Entry struct {
	ChunkID      types.ChunkID       `json:"chunk_id"`
	Nodes        map[string]struct{} `json:"nodes"`
	Target       Target              `json:"target"`
	SizeBytes    uint64              `json:"size_bytes"`
	LastVerified time.Time           `json:"last_verified,omitempty"`
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Nodes = make(map[string]struct{}, len(e.Nodes))
	for id := range e.Nodes {
		c.Nodes[id] = struct{}{}
	}
	return &c
}

// Ledger tracks replica sets in memory with optional write-through bolt
// persistence. Mutations for a given chunk are serialized; each mutation
// re-evaluates redundancy health and emits low/critical signals.
type Ledger struct {
	mu      sync.RWMutex
	entries map[types.ChunkID]*Entry
	byNode  map[string]map[types.ChunkID]struct{}

	store   *BoltStore
	emitter *events.Emitter
}

// Config configures a Ledger.
type Config struct {
	Store   *BoltStore      // Optional persistence
	Emitter *events.Emitter // nil means events are dropped
}

// New creates a ledger, loading persisted entries when a store is set.
func New(cfg Config) (*Ledger, error) {
	l := &Ledger{
		entries: make(map[types.ChunkID]*Entry),
		byNode:  make(map[string]map[types.ChunkID]struct{}),
		store:   cfg.Store,
		emitter: cfg.Emitter,
	}
	if l.emitter == nil {
		l.emitter = events.NoopEmitter()
	}

	if l.store != nil {
		loaded, err := l.store.LoadEntries()
		if err != nil {
			return nil, err
		}
		for _, e := range loaded {
			l.entries[e.ChunkID] = e
			for nodeID := range e.Nodes {
				l.index(nodeID, e.ChunkID)
			}
		}
	}

	return l, nil
}

// RecordPlacement installs the replica set from an executed distribution
// plan, replacing any previous set for the chunk.
func (l *Ledger) RecordPlacement(ctx context.Context, chunkID types.ChunkID, nodeIDs []string, target Target, sizeBytes uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.entries[chunkID]; ok {
		for nodeID := range old.Nodes {
			l.unindex(nodeID, chunkID)
		}
	}

	entry := &Entry{
		ChunkID:   chunkID,
		Nodes:     make(map[string]struct{}, len(nodeIDs)),
		Target:    target,
		SizeBytes: sizeBytes,
	}
	for _, nodeID := range nodeIDs {
		entry.Nodes[nodeID] = struct{}{}
		l.index(nodeID, chunkID)
	}
	l.entries[chunkID] = entry

	l.checkHealth(ctx, entry)
	return l.persist(entry)
}

// AddReplica records one new replica for a chunk.
func (l *Ledger) AddReplica(ctx context.Context, chunkID types.ChunkID, nodeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[chunkID]
	if !ok {
		return ErrChunkNotFound
	}

	entry.Nodes[nodeID] = struct{}{}
	l.index(nodeID, chunkID)

	l.checkHealth(ctx, entry)
	return l.persist(entry)
}

// RemoveReplica drops one replica for a chunk.
func (l *Ledger) RemoveReplica(ctx context.Context, chunkID types.ChunkID, nodeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[chunkID]
	if !ok {
		return ErrChunkNotFound
	}

	delete(entry.Nodes, nodeID)
	l.unindex(nodeID, chunkID)

	l.checkHealth(ctx, entry)
	return l.persist(entry)
}

// Replicas returns the chunk's current replica node IDs.
func (l *Ledger) Replicas(chunkID types.ChunkID) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.entries[chunkID]
	if !ok {
		return nil, ErrChunkNotFound
	}

	ids := make([]string, 0, len(entry.Nodes))
	for id := range entry.Nodes {
		ids = append(ids, id)
	}
	return ids, nil
}

// Get returns a copy of the full ledger entry for a chunk.
func (l *Ledger) Get(chunkID types.ChunkID) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.entries[chunkID]
	if !ok {
		return nil, ErrChunkNotFound
	}
	return entry.clone(), nil
}

// NodeChunks is the reverse lookup: every chunk a node holds. Used by
// node-type recovery to re-evaluate a lost node's inventory.
func (l *Ledger) NodeChunks(nodeID string) []types.ChunkID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chunks := l.byNode[nodeID]
	ids := make([]types.ChunkID, 0, len(chunks))
	for id := range chunks {
		ids = append(ids, id)
	}
	return ids
}

// Chunks returns every chunk the ledger tracks. Used by system sweeps.
func (l *Ledger) Chunks() []types.ChunkID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]types.ChunkID, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	return ids
}

// MarkVerified records a successful storage proof for a chunk.
func (l *Ledger) MarkVerified(chunkID types.ChunkID, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[chunkID]
	if !ok {
		return ErrChunkNotFound
	}
	if at.After(entry.LastVerified) {
		entry.LastVerified = at
	}
	return l.persist(entry)
}

// Forget removes a chunk from the ledger entirely (file deletion).
func (l *Ledger) Forget(chunkID types.ChunkID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[chunkID]
	if !ok {
		return nil
	}
	for nodeID := range entry.Nodes {
		l.unindex(nodeID, chunkID)
	}
	delete(l.entries, chunkID)

	if l.store != nil {
		return l.store.DeleteEntry(chunkID)
	}
	return nil
}

// checkHealth compares the live replica count against the chunk's target
// and the absolute floor, emitting the corresponding signal.
// Caller must hold l.mu.
func (l *Ledger) checkHealth(ctx context.Context, entry *Entry) {
	current := len(entry.Nodes)

	switch {
	case current < types.AbsoluteFloor:
		criticalRedundancyTotal.Inc()
		l.emitter.EmitCriticalRedundancy(ctx, entry.ChunkID.String(), current, int(entry.Target.Copies))
	case uint(current) < entry.Target.Copies:
		lowRedundancyTotal.Inc()
		l.emitter.EmitLowRedundancy(ctx, entry.ChunkID.String(), current, int(entry.Target.Copies))
	}
}

func (l *Ledger) index(nodeID string, chunkID types.ChunkID) {
	if l.byNode[nodeID] == nil {
		l.byNode[nodeID] = make(map[types.ChunkID]struct{})
	}
	l.byNode[nodeID][chunkID] = struct{}{}
}

func (l *Ledger) unindex(nodeID string, chunkID types.ChunkID) {
	if chunks := l.byNode[nodeID]; chunks != nil {
		delete(chunks, chunkID)
		if len(chunks) == 0 {
			delete(l.byNode, nodeID)
		}
	}
}

// persist writes through to the bolt store when configured.
// Caller must hold l.mu.
func (l *Ledger) persist(entry *Entry) error {
	if l.store == nil {
		return nil
	}
	return l.store.SaveEntry(entry)
}
