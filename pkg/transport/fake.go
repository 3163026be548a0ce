// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/ShardWorks/keepfs/pkg/types"
	"github.com/ShardWorks/keepfs/pkg/utils"
)

// FakeTransport is an in-memory Transport for tests. Faults are injected
// explicitly per node rather than modeled with built-in randomness.
type FakeTransport struct {
	mu    sync.Mutex
	blobs map[string]map[types.ChunkID][]byte // nodeID -> chunkID -> blob

	failing map[string]error    // nodeID -> error returned for every call
	silent  map[string]struct{} // nodeID -> block until ctx deadline

	// StoreHook, when set, runs before each Store and can veto it.
	// Set before concurrent use.
	StoreHook func() error
}

// NewFakeTransport creates an empty fake transport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		blobs:   make(map[string]map[types.ChunkID][]byte),
		failing: make(map[string]error),
		silent:  make(map[string]struct{}),
	}
}

var _ Transport = (*FakeTransport)(nil)

// FailNode makes every call to the node return err.
func (t *FakeTransport) FailNode(nodeID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failing[nodeID] = err
}

// SilenceNode makes every call to the node block until its ctx deadline,
// simulating packet loss.
func (t *FakeTransport) SilenceNode(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.silent[nodeID] = struct{}{}
}

// HealNode clears injected faults for the node.
func (t *FakeTransport) HealNode(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failing, nodeID)
	delete(t.silent, nodeID)
}

// DropChunk silently discards a node's copy, simulating data loss the
// node does not admit to.
func (t *FakeTransport) DropChunk(nodeID string, chunkID types.ChunkID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.blobs[nodeID], chunkID)
}

// CorruptChunk flips one bit of a node's stored copy.
func (t *FakeTransport) CorruptChunk(nodeID string, chunkID types.ChunkID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if blob, ok := t.blobs[nodeID][chunkID]; ok && len(blob) > 0 {
		blob[len(blob)/2] ^= 0x01
	}
}

// Holds reports whether the node currently stores the chunk.
func (t *FakeTransport) Holds(nodeID string, chunkID types.ChunkID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.blobs[nodeID][chunkID]
	return ok
}

// StoredCount returns how many nodes hold the chunk.
func (t *FakeTransport) StoredCount(chunkID types.ChunkID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, chunks := range t.blobs {
		if _, ok := chunks[chunkID]; ok {
			count++
		}
	}
	return count
}

func (t *FakeTransport) Store(ctx context.Context, node *types.StorageNode, chunkID types.ChunkID, blob []byte) error {
	if err := t.gate(ctx, node.ID); err != nil {
		return err
	}
	if t.StoreHook != nil {
		if err := t.StoreHook(); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.blobs[node.ID] == nil {
		t.blobs[node.ID] = make(map[types.ChunkID][]byte)
	}
	stored := make([]byte, len(blob))
	copy(stored, blob)
	t.blobs[node.ID][chunkID] = stored
	return nil
}

func (t *FakeTransport) Fetch(ctx context.Context, node *types.StorageNode, chunkID types.ChunkID) ([]byte, error) {
	if err := t.gate(ctx, node.ID); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	blob, ok := t.blobs[node.ID][chunkID]
	if !ok {
		return nil, ErrChunkNotStored
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (t *FakeTransport) Delete(ctx context.Context, node *types.StorageNode, chunkID types.ChunkID) error {
	if err := t.gate(ctx, node.ID); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.blobs[node.ID], chunkID)
	return nil
}

func (t *FakeTransport) Challenge(ctx context.Context, node *types.StorageNode, chunkID types.ChunkID, nonce []byte) ([]byte, error) {
	if err := t.gate(ctx, node.ID); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	blob, ok := t.blobs[node.ID][chunkID]
	if !ok {
		return nil, ErrChunkNotStored
	}
	sum := utils.Sha256Sum(blob, nonce)
	return sum[:], nil
}

// gate applies injected faults before any operation.
func (t *FakeTransport) gate(ctx context.Context, nodeID string) error {
	t.mu.Lock()
	failErr, failing := t.failing[nodeID]
	_, isSilent := t.silent[nodeID]
	t.mu.Unlock()

	if failing {
		return failErr
	}
	if isSilent {
		<-ctx.Done()
		return ctx.Err()
	}
	return ctx.Err()
}
