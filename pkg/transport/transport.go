// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport moves chunk bytes and storage challenges between the
// coordinator and storage nodes. The wire protocol to real providers is
// external; this package defines the contract and a plain HTTP client.
package transport

import (
	"context"
	"errors"

	"github.com/ShardWorks/keepfs/pkg/types"
)

var (
	ErrChunkNotStored  = errors.New("node does not hold the chunk")
	ErrNodeUnreachable = errors.New("node unreachable")
)

// Transport is the node-facing data path. All calls respect ctx deadlines;
// a late response after a deadline is discarded by the caller.
type Transport interface {
	// Store delivers a chunk's stored bytes to a node.
	Store(ctx context.Context, node *types.StorageNode, chunkID types.ChunkID, blob []byte) error

	// Fetch retrieves a chunk's stored bytes from a node.
	Fetch(ctx context.Context, node *types.StorageNode, chunkID types.ChunkID) ([]byte, error)

	// Delete asks a node to drop a chunk.
	Delete(ctx context.Context, node *types.StorageNode, chunkID types.ChunkID) error

	// Challenge delivers a storage challenge nonce and returns the node's
	// response digest over its stored bytes concatenated with the nonce.
	Challenge(ctx context.Context, node *types.StorageNode, chunkID types.ChunkID, nonce []byte) ([]byte, error)
}
