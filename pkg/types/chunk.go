// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/hex"

	"github.com/ShardWorks/keepfs/pkg/utils"
)

// DefaultChunkSize is the default size for data chunks (1MB)
const DefaultChunkSize = 1 * 1024 * 1024

// ChunkID uniquely identifies a chunk by the hash of its stored bytes
type ChunkID string

// ChunkIDFromBytes computes a ChunkID from the stored representation of a
// chunk. When encryption is enabled the stored representation is
// nonce||ciphertext||tag, so the ID covers all three.
func ChunkIDFromBytes(data []byte) ChunkID {
	sum := utils.Sha256Sum(data)
	return ChunkID(hex.EncodeToString(sum[:]))
}

func (c ChunkID) String() string {
	return string(c)
}

// Chunk is one unit of a file: independently encrypted, hashed, and
// replicated. Immutable once created.
type Chunk struct {
	ID        ChunkID `json:"id"`
	Index     uint32  `json:"index"`     // Position within the original file
	Data      []byte  `json:"-"`         // Stored bytes (post-encryption when enabled)
	Hash      string  `json:"hash"`      // Hex SHA-256 over Data; equal to ID
	Size      uint64  `json:"size"`      // len(Data)
	Encrypted bool    `json:"encrypted"` // Data is nonce||ciphertext||tag
}

// ChunkMeta is the stable boundary representation of a chunk's placement.
type ChunkMeta struct {
	ID        ChunkID  `json:"id"`
	Index     uint32   `json:"index"`
	Hash      string   `json:"hash"`
	Locations []string `json:"locations"` // Node IDs currently holding the chunk
}
