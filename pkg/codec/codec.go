// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec splits files into fixed-size chunks, optionally encrypts
// each chunk independently, and computes per-chunk integrity hashes over
// the exact bytes that will be stored.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/ShardWorks/keepfs/pkg/types"
	"github.com/ShardWorks/keepfs/pkg/utils"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// NonceSize is the GCM nonce length in bytes (96 bits).
	NonceSize = 12

	// TagSize is the GCM authentication tag length in bytes (128 bits).
	TagSize = 16
)

var (
	// ErrInvalidInput indicates malformed split input. Not retried;
	// surfaced to the caller immediately.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAssembly indicates a missing, duplicate, or corrupt chunk during
	// reassembly. Corrupt chunks are never silently skipped.
	ErrAssembly = errors.New("assembly failed")

	// ErrInvalidKey indicates a key of the wrong length.
	ErrInvalidKey = errors.New("encryption key must be 32 bytes")
)

// Codec encodes files into chunks and back. Safe for concurrent use.
type Codec struct {
	aead    cipher.AEAD
	encrypt bool
}

// New creates a codec that encrypts each chunk with AES-256-GCM.
func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	return &Codec{aead: aead, encrypt: true}, nil
}

// NewPlaintext creates a codec that stores chunk bytes unencrypted.
// Hashing and chunking behave identically.
func NewPlaintext() *Codec {
	return &Codec{}
}

// Encrypts reports whether this codec seals chunk bytes.
func (c *Codec) Encrypts() bool {
	return c.encrypt
}

// Split cuts data into chunks of chunkSize bytes (the final chunk may be
// shorter), encrypts each chunk when encryption is enabled, and hashes the
// stored representation. Deterministic for identical input and chunkSize,
// excluding nonce randomness under encryption.
func (c *Codec) Split(data []byte, chunkSize uint64) ([]*types.Chunk, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidInput)
	}
	if chunkSize == 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive", ErrInvalidInput)
	}

	n := (uint64(len(data)) + chunkSize - 1) / chunkSize
	chunks := make([]*types.Chunk, 0, n)

	for i := uint64(0); i < n; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}

		blob, err := c.seal(data[start:end])
		if err != nil {
			return nil, err
		}

		sum := utils.Sha256Sum(blob)
		hash := hex.EncodeToString(sum[:])
		chunks = append(chunks, &types.Chunk{
			ID:        types.ChunkID(hash),
			Index:     uint32(i),
			Data:      blob,
			Hash:      hash,
			Size:      uint64(len(blob)),
			Encrypted: c.encrypt,
		})
	}

	return chunks, nil
}

// Assemble reverses Split: verifies each chunk's hash against its stored
// bytes, decrypts when needed, and concatenates strictly by index.
func (c *Codec) Assemble(chunks []*types.Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks", ErrAssembly)
	}

	ordered := make([]*types.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	buf := utils.BufferPoolGet()
	defer utils.BufferPoolPut(buf)

	for i, chunk := range ordered {
		if uint32(i) != chunk.Index {
			return nil, fmt.Errorf("%w: missing chunk at index %d", ErrAssembly, i)
		}
		if !CheckIntegrity(chunk) {
			return nil, fmt.Errorf("%w: hash mismatch for chunk %d", ErrAssembly, chunk.Index)
		}

		plain, err := c.open(chunk)
		if err != nil {
			return nil, fmt.Errorf("%w: decrypt chunk %d: %v", ErrAssembly, chunk.Index, err)
		}
		buf.Write(plain)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// CheckIntegrity reports whether a chunk's stored bytes still match its
// hash. The hash covers nonce, ciphertext, and tag together, so a single
// bit flip anywhere invalidates it.
func CheckIntegrity(chunk *types.Chunk) bool {
	sum := utils.Sha256Sum(chunk.Data)
	return hex.EncodeToString(sum[:]) == chunk.Hash
}

// seal encrypts plain into nonce||ciphertext||tag with a fresh random
// nonce, or returns plain unchanged when encryption is disabled.
func (c *Codec) seal(plain []byte) ([]byte, error) {
	if !c.encrypt {
		out := make([]byte, len(plain))
		copy(out, plain)
		return out, nil
	}

	blob := make([]byte, NonceSize, NonceSize+len(plain)+TagSize)
	if _, err := io.ReadFull(rand.Reader, blob); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(blob, blob[:NonceSize], plain, nil), nil
}

// open decrypts a chunk's stored bytes, or returns them unchanged for
// plaintext chunks.
func (c *Codec) open(chunk *types.Chunk) ([]byte, error) {
	if !chunk.Encrypted {
		return chunk.Data, nil
	}
	if c.aead == nil {
		return nil, errors.New("chunk is encrypted but codec has no key")
	}
	if len(chunk.Data) < NonceSize+TagSize {
		return nil, errors.New("stored blob shorter than nonce and tag")
	}
	return c.aead.Open(nil, chunk.Data[:NonceSize], chunk.Data[NonceSize:], nil)
}
