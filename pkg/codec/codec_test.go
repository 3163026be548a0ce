// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestNew_InvalidKey(t *testing.T) {
	t.Parallel()

	_, err := New([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSplit_InvalidInput(t *testing.T) {
	t.Parallel()

	c := NewPlaintext()

	_, err := c.Split(nil, 1024)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = c.Split([]byte("data"), 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSplit_ChunkSizes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		dataLen   int
		chunkSize uint64
		want      int
		lastLen   int
	}{
		{"exact multiple", 4096, 1024, 4, 1024},
		{"short tail", 2500, 1024, 3, 452},
		{"single short chunk", 10, 1024, 1, 10},
		{"chunk size one", 5, 1, 5, 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data := make([]byte, tt.dataLen)
			_, err := rand.Read(data)
			require.NoError(t, err)

			c := NewPlaintext()
			chunks, err := c.Split(data, tt.chunkSize)
			require.NoError(t, err)
			require.Len(t, chunks, tt.want)

			for i, chunk := range chunks {
				assert.Equal(t, uint32(i), chunk.Index)
				if i < len(chunks)-1 {
					assert.Equal(t, tt.chunkSize, chunk.Size)
				}
			}
			assert.Equal(t, uint64(tt.lastLen), chunks[len(chunks)-1].Size)
		})
	}
}

func TestRoundTrip_Plaintext(t *testing.T) {
	t.Parallel()

	data := make([]byte, 2500)
	_, err := rand.Read(data)
	require.NoError(t, err)

	c := NewPlaintext()
	chunks, err := c.Split(data, 1024)
	require.NoError(t, err)

	out, err := c.Assemble(chunks)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestRoundTrip_Encrypted(t *testing.T) {
	t.Parallel()

	data := make([]byte, 3*1024+17)
	_, err := rand.Read(data)
	require.NoError(t, err)

	c, err := New(testKey(t))
	require.NoError(t, err)

	chunks, err := c.Split(data, 1024)
	require.NoError(t, err)

	// Stored bytes carry nonce and tag overhead and must not leak plaintext
	assert.Equal(t, NonceSize+1024+TagSize, len(chunks[0].Data))
	for _, chunk := range chunks {
		assert.True(t, chunk.Encrypted)
		assert.NotContains(t, string(chunk.Data), string(data[:64]))
	}

	out, err := c.Assemble(chunks)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestAssemble_OutOfOrder(t *testing.T) {
	t.Parallel()

	data := make([]byte, 4096)
	_, err := rand.Read(data)
	require.NoError(t, err)

	c := NewPlaintext()
	chunks, err := c.Split(data, 1024)
	require.NoError(t, err)

	// Reassembly is index order, not arrival order
	chunks[0], chunks[3] = chunks[3], chunks[0]
	chunks[1], chunks[2] = chunks[2], chunks[1]

	out, err := c.Assemble(chunks)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestAssemble_Errors(t *testing.T) {
	t.Parallel()

	data := make([]byte, 4096)
	_, err := rand.Read(data)
	require.NoError(t, err)

	c, err := New(testKey(t))
	require.NoError(t, err)

	t.Run("empty set", func(t *testing.T) {
		t.Parallel()
		_, err := c.Assemble(nil)
		assert.ErrorIs(t, err, ErrAssembly)
	})

	t.Run("missing middle chunk", func(t *testing.T) {
		t.Parallel()
		chunks, err := c.Split(data, 1024)
		require.NoError(t, err)

		gapped := append(chunks[:1:1], chunks[2:]...)
		_, err = c.Assemble(gapped)
		assert.ErrorIs(t, err, ErrAssembly)
	})

	t.Run("duplicate index", func(t *testing.T) {
		t.Parallel()
		chunks, err := c.Split(data, 1024)
		require.NoError(t, err)

		dup := append(chunks[:3:3], chunks[2])
		_, err = c.Assemble(dup)
		assert.ErrorIs(t, err, ErrAssembly)
	})

	t.Run("corrupt chunk is not skipped", func(t *testing.T) {
		t.Parallel()
		chunks, err := c.Split(data, 1024)
		require.NoError(t, err)

		chunks[2].Data[100] ^= 0x01
		_, err = c.Assemble(chunks)
		assert.ErrorIs(t, err, ErrAssembly)
	})
}

func TestCheckIntegrity_SingleBitFlip(t *testing.T) {
	t.Parallel()

	c, err := New(testKey(t))
	require.NoError(t, err)

	chunks, err := c.Split([]byte("integrity covers nonce, ciphertext, and tag"), 1024)
	require.NoError(t, err)
	chunk := chunks[0]
	require.True(t, CheckIntegrity(chunk))

	// Flip one bit in each region of the stored blob: nonce, ciphertext, tag
	offsets := []int{0, NonceSize + 1, len(chunk.Data) - 1}
	for _, off := range offsets {
		chunk.Data[off] ^= 0x80
		assert.False(t, CheckIntegrity(chunk), "bit flip at offset %d must break the hash", off)
		chunk.Data[off] ^= 0x80
	}
	assert.True(t, CheckIntegrity(chunk))
}

func TestSplit_NonceUniqueness(t *testing.T) {
	t.Parallel()

	c, err := New(testKey(t))
	require.NoError(t, err)

	data := bytes.Repeat([]byte("n"), 64)
	seen := make(map[string]bool)
	for i := 0; i < 2000; i++ {
		chunks, err := c.Split(data, 64)
		require.NoError(t, err)

		nonce := hex.EncodeToString(chunks[0].Data[:NonceSize])
		require.False(t, seen[nonce], "nonce collision after %d encryptions", i)
		seen[nonce] = true
	}
}

func TestSplit_DeterministicWithoutEncryption(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("deterministic"), 512)
	c := NewPlaintext()

	a, err := c.Split(data, 777)
	require.NoError(t, err)
	b, err := c.Split(data, 777)
	require.NoError(t, err)

	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].Hash, b[i].Hash)
		assert.Equal(t, a[i].ID, b[i].ID)
	}
}
