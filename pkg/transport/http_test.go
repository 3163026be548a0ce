// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ShardWorks/keepfs/pkg/types"
	"github.com/ShardWorks/keepfs/pkg/utils"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStorageNode serves the chunk endpoints a real storage node exposes.
type fakeStorageNode struct {
	mu     sync.Mutex
	chunks map[string][]byte
}

func newFakeStorageNode(t *testing.T) (*fakeStorageNode, *types.StorageNode) {
	t.Helper()
	n := &fakeStorageNode{chunks: make(map[string][]byte)}

	r := mux.NewRouter()
	r.HandleFunc("/chunks/{id}", n.put).Methods(http.MethodPut)
	r.HandleFunc("/chunks/{id}", n.get).Methods(http.MethodGet)
	r.HandleFunc("/chunks/{id}", n.delete).Methods(http.MethodDelete)
	r.HandleFunc("/chunks/{id}/challenge", n.challenge).Methods(http.MethodPost)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return n, &types.StorageNode{ID: "edge-1", Endpoint: srv.URL}
}

func (n *fakeStorageNode) put(w http.ResponseWriter, r *http.Request) {
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	n.mu.Lock()
	n.chunks[mux.Vars(r)["id"]] = blob
	n.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (n *fakeStorageNode) get(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	blob, ok := n.chunks[mux.Vars(r)["id"]]
	n.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Write(blob)
}

func (n *fakeStorageNode) delete(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	delete(n.chunks, mux.Vars(r)["id"])
	n.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (n *fakeStorageNode) challenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Nonce string `json:"nonce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	nonce, err := hex.DecodeString(req.Nonce)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	blob, ok := n.chunks[mux.Vars(r)["id"]]
	n.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	sum := utils.Sha256Sum(blob, nonce)
	json.NewEncoder(w).Encode(map[string]string{"digest": hex.EncodeToString(sum[:])})
}

func TestHTTPTransport_StoreFetchDelete(t *testing.T) {
	t.Parallel()
	_, node := newFakeStorageNode(t)
	tr := NewHTTPTransport(5 * time.Second)
	ctx := context.Background()
	chunk := types.ChunkID("c1")
	blob := []byte("chunk payload")

	require.NoError(t, tr.Store(ctx, node, chunk, blob))

	got, err := tr.Fetch(ctx, node, chunk)
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	require.NoError(t, tr.Delete(ctx, node, chunk))

	_, err = tr.Fetch(ctx, node, chunk)
	assert.ErrorIs(t, err, ErrChunkNotStored)

	// Deleting an already absent chunk is not an error.
	assert.NoError(t, tr.Delete(ctx, node, chunk))
}

func TestHTTPTransport_Challenge(t *testing.T) {
	t.Parallel()
	_, node := newFakeStorageNode(t)
	tr := NewHTTPTransport(5 * time.Second)
	ctx := context.Background()
	chunk := types.ChunkID("c1")
	blob := []byte("chunk payload")
	nonce := []byte("0123456789abcdef0123456789abcdef")

	require.NoError(t, tr.Store(ctx, node, chunk, blob))

	digest, err := tr.Challenge(ctx, node, chunk, nonce)
	require.NoError(t, err)

	want := utils.Sha256Sum(blob, nonce)
	assert.Equal(t, want[:], digest)

	_, err = tr.Challenge(ctx, node, types.ChunkID("missing"), nonce)
	assert.ErrorIs(t, err, ErrChunkNotStored)
}

func TestHTTPTransport_UnreachableNode(t *testing.T) {
	t.Parallel()
	tr := NewHTTPTransport(time.Second)
	node := &types.StorageNode{ID: "gone", Endpoint: "http://127.0.0.1:1"}

	err := tr.Store(context.Background(), node, types.ChunkID("c1"), []byte("x"))
	assert.ErrorIs(t, err, ErrNodeUnreachable)

	_, err = tr.Fetch(context.Background(), node, types.ChunkID("c1"))
	assert.ErrorIs(t, err, ErrNodeUnreachable)
}
