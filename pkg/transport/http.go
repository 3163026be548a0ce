// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ShardWorks/keepfs/pkg/types"
)

// HTTPTransport talks to storage nodes over plain HTTP:
//
//	PUT    {endpoint}/chunks/{id}            store blob
//	GET    {endpoint}/chunks/{id}            fetch blob
//	DELETE {endpoint}/chunks/{id}            drop blob
//	POST   {endpoint}/chunks/{id}/challenge  {"nonce": hex} -> {"digest": hex}
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport with the given overall timeout.
// Per-call ctx deadlines still apply on top.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
	}
}

var _ Transport = (*HTTPTransport)(nil)

func (t *HTTPTransport) Store(ctx context.Context, node *types.StorageNode, chunkID types.ChunkID, blob []byte) error {
	url := fmt.Sprintf("%s/chunks/%s", node.Endpoint, chunkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("store chunk: node %s returned %d: %s", node.ID, resp.StatusCode, body)
	}
	return nil
}

func (t *HTTPTransport) Fetch(ctx context.Context, node *types.StorageNode, chunkID types.ChunkID) ([]byte, error) {
	url := fmt.Sprintf("%s/chunks/%s", node.Endpoint, chunkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrChunkNotStored
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch chunk: node %s returned %d", node.ID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (t *HTTPTransport) Delete(ctx context.Context, node *types.StorageNode, chunkID types.ChunkID) error {
	url := fmt.Sprintf("%s/chunks/%s", node.Endpoint, chunkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete chunk: node %s returned %d", node.ID, resp.StatusCode)
	}
	return nil
}

type challengeRequest struct {
	Nonce string `json:"nonce"`
}

type challengeResponse struct {
	Digest string `json:"digest"`
}

func (t *HTTPTransport) Challenge(ctx context.Context, node *types.StorageNode, chunkID types.ChunkID, nonce []byte) ([]byte, error) {
	payload, err := json.Marshal(challengeRequest{Nonce: hex.EncodeToString(nonce)})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chunks/%s/challenge", node.Endpoint, chunkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrChunkNotStored
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("challenge: node %s returned %d", node.ID, resp.StatusCode)
	}

	var cr challengeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decode challenge response: %w", err)
	}
	return hex.DecodeString(cr.Digest)
}
