// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package keeper is the file-level custody service: it splits files into
// chunks, places the chunks according to a redundancy preference, and
// reassembles files from whichever replicas still answer.
package keeper

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ShardWorks/keepfs/pkg/codec"
	"github.com/ShardWorks/keepfs/pkg/ledger"
	"github.com/ShardWorks/keepfs/pkg/logger"
	"github.com/ShardWorks/keepfs/pkg/payment"
	"github.com/ShardWorks/keepfs/pkg/placer"
	"github.com/ShardWorks/keepfs/pkg/registry"
	"github.com/ShardWorks/keepfs/pkg/transport"
	"github.com/ShardWorks/keepfs/pkg/types"
	"github.com/ShardWorks/keepfs/pkg/utils"

	"github.com/google/uuid"
)

// DefaultTransferTimeout bounds one chunk transfer to one node.
const DefaultTransferTimeout = time.Minute

var (
	// ErrFileNotFound means the file ID is unknown to this keeper.
	ErrFileNotFound = errors.New("file not found")

	// ErrChunkUnavailable means no replica of a chunk could supply intact
	// bytes. The file cannot be reassembled until recovery restores one.
	ErrChunkUnavailable = errors.New("no replica returned intact chunk bytes")
)

// Config configures a Keeper.
type Config struct {
	Codec     *codec.Codec
	Registry  *registry.Registry
	Ledger    *ledger.Ledger
	Planner   *placer.Planner
	Transport transport.Transport
	Oracle    payment.Oracle
	Store     *BoltStore // Optional file metadata persistence

	ChunkSize       uint64        // 0 means types.DefaultChunkSize
	TransferTimeout time.Duration // 0 means DefaultTransferTimeout
}

// Keeper coordinates chunk placement and retrieval for whole files.
type Keeper struct {
	codec     *codec.Codec
	registry  *registry.Registry
	ledger    *ledger.Ledger
	planner   *placer.Planner
	transport transport.Transport
	oracle    payment.Oracle
	store     *BoltStore

	chunkSize       uint64
	transferTimeout time.Duration

	mu    sync.RWMutex
	files map[string]*types.File
}

// New creates a keeper, loading persisted file metadata when a store is set.
func New(cfg Config) (*Keeper, error) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = types.DefaultChunkSize
	}
	if cfg.TransferTimeout == 0 {
		cfg.TransferTimeout = DefaultTransferTimeout
	}

	k := &Keeper{
		codec:           cfg.Codec,
		registry:        cfg.Registry,
		ledger:          cfg.Ledger,
		planner:         cfg.Planner,
		transport:       cfg.Transport,
		oracle:          cfg.Oracle,
		store:           cfg.Store,
		chunkSize:       cfg.ChunkSize,
		transferTimeout: cfg.TransferTimeout,
		files:           make(map[string]*types.File),
	}

	if k.store != nil {
		files, err := k.store.LoadFiles()
		if err != nil {
			return nil, fmt.Errorf("load file metadata: %w", err)
		}
		for _, f := range files {
			k.files[f.ID] = f
		}
	}
	return k, nil
}

// StoreFile chunks data, places every chunk per the redundancy preference,
// and records the file. Placement is per-chunk all-or-floor: a chunk that
// cannot reach the absolute replica floor fails the whole store, and
// already-placed chunks are cleaned up.
func (k *Keeper) StoreFile(ctx context.Context, name string, data []byte, pref types.RedundancyPreference) (*types.File, error) {
	tier, err := pref.Resolve()
	if err != nil {
		return nil, err
	}

	chunks, err := k.codec.Split(data, k.chunkSize)
	if err != nil {
		return nil, err
	}

	file := &types.File{
		ID:         uuid.New().String(),
		Name:       name,
		Size:       uint64(len(data)),
		Created:    time.Now(),
		Modified:   time.Now(),
		ChunkIDs:   make([]types.ChunkID, 0, len(chunks)),
		Redundancy: pref,
	}

	placed := make([]types.ChunkID, 0, len(chunks))
	for _, chunk := range chunks {
		if err := k.placeChunk(ctx, chunk, pref, tier); err != nil {
			k.cleanupChunks(context.WithoutCancel(ctx), placed)
			return nil, fmt.Errorf("place chunk %d of %q: %w", chunk.Index, name, err)
		}
		placed = append(placed, chunk.ID)
		file.ChunkIDs = append(file.ChunkIDs, chunk.ID)
	}

	k.mu.Lock()
	k.files[file.ID] = file
	k.mu.Unlock()
	if err := k.persist(file); err != nil {
		logger.Warn().Err(err).Str("file", file.ID).Msg("keeper: file metadata persistence failed")
	}

	filesStored.Inc()
	bytesStored.Add(float64(len(data)))
	logger.Info().
		Str("file", file.ID).
		Str("name", name).
		Uint64("size", file.Size).
		Int("chunks", len(chunks)).
		Str("tier", string(tier.Name)).
		Msg("keeper: file stored")
	return file, nil
}

// RetrieveFile reassembles a stored file from intact replicas.
func (k *Keeper) RetrieveFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := k.GetFile(fileID)
	if err != nil {
		return nil, err
	}

	chunks := make([]*types.Chunk, 0, len(file.ChunkIDs))
	for i, chunkID := range file.ChunkIDs {
		blob, err := k.ChunkBlob(ctx, chunkID)
		if err != nil {
			return nil, fmt.Errorf("chunk %d of file %s: %w", i, fileID, err)
		}
		chunks = append(chunks, &types.Chunk{
			ID:        chunkID,
			Index:     uint32(i),
			Data:      blob,
			Hash:      chunkID.String(),
			Size:      uint64(len(blob)),
			Encrypted: k.codec.Encrypts(),
		})
	}

	data, err := k.codec.Assemble(chunks)
	if err != nil {
		return nil, err
	}
	filesRetrieved.Inc()
	return data, nil
}

// DeleteFile removes a file: replicas are deleted best-effort, the ledger
// forgets the chunks, and node capacity is released.
func (k *Keeper) DeleteFile(ctx context.Context, fileID string) error {
	file, err := k.GetFile(fileID)
	if err != nil {
		return err
	}

	k.cleanupChunks(ctx, file.ChunkIDs)

	k.mu.Lock()
	delete(k.files, fileID)
	k.mu.Unlock()
	if k.store != nil {
		if err := k.store.DeleteFile(fileID); err != nil {
			logger.Warn().Err(err).Str("file", fileID).Msg("keeper: metadata delete failed")
		}
	}

	logger.Info().Str("file", fileID).Msg("keeper: file deleted")
	return nil
}

// FileStatus reports the replication health of a stored file.
func (k *Keeper) FileStatus(ctx context.Context, fileID string) (*types.FileStatus, error) {
	file, err := k.GetFile(fileID)
	if err != nil {
		return nil, err
	}

	status := &types.FileStatus{
		FileID: fileID,
		Chunks: len(file.ChunkIDs),
	}

	nodes := make(map[string]struct{})
	regions := make(map[string]struct{})
	var liveTotal, targetTotal uint
	minCopies := ^uint(0)

	for _, chunkID := range file.ChunkIDs {
		entry, err := k.ledger.Get(chunkID)
		if err != nil {
			minCopies = 0
			continue
		}

		copies := uint(len(entry.Nodes))
		liveTotal += copies
		targetTotal += entry.Target.Copies
		if copies < minCopies {
			minCopies = copies
		}
		if status.LastVerified.IsZero() || entry.LastVerified.Before(status.LastVerified) {
			status.LastVerified = entry.LastVerified
		}

		for nodeID := range entry.Nodes {
			nodes[nodeID] = struct{}{}
			if node, ok := k.registry.Get(nodeID); ok {
				regions[node.Region] = struct{}{}
			}
		}
	}

	if len(file.ChunkIDs) == 0 || minCopies == ^uint(0) {
		minCopies = 0
	}
	status.NodesStoring = len(nodes)
	status.RedundancyLevel = minCopies
	for region := range regions {
		status.Regions = append(status.Regions, region)
	}
	if targetTotal > 0 {
		status.HealthPercent = 100 * float64(liveTotal) / float64(targetTotal)
		if status.HealthPercent > 100 {
			status.HealthPercent = 100
		}
	}
	return status, nil
}

// GetFile returns a file's metadata.
func (k *Keeper) GetFile(fileID string) (*types.File, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	file, ok := k.files[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	c := *file
	c.ChunkIDs = append([]types.ChunkID(nil), file.ChunkIDs...)
	return &c, nil
}

// ListFiles returns metadata for every stored file.
func (k *Keeper) ListFiles() []*types.FileMeta {
	k.mu.RLock()
	defer k.mu.RUnlock()
	result := make([]*types.FileMeta, 0, len(k.files))
	for _, f := range k.files {
		result = append(result, &types.FileMeta{
			ID:      f.ID,
			Chunks:  append([]types.ChunkID(nil), f.ChunkIDs...),
			Size:    f.Size,
			Created: f.Created,
		})
	}
	return result
}

// ChunkBlob fetches a chunk's stored bytes from the first replica whose
// copy matches the content hash. Serves the verification engine as its
// reference-bytes source.
func (k *Keeper) ChunkBlob(ctx context.Context, chunkID types.ChunkID) ([]byte, error) {
	replicas, err := k.ledger.Replicas(chunkID)
	if err != nil {
		return nil, err
	}

	for _, nodeID := range replicas {
		node, ok := k.registry.Get(nodeID)
		if !ok || node.State != types.NodeActive {
			continue
		}

		fetchCtx, cancel := context.WithTimeout(ctx, k.transferTimeout)
		blob, err := k.transport.Fetch(fetchCtx, node, chunkID)
		cancel()
		if err != nil {
			logger.Debug().Err(err).Str("chunk", chunkID.String()).Str("node", nodeID).
				Msg("keeper: replica fetch failed")
			continue
		}

		sum := utils.Sha256Sum(blob)
		if hex.EncodeToString(sum[:]) != chunkID.String() {
			logger.Warn().Str("chunk", chunkID.String()).Str("node", nodeID).
				Msg("keeper: replica returned corrupt bytes")
			continue
		}
		return blob, nil
	}
	return nil, fmt.Errorf("%w: chunk %s", ErrChunkUnavailable, chunkID)
}

// placeChunk stores one chunk on its planned nodes and records the
// placement. Fails when fewer than the absolute floor accept the chunk.
func (k *Keeper) placeChunk(ctx context.Context, chunk *types.Chunk, pref types.RedundancyPreference, tier types.Tier) (err error) {
	plan, err := k.planner.CreatePlan(ctx, chunk.ID, pref)
	if err != nil {
		return err
	}

	stored := make([]string, 0, len(plan.TargetNodes))
	for _, node := range plan.TargetNodes {
		storeCtx, cancel := context.WithTimeout(ctx, k.transferTimeout)
		storeErr := k.transport.Store(storeCtx, node, chunk.ID, chunk.Data)
		cancel()
		if storeErr != nil {
			logger.Warn().Err(storeErr).
				Str("chunk", chunk.ID.String()).
				Str("node", node.ID).
				Msg("keeper: chunk store failed")
			continue
		}
		stored = append(stored, node.ID)
		if err := k.registry.ReserveCapacity(node.ID, chunk.Size); err != nil && !errors.Is(err, registry.ErrNodeNotFound) {
			logger.Warn().Err(err).Str("node", node.ID).Msg("keeper: capacity update failed")
		}
	}

	if uint(len(stored)) < types.AbsoluteFloor {
		for _, nodeID := range stored {
			k.deleteReplica(ctx, nodeID, chunk.ID, chunk.Size)
		}
		placementFailures.Inc()
		return fmt.Errorf("%w: only %d of %d placements succeeded",
			placer.ErrInsufficientNodes, len(stored), plan.RedundancyLevel)
	}

	target := ledger.Target{Tier: tier.Name, Copies: tier.Copies, Regions: tier.Regions}
	if err := k.ledger.RecordPlacement(ctx, chunk.ID, stored, target, chunk.Size); err != nil {
		return err
	}

	perNode := plan.EstimatedCost / float64(len(stored))
	for _, nodeID := range stored {
		if err := k.oracle.Charge(ctx, nodeID, perNode, "chunk_storage"); err != nil {
			logger.Warn().Err(err).Str("node", nodeID).Msg("keeper: storage charge failed")
		}
	}

	chunksPlaced.Add(float64(len(stored)))
	return nil
}

// cleanupChunks deletes replicas and forgets ledger entries, best-effort.
func (k *Keeper) cleanupChunks(ctx context.Context, chunkIDs []types.ChunkID) {
	for _, chunkID := range chunkIDs {
		entry, err := k.ledger.Get(chunkID)
		if err != nil {
			continue
		}
		for nodeID := range entry.Nodes {
			k.deleteReplica(ctx, nodeID, chunkID, entry.SizeBytes)
		}
		if err := k.ledger.Forget(chunkID); err != nil {
			logger.Warn().Err(err).Str("chunk", chunkID.String()).Msg("keeper: ledger forget failed")
		}
	}
}

func (k *Keeper) deleteReplica(ctx context.Context, nodeID string, chunkID types.ChunkID, size uint64) {
	node, ok := k.registry.Get(nodeID)
	if !ok {
		return
	}
	delCtx, cancel := context.WithTimeout(ctx, k.transferTimeout)
	defer cancel()
	if err := k.transport.Delete(delCtx, node, chunkID); err != nil {
		logger.Debug().Err(err).Str("chunk", chunkID.String()).Str("node", nodeID).
			Msg("keeper: replica delete failed")
		return
	}
	if err := k.registry.ReleaseCapacity(nodeID, size); err != nil && !errors.Is(err, registry.ErrNodeNotFound) {
		logger.Warn().Err(err).Str("node", nodeID).Msg("keeper: capacity release failed")
	}
}

func (k *Keeper) persist(file *types.File) error {
	if k.store == nil {
		return nil
	}
	return k.store.SaveFile(file)
}
