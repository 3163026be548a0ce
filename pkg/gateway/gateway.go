// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the HTTP surface: file upload and retrieval, node
// registration and heartbeats, and replication status.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ShardWorks/keepfs/pkg/keeper"
	"github.com/ShardWorks/keepfs/pkg/ledger"
	"github.com/ShardWorks/keepfs/pkg/logger"
	"github.com/ShardWorks/keepfs/pkg/placer"
	"github.com/ShardWorks/keepfs/pkg/recovery"
	"github.com/ShardWorks/keepfs/pkg/registry"
	"github.com/ShardWorks/keepfs/pkg/taskqueue"
	"github.com/ShardWorks/keepfs/pkg/types"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
)

// DefaultMaxUploadBytes caps one upload body (256 MiB).
const DefaultMaxUploadBytes = 256 << 20

// Config configures the gateway.
type Config struct {
	Keeper   *keeper.Keeper
	Registry *registry.Registry
	Coord    *recovery.Coordinator
	Queue    taskqueue.Queue

	MaxUploadBytes int64 // 0 means DefaultMaxUploadBytes
}

// Gateway serves the public HTTP API.
type Gateway struct {
	keeper   *keeper.Keeper
	registry *registry.Registry
	coord    *recovery.Coordinator
	queue    taskqueue.Queue

	maxUploadBytes int64
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Gateway{
		keeper:         cfg.Keeper,
		registry:       cfg.Registry,
		coord:          cfg.Coord,
		queue:          cfg.Queue,
		maxUploadBytes: cfg.MaxUploadBytes,
	}
}

// Router builds the HTTP route table.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(g.logRequests)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/files", g.handleStoreFile).Methods(http.MethodPost)
	v1.HandleFunc("/files", g.handleListFiles).Methods(http.MethodGet)
	v1.HandleFunc("/files/{id}", g.handleRetrieveFile).Methods(http.MethodGet)
	v1.HandleFunc("/files/{id}", g.handleDeleteFile).Methods(http.MethodDelete)
	v1.HandleFunc("/files/{id}/status", g.handleFileStatus).Methods(http.MethodGet)

	v1.HandleFunc("/nodes", g.handleAnnounceNode).Methods(http.MethodPost)
	v1.HandleFunc("/nodes", g.handleListNodes).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{id}/heartbeat", g.handleHeartbeat).Methods(http.MethodPost)

	v1.HandleFunc("/recovery/operations", g.handleRecoveryOperations).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/stats", g.handleTaskStats).Methods(http.MethodGet)

	return r
}

// storeFileResponse is returned after a successful upload.
type storeFileResponse struct {
	FileID string          `json:"file_id"`
	Name   string          `json:"name"`
	Size   uint64          `json:"size"`
	Human  string          `json:"size_human"`
	Chunks []types.ChunkID `json:"chunks"`
	Tier   types.TierName  `json:"tier"`
}

func (g *Gateway) handleStoreFile(w http.ResponseWriter, r *http.Request) {
	pref, err := preferenceFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "unnamed"
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	file, err := g.keeper.StoreFile(r.Context(), name, data, pref)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	tier, _ := file.Redundancy.Resolve()
	writeJSON(w, http.StatusCreated, storeFileResponse{
		FileID: file.ID,
		Name:   file.Name,
		Size:   file.Size,
		Human:  humanize.IBytes(file.Size),
		Chunks: file.ChunkIDs,
		Tier:   tier.Name,
	})
}

func (g *Gateway) handleRetrieveFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]

	data, err := g.keeper.RetrieveFile(r.Context(), fileID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	file, err := g.keeper.GetFile(fileID)
	if err == nil && file.Name != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+file.Name+`"`)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (g *Gateway) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]
	if err := g.keeper.DeleteFile(r.Context(), fileID); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.keeper.ListFiles())
}

// fileStatusResponse adds human-readable fields to the raw status.
type fileStatusResponse struct {
	types.FileStatus
	HealthHuman string `json:"health_human"`
}

func (g *Gateway) handleFileStatus(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]

	status, err := g.keeper.FileStatus(r.Context(), fileID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, fileStatusResponse{
		FileStatus:  *status,
		HealthHuman: strconv.FormatFloat(status.HealthPercent, 'f', 1, 64) + "%",
	})
}

func (g *Gateway) handleAnnounceNode(w http.ResponseWriter, r *http.Request) {
	var node types.StorageNode
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := g.registry.Announce(&node); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"node_id": node.ID,
		"state":   string(types.NodeActive),
	})
}

func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	if err := g.registry.MarkSeen(nodeID); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"node_id": nodeID,
		"seen_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// nodeView is the list representation of a registered node.
type nodeView struct {
	ID          string          `json:"id"`
	Region      string          `json:"region"`
	State       types.NodeState `json:"state"`
	Capacity    string          `json:"capacity"`
	Available   string          `json:"available"`
	Reliability float64         `json:"reliability"`
	LastSeen    time.Time       `json:"last_seen"`
}

func (g *Gateway) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := g.registry.List()
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, nodeView{
			ID:          n.ID,
			Region:      n.Region,
			State:       n.State,
			Capacity:    humanize.IBytes(n.CapacityBytes),
			Available:   humanize.IBytes(n.AvailableBytes),
			Reliability: n.Reliability,
			LastSeen:    n.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (g *Gateway) handleRecoveryOperations(w http.ResponseWriter, r *http.Request) {
	if g.coord == nil {
		writeJSON(w, http.StatusOK, []recovery.Operation{})
		return
	}
	writeJSON(w, http.StatusOK, g.coord.Operations())
}

func (g *Gateway) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// preferenceFromQuery reads tier, custom_copies and regions query params.
func preferenceFromQuery(r *http.Request) (types.RedundancyPreference, error) {
	q := r.URL.Query()

	pref := types.RedundancyPreference{Tier: types.TierStandard}
	if tier := q.Get("tier"); tier != "" {
		pref.Tier = types.TierName(tier)
	}
	if copies := q.Get("custom_copies"); copies != "" {
		n, err := strconv.ParseUint(copies, 10, 32)
		if err != nil {
			return pref, errors.New("custom_copies must be a positive integer")
		}
		pref.CustomCopies = uint(n)
	}
	pref.PreferredRegions = q["region"]

	// Validate up front so a bad preference fails before the body is read.
	if _, err := pref.Resolve(); err != nil {
		return pref, err
	}
	return pref, nil
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, keeper.ErrFileNotFound),
		errors.Is(err, registry.ErrNodeNotFound),
		errors.Is(err, ledger.ErrChunkNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidRedundancy):
		return http.StatusBadRequest
	case errors.Is(err, placer.ErrInsufficientCapacity):
		return http.StatusPaymentRequired
	case errors.Is(err, keeper.ErrChunkUnavailable),
		errors.Is(err, placer.ErrInsufficientNodes):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("gateway: response encoding failed")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// logRequests is the access-log middleware.
func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		requestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		requestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("gateway: request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
