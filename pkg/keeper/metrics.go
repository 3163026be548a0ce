// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package keeper

import (
	"github.com/ShardWorks/keepfs/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	filesStored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "keeper",
		Name:      "files_stored_total",
		Help:      "Files successfully stored",
	})

	filesRetrieved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "keeper",
		Name:      "files_retrieved_total",
		Help:      "Files successfully reassembled",
	})

	bytesStored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "keeper",
		Name:      "bytes_stored_total",
		Help:      "Original file bytes accepted for storage",
	})

	chunksPlaced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "keeper",
		Name:      "chunk_replicas_placed_total",
		Help:      "Chunk replicas written during initial placement",
	})

	placementFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "keeper",
		Name:      "placement_failures_total",
		Help:      "Chunk placements that could not reach the replica floor",
	})
)

func init() {
	debug.Registry().MustRegister(
		filesStored,
		filesRetrieved,
		bytesStored,
		chunksPlaced,
		placementFailures,
	)
}
