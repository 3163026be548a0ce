// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// File owns an ordered chunk list. Chunk order is significant: reassembly
// is index order, not arrival order.
type File struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Size       uint64               `json:"size"`
	Created    time.Time            `json:"created"`
	Modified   time.Time            `json:"modified"`
	ChunkIDs   []ChunkID            `json:"chunks"`
	Redundancy RedundancyPreference `json:"redundancy"`
}

// FileMeta is the stable boundary representation of a file.
type FileMeta struct {
	ID      string    `json:"id"`
	Chunks  []ChunkID `json:"chunks"`
	Size    uint64    `json:"size"`
	Created time.Time `json:"created"`
}

// FileStatus reports the replication health of a stored file.
type FileStatus struct {
	FileID          string    `json:"file_id"`
	Chunks          int       `json:"chunks"`
	NodesStoring    int       `json:"nodes_storing"`
	RedundancyLevel uint      `json:"redundancy_level"` // Lowest replica count across chunks
	Regions         []string  `json:"regions"`
	HealthPercent   float64   `json:"health_percent"` // Live replicas / target replicas
	LastVerified    time.Time `json:"last_verified,omitempty"`
}
