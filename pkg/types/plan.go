// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

// DistributionPlan is the chosen node set for one chunk's placement.
// Produced once per placement attempt; immutable; a re-placement supersedes
// the plan rather than mutating it.
type DistributionPlan struct {
	ChunkID         ChunkID        `json:"chunk_id"`
	TargetNodes     []*StorageNode `json:"target_nodes"` // Selection order preserved
	RedundancyLevel uint           `json:"redundancy_level"`
	Regions         []string       `json:"regions"`
	EstimatedCost   float64        `json:"estimated_cost"`
}

// NodeIDs returns the plan's target node IDs in selection order.
func (p *DistributionPlan) NodeIDs() []string {
	ids := make([]string, 0, len(p.TargetNodes))
	for _, n := range p.TargetNodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// HasRegion reports whether the plan covers the given region.
func (p *DistributionPlan) HasRegion(region string) bool {
	for _, r := range p.Regions {
		if r == region {
			return true
		}
	}
	return false
}
