// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package placer turns a redundancy preference into a concrete
// distribution plan: which nodes, in which regions, at what cost.
//
// Selection is region-diversity-first, then reliability-greedy. Preferred
// regions get an even share of slots before the greedy passes so user
// intent is honored before reliability maximization dilutes it.
package placer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShardWorks/keepfs/pkg/logger"
	"github.com/ShardWorks/keepfs/pkg/payment"
	"github.com/ShardWorks/keepfs/pkg/registry"
	"github.com/ShardWorks/keepfs/pkg/types"
)

// DefaultBaseCostPerChunk is the cost of one chunk at cost multiplier 1.0.
const DefaultBaseCostPerChunk = 1.0

var (
	// ErrInsufficientCapacity means the caller cannot afford the tier.
	// A policy violation; never retried.
	ErrInsufficientCapacity = errors.New("insufficient payment capacity")

	// ErrInsufficientNodes means fewer eligible nodes exist than the
	// absolute replica floor. A supply shortfall; the caller may retry
	// once more nodes join.
	ErrInsufficientNodes = errors.New("insufficient eligible nodes")
)

// Planner produces distribution plans from the live node table and the
// payment capacity oracle. The planner never performs payment itself.
type Planner struct {
	registry     *registry.Registry
	oracle       payment.Oracle
	baseCost     float64
	minNodeBytes uint64
}

// Config configures a Planner.
type Config struct {
	Registry         *registry.Registry
	Oracle           payment.Oracle
	BaseCostPerChunk float64 // 0 means DefaultBaseCostPerChunk
	MinNodeBytes     uint64  // Minimum free bytes a node needs to be considered
}

// New creates a planner.
func New(cfg Config) *Planner {
	baseCost := cfg.BaseCostPerChunk
	if baseCost == 0 {
		baseCost = DefaultBaseCostPerChunk
	}
	return &Planner{
		registry:     cfg.Registry,
		oracle:       cfg.Oracle,
		baseCost:     baseCost,
		minNodeBytes: cfg.MinNodeBytes,
	}
}

// CreatePlan selects target nodes for one chunk. Deterministic for a fixed
// eligible-node snapshot: the registry returns nodes sorted by reliability
// descending and selection only ever walks that order.
func (p *Planner) CreatePlan(ctx context.Context, chunkID types.ChunkID, pref types.RedundancyPreference) (*types.DistributionPlan, error) {
	tier, err := pref.Resolve()
	if err != nil {
		return nil, err
	}

	cost := p.baseCost * tier.CostMultiplier
	if p.oracle != nil && !p.oracle.CanAfford(cost) {
		return nil, fmt.Errorf("%w: tier %s costs %.2f", ErrInsufficientCapacity, tier.Name, cost)
	}

	eligible := p.registry.FindNodes(registry.Criteria{MinAvailableBytes: p.minNodeBytes})
	if len(eligible) < types.AbsoluteFloor {
		return nil, fmt.Errorf("%w: %d eligible, need at least %d",
			ErrInsufficientNodes, len(eligible), types.AbsoluteFloor)
	}

	selected := p.selectNodes(eligible, tier, pref.PreferredRegions, nil)
	if len(selected) < types.AbsoluteFloor {
		// Never return a partial plan below the floor
		return nil, fmt.Errorf("%w: selected %d, floor is %d",
			ErrInsufficientNodes, len(selected), types.AbsoluteFloor)
	}

	plan := buildPlan(chunkID, selected, cost)
	plansCreated.Inc()
	logger.Debug().
		Str("chunk", chunkID.String()).
		Int("nodes", len(plan.TargetNodes)).
		Int("regions", len(plan.Regions)).
		Float64("cost", plan.EstimatedCost).
		Msg("placer: created plan")
	return plan, nil
}

// PlanRepair selects up to deficit replacement nodes for an
// under-replicated chunk, excluding nodes that already hold a replica.
// Repair cost is the per-copy share of the tier cost.
func (p *Planner) PlanRepair(ctx context.Context, chunkID types.ChunkID, tier types.Tier, deficit int, exclude map[string]struct{}) (*types.DistributionPlan, error) {
	if deficit <= 0 {
		return nil, fmt.Errorf("repair deficit must be positive, got %d", deficit)
	}

	cost := p.baseCost * tier.CostMultiplier * float64(deficit) / float64(tier.Copies)
	if p.oracle != nil && !p.oracle.CanAfford(cost) {
		return nil, fmt.Errorf("%w: repair of %d copies costs %.2f", ErrInsufficientCapacity, deficit, cost)
	}

	var eligible []*types.StorageNode
	for _, n := range p.registry.FindNodes(registry.Criteria{MinAvailableBytes: p.minNodeBytes}) {
		if _, held := exclude[n.ID]; held {
			continue
		}
		eligible = append(eligible, n)
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: no replacement nodes outside current replica set", ErrInsufficientNodes)
	}

	repairTier := tier
	repairTier.Copies = uint(deficit)
	selected := p.selectNodes(eligible, repairTier, nil, exclude)

	plan := buildPlan(chunkID, selected, cost)
	repairPlansCreated.Inc()
	return plan, nil
}

// selectNodes implements the slot-filling order:
//  1. an even share (copies/regions) of slots to each preferred region,
//     skipping regions with no eligible nodes;
//  2. the most reliable node from each not-yet-represented region until
//     the region target is covered or no new regions remain;
//  3. the most reliable remaining nodes regardless of region.
//
// eligible must be sorted reliability-descending.
func (p *Planner) selectNodes(eligible []*types.StorageNode, tier types.Tier, preferredRegions []string, exclude map[string]struct{}) []*types.StorageNode {
	targetCopies := int(tier.Copies)
	targetRegions := int(tier.Regions)

	byRegion := make(map[string][]*types.StorageNode)
	for _, n := range eligible {
		byRegion[n.Region] = append(byRegion[n.Region], n)
	}

	var selected []*types.StorageNode
	picked := make(map[string]struct{}, targetCopies)
	usedRegions := make(map[string]struct{})

	take := func(n *types.StorageNode) {
		selected = append(selected, n)
		picked[n.ID] = struct{}{}
		usedRegions[n.Region] = struct{}{}
	}

	// Pass 1: even share per preferred region
	if len(preferredRegions) > 0 && targetRegions > 0 {
		share := targetCopies / targetRegions
		for _, region := range preferredRegions {
			for _, n := range byRegion[region] {
				if len(selected) >= targetCopies {
					break
				}
				if regionCount(selected, region) >= share {
					break
				}
				if _, ok := picked[n.ID]; ok {
					continue
				}
				take(n)
			}
		}
	}

	// Pass 2: cover region diversity, best node per new region
	for len(selected) < targetCopies && len(usedRegions) < targetRegions {
		var next *types.StorageNode
		for _, n := range eligible {
			if _, ok := picked[n.ID]; ok {
				continue
			}
			if _, ok := usedRegions[n.Region]; ok {
				continue
			}
			next = n
			break
		}
		if next == nil {
			break // no new regions remain
		}
		take(next)
	}

	// Pass 3: fill by reliability regardless of region
	for _, n := range eligible {
		if len(selected) >= targetCopies {
			break
		}
		if _, ok := picked[n.ID]; ok {
			continue
		}
		take(n)
	}

	return selected
}

func regionCount(nodes []*types.StorageNode, region string) int {
	count := 0
	for _, n := range nodes {
		if n.Region == region {
			count++
		}
	}
	return count
}

func buildPlan(chunkID types.ChunkID, selected []*types.StorageNode, cost float64) *types.DistributionPlan {
	regionSet := make(map[string]struct{})
	var regions []string
	for _, n := range selected {
		if _, ok := regionSet[n.Region]; !ok {
			regionSet[n.Region] = struct{}{}
			regions = append(regions, n.Region)
		}
	}

	return &types.DistributionPlan{
		ChunkID:         chunkID,
		TargetNodes:     selected,
		RedundancyLevel: uint(len(selected)),
		Regions:         regions,
		EstimatedCost:   cost,
	}
}
