// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package placer

import (
	"context"
	"fmt"
	"testing"

	"github.com/ShardWorks/keepfs/pkg/payment"
	"github.com/ShardWorks/keepfs/pkg/registry"
	"github.com/ShardWorks/keepfs/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPool announces count nodes spread round-robin across regions,
// with reliability descending by node index.
func newTestPool(t *testing.T, count int, regions []string) *registry.Registry {
	t.Helper()
	r, err := registry.New(registry.Config{})
	require.NoError(t, err)
	for i := 0; i < count; i++ {
		require.NoError(t, r.Announce(&types.StorageNode{
			ID:             fmt.Sprintf("node-%02d", i),
			Region:         regions[i%len(regions)],
			CapacityBytes:  1 << 30,
			AvailableBytes: 1 << 30,
			Reliability:    1.0 - float64(i)*0.01,
		}))
	}
	return r
}

func regionsOf(nodes []*types.StorageNode) map[string]int {
	counts := make(map[string]int)
	for _, n := range nodes {
		counts[n.Region]++
	}
	return counts
}

func TestCreatePlan_StandardTier(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, 30, []string{"eu-west", "us-east", "ap-south", "us-west", "eu-north"})
	p := New(Config{Registry: pool, Oracle: payment.NewFixedOracle(100)})

	plan, err := p.CreatePlan(context.Background(), types.ChunkID("c1"), types.RedundancyPreference{Tier: types.TierStandard})
	require.NoError(t, err)

	assert.Len(t, plan.TargetNodes, 15)
	assert.Equal(t, uint(15), plan.RedundancyLevel)
	assert.GreaterOrEqual(t, len(plan.Regions), 4)
	assert.InDelta(t, DefaultBaseCostPerChunk*1.8, plan.EstimatedCost, 1e-9)
}

func TestCreatePlan_PrefersReliableNodes(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, 20, []string{"eu-west", "us-east"})
	p := New(Config{Registry: pool, Oracle: payment.NewFixedOracle(100)})

	plan, err := p.CreatePlan(context.Background(), types.ChunkID("c1"), types.RedundancyPreference{Tier: types.TierMinimum})
	require.NoError(t, err)

	// Minimum tier asks for 5 copies over 2 regions; with two regions in
	// the pool, diversity is satisfied immediately and the greedy pass
	// takes the most reliable nodes in order.
	require.Len(t, plan.TargetNodes, 5)
	for i, n := range plan.TargetNodes {
		assert.Equal(t, fmt.Sprintf("node-%02d", i), n.ID)
	}
}

func TestCreatePlan_RegionDiversity(t *testing.T) {
	t.Parallel()
	// The top 5 most reliable nodes all sit in one region; the plan still
	// has to cover a second region.
	r, err := registry.New(registry.Config{})
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		region := "eu-west"
		if i >= 5 {
			region = "us-east"
		}
		require.NoError(t, r.Announce(&types.StorageNode{
			ID:             fmt.Sprintf("node-%02d", i),
			Region:         region,
			CapacityBytes:  1 << 30,
			AvailableBytes: 1 << 30,
			Reliability:    1.0 - float64(i)*0.01,
		}))
	}
	p := New(Config{Registry: r, Oracle: payment.NewFixedOracle(100)})

	plan, err := p.CreatePlan(context.Background(), types.ChunkID("c1"), types.RedundancyPreference{Tier: types.TierMinimum})
	require.NoError(t, err)

	counts := regionsOf(plan.TargetNodes)
	assert.Len(t, counts, 2)
	assert.Equal(t, 1, counts["us-east"], "diversity pass takes one node from the second region")
	assert.Equal(t, 4, counts["eu-west"])
}

func TestCreatePlan_PreferredRegionsGetEvenShare(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, 30, []string{"eu-west", "us-east", "ap-south"})
	p := New(Config{Registry: pool, Oracle: payment.NewFixedOracle(100)})

	plan, err := p.CreatePlan(context.Background(), types.ChunkID("c1"), types.RedundancyPreference{
		Tier:             types.TierStandard,
		PreferredRegions: []string{"ap-south"},
	})
	require.NoError(t, err)

	counts := regionsOf(plan.TargetNodes)
	// Standard is 15 copies over 4 regions: the even share is 3 slots.
	assert.GreaterOrEqual(t, counts["ap-south"], 3)
	assert.Len(t, plan.TargetNodes, 15)
}

func TestCreatePlan_InsufficientNodes(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, types.AbsoluteFloor-1, []string{"eu-west", "us-east"})
	p := New(Config{Registry: pool, Oracle: payment.NewFixedOracle(100)})

	_, err := p.CreatePlan(context.Background(), types.ChunkID("c1"), types.RedundancyPreference{Tier: types.TierMinimum})
	assert.ErrorIs(t, err, ErrInsufficientNodes)
}

func TestCreatePlan_InsufficientCapacity(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, 10, []string{"eu-west", "us-east"})
	p := New(Config{Registry: pool, Oracle: payment.NewFixedOracle(0.5)})

	_, err := p.CreatePlan(context.Background(), types.ChunkID("c1"), types.RedundancyPreference{Tier: types.TierMinimum})
	assert.ErrorIs(t, err, ErrInsufficientCapacity)
}

func TestCreatePlan_InvalidPreference(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, 10, []string{"eu-west", "us-east"})
	p := New(Config{Registry: pool, Oracle: payment.NewFixedOracle(100)})

	_, err := p.CreatePlan(context.Background(), types.ChunkID("c1"), types.RedundancyPreference{
		Tier:         types.TierCustom,
		CustomCopies: 2,
	})
	assert.ErrorIs(t, err, types.ErrInvalidRedundancy)
}

func TestPlanRepair_ExcludesCurrentHolders(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, 12, []string{"eu-west", "us-east", "ap-south"})
	p := New(Config{Registry: pool, Oracle: payment.NewFixedOracle(100)})

	exclude := map[string]struct{}{
		"node-00": {},
		"node-01": {},
		"node-02": {},
	}
	tier, _ := types.TierByName(types.TierMinimum)

	plan, err := p.PlanRepair(context.Background(), types.ChunkID("c1"), tier, 2, exclude)
	require.NoError(t, err)

	require.Len(t, plan.TargetNodes, 2)
	for _, n := range plan.TargetNodes {
		_, held := exclude[n.ID]
		assert.False(t, held, "repair must not target a node that already holds the chunk")
	}

	// Repair cost is the per-copy share: base * 1.0 * 2/5.
	assert.InDelta(t, DefaultBaseCostPerChunk*2.0/5.0, plan.EstimatedCost, 1e-9)
}

func TestPlanRepair_Errors(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, 3, []string{"eu-west"})
	p := New(Config{Registry: pool, Oracle: payment.NewFixedOracle(100)})
	tier, _ := types.TierByName(types.TierMinimum)

	_, err := p.PlanRepair(context.Background(), types.ChunkID("c1"), tier, 0, nil)
	assert.Error(t, err)

	everyone := map[string]struct{}{"node-00": {}, "node-01": {}, "node-02": {}}
	_, err = p.PlanRepair(context.Background(), types.ChunkID("c1"), tier, 1, everyone)
	assert.ErrorIs(t, err, ErrInsufficientNodes)
}
