// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShardWorks/keepfs/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(Config{})
	require.NoError(t, err)
	return r
}

func announce(t *testing.T, r *Registry, id, region string, reliability float64) {
	t.Helper()
	require.NoError(t, r.Announce(&types.StorageNode{
		ID:             id,
		Region:         region,
		CapacityBytes:  1 << 30,
		AvailableBytes: 1 << 30,
		Reliability:    reliability,
	}))
}

func TestAnnounce_SetsActiveWithFreshHeartbeat(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	announce(t, r, "n1", "eu-west", 0.9)

	n, ok := r.Get("n1")
	require.True(t, ok)
	assert.Equal(t, types.NodeActive, n.State)
	assert.WithinDuration(t, time.Now(), n.LastSeen, time.Second)

	err := r.Announce(&types.StorageNode{})
	assert.Error(t, err, "empty node ID must be rejected")
}

func TestAnnounce_CapacityOnlyRegistrationIsEligible(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	// The boundary registration shape carries only capacity, region and
	// pubkey; the node must still be placeable.
	require.NoError(t, r.Announce(&types.StorageNode{
		ID:            "fresh-node",
		Region:        "eu-west",
		PubKey:        "02abc",
		CapacityBytes: 1 << 30,
	}))

	n, ok := r.Get("fresh-node")
	require.True(t, ok)
	assert.Equal(t, uint64(1<<30), n.AvailableBytes)

	nodes := r.FindNodes(Criteria{})
	require.Len(t, nodes, 1)
	assert.Equal(t, "fresh-node", nodes[0].ID)

	// A node reporting its own availability keeps it.
	require.NoError(t, r.Announce(&types.StorageNode{
		ID:             "partial-node",
		Region:         "eu-west",
		CapacityBytes:  1000,
		AvailableBytes: 400,
	}))
	n, ok = r.Get("partial-node")
	require.True(t, ok)
	assert.Equal(t, uint64(400), n.AvailableBytes)
}

func TestFindNodes_SortsByReliabilityWithIDTieBreak(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	announce(t, r, "b", "eu-west", 0.8)
	announce(t, r, "a", "eu-west", 0.8)
	announce(t, r, "c", "us-east", 0.95)
	announce(t, r, "d", "us-east", 0.5)

	nodes := r.FindNodes(Criteria{})
	require.Len(t, nodes, 4)
	ids := []string{nodes[0].ID, nodes[1].ID, nodes[2].ID, nodes[3].ID}
	assert.Equal(t, []string{"c", "a", "b", "d"}, ids)
}

func TestFindNodes_Criteria(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	announce(t, r, "eu", "eu-west", 0.9)
	announce(t, r, "us", "us-east", 0.6)

	assert.Len(t, r.FindNodes(Criteria{Region: "eu-west"}), 1)
	assert.Len(t, r.FindNodes(Criteria{MinReliability: 0.8}), 1)
	assert.Empty(t, r.FindNodes(Criteria{MinAvailableBytes: 1 << 40}))
}

func TestFindNodes_ExcludesStaleAndFullNodes(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	announce(t, r, "fresh", "eu-west", 0.9)
	announce(t, r, "stale", "eu-west", 0.9)
	announce(t, r, "full", "eu-west", 0.9)

	r.mu.Lock()
	r.nodes["stale"].LastSeen = time.Now().Add(-r.freshnessWindow - time.Second)
	r.nodes["full"].AvailableBytes = 0
	r.mu.Unlock()

	nodes := r.FindNodes(Criteria{})
	require.Len(t, nodes, 1)
	assert.Equal(t, "fresh", nodes[0].ID)
}

func TestLivenessSweep_Transitions(t *testing.T) {
	t.Parallel()
	r, err := New(Config{
		HeartbeatInterval: time.Minute,
		DeadNodeTimeout:   time.Hour,
	})
	require.NoError(t, err)

	announce(t, r, "n1", "eu-west", 0.9)

	// Silence just past twice the heartbeat interval: active -> offline.
	r.mu.Lock()
	r.nodes["n1"].LastSeen = time.Now().Add(-3 * time.Minute)
	r.mu.Unlock()
	r.sweep()
	n, _ := r.Get("n1")
	assert.Equal(t, types.NodeOffline, n.State)

	// Another sweep within the dead-node timeout: stays offline.
	r.sweep()
	n, _ = r.Get("n1")
	assert.Equal(t, types.NodeOffline, n.State)

	// Silence past the dead-node timeout: offline -> dead.
	r.mu.Lock()
	r.nodes["n1"].LastSeen = time.Now().Add(-2 * time.Hour)
	r.mu.Unlock()
	r.sweep()
	n, _ = r.Get("n1")
	assert.Equal(t, types.NodeDead, n.State)

	// A resumed heartbeat restores active directly from dead.
	require.NoError(t, r.MarkSeen("n1"))
	n, _ = r.Get("n1")
	assert.Equal(t, types.NodeActive, n.State)
}

func TestMarkSeen_UnknownNode(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	assert.ErrorIs(t, r.MarkSeen("ghost"), ErrNodeNotFound)
}

func TestRecordProofOutcome_MovesReliability(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	announce(t, r, "n1", "eu-west", 1.0)

	require.NoError(t, r.RecordProofOutcome("n1", false))
	n, _ := r.Get("n1")
	assert.InDelta(t, 0.9, n.Reliability, 1e-9)

	require.NoError(t, r.RecordProofOutcome("n1", true))
	n, _ = r.Get("n1")
	assert.InDelta(t, 0.91, n.Reliability, 1e-9)

	assert.ErrorIs(t, r.RecordProofOutcome("ghost", true), ErrNodeNotFound)
}

func TestCapacityAccounting(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	require.NoError(t, r.Announce(&types.StorageNode{
		ID:             "n1",
		CapacityBytes:  1000,
		AvailableBytes: 1000,
	}))

	require.NoError(t, r.ReserveCapacity("n1", 300))
	n, _ := r.Get("n1")
	assert.Equal(t, uint64(700), n.AvailableBytes)

	// Over-reservation clamps to zero rather than underflowing.
	require.NoError(t, r.ReserveCapacity("n1", 2000))
	n, _ = r.Get("n1")
	assert.Zero(t, n.AvailableBytes)

	// Release never exceeds total capacity.
	require.NoError(t, r.ReleaseCapacity("n1", 5000))
	n, _ = r.Get("n1")
	assert.Equal(t, uint64(1000), n.AvailableBytes)
}

func TestGet_ReturnsCopy(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	announce(t, r, "n1", "eu-west", 0.9)

	n, ok := r.Get("n1")
	require.True(t, ok)
	n.Reliability = 0.0

	again, _ := r.Get("n1")
	assert.InDelta(t, 0.9, again.Reliability, 1e-9)
}

func TestSeedFromFile(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	path := filepath.Join(t.TempDir(), "nodes.json")
	catalog := `[
		{"id": "edge-1", "region": "eu-west", "endpoint": "http://edge-1:9100", "capacity_bytes": 1073741824, "available_bytes": 1073741824, "reliability": 0.9},
		{"id": "edge-2", "region": "us-east", "endpoint": "http://edge-2:9100", "capacity_bytes": 1073741824, "available_bytes": 1073741824, "reliability": 0.8}
	]`
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0600))

	count, err := r.SeedFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	n, ok := r.Get("edge-1")
	require.True(t, ok)
	assert.Equal(t, types.NodeActive, n.State)
	assert.Equal(t, "http://edge-1:9100", n.Endpoint)

	_, err = r.SeedFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestBoltStore_NodesSurviveRestart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nodes.db")

	store, err := NewBoltStore(path)
	require.NoError(t, err)

	r, err := New(Config{Store: store})
	require.NoError(t, err)
	announce(t, r, "n1", "eu-west", 0.9)
	announce(t, r, "n2", "us-east", 0.8)
	require.NoError(t, store.Close())

	store, err = NewBoltStore(path)
	require.NoError(t, err)
	defer store.Close()

	restarted, err := New(Config{Store: store})
	require.NoError(t, err)

	nodes := restarted.List()
	assert.Len(t, nodes, 2)
	n, ok := restarted.Get("n1")
	require.True(t, ok)
	assert.Equal(t, "eu-west", n.Region)
}
