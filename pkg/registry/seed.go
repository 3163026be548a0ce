// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ShardWorks/keepfs/pkg/logger"
	"github.com/ShardWorks/keepfs/pkg/types"
)

// SeedFromFile announces a static node catalog from a JSON file. Nodes
// normally join by announcing themselves; the catalog covers fixed fleets
// and test environments. Returns the number of nodes announced.
func (r *Registry) SeedFromFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read node catalog: %w", err)
	}

	var nodes []*types.StorageNode
	if err := json.Unmarshal(data, &nodes); err != nil {
		return 0, fmt.Errorf("parse node catalog %s: %w", path, err)
	}

	for i, node := range nodes {
		if err := r.Announce(node); err != nil {
			return i, fmt.Errorf("announce catalog node %d: %w", i, err)
		}
	}

	logger.Info().Int("nodes", len(nodes)).Str("path", path).Msg("registry: seeded node catalog")
	return len(nodes), nil
}
