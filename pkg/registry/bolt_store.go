// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShardWorks/keepfs/pkg/types"

	bolt "go.etcd.io/bbolt"
)

var nodesBucket = []byte("nodes")

// BoltStore persists node registrations so they survive restarts.
// The in-memory table is the hot path; the store is write-through.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) a node store at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open node db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nodesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// SaveNode writes one node record.
func (s *BoltStore) SaveNode(n *types.StorageNode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		encoded, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return tx.Bucket(nodesBucket).Put([]byte(n.ID), encoded)
	})
}

// DeleteNode removes one node record.
func (s *BoltStore) DeleteNode(nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).Delete([]byte(nodeID))
	})
}

// LoadNodes reads all persisted node records.
func (s *BoltStore) LoadNodes() ([]*types.StorageNode, error) {
	var nodes []*types.StorageNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).ForEach(func(k, v []byte) error {
			var n types.StorageNode
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("decode node %s: %w", k, err)
			}
			nodes = append(nodes, &n)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
