// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShardWorks/keepfs/pkg/types"

	bolt "go.etcd.io/bbolt"
)

var replicasBucket = []byte("replicas")

// BoltStore persists ledger entries so replica accounting survives
// restarts. Write-through; the in-memory table is the read path.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) a ledger store at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(replicasBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// SaveEntry writes one ledger entry.
func (s *BoltStore) SaveEntry(entry *Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(replicasBucket).Put([]byte(entry.ChunkID), encoded)
	})
}

// DeleteEntry removes one ledger entry.
func (s *BoltStore) DeleteEntry(chunkID types.ChunkID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(replicasBucket).Delete([]byte(chunkID))
	})
}

// LoadEntries reads all persisted entries.
func (s *BoltStore) LoadEntries() ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(replicasBucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode ledger entry %s: %w", k, err)
			}
			if e.Nodes == nil {
				e.Nodes = make(map[string]struct{})
			}
			entries = append(entries, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
