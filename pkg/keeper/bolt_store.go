// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package keeper

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShardWorks/keepfs/pkg/types"

	bolt "go.etcd.io/bbolt"
)

var filesBucket = []byte("files")

// BoltStore persists file metadata so stored files survive restarts.
// The in-memory table is the hot path; the store is write-through.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) a file metadata store at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open file db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(filesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// SaveFile writes one file record.
func (s *BoltStore) SaveFile(f *types.File) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		encoded, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return tx.Bucket(filesBucket).Put([]byte(f.ID), encoded)
	})
}

// DeleteFile removes one file record.
func (s *BoltStore) DeleteFile(fileID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).Delete([]byte(fileID))
	})
}

// LoadFiles reads all persisted file records.
func (s *BoltStore) LoadFiles() ([]*types.File, error) {
	var files []*types.File
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var f types.File
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("decode file %s: %w", k, err)
			}
			files = append(files, &f)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
