// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package verify

import (
	"context"
	"time"

	"github.com/ShardWorks/keepfs/pkg/logger"
	"github.com/ShardWorks/keepfs/pkg/types"
	"github.com/ShardWorks/keepfs/pkg/utils"
)

// Start runs the periodic challenge cycle in a goroutine. Each pass walks
// the ledger and challenges every (chunk, node) pair, bounded by the
// verification semaphore and the challenge rate limiter.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			interval := utils.Jitter(e.challengeInterval, 0.1)
			timer := time.NewTimer(interval)
			select {
			case <-timer.C:
				e.RunPass(ctx)
			case <-e.stopCh:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}()
}

// Stop halts the challenge cycle and waits for in-flight challenges.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// RunPass challenges every replica the ledger knows about. Challenges run
// concurrently up to the verification bound; issuance is rate limited.
func (e *Engine) RunPass(ctx context.Context) {
	passesTotal.Inc()
	start := time.Now()
	issued := 0

	for _, chunkID := range e.ledger.Chunks() {
		replicas, err := e.ledger.Replicas(chunkID)
		if err != nil {
			continue
		}
		for _, nodeID := range replicas {
			select {
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
			if err := e.sem.Acquire(ctx, 1); err != nil {
				return
			}

			issued++
			e.wg.Add(1)
			go func(chunkID types.ChunkID, nodeID string) {
				defer e.wg.Done()
				defer e.sem.Release(1)
				e.Verify(ctx, chunkID, nodeID)
			}(chunkID, nodeID)
		}
	}

	logger.Info().
		Int("challenges", issued).
		Dur("elapsed", time.Since(start)).
		Msg("verify: challenge pass issued")
}
