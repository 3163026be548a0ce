// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"time"

	"github.com/ShardWorks/keepfs/pkg/logger"
	"github.com/ShardWorks/keepfs/pkg/types"
	"github.com/ShardWorks/keepfs/pkg/utils"
)

// StartMonitor runs the liveness sweep in a goroutine. Each pass applies
// the state machine: active -> offline once a heartbeat is missed beyond
// twice the heartbeat interval, offline -> dead beyond the dead-node
// timeout. Nodes only return to active through MarkSeen.
func (r *Registry) StartMonitor() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			interval := utils.Jitter(r.heartbeatInterval, 0.1)
			timer := time.NewTimer(interval)
			select {
			case <-timer.C:
				r.sweep()
			case <-r.stopCh:
				timer.Stop()
				return
			}
		}
	}()
}

// StopMonitor stops the liveness sweep.
func (r *Registry) StopMonitor() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// sweep applies liveness transitions to every node.
func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	offlineAfter := 2 * r.heartbeatInterval

	counts := map[types.NodeState]int{}
	for _, n := range r.nodes {
		silence := now.Sub(n.LastSeen)

		switch n.State {
		case types.NodeActive:
			if silence > offlineAfter {
				n.State = types.NodeOffline
				logger.Warn().
					Str("node", n.ID).
					Dur("silence", silence).
					Msg("registry: node missed heartbeats, marking offline")
				if err := r.persist(n); err != nil {
					logger.Error().Err(err).Str("node", n.ID).Msg("registry: persist failed")
				}
			}
		case types.NodeOffline:
			if silence > r.deadNodeTimeout {
				n.State = types.NodeDead
				logger.Warn().
					Str("node", n.ID).
					Dur("silence", silence).
					Msg("registry: node presumed dead")
				if err := r.persist(n); err != nil {
					logger.Error().Err(err).Str("node", n.ID).Msg("registry: persist failed")
				}
			}
		}
		counts[n.State]++
	}

	for _, state := range []types.NodeState{types.NodeActive, types.NodeOffline, types.NodeDead} {
		nodesByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
