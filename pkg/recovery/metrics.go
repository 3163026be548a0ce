// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"github.com/ShardWorks/keepfs/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	replicasRestored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "recovery",
		Name:      "replicas_restored_total",
		Help:      "Chunk replicas written to replacement nodes",
	})

	recoveriesCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "recovery",
		Name:      "coalesced_total",
		Help:      "Recovery attempts merged into an in-flight operation for the same chunk",
	})

	recoveriesExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "recovery",
		Name:      "exhausted_total",
		Help:      "Recovery operations that failed all retry attempts",
	}, []string{"type"})

	sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "recovery",
		Name:      "sweeps_total",
		Help:      "Completed system consistency sweeps",
	})

	alertsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "recovery",
		Name:      "alerts_total",
		Help:      "Operator alerts raised",
	}, []string{"kind"})
)

func init() {
	debug.Registry().MustRegister(
		replicasRestored,
		recoveriesCoalesced,
		recoveriesExhausted,
		sweepsTotal,
		alertsRaised,
	)
}
