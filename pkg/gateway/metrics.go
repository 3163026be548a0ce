// Copyright 2026 KeepFS Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"github.com/ShardWorks/keepfs/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "HTTP requests by method and status code",
	}, []string{"method", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keepfs",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)

func init() {
	debug.Registry().MustRegister(requestsTotal, requestDuration)
}
