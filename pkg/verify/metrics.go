package verify

import (
	"github.com/ShardWorks/keepfs/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	proofsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "verify",
		Name:      "proofs_total",
		Help:      "Total number of storage proofs by outcome",
	}, []string{"status"}) // status: "complete", "failed"

	challengeTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "verify",
		Name:      "challenge_timeouts_total",
		Help:      "Total number of challenges resolved as failed by timeout",
	})

	nodesSuspected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "verify",
		Name:      "nodes_suspected_total",
		Help:      "Total number of node-suspect escalations",
	})

	passesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "verify",
		Name:      "passes_total",
		Help:      "Total number of challenge passes",
	})
)

func init() {
	debug.Registry().MustRegister(
		proofsTotal,
		challengeTimeouts,
		nodesSuspected,
		passesTotal,
	)
}
