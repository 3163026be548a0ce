package ledger

import (
	"github.com/ShardWorks/keepfs/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	lowRedundancyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "ledger",
		Name:      "low_redundancy_total",
		Help:      "Total number of low-redundancy signals",
	})

	criticalRedundancyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "ledger",
		Name:      "critical_redundancy_total",
		Help:      "Total number of critical-redundancy signals",
	})
)

func init() {
	debug.Registry().MustRegister(
		lowRedundancyTotal,
		criticalRedundancyTotal,
	)
}
