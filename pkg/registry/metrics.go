package registry

import (
	"github.com/ShardWorks/keepfs/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	nodesAnnounced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "registry",
		Name:      "nodes_announced_total",
		Help:      "Total number of node announcements",
	})

	nodesMarkedOffline = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "registry",
		Name:      "nodes_marked_offline_total",
		Help:      "Total number of nodes forced offline",
	})

	nodesByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "keepfs",
		Subsystem: "registry",
		Name:      "nodes",
		Help:      "Current number of known nodes by liveness state",
	}, []string{"state"})
)

func init() {
	debug.Registry().MustRegister(
		nodesAnnounced,
		nodesMarkedOffline,
		nodesByState,
	)
}
