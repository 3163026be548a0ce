package placer

import (
	"github.com/ShardWorks/keepfs/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	plansCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "placer",
		Name:      "plans_created_total",
		Help:      "Total number of distribution plans created",
	})

	repairPlansCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "placer",
		Name:      "repair_plans_created_total",
		Help:      "Total number of repair plans created",
	})
)

func init() {
	debug.Registry().MustRegister(
		plansCreated,
		repairPlansCreated,
	)
}
