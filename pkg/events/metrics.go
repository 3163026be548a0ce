package events

import (
	"github.com/ShardWorks/keepfs/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsEmittedTotal tracks health events by type
	EventsEmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Total number of health events emitted",
	}, []string{"type"})

	// EventsDroppedTotal tracks events dropped by a disabled emitter
	EventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Total number of health events dropped",
	})

	// EventsErrorsTotal tracks emit errors by stage
	EventsErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keepfs",
		Subsystem: "events",
		Name:      "errors_total",
		Help:      "Total number of event emission errors",
	}, []string{"stage"}) // stage: "marshal", "enqueue"
)

func init() {
	debug.Registry().MustRegister(
		EventsEmittedTotal,
		EventsDroppedTotal,
		EventsErrorsTotal,
	)
}
