package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Invocations waiting in the dispatch queue.",
	})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "dispatch",
		Name:      "attempts_total",
		Help:      "Dispatch attempts, by server type.",
	}, []string{"server_type"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "dispatch",
		Name:      "outcomes_total",
		Help:      "Terminal invocation outcomes, by kind.",
	}, []string{"kind"})
)
