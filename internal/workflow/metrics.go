package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var workflowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "orchestrator",
	Subsystem: "workflow",
	Name:      "instances_total",
	Help:      "Workflow instances finished, by terminal state.",
}, []string{"terminal_state"})
