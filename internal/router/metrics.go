package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var selectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "orchestrator",
	Subsystem: "router",
	Name:      "selections_total",
	Help:      "Tool-server instances selected, by server type and address.",
}, []string{"server_type", "address"})
