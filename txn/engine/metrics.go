package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	txnEventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "engine",
			Name:      "txn_event_total",
			Help:      "Counter of transaction lifecycle events.",
		}, []string{"type"})

	commandCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "engine",
			Name:      "command_total",
			Help:      "Counter of data commands executed by the engine.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(txnEventCounter)
	prometheus.MustRegister(commandCounter)
}
