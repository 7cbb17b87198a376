package lock

import "github.com/prometheus/client_golang/prometheus"

var (
	lockEventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "lock",
			Name:      "events",
			Help:      "Counter of lock manager events.",
		}, []string{"type"})

	escalationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytxn",
			Subsystem: "lock",
			Name:      "escalations",
			Help:      "Counter of lock escalation attempts.",
		}, []string{"result"})
)

func init() {
	prometheus.MustRegister(lockEventCounter)
	prometheus.MustRegister(escalationCounter)
}
