package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(sessionTransitionsTotal, sessionsFailedTotal) }

var sessionTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_session_transitions_total",
		Help: "Session phase transitions, labeled by source and resulting phase.",
	},
	[]string{"from", "to"},
)

var sessionsFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_sessions_failed_total",
		Help: "Sessions that reached the failed phase, labeled by cause kind.",
	},
	[]string{"kind"},
)

func IncSessionTransition(from, to string) {
	sessionTransitionsTotal.WithLabelValues(norm(from), norm(to)).Inc()
}

func IncSessionFailed(kind string) {
	sessionsFailedTotal.WithLabelValues(norm(kind)).Inc()
}
