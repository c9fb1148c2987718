package backend

import "github.com/prometheus/client_golang/prometheus"

var (
	statusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backendd",
			Subsystem: "backend",
			Name:      "status_transitions_total",
			Help:      "Backend status transitions",
		},
		[]string{"type", "from", "to"},
	)

	reservationsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "backendd",
			Subsystem: "backend",
			Name:      "reservations",
			Help:      "Outstanding privileged reservations per backend",
		},
		[]string{"backend"},
	)

	inflightJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "backendd",
			Subsystem: "backend",
			Name:      "inflight_jobs",
			Help:      "Generation jobs currently executing per backend",
		},
		[]string{"backend"},
	)

	shutdownFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backendd",
			Subsystem: "backend",
			Name:      "shutdown_failures_total",
			Help:      "Shutdowns that could not release all resources",
		},
		[]string{"type"},
	)

	loadStatusMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "backendd",
			Subsystem: "backend",
			Name:      "load_status_messages_total",
			Help:      "Load status messages recorded",
		},
	)
)

func init() {
	prometheus.MustRegister(statusTransitionsTotal, reservationsGauge, inflightJobs, shutdownFailuresTotal, loadStatusMessagesTotal)
}
