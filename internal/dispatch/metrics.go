package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backendd",
			Subsystem: "dispatch",
			Name:      "jobs_total",
			Help:      "Dispatched jobs by result",
		},
		[]string{"result"},
	)

	redirectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "backendd",
			Subsystem: "dispatch",
			Name:      "redirects_total",
			Help:      "Jobs retried on another backend after a redirectable failure",
		},
	)

	waitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "backendd",
			Subsystem: "dispatch",
			Name:      "wait_seconds",
			Help:      "Time a job waited for an eligible backend",
			Buckets:   prometheus.DefBuckets,
		},
	)

	modelSwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "backendd",
			Subsystem: "dispatch",
			Name:      "model_switches_total",
			Help:      "Model loads triggered by dispatch, by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, redirectsTotal, waitSeconds, modelSwitchesTotal)
}
