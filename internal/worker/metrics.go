package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/topchef/internal/model"
)

// Metric label values.
const (
	resultOK    = "ok"
	resultError = "error"
	resultEmpty = "empty"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topchef_worker_jobs_total",
			Help: "Total number of jobs processed, by terminal status.",
		},
		[]string{"status"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "topchef_worker_job_duration_seconds",
			Help:    "Time from claim to terminal status, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	heartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topchef_worker_heartbeats_total",
			Help: "Total number of heartbeats sent, by result.",
		},
		[]string{"result"},
	)

	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topchef_worker_polls_total",
			Help: "Total number of queue polls, by result.",
		},
		[]string{"result"},
	)

	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topchef_worker_submissions_total",
			Help: "Total number of result submissions, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(heartbeatsTotal)
	prometheus.MustRegister(pollsTotal)
	prometheus.MustRegister(submissionsTotal)

	// Pre-initialize label combinations so they appear in /metrics
	// with value 0 from startup.
	jobsTotal.WithLabelValues(string(model.StatusComplete))
	jobsTotal.WithLabelValues(string(model.StatusFailed))
	for _, r := range []string{resultOK, resultError} {
		heartbeatsTotal.WithLabelValues(r)
		pollsTotal.WithLabelValues(r)
		submissionsTotal.WithLabelValues(r)
	}
	pollsTotal.WithLabelValues(resultEmpty)
}
