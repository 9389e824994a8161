package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topchef_status_http_requests_total",
			Help: "Total number of status API requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "topchef_status_http_request_duration_seconds",
			Help:    "Status API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// statusCollector exports the worker snapshot as gauges at scrape time.
type statusCollector struct {
	src StatusSource

	running       *prometheus.Desc
	busy          *prometheus.Desc
	lastHeartbeat *prometheus.Desc
	hbFailures    *prometheus.Desc
}

func newStatusCollector(src StatusSource) *statusCollector {
	return &statusCollector{
		src: src,
		running: prometheus.NewDesc("topchef_worker_running",
			"1 if the worker loops are running.", nil, nil),
		busy: prometheus.NewDesc("topchef_worker_busy",
			"1 if the job loop is processing a job.", nil, nil),
		lastHeartbeat: prometheus.NewDesc("topchef_worker_last_heartbeat_timestamp_seconds",
			"Unix time of the last successful heartbeat.", nil, nil),
		hbFailures: prometheus.NewDesc("topchef_worker_heartbeat_failures",
			"Heartbeat failures since the worker was created.", nil, nil),
	}
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.running
	ch <- c.busy
	ch <- c.lastHeartbeat
	ch <- c.hbFailures
}

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Status()

	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, boolValue(st.Running))
	ch <- prometheus.MustNewConstMetric(c.busy, prometheus.GaugeValue, boolValue(st.CurrentJobID != ""))
	var last float64
	if st.LastHeartbeat != nil {
		last = float64(st.LastHeartbeat.Unix())
	}
	ch <- prometheus.MustNewConstMetric(c.lastHeartbeat, prometheus.GaugeValue, last)
	ch <- prometheus.MustNewConstMetric(c.hbFailures, prometheus.CounterValue, float64(st.HeartbeatFailures))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// metricsHandler serves the default registry plus, when a worker is attached,
// its status gauges.
func metricsHandler(src StatusSource) http.Handler {
	if src == nil {
		return promhttp.Handler()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(newStatusCollector(src))
	return promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, reg}, promhttp.HandlerOpts{})
}
