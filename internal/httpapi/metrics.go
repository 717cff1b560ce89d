package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelpool",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "modelpool",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	httpInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "modelpool",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
		[]string{"path"},
	)

	backpressureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelpool",
			Subsystem: "http",
			Name:      "backpressure_total",
			Help:      "Total backpressure rejections (429)",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight, backpressureTotal)
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MetricsMiddleware instruments requests for Prometheus
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := routePatternOrPath(r)
		method := r.Method
		httpInflight.WithLabelValues(path).Inc()
		defer httpInflight.WithLabelValues(path).Dec()

		sr := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(sr, r)
		statusLabel := itoa(sr.status)
		dur := time.Since(start).Seconds()
		httpRequestsTotal.WithLabelValues(path, method, statusLabel).Inc()
		httpRequestDuration.WithLabelValues(path, method, statusLabel).Observe(dur)
	})
}

// routePatternOrPath returns the chi route pattern if available, otherwise
// falls back to URL path. This avoids high-cardinality label values.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// IncrementBackpressure is called when returning 429 to the client
func IncrementBackpressure(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	backpressureTotal.WithLabelValues(reason).Inc()
}

// fast integer to ascii for small set of status codes
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

var (
	descInstancesTotal = prometheus.NewDesc(
		"modelpool_cluster_instances_total", "Known serving instances", nil, nil)
	descInstancesAvailable = prometheus.NewDesc(
		"modelpool_cluster_instances_available", "Instances that answered the last poll", nil, nil)
	descMemoryTotal = prometheus.NewDesc(
		"modelpool_cluster_memory_total_bytes", "Total memory over available instances", nil, nil)
	descMemoryUsed = prometheus.NewDesc(
		"modelpool_cluster_memory_used_bytes", "Used memory over available instances", nil, nil)
	descMaxConcurrency = prometheus.NewDesc(
		"modelpool_cluster_max_concurrency", "Summed concurrency ceiling over available instances", nil, nil)
	descQueueLength = prometheus.NewDesc(
		"modelpool_cluster_queue_length", "Callers waiting for admission", []string{"instance"}, nil)
	descCurrentConcurrency = prometheus.NewDesc(
		"modelpool_cluster_current_concurrency", "Permits currently held", []string{"instance"}, nil)
)

// clusterCollector exports the cluster snapshot as gauges on scrape.
type clusterCollector struct {
	pool Pool
}

// RegisterClusterMetrics wires the pool snapshot into the /metrics endpoint.
func RegisterClusterMetrics(pool Pool) {
	prometheus.MustRegister(&clusterCollector{pool: pool})
}

func (c *clusterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descInstancesTotal
	ch <- descInstancesAvailable
	ch <- descMemoryTotal
	ch <- descMemoryUsed
	ch <- descMaxConcurrency
	ch <- descQueueLength
	ch <- descCurrentConcurrency
}

func (c *clusterCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap := c.pool.Snapshot(ctx)

	ch <- prometheus.MustNewConstMetric(descInstancesTotal, prometheus.GaugeValue, float64(snap.TotalInstances))
	ch <- prometheus.MustNewConstMetric(descInstancesAvailable, prometheus.GaugeValue, float64(snap.AvailableInstances))
	ch <- prometheus.MustNewConstMetric(descMemoryTotal, prometheus.GaugeValue, float64(snap.TotalMemory))
	ch <- prometheus.MustNewConstMetric(descMemoryUsed, prometheus.GaugeValue, float64(snap.TotalUsedMemory))
	ch <- prometheus.MustNewConstMetric(descMaxConcurrency, prometheus.GaugeValue, float64(snap.TotalMaxConcurrency))
	for _, inst := range snap.Instances {
		ch <- prometheus.MustNewConstMetric(descQueueLength, prometheus.GaugeValue, float64(inst.QueueLength), inst.ID)
		ch <- prometheus.MustNewConstMetric(descCurrentConcurrency, prometheus.GaugeValue, float64(inst.CurrentConcurrency), inst.ID)
	}
}
