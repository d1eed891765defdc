package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	votesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "votechain_votes_total",
		Help: "Total votes appended to the chain.",
	})

	validateFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "votechain_validate_failures_total",
		Help: "Total chain validations that reported invariant violations.",
	})

	syncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "votechain_sync_total",
		Help: "Total sync gateway operations by direction and result.",
	}, []string{"op", "result"})

	chainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "votechain_chain_length",
		Help: "Current number of records in the chain.",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "votechain_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "votechain_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// PrometheusMiddleware records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// recordVote counts an accepted vote and updates the chain length gauge.
func recordVote(length int) {
	votesTotal.Inc()
	chainLength.Set(float64(length))
}

// recordValidate counts a validation run.
func recordValidate(valid bool) {
	if !valid {
		validateFailuresTotal.Inc()
	}
}

// recordSync counts a gateway operation.
func recordSync(op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	syncTotal.WithLabelValues(op, result).Inc()
}

// SetChainLength updates the chain length gauge, e.g. at startup.
func SetChainLength(n int) {
	chainLength.Set(float64(n))
}
