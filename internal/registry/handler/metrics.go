package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/veriregistry/internal/registry"
	"github.com/jmerrifield20/veriregistry/pkg/merkle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registryEntriesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "registry_entries_total",
		Help: "Committed registry entries by status.",
	}, []string{"status"})

	registryTreeHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "registry_tree_height",
		Help: "Number of levels in the current Merkle tree.",
	})

	registryRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	registryRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "registry_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	registryRebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_rebuilds_total",
		Help: "Merkle tree rebuilds by triggering operation.",
	}, []string{"op"})

	registryRebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "registry_rebuild_duration_seconds",
		Help:    "Time spent rebuilding the Merkle tree.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
	})

	registryVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_proof_verifications_total",
		Help: "Proof verifications by result.",
	}, []string{"result"})

	registryAuditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_audits_total",
		Help: "Background snapshot audits by outcome.",
	}, []string{"result"})

	registryLedgerEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_ledger_entries_total",
		Help: "Total trust ledger entries appended.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		registryRequestsTotal.WithLabelValues(method, path, status).Inc()
		registryRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordRebuild records a tree rebuild. It matches the registry rebuild hook
// signature so it can be passed to registry.WithRebuildHook directly.
func RecordRebuild(info registry.RebuildInfo) {
	registryRebuildsTotal.WithLabelValues(info.Op).Inc()
	registryRebuildDuration.Observe(info.Duration.Seconds())
	registryTreeHeight.Set(float64(info.Height))
}

// RecordVerification records the outcome of a proof verification.
func RecordVerification(r merkle.Result) {
	registryVerificationsTotal.WithLabelValues(r.String()).Inc()
}

// RecordAudit records a background audit result.
func RecordAudit(success bool) {
	if success {
		registryAuditsTotal.WithLabelValues("success").Inc()
	} else {
		registryAuditsTotal.WithLabelValues("failure").Inc()
	}
}

// RecordLedgerAppend records a trust ledger entry append.
func RecordLedgerAppend() {
	registryLedgerEntriesTotal.Inc()
}

// SetEntriesGauge sets the entry count gauge for a given status.
func SetEntriesGauge(status string, count float64) {
	registryEntriesTotal.WithLabelValues(status).Set(count)
}
