package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tanodlink/crimeledger/internal/reports/model"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crimeledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crimeledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	intakeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crimeledger_intake_total",
		Help: "Report submissions by final intake state.",
	}, []string{"state"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crimeledger_verifications_total",
		Help: "Integrity verifications by result.",
	}, []string{"result"})

	ledgerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crimeledger_ledger_calls_total",
		Help: "Ledger gateway calls by operation and outcome.",
	}, []string{"op", "outcome"})

	reconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crimeledger_reconcile_total",
		Help: "Re-anchoring attempts by outcome.",
	}, []string{"outcome"})

	anchorPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crimeledger_anchor_pending",
		Help: "Reports stored but not yet anchored on the ledger.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		requestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordIntake records the final state of one submission.
func RecordIntake(state model.IntakeState) {
	intakeTotal.WithLabelValues(string(state)).Inc()
}

// RecordVerification records one verification result.
func RecordVerification(result model.VerificationResult) {
	verificationsTotal.WithLabelValues(string(result)).Inc()
}

// RecordLedgerCall records one ledger gateway call.
func RecordLedgerCall(op, outcome string) {
	ledgerCallsTotal.WithLabelValues(op, outcome).Inc()
}

// RecordReconcile records one re-anchoring attempt.
func RecordReconcile(outcome string) {
	reconcileTotal.WithLabelValues(outcome).Inc()
}

// SetAnchorPending sets the pending-anchor gauge.
func SetAnchorPending(n int) {
	anchorPending.Set(float64(n))
}
