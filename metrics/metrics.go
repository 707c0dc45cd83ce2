// Package metrics holds the Prometheus collectors of the evaluation engine.
// Collectors register with the default registry on import; the HTTP server
// exposes them on /metrics.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dnsLookup = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailauth_dns_lookup_duration_seconds",
			Help:    "DNS lookups made by evaluations, including cache hits.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10},
		},
		[]string{
			"type",   // txt, ip, ip4, ip6, mx, ptr
			"result", // ok, nxdomain, temporary, timeout, unavailable, canceled, error
		},
	)
	dnsCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailauth_dns_cache_total",
			Help: "DNS answer cache lookups.",
		},
		[]string{
			"result", // hit, miss
		},
	)
	evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailauth_evaluations_total",
			Help: "Completed evaluations by SPF, DKIM and DMARC result.",
		},
		[]string{"spf", "dkim", "dmarc"},
	)
	evaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailauth_evaluation_duration_seconds",
			Help:    "Duration of complete evaluations.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.100, 0.5, 1, 2, 5, 10, 30},
		},
	)
	evaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailauth_evaluation_errors_total",
			Help: "Evaluations that could not produce a verdict.",
		},
		[]string{
			"kind", // input, unavailable, timeout, canceled, error
		},
	)
)

// Lookup classifications. The dns package passes its own classification so
// this package does not depend on it.
const (
	ResultOK          = "ok"
	ResultNXDomain    = "nxdomain"
	ResultTemporary   = "temporary"
	ResultTimeout     = "timeout"
	ResultUnavailable = "unavailable"
	ResultCanceled    = "canceled"
	ResultError       = "error"
)

// ObserveLookup records one DNS lookup.
func ObserveLookup(typ, result string, start time.Time) {
	dnsLookup.WithLabelValues(typ, result).Observe(time.Since(start).Seconds())
}

// CacheHit records a cache lookup answered from memory.
func CacheHit() { dnsCache.WithLabelValues("hit").Inc() }

// CacheMiss records a cache lookup that went to the upstream resolver.
func CacheMiss() { dnsCache.WithLabelValues("miss").Inc() }

// ObserveEvaluation records a completed evaluation.
func ObserveEvaluation(spf, dkim, dmarc string, start time.Time) {
	evaluations.WithLabelValues(spf, dkim, dmarc).Inc()
	evaluationDuration.Observe(time.Since(start).Seconds())
}

// ObserveEvaluationError records an evaluation that ended without a verdict.
func ObserveEvaluationError(kind string) {
	evaluationErrors.WithLabelValues(kind).Inc()
}

// ErrorKind classifies context errors; other errors map to fallback.
func ErrorKind(err error, fallback string) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	case errors.Is(err, context.Canceled):
		return ResultCanceled
	}
	return fallback
}
