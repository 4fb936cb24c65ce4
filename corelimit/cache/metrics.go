/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsHook receives notifications about each classification decision the
// cache core makes, for observability. The core only calls these named
// hooks; exposition (e.g. a /metrics endpoint) is a collaborator's concern.
type MetricsHook interface {
	IncOverLimit()
	IncNearLimit()
	IncWithinLimit()
	IncShadowed()
	IncLocalCacheHit()
	IncLocalCacheMiss()
	IncBackendError()
	ObserveBackendLatency(d time.Duration)
}

// PrometheusMetricsHookOpts configures PrometheusMetricsHook.
type PrometheusMetricsHookOpts struct {
	Namespace   string
	ConstLabels prometheus.Labels
}

// PrometheusMetricsHook is a MetricsHook backed by Prometheus client metrics,
// following the same namespace/const-labels conventions as lrucache.PrometheusMetrics.
type PrometheusMetricsHook struct {
	ClassificationsTotal *prometheus.CounterVec
	BackendErrorsTotal   prometheus.Counter
	BackendLatency       prometheus.Histogram
}

var _ MetricsHook = (*PrometheusMetricsHook)(nil)

// Classification label values for ClassificationsTotal.
const (
	classificationOverLimit = "over_limit"
	classificationNearLimit = "near_limit"
	classificationWithin    = "within_limit"
	classificationShadowed  = "shadowed"
	classificationCacheHit  = "local_cache_hit"
	classificationCacheMiss = "local_cache_miss"
)

// NewPrometheusMetricsHook creates a new PrometheusMetricsHook with default options.
func NewPrometheusMetricsHook() *PrometheusMetricsHook {
	return NewPrometheusMetricsHookWithOpts(PrometheusMetricsHookOpts{})
}

// NewPrometheusMetricsHookWithOpts creates a new PrometheusMetricsHook with opts.
func NewPrometheusMetricsHookWithOpts(opts PrometheusMetricsHookOpts) *PrometheusMetricsHook {
	return &PrometheusMetricsHook{
		ClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "ratelimit_classifications_total",
			Help:        "Number of counter classification decisions by outcome.",
			ConstLabels: opts.ConstLabels,
		}, []string{"outcome"}),
		BackendErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "ratelimit_backend_errors_total",
			Help:        "Number of backend operations that failed (fail-open).",
			ConstLabels: opts.ConstLabels,
		}),
		BackendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "ratelimit_backend_latency_seconds",
			Help:        "Latency of backend pipeline round-trips.",
			ConstLabels: opts.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
}

// MustRegister registers every metric with the default Prometheus registry, panicking on error.
func (m *PrometheusMetricsHook) MustRegister() {
	prometheus.MustRegister(m.ClassificationsTotal, m.BackendErrorsTotal, m.BackendLatency)
}

// Unregister cancels registration of every metric.
func (m *PrometheusMetricsHook) Unregister() {
	prometheus.Unregister(m.ClassificationsTotal)
	prometheus.Unregister(m.BackendErrorsTotal)
	prometheus.Unregister(m.BackendLatency)
}

func (m *PrometheusMetricsHook) IncOverLimit()      { m.ClassificationsTotal.WithLabelValues(classificationOverLimit).Inc() }
func (m *PrometheusMetricsHook) IncNearLimit()      { m.ClassificationsTotal.WithLabelValues(classificationNearLimit).Inc() }
func (m *PrometheusMetricsHook) IncWithinLimit()    { m.ClassificationsTotal.WithLabelValues(classificationWithin).Inc() }
func (m *PrometheusMetricsHook) IncShadowed()       { m.ClassificationsTotal.WithLabelValues(classificationShadowed).Inc() }
func (m *PrometheusMetricsHook) IncLocalCacheHit()  { m.ClassificationsTotal.WithLabelValues(classificationCacheHit).Inc() }
func (m *PrometheusMetricsHook) IncLocalCacheMiss() { m.ClassificationsTotal.WithLabelValues(classificationCacheMiss).Inc() }
func (m *PrometheusMetricsHook) IncBackendError()   { m.BackendErrorsTotal.Inc() }
func (m *PrometheusMetricsHook) ObserveBackendLatency(d time.Duration) {
	m.BackendLatency.Observe(d.Seconds())
}

type disabledMetricsHook struct{}

func (disabledMetricsHook) IncOverLimit()                         {}
func (disabledMetricsHook) IncNearLimit()                         {}
func (disabledMetricsHook) IncWithinLimit()                       {}
func (disabledMetricsHook) IncShadowed()                          {}
func (disabledMetricsHook) IncLocalCacheHit()                     {}
func (disabledMetricsHook) IncLocalCacheMiss()                    {}
func (disabledMetricsHook) IncBackendError()                      {}
func (disabledMetricsHook) ObserveBackendLatency(_ time.Duration) {}

// NewDisabledMetricsHook returns a MetricsHook that discards every event.
func NewDisabledMetricsHook() MetricsHook {
	return disabledMetricsHook{}
}
