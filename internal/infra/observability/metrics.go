package observability

import (
	"time"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics of the sync service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration     *prometheus.HistogramVec
	externalErrors      *prometheus.CounterVec
	cacheHits           *prometheus.CounterVec
	cacheMisses         *prometheus.CounterVec
	activeSessions      prometheus.Gauge
	activeSubscriptions *prometheus.GaugeVec
	epochs              prometheus.Counter
	staleDeliveries     *prometheus.CounterVec
	subscriptionErrors  *prometheus.CounterVec
	forcedSignOuts      *prometheus.CounterVec
	cascadeFailures     prometheus.Counter
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coach_request_duration_seconds",
				Help:    "Duration of requests by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "coach_sessions_active",
				Help: "Identity sessions currently held.",
			},
		),
		activeSubscriptions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coach_subscriptions_active",
				Help: "Open store subscriptions by partition.",
			},
			[]string{"partition"},
		),
		epochs: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coach_session_epochs_total",
				Help: "Subscription generations started.",
			},
		),
		staleDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_stale_deliveries_total",
				Help: "Deliveries discarded because their epoch or scope had ended.",
			},
			[]string{"partition"},
		),
		subscriptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_subscription_errors_total",
				Help: "Subscription deliveries that carried an error.",
			},
			[]string{"partition"},
		),
		forcedSignOuts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_forced_sign_outs_total",
				Help: "Sessions signed out by the orchestrator.",
			},
			[]string{"reason"},
		),
		cascadeFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coach_cascade_delete_failures_total",
				Help: "Profile deletes that stopped part-way.",
			},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// SessionOpened and SessionClosed track the held sessions.
func (m *Metrics) SessionOpened() { m.activeSessions.Inc() }
func (m *Metrics) SessionClosed() { m.activeSessions.Dec() }

// SubscriptionOpened and SubscriptionClosed track open subscriptions.
func (m *Metrics) SubscriptionOpened(partition string) {
	m.activeSubscriptions.WithLabelValues(partition).Inc()
}

func (m *Metrics) SubscriptionClosed(partition string) {
	m.activeSubscriptions.WithLabelValues(partition).Dec()
}

// IncrEpoch counts a new subscription generation.
func (m *Metrics) IncrEpoch() { m.epochs.Inc() }

// IncrStaleDelivery counts a discarded delivery.
func (m *Metrics) IncrStaleDelivery(partition string) {
	m.staleDeliveries.WithLabelValues(partition).Inc()
}

// IncrSubscriptionError counts a delivery that carried an error.
func (m *Metrics) IncrSubscriptionError(partition string) {
	m.subscriptionErrors.WithLabelValues(partition).Inc()
}

// IncrForcedSignOut counts a sign-out triggered by the orchestrator.
func (m *Metrics) IncrForcedSignOut(reason string) {
	m.forcedSignOuts.WithLabelValues(reason).Inc()
}

// IncrCascadeFailure counts a partial cascade delete.
func (m *Metrics) IncrCascadeFailure() { m.cascadeFailures.Inc() }

// GetSyncSnapshot returns the values served by GET /v1/metrics/sync.
func (m *Metrics) GetSyncSnapshot() *domain.SyncMetrics {
	hits := sumFamily(m.Registry, "coach_cache_hits_total")
	misses := sumFamily(m.Registry, "coach_cache_misses_total")
	hitRate := float64(0)
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	return &domain.SyncMetrics{
		ActiveSessions:      int64(metricValue(m.activeSessions)),
		ActiveSubscriptions: int64(sumFamily(m.Registry, "coach_subscriptions_active")),
		EpochsStarted:       int64(metricValue(m.epochs)),
		StaleDeliveries:     int64(sumFamily(m.Registry, "coach_stale_deliveries_total")),
		SubscriptionErrors:  int64(sumFamily(m.Registry, "coach_subscription_errors_total")),
		ForcedSignOuts:      int64(sumFamily(m.Registry, "coach_forced_sign_outs_total")),
		CascadeFailures:     int64(metricValue(m.cascadeFailures)),
		CacheHitRate:        hitRate,
	}
}

// metricValue extracts the current value of a single counter or gauge.
func metricValue(c prometheus.Metric) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return value(m)
}

// sumFamily adds up every series of the named family.
func sumFamily(reg *prometheus.Registry, name string) float64 {
	families, err := reg.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += value(m)
		}
	}
	return total
}

func value(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	return 0
}
