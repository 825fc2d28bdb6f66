package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry       *prometheus.Registry
	registryOnce   sync.Once
	metricsEnabled = true

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsEnded    *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	SessionTurnCount prometheus.Histogram

	// Pipeline metrics
	ChunksProcessed    *prometheus.CounterVec
	StageLatency       *prometheus.HistogramVec
	StageTimeouts      *prometheus.CounterVec
	StageErrors        *prometheus.CounterVec
	PipelineTotalTime  prometheus.Histogram
	ChunksInFlight     prometheus.Gauge
	PrefetchHits       prometheus.Counter
	PrefetchDispatched prometheus.Counter

	// Cache metrics
	CacheHits    *prometheus.CounterVec
	CacheMisses  *prometheus.CounterVec
	CacheEvicted *prometheus.CounterVec
	CacheL2Fail  *prometheus.CounterVec

	// Quality metrics
	QualityAlerts  *prometheus.CounterVec
	QualitySamples prometheus.Counter

	// Optimization metrics
	ActiveProfileLevel prometheus.Gauge
	ProfileEscalations prometheus.Counter
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callguard_sessions_active",
			Help: "Number of live conversation sessions",
		})

		SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callguard_sessions_created_total",
			Help: "Total number of conversation sessions created",
		})

		SessionsEnded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_sessions_ended_total",
				Help: "Total number of conversation sessions ended",
			},
			[]string{"reason"},
		)

		SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callguard_session_duration_seconds",
			Help:    "Duration of ended conversation sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		})

		SessionTurnCount = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callguard_session_turns",
			Help:    "Completed response turns per ended session",
			Buckets: prometheus.LinearBuckets(0, 1, 12),
		})

		ChunksProcessed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_chunks_processed_total",
				Help: "Total audio chunks processed by outcome",
			},
			[]string{"outcome"},
		)

		StageLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callguard_stage_latency_seconds",
				Help:    "Latency of individual pipeline stages",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"stage"},
		)

		StageTimeouts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_stage_timeouts_total",
				Help: "Stages exceeding their profile latency target",
			},
			[]string{"stage"},
		)

		StageErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_stage_errors_total",
				Help: "Stage execution failures",
			},
			[]string{"stage"},
		)

		PipelineTotalTime = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callguard_pipeline_total_seconds",
			Help:    "End-to-end chunk processing latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		})

		ChunksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callguard_chunks_in_flight",
			Help: "Audio chunks currently being processed",
		})

		PrefetchHits = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callguard_prefetch_hits_total",
			Help: "Response generations short-circuited by prefetch",
		})

		PrefetchDispatched = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callguard_prefetch_dispatched_total",
			Help: "Speculative prefetch tasks dispatched",
		})

		CacheHits = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_cache_hits_total",
				Help: "Cache hits per namespace and tier",
			},
			[]string{"namespace", "tier"},
		)

		CacheMisses = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_cache_misses_total",
				Help: "Cache misses per namespace",
			},
			[]string{"namespace"},
		)

		CacheEvicted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_cache_evicted_total",
				Help: "Entries evicted from the in-process tier",
			},
			[]string{"namespace", "cause"},
		)

		CacheL2Fail = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_cache_l2_failures_total",
				Help: "Distributed tier operation failures (absorbed)",
			},
			[]string{"namespace", "op"},
		)

		QualityAlerts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callguard_quality_alerts_total",
				Help: "Call quality threshold breaches",
			},
			[]string{"metric"},
		)

		QualitySamples = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callguard_quality_samples_total",
			Help: "Call quality samples ingested",
		})

		ActiveProfileLevel = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callguard_optimization_profile_level",
			Help: "Strictness level of the active optimization profile",
		})

		ProfileEscalations = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callguard_profile_escalations_total",
			Help: "Automatic optimization profile escalations",
		})

		registry.MustRegister(
			SessionsActive, SessionsCreated, SessionsEnded, SessionDuration, SessionTurnCount,
			ChunksProcessed, StageLatency, StageTimeouts, StageErrors, PipelineTotalTime,
			ChunksInFlight, PrefetchHits, PrefetchDispatched,
			CacheHits, CacheMisses, CacheEvicted, CacheL2Fail,
			QualityAlerts, QualitySamples,
			ActiveProfileLevel, ProfileEscalations,
		)

		logger.Info("Metrics registry initialized")
	})
}

// Handler returns the HTTP handler exposing the metrics registry
func Handler() http.Handler {
	if registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Enabled reports whether metric recording is active
func Enabled() bool {
	return metricsEnabled && registry != nil
}

// ObserveStage records one stage execution
func ObserveStage(stage string, latency time.Duration, timedOut bool, failed bool) {
	if !Enabled() {
		return
	}
	StageLatency.WithLabelValues(stage).Observe(latency.Seconds())
	if timedOut {
		StageTimeouts.WithLabelValues(stage).Inc()
	}
	if failed {
		StageErrors.WithLabelValues(stage).Inc()
	}
}

// RecordCacheHit records a hit in the given namespace and tier ("l1"/"l2")
func RecordCacheHit(namespace, tier string) {
	if !Enabled() {
		return
	}
	CacheHits.WithLabelValues(namespace, tier).Inc()
}

// RecordCacheMiss records a both-tier miss in the given namespace
func RecordCacheMiss(namespace string) {
	if !Enabled() {
		return
	}
	CacheMisses.WithLabelValues(namespace).Inc()
}
