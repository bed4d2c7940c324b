// Package metrics exports gateway metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter owns the gateway metric families.
type PrometheusExporter struct {
	registry *prometheus.Registry

	chatLatency    *prometheus.HistogramVec
	chatRequests   *prometheus.CounterVec
	chatFirstToken *prometheus.HistogramVec
	chatActive     prometheus.Gauge

	retrievalLatency *prometheus.HistogramVec
	retrievalDocs    *prometheus.HistogramVec

	llmTokens  *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec

	moderationBlocks   *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
}

// Config configures the exporter.
type Config struct {
	// Registry to use; nil creates a private one.
	Registry *prometheus.Registry
	// LatencyBuckets for the latency histograms, in seconds.
	LatencyBuckets []float64
}

// NewPrometheusExporter creates and registers the gateway metrics.
func NewPrometheusExporter(cfg Config) *PrometheusExporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &PrometheusExporter{registry: registry}

	e.chatLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orbit",
			Subsystem: "gateway",
			Name:      "chat_latency_seconds",
			Help:      "End-to-end chat request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"adapter", "status"},
	)
	e.chatRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "gateway",
			Name:      "chat_requests_total",
			Help:      "Total chat requests",
		},
		[]string{"adapter", "status"},
	)
	e.chatFirstToken = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orbit",
			Subsystem: "gateway",
			Name:      "chat_first_token_seconds",
			Help:      "Time to first streamed token in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"adapter"},
	)
	e.chatActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orbit",
			Subsystem: "gateway",
			Name:      "chat_active_streams",
			Help:      "Number of chat streams currently open",
		},
	)

	e.retrievalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orbit",
			Subsystem: "gateway",
			Name:      "retrieval_latency_seconds",
			Help:      "Retrieval stage latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"adapter"},
	)
	e.retrievalDocs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orbit",
			Subsystem: "gateway",
			Name:      "retrieval_documents",
			Help:      "Documents returned per retrieval",
			Buckets:   []float64{0, 1, 2, 5, 10, 20},
		},
		[]string{"adapter"},
	)

	e.llmTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "gateway",
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed per provider",
		},
		[]string{"provider", "token_type"},
	)
	e.llmLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orbit",
			Subsystem: "gateway",
			Name:      "llm_latency_seconds",
			Help:      "Inference call latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"provider"},
	)

	e.moderationBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "gateway",
			Name:      "moderation_blocks_total",
			Help:      "Requests blocked by moderation",
		},
		[]string{"direction", "moderator"},
	)
	e.breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "gateway",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"target", "to"},
	)

	e.cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "gateway",
			Name:      "cache_hits_total",
			Help:      "Cache hits",
		},
		[]string{"cache"},
	)
	e.cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orbit",
			Subsystem: "gateway",
			Name:      "cache_misses_total",
			Help:      "Cache misses",
		},
		[]string{"cache"},
	)

	registry.MustRegister(
		e.chatLatency,
		e.chatRequests,
		e.chatFirstToken,
		e.chatActive,
		e.retrievalLatency,
		e.retrievalDocs,
		e.llmTokens,
		e.llmLatency,
		e.moderationBlocks,
		e.breakerTransitions,
		e.cacheHits,
		e.cacheMisses,
	)
	return e
}

// RecordChat records one finished chat request.
func (e *PrometheusExporter) RecordChat(adapter, status string, latency time.Duration) {
	e.chatRequests.WithLabelValues(adapter, status).Inc()
	e.chatLatency.WithLabelValues(adapter, status).Observe(latency.Seconds())
}

// RecordFirstToken records time to first token.
func (e *PrometheusExporter) RecordFirstToken(adapter string, latency time.Duration) {
	e.chatFirstToken.WithLabelValues(adapter).Observe(latency.Seconds())
}

// StreamStarted and StreamEnded track the active stream gauge.
func (e *PrometheusExporter) StreamStarted() { e.chatActive.Inc() }
func (e *PrometheusExporter) StreamEnded()   { e.chatActive.Dec() }

// RecordRetrieval records one retrieval stage.
func (e *PrometheusExporter) RecordRetrieval(adapter string, latency time.Duration, docs int) {
	e.retrievalLatency.WithLabelValues(adapter).Observe(latency.Seconds())
	e.retrievalDocs.WithLabelValues(adapter).Observe(float64(docs))
}

// RecordLLMUsage records token consumption and call latency.
func (e *PrometheusExporter) RecordLLMUsage(provider string, promptTokens, completionTokens int, latency time.Duration) {
	if promptTokens > 0 {
		e.llmTokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		e.llmTokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
	e.llmLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

// RecordModerationBlock records a block by direction and moderator.
func (e *PrometheusExporter) RecordModerationBlock(direction, moderator string) {
	e.moderationBlocks.WithLabelValues(direction, moderator).Inc()
}

// RecordBreakerTransition records a circuit state change.
func (e *PrometheusExporter) RecordBreakerTransition(target, to string) {
	e.breakerTransitions.WithLabelValues(target, to).Inc()
}

// RecordCacheHit and RecordCacheMiss track the resolution caches.
func (e *PrometheusExporter) RecordCacheHit(cache string)  { e.cacheHits.WithLabelValues(cache).Inc() }
func (e *PrometheusExporter) RecordCacheMiss(cache string) { e.cacheMisses.WithLabelValues(cache).Inc() }

// Handler returns the HTTP handler for the /metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (e *PrometheusExporter) Registry() *prometheus.Registry {
	return e.registry
}
