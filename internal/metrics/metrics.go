// Package metrics defines the Prometheus instruments exported by every
// pipeline component and wires them to an HTTP /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the counters, histograms, and gauges the pipeline emits.
// One Registry is constructed per process and threaded through the
// components that need it.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	AdmissionsTotal    *prometheus.CounterVec
	AdmissionCoalesced prometheus.Counter

	LLMCallsTotal     *prometheus.CounterVec
	LLMLatencySeconds prometheus.Histogram

	IngestCyclesTotal   *prometheus.CounterVec
	IngestArticlesTotal prometheus.Counter
	IngestPairsStored   prometheus.Counter

	CircuitBreakerState *prometheus.GaugeVec
}

// New builds a Registry with every instrument registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qa_requests_total",
			Help: "Total inbound requests by operation and outcome.",
		}, []string{"operation", "outcome"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qa_request_duration_seconds",
			Help:    "Request latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "qa_semantic_cache_hits_total",
			Help: "Semantic cache hits above the admission threshold.",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "qa_semantic_cache_misses_total",
			Help: "Semantic cache misses falling through to generation.",
		}),

		AdmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qa_admissions_total",
			Help: "Write-back admission attempts by outcome.",
		}, []string{"outcome"}),
		AdmissionCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Name: "qa_admission_coalesced_total",
			Help: "Admission requests coalesced onto an in-flight call via singleflight.",
		}),

		LLMCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qa_llm_calls_total",
			Help: "LLM client calls by outcome.",
		}, []string{"outcome"}),
		LLMLatencySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "qa_llm_latency_seconds",
			Help:    "LLM generation latency.",
			Buckets: prometheus.DefBuckets,
		}),

		IngestCyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qa_ingest_cycles_total",
			Help: "Completed news ingestion cycles by outcome.",
		}, []string{"outcome"}),
		IngestArticlesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "qa_ingest_articles_scraped_total",
			Help: "Articles successfully scraped across all ingestion cycles.",
		}),
		IngestPairsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "qa_ingest_pairs_stored_total",
			Help: "QA pairs written back during ingestion.",
		}),

		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qa_circuit_breaker_state",
			Help: "Circuit breaker state per dependency: 0=closed, 1=open, 2=half-open.",
		}, []string{"dependency"}),
	}
}

// Handler serves the registry in the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
