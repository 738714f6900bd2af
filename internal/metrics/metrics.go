// Package metrics holds the Prometheus collectors and the tracer shared by
// the ingestion and retrieval pipelines.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	RemoteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragpipe_remote_requests_total",
			Help: "Remote service requests by service and outcome",
		},
		[]string{"service", "outcome"},
	)
	RemoteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragpipe_remote_request_duration_seconds",
			Help:    "Latency of remote service requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"service"},
	)
	Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragpipe_remote_retries_total",
			Help: "Retries of remote calls by service",
		},
		[]string{"service"},
	)
	RerankFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ragpipe_rerank_fallbacks_total",
			Help: "Queries answered in vector order because the reranker was unavailable",
		},
	)
	Documents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragpipe_ingested_documents_total",
			Help: "Documents processed by final state",
		},
		[]string{"state"},
	)
	PointsUpserted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ragpipe_points_upserted_total",
			Help: "Points written to the vector store",
		},
	)
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragpipe_embedding_cache_lookups_total",
			Help: "Embedding cache lookups by result",
		},
		[]string{"result"},
	)
)

// Tracer is used for pipeline stage spans.
var Tracer = otel.Tracer("ragpipe")

var registerOnce sync.Once

// Register adds all collectors to reg. Repeated calls are no-ops.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(RemoteRequests, RemoteLatency, Retries, RerankFallbacks, Documents, PointsUpserted, CacheLookups)
	})
}
