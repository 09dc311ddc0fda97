// Package telemetry registers the Prometheus instrumentation for both tiers.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EdgeMetrics covers the switch-side agent.
type EdgeMetrics struct {
	FlowsIngested  prometheus.Counter
	FlowsDropped   *prometheus.CounterVec
	SketchesActive prometheus.Gauge
	Evictions      prometheus.Counter
	SyncBatches    *prometheus.CounterVec
	SyncErrors     prometheus.Counter
	SyncRetained   prometheus.Gauge
	SyncDuration   prometheus.Histogram
	ClusterRuns    prometheus.Counter
}

// NewEdgeMetrics registers edge metrics on a registry. Pass a fresh registry
// in tests to avoid duplicate registration.
func NewEdgeMetrics(reg prometheus.Registerer) *EdgeMetrics {
	factory := promauto.With(reg)
	return &EdgeMetrics{
		FlowsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "clarion_edge_flows_ingested_total",
			Help: "Flow records applied to the sketch store",
		}),
		FlowsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clarion_edge_flows_dropped_total",
			Help: "Flow records dropped at the boundary",
		}, []string{"reason"}), // missing_mac, invalid_proto, malformed
		SketchesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clarion_edge_sketches_active",
			Help: "Endpoints currently tracked in the bounded store",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "clarion_edge_sketch_evictions_total",
			Help: "Endpoints evicted from the store at capacity",
		}),
		SyncBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clarion_edge_sync_batches_total",
			Help: "Sync batches by outcome",
		}, []string{"outcome"}), // ok, failed
		SyncErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "clarion_edge_sync_errors_total",
			Help: "Sync attempts that failed after all retries",
		}),
		SyncRetained: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clarion_edge_sync_retained_sketches",
			Help: "Sketches retained for the next sync cycle after failure",
		}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clarion_edge_sync_duration_seconds",
			Help:    "Wall time per sync batch",
			Buckets: prometheus.DefBuckets,
		}),
		ClusterRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "clarion_edge_cluster_runs_total",
			Help: "Local k-means runs completed",
		}),
	}
}

// BackendMetrics covers the categorization engine.
type BackendMetrics struct {
	BatchesReceived   *prometheus.CounterVec
	SketchesMerged    prometheus.Counter
	OutOfOrderBatches prometheus.Counter
	AnalysisRuns      *prometheus.CounterVec
	AnalysisDuration  prometheus.Histogram
	EndpointsAssigned *prometheus.CounterVec
	EnrichmentGrade   *prometheus.CounterVec
}

// NewBackendMetrics registers backend metrics on a registry.
func NewBackendMetrics(reg prometheus.Registerer) *BackendMetrics {
	factory := promauto.With(reg)
	return &BackendMetrics{
		BatchesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clarion_backend_sync_batches_received_total",
			Help: "Sync batches received by form",
		}, []string{"form"}), // structured, binary
		SketchesMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "clarion_backend_sketches_merged_total",
			Help: "Edge sketches merged into backend state",
		}),
		OutOfOrderBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "clarion_backend_sync_out_of_order_total",
			Help: "Batches whose sequence number was not monotonic per switch",
		}),
		AnalysisRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clarion_backend_analysis_runs_total",
			Help: "Analysis pipeline runs by outcome",
		}, []string{"outcome"}), // ok, failed
		AnalysisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clarion_backend_analysis_duration_seconds",
			Help:    "End-to-end analysis run duration",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		EndpointsAssigned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clarion_backend_endpoints_assigned_total",
			Help: "SGT membership writes by source",
		}, []string{"source"}), // clustering, incremental, manual
		EnrichmentGrade: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clarion_backend_enrichment_grade_total",
			Help: "Identity resolutions by confidence grade",
		}, []string{"grade"}), // none, device, session, full
	}
}
