// Package pipeline owns the backend's mutable state: ingested sketches and
// flow samples on one side, the analysis orchestrator that turns them into
// a deployable taxonomy on the other.
package pipeline

import (
	"log"
	"sync"

	"github.com/trustlab/clarion/internal/sketch"
	"github.com/trustlab/clarion/internal/telemetry"
	"github.com/trustlab/clarion/pkg/models"
)

// Ingest accumulates edge uploads between analysis runs. Binary uploads
// carry full register state and merge into the sketch store; structured
// uploads carry summaries only and update the summary table.
type Ingest struct {
	mu        sync.RWMutex
	store     *sketch.Store
	summaries map[string]models.SketchSummary
	flows     []models.FlowRecord

	sequences map[string]uint64 // per-switch last accepted sequence
	metrics   *telemetry.BackendMetrics
}

// NewIngest builds the ingest state over a backend sketch store.
func NewIngest(store *sketch.Store, metrics *telemetry.BackendMetrics) *Ingest {
	return &Ingest{
		store:     store,
		summaries: make(map[string]models.SketchSummary),
		sequences: make(map[string]uint64),
		metrics:   metrics,
	}
}

// TrackSequence records a batch sequence number for a switch and reports
// whether it arrived out of order. Out-of-order batches are still merged;
// sketch merging is commutative, so ordering only matters for monitoring.
func (in *Ingest) TrackSequence(switchID string, seq uint64) (outOfOrder bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	last, seen := in.sequences[switchID]
	if seen && seq <= last {
		if in.metrics != nil {
			in.metrics.OutOfOrderBatches.Inc()
		}
		return true
	}
	in.sequences[switchID] = seq
	return false
}

// MergeSketches folds full-state sketches from a binary upload into the
// store and refreshes their summaries. It returns the endpoints this batch
// introduced, so callers can place them against existing centroids.
func (in *Ingest) MergeSketches(sketches []*sketch.EndpointSketch) ([]string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	var newIDs []string
	for _, s := range sketches {
		target := in.store.GetOrCreate(s.EndpointID, s.SwitchID)
		if err := target.Merge(s); err != nil {
			log.Printf("[Ingest] Merge failed for %s: %v", s.EndpointID, err)
			continue
		}
		if _, seen := in.summaries[target.EndpointID]; !seen {
			newIDs = append(newIDs, target.EndpointID)
		}
		in.summaries[target.EndpointID] = target.Summary()
		if in.metrics != nil {
			in.metrics.SketchesMerged.Inc()
		}
	}
	return newIDs, nil
}

// ApplySummaries records summary-only uploads. The freshest version wins;
// stale duplicates from retried batches are ignored. Returns the endpoints
// this batch introduced.
func (in *Ingest) ApplySummaries(summaries []models.SketchSummary) []string {
	in.mu.Lock()
	defer in.mu.Unlock()

	var newIDs []string
	for _, s := range summaries {
		if existing, ok := in.summaries[s.EndpointID]; ok {
			if existing.Version > s.Version {
				continue
			}
		} else {
			newIDs = append(newIDs, s.EndpointID)
		}
		in.summaries[s.EndpointID] = s
		if in.metrics != nil {
			in.metrics.SketchesMerged.Inc()
		}
	}
	return newIDs
}

// CountBatch records one accepted sync batch by wire form.
func (in *Ingest) CountBatch(form string) {
	if in.metrics != nil {
		in.metrics.BatchesReceived.WithLabelValues(form).Inc()
	}
}

// RecordFlows appends flow samples for the next matrix build.
func (in *Ingest) RecordFlows(flows []models.FlowRecord) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, f := range flows {
		if f.Valid() {
			in.flows = append(in.flows, f)
		}
	}
}

// Summaries returns a copy of the summary table.
func (in *Ingest) Summaries() map[string]models.SketchSummary {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make(map[string]models.SketchSummary, len(in.summaries))
	for k, v := range in.summaries {
		out[k] = v
	}
	return out
}

// Summary returns one endpoint's current summary.
func (in *Ingest) Summary(endpointID string) (models.SketchSummary, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	s, ok := in.summaries[endpointID]
	return s, ok
}

// Flows returns a copy of the accumulated flow samples.
func (in *Ingest) Flows() []models.FlowRecord {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return append([]models.FlowRecord(nil), in.flows...)
}

// EndpointCount returns the number of known endpoints.
func (in *Ingest) EndpointCount() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.summaries)
}
