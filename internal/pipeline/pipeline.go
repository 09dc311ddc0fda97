package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustlab/clarion/internal/cluster"
	"github.com/trustlab/clarion/internal/confidence"
	"github.com/trustlab/clarion/internal/db"
	"github.com/trustlab/clarion/internal/export"
	"github.com/trustlab/clarion/internal/features"
	"github.com/trustlab/clarion/internal/identity"
	"github.com/trustlab/clarion/internal/labeling"
	"github.com/trustlab/clarion/internal/policy"
	"github.com/trustlab/clarion/internal/sgt"
	"github.com/trustlab/clarion/internal/telemetry"
	"github.com/trustlab/clarion/pkg/models"
)

// scalerArtifactName keys the frozen feature scaler in model storage.
const scalerArtifactName = "feature-scaler"

// enrichmentWorkers bounds the per-endpoint directory lookups in flight.
const enrichmentWorkers = 8

// AlertFunc receives pipeline events for broadcast (analysis completion,
// critical impact findings).
type AlertFunc func(eventType string, payload interface{})

// Progress is the observable state of the orchestrator.
type Progress struct {
	IsRunning  bool      `json:"isRunning"`
	RunID      string    `json:"runId,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Endpoints  int       `json:"endpoints"`
	LastError  string    `json:"lastError,omitempty"`
}

// Result bundles everything one analysis run produced.
type Result struct {
	RunID      string                    `json:"runId"`
	Clusters   *models.ClusterResult     `json:"clusters"`
	Labels     []models.ClusterLabel     `json:"labels"`
	Taxonomy   models.SGTTaxonomy        `json:"taxonomy"`
	Matrix     []models.MatrixCell       `json:"matrix"`
	Policies   []models.SGACLPolicy      `json:"policies"`
	Impact     *models.ImpactReport      `json:"impact"`
	Package    *models.DeploymentPackage `json:"package"`
	StableWith float64                   `json:"stableWith"` // ARI against the previous run
}

// Config carries the pieces the orchestrator composes. Store (postgres) and
// Cache may be nil; the pipeline then runs fully in memory.
type Config struct {
	Ingest    *Ingest
	Directory identity.Directory
	Store     *db.PostgresStore
	Cache     *cluster.CentroidCache
	Metrics   *telemetry.BackendMetrics
	Alert     AlertFunc

	BatchConfig     cluster.BatchConfig
	GeneratorConfig policy.GeneratorConfig
	AnalyzerConfig  policy.AnalyzerConfig
	MaxDistance     float64
	IPToMAC         map[string]string
	IPToService     map[string]string
}

// Orchestrator drives a full analysis run and holds the durable pieces the
// incremental path needs between runs.
type Orchestrator struct {
	cfg         Config
	resolver    *identity.Resolver
	scaler      *features.Scaler
	registry    *sgt.Registry
	incremental *cluster.IncrementalClusterer

	mu         sync.RWMutex
	progress   Progress
	lastResult *Result
	lastLabels []int // previous run's labels for stability comparison
	lastIDs    []string
}

// NewOrchestrator wires the run machinery.
func NewOrchestrator(cfg Config) *Orchestrator {
	var centroidStore cluster.CentroidStore
	if cfg.Store != nil {
		centroidStore = cfg.Store
	} else {
		centroidStore = newMemCentroidStore()
	}
	if cfg.MaxDistance <= 0 {
		cfg.MaxDistance = 2.0
	}

	o := &Orchestrator{
		cfg:         cfg,
		resolver:    identity.NewResolver(cfg.Directory, cfg.Metrics),
		scaler:      features.NewScaler(),
		registry:    sgt.NewRegistry(),
		incremental: cluster.NewIncrementalClusterer(centroidStore, cfg.Cache, cfg.MaxDistance),
	}
	o.restoreScaler()
	return o
}

// Registry exposes the SGT registry for the API layer.
func (o *Orchestrator) Registry() *sgt.Registry { return o.registry }

// Incremental exposes the incremental clusterer for per-endpoint placement.
func (o *Orchestrator) Incremental() *cluster.IncrementalClusterer { return o.incremental }

// Progress returns a snapshot of the run state.
func (o *Orchestrator) Progress() Progress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.progress
}

// LastResult returns the most recent completed run, or nil.
func (o *Orchestrator) LastResult() *Result {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastResult
}

// Run executes a full analysis pass. Only one run may be active; a second
// trigger while running returns an error.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	if o.progress.IsRunning {
		o.mu.Unlock()
		return nil, fmt.Errorf("analysis already running (run %s)", o.progress.RunID)
	}
	runID := uuid.New().String()
	o.progress = Progress{IsRunning: true, RunID: runID, Stage: "enrichment", StartedAt: time.Now().UTC()}
	o.mu.Unlock()

	if o.cfg.Store != nil {
		if err := o.cfg.Store.CreateRun(ctx, runID); err != nil {
			log.Printf("[Pipeline] Failed to record run start: %v", err)
		}
	}

	start := time.Now()
	result, err := o.run(ctx, runID)

	o.mu.Lock()
	o.progress.IsRunning = false
	o.progress.FinishedAt = time.Now().UTC()
	if err != nil {
		o.progress.LastError = err.Error()
	} else {
		o.lastResult = result
	}
	o.mu.Unlock()

	status := "completed"
	outcome := "ok"
	if err != nil {
		status = "failed"
		outcome = "failed"
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
		o.cfg.Metrics.AnalysisRuns.WithLabelValues(outcome).Inc()
	}
	if o.cfg.Store != nil {
		var cr *models.ClusterResult
		if result != nil {
			cr = result.Clusters
		}
		if dberr := o.cfg.Store.FinishRun(ctx, runID, status, cr); dberr != nil {
			log.Printf("[Pipeline] Failed to record run end: %v", dberr)
		}
	}
	if err == nil && o.cfg.Alert != nil {
		o.cfg.Alert("analysis_completed", result)
		if result.Impact != nil && result.Impact.HasCriticalIssues() {
			o.cfg.Alert("critical_impact", result.Impact)
		}
	}
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, runID string) (*Result, error) {
	// Stage 1: enrichment. Directory lookups fan out over a bounded pool.
	summaries := o.cfg.Ingest.Summaries()
	o.setStage("enrichment", len(summaries))
	enriched := o.enrichAll(ctx, summaries)

	// Stage 2: features. The scaler freezes on the first run so vectors
	// stay comparable across runs.
	o.setStage("features", len(enriched))
	ids := make([]string, 0, len(enriched))
	for id := range enriched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	X := make([][]float64, 0, len(ids))
	kept := ids[:0]
	for _, id := range ids {
		s := enriched[id]
		vec, err := features.Extract(&s)
		if err != nil {
			log.Printf("[Pipeline] Skipping %s: %v", id, err)
			continue
		}
		X = append(X, vec)
		kept = append(kept, id)
	}
	ids = kept
	if len(X) > 0 {
		o.mu.Lock()
		o.scaler.Fit(X)
		o.mu.Unlock()
		scaled, err := o.scaler.TransformAll(X)
		if err != nil {
			return nil, fmt.Errorf("feature scaling: %w", err)
		}
		X = scaled
		o.persistScaler(ctx)
	}

	// Stage 3: batch clustering.
	o.setStage("clustering", len(ids))
	bc := cluster.NewBatchClusterer(o.cfg.BatchConfig)
	clusterResult, err := bc.Fit(ctx, ids, X)
	if err != nil {
		return nil, fmt.Errorf("batch clustering: %w", err)
	}

	// Stability against the previous run on the shared endpoint set.
	stability := o.compareWithPrevious(clusterResult)

	// Stage 4: labels and taxonomy.
	o.setStage("labeling", len(ids))
	labels := labeling.NewLabeler().LabelAll(clusterResult, enriched)
	taxonomy := sgt.NewMapper(o.cfg.BatchConfig.MinClusterSize).Map(labels, len(ids))

	// Stage 5: SGT registry and per-endpoint assignment.
	o.setStage("assignment", len(ids))
	if err := o.applyTaxonomy(ctx, taxonomy, clusterResult); err != nil {
		return nil, err
	}

	// Stage 6: refresh centroids for the incremental path.
	centroids := cluster.CentroidsFromResult(clusterResult, X)
	o.attachSGTs(centroids, taxonomy)
	if err := o.incremental.Replace(ctx, centroids); err != nil {
		log.Printf("[Pipeline] Centroid persistence failed: %v", err)
	}

	// Stage 7: policy matrix, SGACLs, impact.
	o.setStage("policy", len(ids))
	matrix, policies, impact := o.buildPolicies(clusterResult, taxonomy)

	pkg := export.Build(runID, o.registry.Definitions(), policies, impact)
	o.persistRun(ctx, labels, matrix, policies)

	log.Printf("[Pipeline] Run %s: %d endpoints, %d clusters, %d SGTs, %d policies",
		runID, len(ids), clusterResult.NClusters, len(taxonomy.Recommendations), len(policies))

	return &Result{
		RunID:      runID,
		Clusters:   clusterResult,
		Labels:     labels,
		Taxonomy:   taxonomy,
		Matrix:     matrix,
		Policies:   policies,
		Impact:     impact,
		Package:    pkg,
		StableWith: stability,
	}, nil
}

// enrichAll resolves identity for every endpoint with a bounded worker pool.
func (o *Orchestrator) enrichAll(ctx context.Context, summaries map[string]models.SketchSummary) map[string]models.SketchSummary {
	type job struct {
		id string
		s  models.SketchSummary
	}
	jobs := make(chan job)
	results := make(chan models.SketchSummary)

	var wg sync.WaitGroup
	for w := 0; w < enrichmentWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				rec := o.resolver.Resolve(ctx, j.id)
				identity.Apply(&j.s, rec)
				if o.cfg.Store != nil && rec.Confidence > 0 {
					if err := o.cfg.Store.SaveIdentity(ctx, rec); err != nil {
						log.Printf("[Pipeline] Identity persist failed for %s: %v", j.id, err)
					}
				}
				results <- j.s
			}
		}()
	}
	go func() {
		for id, s := range summaries {
			jobs <- job{id: id, s: s}
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	out := make(map[string]models.SketchSummary, len(summaries))
	for s := range results {
		out[s.EndpointID] = s
	}
	return out
}

// applyTaxonomy creates the recommended SGTs and assigns every clustered
// endpoint, scoring each assignment.
func (o *Orchestrator) applyTaxonomy(ctx context.Context, taxonomy models.SGTTaxonomy, result *models.ClusterResult) error {
	clusterSGT := make(map[int]models.SGTRecommendation, len(taxonomy.Recommendations))
	for _, rec := range taxonomy.Recommendations {
		if _, err := o.registry.CreateSGT(rec.SGTValue, rec.SGTName, rec.Category, rec.Reason); err != nil {
			// Re-runs recreate the same values; duplicates are expected.
			if def, ok := o.registry.Definition(rec.SGTValue); !ok || !def.IsActive {
				return err
			}
		}
		clusterSGT[rec.ClusterID] = rec
		if o.cfg.Store != nil {
			if def, ok := o.registry.Definition(rec.SGTValue); ok {
				if err := o.cfg.Store.SaveSGTDefinition(ctx, def); err != nil {
					log.Printf("[Pipeline] SGT persist failed: %v", err)
				}
			}
		}
	}

	sizes := result.ClusterSizes
	for i, id := range result.EndpointIDs {
		label := result.Labels[i]
		rec, ok := clusterSGT[label]
		if !ok {
			continue // noise or unmapped cluster
		}
		score := confidence.ClusterScore(label, confidence.Signals{
			Probability:    result.Probabilities[id],
			HasProbability: result.Probabilities != nil,
			ClusterSize:    sizes[label],
			HasSize:        true,
			Silhouette:     result.Silhouette,
			HasSilhouette:  result.HasSilhouette,
		})
		score = confidence.SGTScore(score, o.registry.HistoryCount(id), false)
		m, err := o.registry.AssignEndpoint(id, rec.SGTValue, models.SourceClustering, score, label)
		if err != nil {
			log.Printf("[Pipeline] Assignment failed for %s: %v", id, err)
			continue
		}
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.EndpointsAssigned.WithLabelValues(string(models.SourceClustering)).Inc()
		}
		if o.cfg.Store != nil {
			now := m.AssignedAt
			if err := o.cfg.Store.SaveMembership(ctx, *m, &now); err != nil {
				log.Printf("[Pipeline] Membership persist failed: %v", err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) attachSGTs(centroids []models.ClusterCentroid, taxonomy models.SGTTaxonomy) {
	byCluster := make(map[int]int, len(taxonomy.Recommendations))
	for _, rec := range taxonomy.Recommendations {
		byCluster[rec.ClusterID] = rec.SGTValue
	}
	for i := range centroids {
		centroids[i].SGTValue = byCluster[centroids[i].ClusterID]
	}
}

// Placement failure sentinels for the API layer.
var (
	ErrModelNotReady   = errors.New("no fitted model; run a batch analysis first")
	ErrUnknownEndpoint = errors.New("endpoint has no ingested summary")
)

// ModelReady reports whether incremental placement can work: the scaler is
// frozen and centroids from a previous batch run are loaded.
func (o *Orchestrator) ModelReady() bool {
	o.mu.RLock()
	fitted := o.scaler.Fitted
	o.mu.RUnlock()
	return fitted && o.incremental.CentroidCount() > 0
}

// Place assigns one endpoint against the current centroids without a full
// batch run: enrich, scale with the frozen scaler, absorb into the nearest
// centroid, and record the membership under the incremental source. A noise
// assignment (no centroid within range) returns with a nil membership, as
// does a centroid whose cluster never received a tag.
func (o *Orchestrator) Place(ctx context.Context, endpointID string) (cluster.Assignment, *models.SGTMembership, error) {
	if !o.ModelReady() {
		return cluster.Assignment{}, nil, ErrModelNotReady
	}
	s, ok := o.cfg.Ingest.Summary(endpointID)
	if !ok {
		return cluster.Assignment{}, nil, ErrUnknownEndpoint
	}

	rec := o.resolver.Resolve(ctx, endpointID)
	identity.Apply(&s, rec)

	vec, err := features.Extract(&s)
	if err != nil {
		return cluster.Assignment{}, nil, fmt.Errorf("feature extraction: %w", err)
	}
	o.mu.RLock()
	scaled, err := o.scaler.Transform(vec)
	o.mu.RUnlock()
	if err != nil {
		return cluster.Assignment{}, nil, err
	}

	a, err := o.incremental.Assign(ctx, endpointID, scaled)
	if err != nil {
		return cluster.Assignment{}, nil, err
	}
	if a.ClusterID < 0 {
		return a, nil, nil
	}
	centroid, ok := o.incremental.Centroid(a.ClusterID)
	if !ok || centroid.SGTValue == 0 {
		return a, nil, nil
	}

	score := confidence.ClusterScore(a.ClusterID, confidence.Signals{
		Distance:    a.Distance,
		HasDistance: true,
		ClusterSize: centroid.MemberCount,
		HasSize:     true,
	})
	score = confidence.SGTScore(score, o.registry.HistoryCount(endpointID), false)
	m, err := o.registry.AssignEndpoint(endpointID, centroid.SGTValue, models.SourceIncremental, score, a.ClusterID)
	if err != nil {
		return a, nil, err
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.EndpointsAssigned.WithLabelValues(string(models.SourceIncremental)).Inc()
	}
	if o.cfg.Store != nil {
		now := m.AssignedAt
		if err := o.cfg.Store.SaveMembership(ctx, *m, &now); err != nil {
			log.Printf("[Pipeline] Membership persist failed: %v", err)
		}
	}
	return a, m, nil
}

// PlaceNew runs incremental placement for endpoints a sync batch introduced.
// Before the first batch run there is no model to place against; those
// endpoints wait for the next full analysis.
func (o *Orchestrator) PlaceNew(ctx context.Context, ids []string) {
	if len(ids) == 0 || !o.ModelReady() {
		return
	}
	for _, id := range ids {
		if _, ok := o.registry.MembershipOf(id); ok {
			continue
		}
		if _, _, err := o.Place(ctx, id); err != nil {
			log.Printf("[Pipeline] Incremental placement failed for %s: %v", id, err)
		}
	}
}

// buildPolicies folds the accumulated flows into the matrix and derives
// policies plus the simulated impact.
func (o *Orchestrator) buildPolicies(result *models.ClusterResult, taxonomy models.SGTTaxonomy) ([]models.MatrixCell, []models.SGACLPolicy, *models.ImpactReport) {
	endpointCluster := make(map[string]int, len(result.EndpointIDs))
	for i, id := range result.EndpointIDs {
		endpointCluster[id] = result.Labels[i]
	}
	clusterSGT := make(map[int]int, len(taxonomy.Recommendations))
	sgtNames := make(map[int]string, len(taxonomy.Recommendations))
	for _, rec := range taxonomy.Recommendations {
		clusterSGT[rec.ClusterID] = rec.SGTValue
		sgtNames[rec.SGTValue] = rec.SGTName
	}
	sgtNames[policy.UnknownSGT] = "Unknown"

	builder := policy.NewMatrixBuilder(endpointCluster, clusterSGT, o.cfg.IPToMAC, o.cfg.IPToService)
	for _, f := range o.cfg.Ingest.Flows() {
		builder.AddFlow(f)
	}
	matrix := builder.Build()

	policies := policy.NewGenerator(o.cfg.GeneratorConfig, sgtNames).Generate(matrix)
	impact := policy.NewAnalyzer(o.cfg.AnalyzerConfig).Analyze(matrix, policies)
	return matrix, policies, impact
}

// compareWithPrevious computes the Adjusted Rand Index between this run and
// the previous one over their shared endpoints. 1.0 on the first run.
func (o *Orchestrator) compareWithPrevious(result *models.ClusterResult) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	stability := 1.0
	if len(o.lastIDs) > 0 {
		prev := make(map[string]int, len(o.lastIDs))
		for i, id := range o.lastIDs {
			prev[id] = o.lastLabels[i]
		}
		var a, b []int
		for i, id := range result.EndpointIDs {
			if pl, ok := prev[id]; ok {
				a = append(a, result.Labels[i])
				b = append(b, pl)
			}
		}
		if len(a) >= 2 {
			stability = cluster.AdjustedRandIndex(a, b)
		}
	}
	o.lastIDs = append([]string(nil), result.EndpointIDs...)
	o.lastLabels = append([]int(nil), result.Labels...)
	return stability
}

func (o *Orchestrator) persistRun(ctx context.Context, labels []models.ClusterLabel, matrix []models.MatrixCell, policies []models.SGACLPolicy) {
	if o.cfg.Store == nil {
		return
	}
	for _, l := range labels {
		if err := o.cfg.Store.SaveClusterLabel(ctx, l); err != nil {
			log.Printf("[Pipeline] Label persist failed: %v", err)
		}
	}
	for _, cell := range matrix {
		if err := o.cfg.Store.SaveMatrixCell(ctx, cell); err != nil {
			log.Printf("[Pipeline] Matrix persist failed: %v", err)
		}
	}
	for _, p := range policies {
		if err := o.cfg.Store.SavePolicy(ctx, p); err != nil {
			log.Printf("[Pipeline] Policy persist failed: %v", err)
		}
	}
}

func (o *Orchestrator) restoreScaler() {
	if o.cfg.Store == nil {
		return
	}
	payload, ok, err := o.cfg.Store.LoadArtifact(context.Background(), scalerArtifactName)
	if err != nil || !ok {
		return
	}
	scaler, err := features.UnmarshalScaler(payload)
	if err != nil {
		log.Printf("[Pipeline] Stored scaler unreadable, refitting: %v", err)
		return
	}
	o.scaler = scaler
	log.Println("[Pipeline] Restored frozen feature scaler")
}

func (o *Orchestrator) persistScaler(ctx context.Context) {
	if o.cfg.Store == nil {
		return
	}
	payload, err := o.scaler.Marshal()
	if err != nil {
		return
	}
	if err := o.cfg.Store.SaveArtifact(ctx, scalerArtifactName, payload); err != nil {
		log.Printf("[Pipeline] Scaler persist failed: %v", err)
	}
}

func (o *Orchestrator) setStage(stage string, endpoints int) {
	o.mu.Lock()
	o.progress.Stage = stage
	o.progress.Endpoints = endpoints
	o.mu.Unlock()
}

// memCentroidStore is the in-memory CentroidStore used when PostgreSQL is
// not configured.
type memCentroidStore struct {
	mu        sync.Mutex
	centroids map[int]models.ClusterCentroid
}

func newMemCentroidStore() *memCentroidStore {
	return &memCentroidStore{centroids: make(map[int]models.ClusterCentroid)}
}

func (m *memCentroidStore) ListCentroids(context.Context) ([]models.ClusterCentroid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ClusterCentroid, 0, len(m.centroids))
	for _, c := range m.centroids {
		out = append(out, c)
	}
	return out, nil
}

func (m *memCentroidStore) SaveCentroid(_ context.Context, c models.ClusterCentroid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.centroids[c.ClusterID] = c
	return nil
}
