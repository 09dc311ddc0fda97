package cluster

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/trustlab/clarion/pkg/models"
)

// CentroidStore is the persistence boundary for cluster centroids.
type CentroidStore interface {
	ListCentroids(ctx context.Context) ([]models.ClusterCentroid, error)
	SaveCentroid(ctx context.Context, c models.ClusterCentroid) error
}

// Assignment is the outcome of one incremental placement.
type Assignment struct {
	EndpointID string  `json:"endpointId"`
	ClusterID  int     `json:"clusterId"` // -1 when nothing is close enough
	Distance   float64 `json:"distance"`  // distance to the winning centroid
}

// IncrementalClusterer places new endpoints against the centroids of the
// last batch run without re-clustering the whole population. Centroids are
// held in memory; updates are written through to the store and, when
// configured, to the shared cache.
type IncrementalClusterer struct {
	mu        sync.RWMutex
	centroids map[int]models.ClusterCentroid

	store     CentroidStore
	cache     *CentroidCache
	threshold float64
}

// NewIncrementalClusterer builds the clusterer. maxDistance is the noise
// cutoff: an endpoint farther than this from every centroid stays
// unassigned. cache may be nil.
func NewIncrementalClusterer(store CentroidStore, cache *CentroidCache, maxDistance float64) *IncrementalClusterer {
	if maxDistance <= 0 {
		maxDistance = 2.0
	}
	return &IncrementalClusterer{
		centroids: make(map[int]models.ClusterCentroid),
		store:     store,
		cache:     cache,
		threshold: maxDistance,
	}
}

// Load pulls centroids into memory, preferring the cache when one is
// configured and warm. A cache miss falls through to the store.
func (ic *IncrementalClusterer) Load(ctx context.Context) error {
	if ic.cache != nil {
		if centroids, ok := ic.cache.Get(ctx); ok {
			ic.install(centroids)
			log.Printf("[Cluster] Loaded %d centroids from cache", len(centroids))
			return nil
		}
	}

	centroids, err := ic.store.ListCentroids(ctx)
	if err != nil {
		return err
	}
	ic.install(centroids)
	if ic.cache != nil {
		ic.cache.Put(ctx, centroids)
	}
	log.Printf("[Cluster] Loaded %d centroids from store", len(centroids))
	return nil
}

func (ic *IncrementalClusterer) install(centroids []models.ClusterCentroid) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.centroids = make(map[int]models.ClusterCentroid, len(centroids))
	for _, c := range centroids {
		ic.centroids[c.ClusterID] = c
	}
}

// Replace swaps in the centroids of a fresh batch run.
func (ic *IncrementalClusterer) Replace(ctx context.Context, centroids []models.ClusterCentroid) error {
	ic.install(centroids)
	for _, c := range centroids {
		if err := ic.store.SaveCentroid(ctx, c); err != nil {
			return err
		}
	}
	if ic.cache != nil {
		ic.cache.Put(ctx, centroids)
	}
	return nil
}

// CentroidCount returns the number of centroids in memory.
func (ic *IncrementalClusterer) CentroidCount() int {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return len(ic.centroids)
}

// Centroid returns a snapshot of one centroid, including the SGT stamped on
// it by the last batch run.
func (ic *IncrementalClusterer) Centroid(clusterID int) (models.ClusterCentroid, bool) {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	c, ok := ic.centroids[clusterID]
	return c, ok
}

// Assign places one feature vector against the loaded centroids and updates
// the winning centroid as the running mean of its members.
func (ic *IncrementalClusterer) Assign(ctx context.Context, endpointID string, vec []float64) (Assignment, error) {
	a := ic.nearest(endpointID, vec)
	if a.ClusterID < 0 {
		return a, nil
	}
	if err := ic.absorb(ctx, a.ClusterID, vec); err != nil {
		return a, err
	}
	return a, nil
}

// AssignBulk places many endpoints, then persists each touched centroid
// once. vectors and endpointIDs are parallel.
func (ic *IncrementalClusterer) AssignBulk(ctx context.Context, endpointIDs []string, vectors [][]float64) ([]Assignment, error) {
	out := make([]Assignment, 0, len(endpointIDs))
	touched := make(map[int]bool)
	for i, id := range endpointIDs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		a := ic.nearest(id, vectors[i])
		out = append(out, a)
		if a.ClusterID < 0 {
			continue
		}
		ic.absorbInMemory(a.ClusterID, vectors[i])
		touched[a.ClusterID] = true
	}

	for _, id := range sortedKeys(touched) {
		if err := ic.persist(ctx, id); err != nil {
			return out, err
		}
	}
	return out, nil
}

// nearest runs the argmin over centroids under the noise cutoff.
func (ic *IncrementalClusterer) nearest(endpointID string, vec []float64) Assignment {
	ic.mu.RLock()
	defer ic.mu.RUnlock()

	best := Assignment{EndpointID: endpointID, ClusterID: -1, Distance: math.MaxFloat64}
	for id, c := range ic.centroids {
		if len(c.Vector) != len(vec) {
			continue
		}
		d := euclidean(c.Vector, vec)
		if d < best.Distance || (d == best.Distance && id < best.ClusterID) {
			best.ClusterID = id
			best.Distance = d
		}
	}
	if best.ClusterID < 0 || best.Distance > ic.threshold {
		return Assignment{EndpointID: endpointID, ClusterID: -1, Distance: best.Distance}
	}
	return best
}

// absorb folds one vector into a centroid and writes the update through.
func (ic *IncrementalClusterer) absorb(ctx context.Context, clusterID int, vec []float64) error {
	ic.absorbInMemory(clusterID, vec)
	return ic.persist(ctx, clusterID)
}

func (ic *IncrementalClusterer) absorbInMemory(clusterID int, vec []float64) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	c, ok := ic.centroids[clusterID]
	if !ok {
		return
	}
	n := float64(c.MemberCount)
	updated := make([]float64, len(c.Vector))
	for i := range c.Vector {
		updated[i] = (c.Vector[i]*n + vec[i]) / (n + 1)
	}
	c.Vector = updated
	c.MemberCount++
	c.UpdatedAt = time.Now().UTC()
	ic.centroids[clusterID] = c
}

func (ic *IncrementalClusterer) persist(ctx context.Context, clusterID int) error {
	ic.mu.RLock()
	c, ok := ic.centroids[clusterID]
	ic.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := ic.store.SaveCentroid(ctx, c); err != nil {
		return err
	}
	if ic.cache != nil {
		ic.cache.PutOne(ctx, c)
	}
	return nil
}

// CentroidsFromResult derives fresh centroids from a batch run: per
// non-noise cluster, the member-vector mean.
func CentroidsFromResult(result *models.ClusterResult, X [][]float64) []models.ClusterCentroid {
	sums := make(map[int][]float64)
	counts := make(map[int]int)
	for i, l := range result.Labels {
		if l < 0 {
			continue
		}
		if sums[l] == nil {
			sums[l] = make([]float64, len(X[i]))
		}
		for d := range X[i] {
			sums[l][d] += X[i][d]
		}
		counts[l]++
	}

	now := time.Now().UTC()
	out := make([]models.ClusterCentroid, 0, len(sums))
	for _, l := range sortedKeys(countsToSet(counts)) {
		vec := sums[l]
		for d := range vec {
			vec[d] /= float64(counts[l])
		}
		out = append(out, models.ClusterCentroid{
			ClusterID:   l,
			Vector:      vec,
			MemberCount: counts[l],
			UpdatedAt:   now,
		})
	}
	return out
}

func countsToSet(m map[int]int) map[int]bool {
	set := make(map[int]bool, len(m))
	for k := range m {
		set[k] = true
	}
	return set
}

func sortedKeys(set map[int]bool) []int {
	keys := make([]int, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
