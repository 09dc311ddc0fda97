package cluster

import (
	"context"
	"log"
	"math"
	"sort"

	"github.com/trustlab/clarion/pkg/models"
)

// BatchConfig tunes the density clusterer.
type BatchConfig struct {
	MinClusterSize int // smallest component that counts as a cluster
	MinSamples     int // neighborhood size for core distances
}

// DefaultBatchConfig mirrors the operational defaults for campus-scale
// endpoint populations.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{MinClusterSize: 5, MinSamples: 3}
}

// BatchClusterer groups endpoints by behavioral density. It builds the
// mutual-reachability minimum spanning tree of the feature matrix, cuts it
// at the largest edge-weight gap, and keeps components of at least
// MinClusterSize as clusters; everything else is noise (-1).
type BatchClusterer struct {
	cfg BatchConfig
}

// NewBatchClusterer validates and applies the config.
func NewBatchClusterer(cfg BatchConfig) *BatchClusterer {
	if cfg.MinClusterSize < 2 {
		cfg.MinClusterSize = DefaultBatchConfig().MinClusterSize
	}
	if cfg.MinSamples < 1 {
		cfg.MinSamples = DefaultBatchConfig().MinSamples
	}
	return &BatchClusterer{cfg: cfg}
}

// Fit clusters the feature matrix. endpointIDs and X are parallel; the
// returned result carries labels in the same order plus derived counts,
// soft membership probabilities, and a silhouette when at least two
// clusters emerged.
func (b *BatchClusterer) Fit(ctx context.Context, endpointIDs []string, X [][]float64) (*models.ClusterResult, error) {
	n := len(X)
	result := &models.ClusterResult{
		EndpointIDs:  append([]string(nil), endpointIDs...),
		Labels:       make([]int, n),
		ClusterSizes: make(map[int]int),
	}
	if n == 0 {
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Too few points to form even one cluster: everything is noise.
	if n < b.cfg.MinClusterSize {
		for i := range result.Labels {
			result.Labels[i] = -1
		}
		result.NNoise = n
		result.ClusterSizes[-1] = n
		return result, nil
	}

	core := b.coreDistances(X)
	edges := mutualReachabilityMST(X, core)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keep := cutIndex(edges)
	uf := newUnionFind(n)
	for _, e := range edges[:keep] {
		uf.union(e.a, e.b)
	}

	b.assignLabels(result, uf, n)
	b.assignProbabilities(result, X, core)

	if result.NClusters >= 2 {
		if s, ok := Silhouette(X, result.Labels); ok {
			result.Silhouette = s
			result.HasSilhouette = true
		}
	}

	log.Printf("[Cluster] Batch run: %d endpoints, %d clusters, %d noise",
		n, result.NClusters, result.NNoise)
	return result, nil
}

// coreDistances returns, per point, the distance to its MinSamples-th
// nearest neighbor. Sparse neighborhoods get large core distances and are
// pushed toward noise.
func (b *BatchClusterer) coreDistances(X [][]float64) []float64 {
	n := len(X)
	k := b.cfg.MinSamples
	if k >= n {
		k = n - 1
	}
	core := make([]float64, n)
	dists := make([]float64, 0, n-1)
	for i := 0; i < n; i++ {
		dists = dists[:0]
		for j := 0; j < n; j++ {
			if j != i {
				dists = append(dists, euclidean(X[i], X[j]))
			}
		}
		sort.Float64s(dists)
		if k > 0 {
			core[i] = dists[k-1]
		}
	}
	return core
}

type mstEdge struct {
	a, b   int
	weight float64
}

// mutualReachabilityMST builds the minimum spanning tree under the
// mutual reachability distance max(core(a), core(b), d(a,b)) with Prim's
// algorithm. Returns n-1 edges sorted by ascending weight.
func mutualReachabilityMST(X [][]float64, core []float64) []mstEdge {
	n := len(X)
	inTree := make([]bool, n)
	bestDist := make([]float64, n)
	bestFrom := make([]int, n)
	for i := range bestDist {
		bestDist[i] = math.MaxFloat64
	}

	edges := make([]mstEdge, 0, n-1)
	current := 0
	inTree[0] = true
	for len(edges) < n-1 {
		for j := 0; j < n; j++ {
			if inTree[j] {
				continue
			}
			d := euclidean(X[current], X[j])
			mr := math.Max(d, math.Max(core[current], core[j]))
			if mr < bestDist[j] {
				bestDist[j] = mr
				bestFrom[j] = current
			}
		}

		next, nextDist := -1, math.MaxFloat64
		for j := 0; j < n; j++ {
			if !inTree[j] && bestDist[j] < nextDist {
				next, nextDist = j, bestDist[j]
			}
		}
		if next < 0 {
			break
		}
		inTree[next] = true
		edges = append(edges, mstEdge{a: bestFrom[next], b: next, weight: nextDist})
		current = next
	}

	sort.Slice(edges, func(i, j int) bool { return edges[i].weight < edges[j].weight })
	return edges
}

// cutIndex walks the sorted MST edges and finds the first weight that jumps
// well above the running mean of the edges already accepted. Everything from
// that index up is an inter-cluster bridge (or an outlier tether) and is
// discarded; a flat weight profile keeps every edge and yields one cluster.
func cutIndex(edges []mstEdge) int {
	if len(edges) == 0 {
		return 0
	}
	sum := edges[0].weight
	for i := 1; i < len(edges); i++ {
		mean := sum / float64(i)
		if edges[i].weight > 3*mean+1e-9 {
			return i
		}
		sum += edges[i].weight
	}
	return len(edges)
}

// assignLabels converts union-find components into dense labels, demoting
// components below MinClusterSize to noise. Labels are assigned in first
// appearance order so repeated runs over the same input agree.
func (b *BatchClusterer) assignLabels(result *models.ClusterResult, uf *unionFind, n int) {
	componentSize := make(map[int]int)
	for i := 0; i < n; i++ {
		componentSize[uf.find(i)]++
	}

	nextLabel := 0
	rootLabel := make(map[int]int)
	for i := 0; i < n; i++ {
		root := uf.find(i)
		if componentSize[root] < b.cfg.MinClusterSize {
			result.Labels[i] = -1
			result.NNoise++
			result.ClusterSizes[-1]++
			continue
		}
		label, ok := rootLabel[root]
		if !ok {
			label = nextLabel
			rootLabel[root] = label
			nextLabel++
		}
		result.Labels[i] = label
		result.ClusterSizes[label]++
	}
	result.NClusters = nextLabel
}

// assignProbabilities grades each member's density relative to its cluster:
// the point with the smallest core distance gets 1.0, the sparsest member
// approaches the floor. Noise points get 0.
func (b *BatchClusterer) assignProbabilities(result *models.ClusterResult, X [][]float64, core []float64) {
	maxCore := make(map[int]float64)
	minCore := make(map[int]float64)
	for i, l := range result.Labels {
		if l < 0 {
			continue
		}
		if _, ok := minCore[l]; !ok {
			minCore[l], maxCore[l] = core[i], core[i]
		}
		minCore[l] = math.Min(minCore[l], core[i])
		maxCore[l] = math.Max(maxCore[l], core[i])
	}

	result.Probabilities = make(map[string]float64, len(X))
	for i, l := range result.Labels {
		id := result.EndpointIDs[i]
		if l < 0 {
			result.Probabilities[id] = 0
			continue
		}
		span := maxCore[l] - minCore[l]
		if span <= 0 {
			result.Probabilities[id] = 1.0
			continue
		}
		result.Probabilities[id] = 1.0 - 0.8*(core[i]-minCore[l])/span
	}
}

// unionFind is a path-compressing disjoint set over point indices.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
}
