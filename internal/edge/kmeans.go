// Package edge holds the switch-side half of the pipeline: flow ingestion
// into the sketch store, the memory-frugal local clusterer, and the sync
// client that ships sketches to the backend.
package edge

import (
	"context"
	"math"
	"math/rand"
)

// KMeans is the lightweight local clusterer that runs on the switch. It uses
// k-means++ seeding and plain Lloyd iterations over the sketch feature
// vectors; pure floating point, no math library, bounded iterations.
type KMeans struct {
	K        int
	MaxIters int
	rng      *rand.Rand
}

// KMeansResult carries labels (0..k-1, parallel to the input rows) and the
// final centroid vectors.
type KMeansResult struct {
	Labels    []int
	Centroids [][]float64
	Iters     int
}

// NewKMeans builds a clusterer. MaxIters defaults to 10; the seed fixes the
// k-means++ sampling so tests can pin outcomes.
func NewKMeans(k, maxIters int, seed int64) *KMeans {
	if maxIters <= 0 {
		maxIters = 10
	}
	return &KMeans{K: k, MaxIters: maxIters, rng: rand.New(rand.NewSource(seed))}
}

// Fit clusters the n x f matrix. Degenerate input (n < k) returns one
// cluster per point. The context is checked between iterations so a shutdown
// never waits on a full fit.
func (km *KMeans) Fit(ctx context.Context, X [][]float64) (*KMeansResult, error) {
	n := len(X)
	if n == 0 {
		return &KMeansResult{}, nil
	}
	if n <= km.K {
		labels := make([]int, n)
		centroids := make([][]float64, n)
		for i := range X {
			labels[i] = i
			centroids[i] = append([]float64(nil), X[i]...)
		}
		return &KMeansResult{Labels: labels, Centroids: centroids, Iters: 0}, nil
	}

	centroids := km.seedPlusPlus(X)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}

	iters := 0
	for ; iters < km.MaxIters; iters++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		changed := false
		for i, x := range X {
			best := nearestCentroid(x, centroids)
			if best != labels[i] {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		recomputeCentroids(X, labels, centroids)
	}

	return &KMeansResult{Labels: labels, Centroids: centroids, Iters: iters}, nil
}

// seedPlusPlus picks initial centroids: first uniform, the rest sampled with
// probability proportional to squared distance to the nearest chosen one.
func (km *KMeans) seedPlusPlus(X [][]float64) [][]float64 {
	n := len(X)
	centroids := make([][]float64, 0, km.K)
	centroids = append(centroids, append([]float64(nil), X[km.rng.Intn(n)]...))

	dists := make([]float64, n)
	for len(centroids) < km.K {
		total := 0.0
		for i, x := range X {
			d := squaredDistance(x, centroids[len(centroids)-1])
			if len(centroids) == 1 || d < dists[i] {
				dists[i] = d
			}
			total += dists[i]
		}

		if total == 0 {
			// All remaining points coincide with a centroid; any pick works.
			centroids = append(centroids, append([]float64(nil), X[km.rng.Intn(n)]...))
			continue
		}

		target := km.rng.Float64() * total
		acc := 0.0
		pick := n - 1
		for i, d := range dists {
			acc += d
			if acc >= target {
				pick = i
				break
			}
		}
		centroids = append(centroids, append([]float64(nil), X[pick]...))
	}
	return centroids
}

func nearestCentroid(x []float64, centroids [][]float64) int {
	best, bestDist := 0, math.MaxFloat64
	for c, centroid := range centroids {
		if d := squaredDistance(x, centroid); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func recomputeCentroids(X [][]float64, labels []int, centroids [][]float64) {
	f := len(X[0])
	counts := make([]int, len(centroids))
	sums := make([][]float64, len(centroids))
	for c := range sums {
		sums[c] = make([]float64, f)
	}
	for i, x := range X {
		c := labels[i]
		counts[c]++
		for j, v := range x {
			sums[c][j] += v
		}
	}
	for c := range centroids {
		if counts[c] == 0 {
			continue // empty cluster keeps its previous centroid
		}
		for j := range centroids[c] {
			centroids[c][j] = sums[c][j] / float64(counts[c])
		}
	}
}

func squaredDistance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// EuclideanDistance is shared with the incremental assignment path.
func EuclideanDistance(a, b []float64) float64 {
	return math.Sqrt(squaredDistance(a, b))
}
