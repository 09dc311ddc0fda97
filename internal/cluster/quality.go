// Package cluster holds the backend categorization engines: the density
// based batch clusterer, the centroid-based incremental path, and the
// partition quality metrics used to judge both.
package cluster

import "math"

// Silhouette computes the mean silhouette coefficient over non-noise points.
//
// For each point: a = mean intra-cluster distance, b = smallest mean
// distance to any other cluster, s = (b-a)/max(a,b). The mean over all
// points lands in [-1, 1]; higher is tighter separation. Requires at least
// two clusters; otherwise the score is undefined and ok=false.
func Silhouette(X [][]float64, labels []int) (float64, bool) {
	// Collect non-noise cluster members.
	members := make(map[int][]int)
	for i, l := range labels {
		if l >= 0 {
			members[l] = append(members[l], i)
		}
	}
	if len(members) < 2 {
		return 0, false
	}

	total, counted := 0.0, 0
	for l, idxs := range members {
		for _, i := range idxs {
			a := meanDistance(X, i, idxs)

			b := math.MaxFloat64
			for other, otherIdxs := range members {
				if other == l {
					continue
				}
				if d := meanDistance(X, i, otherIdxs); d < b {
					b = d
				}
			}

			denom := math.Max(a, b)
			if denom > 0 {
				total += (b - a) / denom
			}
			counted++
		}
	}
	if counted == 0 {
		return 0, false
	}
	return total / float64(counted), true
}

// meanDistance averages the Euclidean distance from point i to a member set,
// excluding i itself.
func meanDistance(X [][]float64, i int, idxs []int) float64 {
	sum, n := 0.0, 0
	for _, j := range idxs {
		if j == i {
			continue
		}
		sum += euclidean(X[i], X[j])
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// AdjustedRandIndex compares two partitions of the same endpoints, exposing
// cluster collapse between consecutive analysis runs.
//
// ARI = (RI - Expected_RI) / (Max_RI - Expected_RI); 1 = identical
// partitions, 0 = what random agreement would produce.
func AdjustedRandIndex(predicted, reference []int) float64 {
	n := len(predicted)
	if n != len(reference) || n < 2 {
		return 0.0
	}

	predMap := labelIndex(predicted)
	refMap := labelIndex(reference)

	nij := make([][]int, len(predMap))
	for i := range nij {
		nij[i] = make([]int, len(refMap))
	}
	for k := 0; k < n; k++ {
		nij[predMap[predicted[k]]][refMap[reference[k]]]++
	}

	rowSums := make([]int, len(predMap))
	colSums := make([]int, len(refMap))
	sumNijC2 := 0.0
	for i := range nij {
		for j := range nij[i] {
			rowSums[i] += nij[i][j]
			colSums[j] += nij[i][j]
			sumNijC2 += comb2(nij[i][j])
		}
	}

	sumAiC2, sumBjC2 := 0.0, 0.0
	for _, a := range rowSums {
		sumAiC2 += comb2(a)
	}
	for _, b := range colSums {
		sumBjC2 += comb2(b)
	}

	nC2 := comb2(n)
	if nC2 == 0 {
		return 0.0
	}
	expected := (sumAiC2 * sumBjC2) / nC2
	maxIndex := 0.5 * (sumAiC2 + sumBjC2)
	denom := maxIndex - expected
	if math.Abs(denom) < 1e-12 {
		return 1.0
	}
	return (sumNijC2 - expected) / denom
}

func comb2(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n) * float64(n-1) / 2.0
}

func labelIndex(labels []int) map[int]int {
	idx := make(map[int]int)
	for _, l := range labels {
		if _, ok := idx[l]; !ok {
			idx[l] = len(idx)
		}
	}
	return idx
}
