// Package confidence grades how much trust to place in an automated
// assignment. Everything here is a pure function: callers pass whatever
// signals they have and get a score in [0,1] plus a classification band.
package confidence

// Sub-score weights. Absent signals drop out and the rest renormalize.
const (
	WeightProbability = 0.4
	WeightDistance    = 0.3
	WeightSize        = 0.2
	WeightSilhouette  = 0.1
)

// NoiseConfidence is the fixed score for the -1 pseudo-cluster.
const NoiseConfidence = 0.2

// distanceDecayThreshold is the centroid distance at which the distance
// sub-score reaches zero; it matches the incremental clusterer's noise
// cutoff.
const distanceDecayThreshold = 2.0

// Cluster size anchors for the piecewise size sub-score.
const (
	sizeFloor   = 5  // below this a cluster says almost nothing
	sizeCeiling = 50 // above this more members add no confidence
)

// Signals carries the available sub-score inputs. Has* flags mark which
// fields are meaningful; zero values with a false flag are ignored.
type Signals struct {
	Probability    float64 // density membership probability, already [0,1]
	HasProbability bool
	Distance       float64 // Euclidean distance to assigned centroid
	HasDistance    bool
	ClusterSize    int
	HasSize        bool
	Silhouette     float64 // partition silhouette, [-1,1]
	HasSilhouette  bool
}

// DistanceScore decays linearly from 1 at distance 0 to 0 at the threshold.
func DistanceScore(d float64) float64 {
	if d <= 0 {
		return 1.0
	}
	if d >= distanceDecayThreshold {
		return 0.0
	}
	return 1.0 - d/distanceDecayThreshold
}

// ProbabilityScore is the identity, clamped.
func ProbabilityScore(p float64) float64 {
	return clamp01(p)
}

// SizeScore is piecewise: tiny clusters score the floor, growth between the
// anchors is linear, large clusters saturate at 1.
func SizeScore(n int) float64 {
	switch {
	case n <= 0:
		return 0.0
	case n < sizeFloor:
		return 0.2
	case n >= sizeCeiling:
		return 1.0
	default:
		return 0.2 + 0.8*float64(n-sizeFloor)/float64(sizeCeiling-sizeFloor)
	}
}

// SilhouetteScore maps [-1,1] to [0,1].
func SilhouetteScore(s float64) float64 {
	return clamp01((s + 1) / 2)
}

// ClusterScore combines the available sub-scores into one weighted average.
// label -1 short-circuits to the noise constant.
func ClusterScore(label int, sig Signals) float64 {
	if label < 0 {
		return NoiseConfidence
	}

	var weighted, totalWeight float64
	if sig.HasProbability {
		weighted += WeightProbability * ProbabilityScore(sig.Probability)
		totalWeight += WeightProbability
	}
	if sig.HasDistance {
		weighted += WeightDistance * DistanceScore(sig.Distance)
		totalWeight += WeightDistance
	}
	if sig.HasSize {
		weighted += WeightSize * SizeScore(sig.ClusterSize)
		totalWeight += WeightSize
	}
	if sig.HasSilhouette {
		weighted += WeightSilhouette * SilhouetteScore(sig.Silhouette)
		totalWeight += WeightSilhouette
	}
	if totalWeight == 0 {
		return NoiseConfidence
	}
	return clamp01(weighted / totalWeight)
}

// SGTScore grades an SGT assignment: the cluster score plus a stability
// bonus for endpoints whose history shows they keep landing in the same
// place. Manual assignments are always 1.0.
func SGTScore(clusterConfidence float64, historyCount int, manual bool) float64 {
	if manual {
		return 1.0
	}
	bonus := float64(historyCount) * 0.01
	if bonus > 0.1 {
		bonus = 0.1
	}
	return clamp01(clusterConfidence + bonus)
}

// Classification bands.
const (
	VeryHigh = "very_high"
	High     = "high"
	Medium   = "medium"
	Low      = "low"
	VeryLow  = "very_low"
)

// Classify buckets a score into its operator-facing band.
func Classify(score float64) string {
	switch {
	case score >= 0.9:
		return VeryHigh
	case score >= 0.8:
		return High
	case score >= 0.6:
		return Medium
	case score >= 0.4:
		return Low
	default:
		return VeryLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
