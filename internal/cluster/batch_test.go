package cluster

import (
	"context"
	"fmt"
	"testing"
)

// twoBlobIDs and twoBlobs build two dense 6-point groups with stable IDs.
func twoBlobs() ([]string, [][]float64) {
	points := [][]float64{
		{0.0, 0.0}, {0.1, 0.0}, {0.0, 0.1}, {0.1, 0.1}, {0.05, 0.0}, {0.0, 0.05},
		{10.0, 10.0}, {10.1, 10.0}, {10.0, 10.1}, {10.1, 10.1}, {10.05, 10.0}, {10.0, 10.05},
	}
	ids := make([]string, len(points))
	for i := range ids {
		ids[i] = fmt.Sprintf("aa:bb:cc:dd:ee:%02x", i)
	}
	return ids, points
}

func TestBatchClusterer_SeparatesTwoGroups(t *testing.T) {
	ids, X := twoBlobs()
	bc := NewBatchClusterer(BatchConfig{MinClusterSize: 5, MinSamples: 3})

	result, err := bc.Fit(context.Background(), ids, X)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if result.NClusters != 2 {
		t.Fatalf("Expected 2 clusters, got %d (labels %v)", result.NClusters, result.Labels)
	}
	if result.NNoise != 0 {
		t.Errorf("Expected no noise, got %d", result.NNoise)
	}

	for i := 1; i < 6; i++ {
		if result.Labels[i] != result.Labels[0] {
			t.Errorf("first group split: %v", result.Labels)
		}
		if result.Labels[6+i] != result.Labels[6] {
			t.Errorf("second group split: %v", result.Labels)
		}
	}
	if result.Labels[0] == result.Labels[6] {
		t.Errorf("groups merged: %v", result.Labels)
	}
}

func TestBatchClusterer_OutlierBecomesNoise(t *testing.T) {
	ids, X := twoBlobs()
	ids = append(ids, "aa:bb:cc:dd:ee:ff")
	X = append(X, []float64{500, 500})

	bc := NewBatchClusterer(BatchConfig{MinClusterSize: 5, MinSamples: 3})
	result, err := bc.Fit(context.Background(), ids, X)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	if result.NClusters != 2 {
		t.Fatalf("Expected 2 clusters despite outlier, got %d (labels %v)", result.NClusters, result.Labels)
	}
	if result.LabelOf("aa:bb:cc:dd:ee:ff") != -1 {
		t.Errorf("Expected outlier labeled -1, got %d", result.LabelOf("aa:bb:cc:dd:ee:ff"))
	}
	if result.NNoise != 1 {
		t.Errorf("Expected 1 noise point, got %d", result.NNoise)
	}
}

func TestBatchClusterer_EmptyInput(t *testing.T) {
	bc := NewBatchClusterer(DefaultBatchConfig())
	result, err := bc.Fit(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if len(result.Labels) != 0 || result.NClusters != 0 {
		t.Errorf("Expected empty result, got %+v", result)
	}
}

func TestBatchClusterer_TooFewPointsAllNoise(t *testing.T) {
	bc := NewBatchClusterer(BatchConfig{MinClusterSize: 5, MinSamples: 3})
	ids := []string{"a", "b", "c"}
	X := [][]float64{{0, 0}, {0, 0.1}, {0.1, 0}}

	result, err := bc.Fit(context.Background(), ids, X)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if result.NNoise != 3 || result.NClusters != 0 {
		t.Errorf("Expected all noise below min cluster size, got %+v", result)
	}
	for _, l := range result.Labels {
		if l != -1 {
			t.Errorf("Expected -1 labels, got %v", result.Labels)
		}
	}
}

func TestBatchClusterer_SilhouetteReported(t *testing.T) {
	ids, X := twoBlobs()
	bc := NewBatchClusterer(BatchConfig{MinClusterSize: 5, MinSamples: 3})

	result, err := bc.Fit(context.Background(), ids, X)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if !result.HasSilhouette {
		t.Fatal("Expected a silhouette for 2 clusters")
	}
	if result.Silhouette < 0.9 {
		t.Errorf("Expected silhouette near 1 for separated groups, got %f", result.Silhouette)
	}
}

func TestBatchClusterer_ProbabilitiesInRange(t *testing.T) {
	ids, X := twoBlobs()
	ids = append(ids, "outlier")
	X = append(X, []float64{500, 500})

	bc := NewBatchClusterer(BatchConfig{MinClusterSize: 5, MinSamples: 3})
	result, err := bc.Fit(context.Background(), ids, X)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	for id, p := range result.Probabilities {
		if p < 0 || p > 1 {
			t.Errorf("probability for %s out of range: %f", id, p)
		}
	}
	if result.Probabilities["outlier"] != 0 {
		t.Errorf("noise probability must be 0, got %f", result.Probabilities["outlier"])
	}
}

func TestBatchClusterer_DeterministicAcrossRuns(t *testing.T) {
	ids, X := twoBlobs()
	bc := NewBatchClusterer(BatchConfig{MinClusterSize: 5, MinSamples: 3})

	first, err := bc.Fit(context.Background(), ids, X)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	second, err := bc.Fit(context.Background(), ids, X)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	for i := range first.Labels {
		if first.Labels[i] != second.Labels[i] {
			t.Fatalf("labels diverged between identical runs: %v vs %v", first.Labels, second.Labels)
		}
	}
}

func TestBatchClusterer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ids, X := twoBlobs()
	bc := NewBatchClusterer(DefaultBatchConfig())
	if _, err := bc.Fit(ctx, ids, X); err == nil {
		t.Error("Expected context error from a cancelled fit")
	}
}
