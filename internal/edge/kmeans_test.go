package edge

import (
	"context"
	"testing"
)

// threeBlobs returns well-separated 2-D points in three groups of four.
func threeBlobs() [][]float64 {
	return [][]float64{
		{0.0, 0.1}, {0.1, 0.0}, {0.0, 0.0}, {0.1, 0.1},
		{10.0, 10.1}, {10.1, 10.0}, {10.0, 10.0}, {10.1, 10.1},
		{20.0, 0.1}, {20.1, 0.0}, {20.0, 0.0}, {20.1, 0.1},
	}
}

func TestKMeans_SeparatesObviousBlobs(t *testing.T) {
	km := NewKMeans(3, 10, 42)
	result, err := km.Fit(context.Background(), threeBlobs())
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	// Points within a blob must share a label; labels across blobs differ.
	for blob := 0; blob < 3; blob++ {
		first := result.Labels[blob*4]
		for i := 1; i < 4; i++ {
			if result.Labels[blob*4+i] != first {
				t.Errorf("blob %d split across clusters: %v", blob, result.Labels)
			}
		}
	}
	if result.Labels[0] == result.Labels[4] || result.Labels[4] == result.Labels[8] {
		t.Errorf("distinct blobs merged: %v", result.Labels)
	}
}

func TestKMeans_FewerPointsThanK(t *testing.T) {
	km := NewKMeans(5, 10, 1)
	X := [][]float64{{1, 1}, {2, 2}, {3, 3}}
	result, err := km.Fit(context.Background(), X)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if len(result.Centroids) != 3 {
		t.Errorf("Expected one cluster per point, got %d centroids", len(result.Centroids))
	}
	seen := map[int]bool{}
	for _, l := range result.Labels {
		if seen[l] {
			t.Errorf("duplicate label in degenerate case: %v", result.Labels)
		}
		seen[l] = true
	}
}

func TestKMeans_EmptyInput(t *testing.T) {
	km := NewKMeans(3, 10, 1)
	result, err := km.Fit(context.Background(), nil)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if len(result.Labels) != 0 {
		t.Error("Expected empty result for empty input")
	}
}

func TestKMeans_LabelsWithinRange(t *testing.T) {
	km := NewKMeans(3, 10, 7)
	result, err := km.Fit(context.Background(), threeBlobs())
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	for _, l := range result.Labels {
		if l < 0 || l >= 3 {
			t.Errorf("label %d out of range [0, 3)", l)
		}
	}
}

func TestKMeans_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	km := NewKMeans(3, 10, 7)
	if _, err := km.Fit(ctx, threeBlobs()); err == nil {
		t.Error("Expected context error from a cancelled fit")
	}
}

func TestEuclideanDistance(t *testing.T) {
	if d := EuclideanDistance([]float64{0, 0}, []float64{3, 4}); d != 5 {
		t.Errorf("Expected distance 5, got %f", d)
	}
}
