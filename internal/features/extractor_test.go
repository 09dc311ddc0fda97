package features

import (
	"math"
	"testing"

	"github.com/trustlab/clarion/pkg/models"
)

func workstationSummary() *models.SketchSummary {
	return &models.SketchSummary{
		EndpointID:          "aa:bb:cc:dd:ee:01",
		UniquePeersCount:    25,
		UniquePortsCount:    8,
		UniqueServicesCount: 5,
		BytesIn:             2_000_000,
		BytesOut:            8_000_000,
		FlowCount:           400,
		ActiveHours:         0b0000_0011_1111_1100_0000_0000, // hours 10-17
		Username:            "jdoe",
		ADGroups:            []string{"Domain Users", "Engineering"},
		DeviceType:          "laptop",
	}
}

func TestExtract_DimensionAndOrdering(t *testing.T) {
	v, err := Extract(workstationSummary())
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(v) != Dim {
		t.Fatalf("Expected %d features, got %d", Dim, len(v))
	}

	if v[FeatPeers] != math.Log1p(25) {
		t.Errorf("peer feature wrong: %f", v[FeatPeers])
	}
	if v[FeatInOutRatio] != 0.2 {
		t.Errorf("Expected inOutRatio=0.2, got %f", v[FeatInOutRatio])
	}
	if v[FeatHasUser] != 1 {
		t.Error("hasUser flag not set")
	}
	if v[FeatDevWorkstation] != 1 || v[FeatDevServer] != 0 {
		t.Error("device one-hot wrong for laptop")
	}
	if v[FeatActiveHours] != 8.0/24.0 {
		t.Errorf("active hours ratio wrong: %f", v[FeatActiveHours])
	}
	if v[FeatBusinessHours] != 1.0 {
		t.Errorf("business hours ratio wrong: %f", v[FeatBusinessHours])
	}
}

func TestExtract_PrivilegedGroupDetected(t *testing.T) {
	s := workstationSummary()
	s.ADGroups = append(s.ADGroups, "Domain Admins")
	v, err := Extract(s)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if v[FeatPrivileged] != 1 {
		t.Error("privileged flag not set for Domain Admins member")
	}
}

func TestExtract_ServerLikeness(t *testing.T) {
	s := &models.SketchSummary{
		EndpointID:       "aa:bb:cc:dd:ee:02",
		UniquePeersCount: 40,
		BytesIn:          9_000_000,
		BytesOut:         1_000_000,
		FlowCount:        100,
		DeviceType:       "server",
	}
	v, err := Extract(s)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if v[FeatServerLikeness] != 1 {
		t.Error("server likeness not set for inbound-heavy narrow-peer endpoint")
	}
	if v[FeatDevServer] != 1 {
		t.Error("device one-hot wrong for server")
	}
}

func TestExtract_Deterministic(t *testing.T) {
	a, _ := Extract(workstationSummary())
	b, _ := Extract(workstationSummary())
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("feature %d not deterministic: %f != %f", i, a[i], b[i])
		}
	}
}

func TestScaler_FitFreezesOnFirstBatch(t *testing.T) {
	sc := NewScaler()
	first := [][]float64{{0, 10}, {2, 20}, {4, 30}}
	sc.Fit(first)

	mean0 := sc.Mean[0]
	// A second fit must not move the parameters.
	sc.Fit([][]float64{{100, 100}, {200, 200}})
	if sc.Mean[0] != mean0 {
		t.Error("scaler parameters moved after the first fit")
	}
}

func TestScaler_TransformZeroMeanUnitVariance(t *testing.T) {
	sc := NewScaler()
	batch := [][]float64{{1, 100}, {3, 300}, {5, 500}}
	sc.Fit(batch)

	transformed, err := sc.TransformAll(batch)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	for col := 0; col < 2; col++ {
		sum := 0.0
		for _, v := range transformed {
			sum += v[col]
		}
		if math.Abs(sum) > 1e-9 {
			t.Errorf("column %d mean not zero: %f", col, sum/3)
		}
	}
}

func TestScaler_UnfittedTransformFails(t *testing.T) {
	sc := NewScaler()
	if _, err := sc.Transform([]float64{1, 2}); err == nil {
		t.Error("Expected error transforming with an unfitted scaler")
	}
}

func TestScaler_ArtifactRoundTrip(t *testing.T) {
	sc := NewScaler()
	sc.Fit([][]float64{{1, 2, 3}, {4, 5, 6}})

	data, err := sc.Marshal()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	restored, err := UnmarshalScaler(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	a, _ := sc.Transform([]float64{2, 3, 4})
	b, _ := restored.Transform([]float64{2, 3, 4})
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("restored scaler disagrees at %d: %f != %f", i, a[i], b[i])
		}
	}
}
