// Package features projects endpoint sketches onto the fixed-dimension
// vectors both clustering paths consume. Feature ordering is part of the
// contract: stored centroids and scaler parameters are only meaningful
// against the exact layout below.
package features

import (
	"fmt"
	"math"
	"strings"

	"github.com/trustlab/clarion/pkg/models"
)

// Dim is the feature vector width.
const Dim = 18

// Feature indices. Skewed features are log1p-scaled before standardization.
const (
	FeatPeers          = 0  // log1p(unique peers)
	FeatPorts          = 1  // log1p(unique ports)
	FeatServices       = 2  // log1p(unique services)
	FeatInOutRatio     = 3
	FeatTotalBytes     = 4 // log1p(bytes in+out)
	FeatFlows          = 5 // log1p(flow count)
	FeatActiveHours    = 6 // active hours / 24
	FeatBusinessHours  = 7
	FeatBytesPerFlow   = 8 // log1p
	FeatServerLikeness = 9
	FeatHasUser        = 10
	FeatGroupCount     = 11 // log1p
	FeatPrivileged     = 12
	FeatDevWorkstation = 13
	FeatDevServer      = 14
	FeatDevPrinter     = 15
	FeatDevPhone       = 16
	FeatDevOther       = 17
)

// Extract builds the raw (unstandardized) vector from a sketch summary.
// A NaN or Inf in the result is InvalidInput territory: the caller drops the
// endpoint and counts it, never aborts the batch.
func Extract(s *models.SketchSummary) ([]float64, error) {
	v := make([]float64, Dim)

	v[FeatPeers] = math.Log1p(float64(s.UniquePeersCount))
	v[FeatPorts] = math.Log1p(float64(s.UniquePortsCount))
	v[FeatServices] = math.Log1p(float64(s.UniqueServicesCount))
	v[FeatInOutRatio] = inOutRatio(s)
	v[FeatTotalBytes] = math.Log1p(float64(s.BytesIn + s.BytesOut))
	v[FeatFlows] = math.Log1p(float64(s.FlowCount))
	v[FeatActiveHours] = float64(activeHourCount(s.ActiveHours)) / 24.0
	v[FeatBusinessHours] = businessHoursRatio(s.ActiveHours)
	if s.FlowCount > 0 {
		v[FeatBytesPerFlow] = math.Log1p(float64(s.BytesIn+s.BytesOut) / float64(s.FlowCount))
	}
	if v[FeatInOutRatio] > 0.6 && s.UniquePeersCount < 100 {
		v[FeatServerLikeness] = 1
	}
	if s.Username != "" {
		v[FeatHasUser] = 1
	}
	v[FeatGroupCount] = math.Log1p(float64(len(s.ADGroups)))
	if isPrivileged(s.ADGroups) {
		v[FeatPrivileged] = 1
	}
	v[deviceTypeIndex(s.DeviceType)] = 1

	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("invalid feature %d for endpoint %s", i, s.EndpointID)
		}
	}
	return v, nil
}

func inOutRatio(s *models.SketchSummary) float64 {
	if s.BytesIn == 0 {
		return 0.5
	}
	return float64(s.BytesIn) / float64(s.BytesIn+s.BytesOut)
}

func activeHourCount(bitmap uint32) int {
	count := 0
	for h := 0; h < 24; h++ {
		if bitmap&(1<<uint(h)) != 0 {
			count++
		}
	}
	return count
}

func businessHoursRatio(bitmap uint32) float64 {
	total, business := 0, 0
	for h := 0; h < 24; h++ {
		if bitmap&(1<<uint(h)) == 0 {
			continue
		}
		total++
		if h >= 8 && h <= 17 {
			business++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(business) / float64(total)
}

func isPrivileged(groups []string) bool {
	for _, g := range groups {
		lower := strings.ToLower(g)
		if strings.Contains(lower, "admin") || strings.Contains(lower, "privileged") {
			return true
		}
	}
	return false
}

func deviceTypeIndex(deviceType string) int {
	switch strings.ToLower(deviceType) {
	case "workstation", "laptop", "desktop":
		return FeatDevWorkstation
	case "server":
		return FeatDevServer
	case "printer":
		return FeatDevPrinter
	case "phone", "ip-phone", "mobile":
		return FeatDevPhone
	default:
		return FeatDevOther
	}
}
