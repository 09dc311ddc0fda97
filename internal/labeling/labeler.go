// Package labeling turns cluster membership into operator-facing names.
// A cluster of MACs is useless on a segmentation review call; "Corporate
// Laptops (92% Workstation profile)" is something a network team can sign
// off on.
package labeling

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/trustlab/clarion/pkg/models"
)

// DominanceThreshold is the minimum membership ratio an identity signal
// needs before it can name a cluster.
const DominanceThreshold = 0.5

const (
	ReasonDeviceType = "device_type"
	ReasonISEProfile = "ise_profile"
	ReasonADGroup    = "ad_group"
	ReasonBehavioral = "behavioral"
	ReasonNoise      = "noise"
)

// displayNames maps raw device types to review-friendly cluster names.
var displayNames = map[string]string{
	"laptop":      "Corporate Laptops",
	"workstation": "Workstations",
	"server":      "Servers",
	"printer":     "Printers",
	"camera":      "IP Cameras",
	"phone":       "IP Phones",
	"iot":         "IoT Devices",
	"badge":       "Badge Readers",
}

// Labeler derives semantic labels from cluster composition.
type Labeler struct {
	topK int
}

// NewLabeler builds a labeler reporting the top-k signals per category.
func NewLabeler() *Labeler {
	return &Labeler{topK: 3}
}

// LabelAll produces one label per non-noise cluster plus, when noise exists,
// a label for the -1 pseudo-cluster explaining why its members stayed
// unclustered. summaries is keyed by endpoint ID.
func (l *Labeler) LabelAll(result *models.ClusterResult, summaries map[string]models.SketchSummary) []models.ClusterLabel {
	members := make(map[int][]models.SketchSummary)
	for i, label := range result.Labels {
		if s, ok := summaries[result.EndpointIDs[i]]; ok {
			members[label] = append(members[label], s)
		}
	}

	labels := make([]models.ClusterLabel, 0, len(members))
	for _, id := range sortedClusterIDs(members) {
		if id == -1 {
			labels = append(labels, l.labelNoise(members[id]))
			continue
		}
		labels = append(labels, l.labelCluster(id, members[id]))
	}
	log.Printf("[Labeling] Labeled %d clusters (%d endpoints)", len(labels), len(result.Labels))
	return labels
}

// labelCluster picks the strongest dominant identity signal in priority
// order, falling back to behavioral naming when nothing dominates.
func (l *Labeler) labelCluster(clusterID int, members []models.SketchSummary) models.ClusterLabel {
	deviceTypes := countSignal(members, func(s models.SketchSummary) []string {
		return nonEmpty(s.DeviceType)
	})
	profiles := countSignal(members, func(s models.SketchSummary) []string {
		return nonEmpty(s.ISEProfile)
	})
	groups := countSignal(members, func(s models.SketchSummary) []string {
		return s.ADGroups
	})

	n := len(members)
	behavior := summarizeBehavior(members)
	label := models.ClusterLabel{
		ClusterID:      clusterID,
		TopADGroups:    topShares(groups, n, l.topK),
		TopProfiles:    topShares(profiles, n, l.topK),
		TopDeviceTypes: topShares(deviceTypes, n, l.topK),
		Behavior:       behavior,
		MemberCount:    n,
	}

	if v, ratio, ok := dominant(deviceTypes, n); ok {
		label.Name = deviceDisplayName(v)
		label.PrimaryReason = ReasonDeviceType
		label.Confidence = clampConfidence(ratio)
		return label
	}
	if v, ratio, ok := dominant(profiles, n); ok {
		label.Name = v
		label.PrimaryReason = ReasonISEProfile
		label.Confidence = clampConfidence(ratio)
		return label
	}
	if v, ratio, ok := dominant(groups, n); ok {
		label.Name = v
		label.PrimaryReason = ReasonADGroup
		label.Confidence = clampConfidence(ratio)
		return label
	}

	label.PrimaryReason = ReasonBehavioral
	label.Confidence = 0.2
	if behavior.AvgInOutRatio > 0.6 {
		label.Name = "Server-like behavior"
	} else {
		label.Name = "Mixed behavior"
	}
	return label
}

// labelNoise explains the unclustered population so operators know whether
// noise is benign (printers seen once) or a visibility gap (no identity
// enrichment on a whole VLAN).
func (l *Labeler) labelNoise(members []models.SketchSummary) models.ClusterLabel {
	n := len(members)
	label := models.ClusterLabel{
		ClusterID:     -1,
		Name:          "Unclustered",
		PrimaryReason: ReasonNoise,
		Confidence:    0.2,
		Behavior:      summarizeBehavior(members),
		MemberCount:   n,
	}
	if n == 0 {
		return label
	}

	withoutIdentity, lowActivity := 0, 0
	deviceTypes := make(map[string]bool)
	for _, s := range members {
		if s.Username == "" && s.DeviceType == "" && s.ISEProfile == "" {
			withoutIdentity++
		}
		if s.FlowCount < 10 {
			lowActivity++
		}
		if s.DeviceType != "" {
			deviceTypes[s.DeviceType] = true
		}
	}

	var reason string
	switch {
	case float64(withoutIdentity)/float64(n) >= 0.5:
		reason = "lack of identity enrichment"
	case float64(lowActivity)/float64(n) >= 0.5:
		reason = "low activity"
	case len(deviceTypes) > 3:
		reason = "mixed device types"
	default:
		reason = "high behavioral diversity"
	}
	label.Name = fmt.Sprintf("Unclustered (%s)", reason)
	return label
}

func summarizeBehavior(members []models.SketchSummary) models.BehavioralSummary {
	if len(members) == 0 {
		return models.BehavioralSummary{}
	}
	var peers, ratio float64
	for _, s := range members {
		peers += float64(s.UniquePeersCount)
		ratio += inOutRatio(s)
	}
	n := float64(len(members))
	b := models.BehavioralSummary{
		AvgPeerDiversity: peers / n,
		AvgInOutRatio:    ratio / n,
	}
	b.IsServerCluster = b.AvgInOutRatio > 0.6
	return b
}

// inOutRatio matches the feature extractor: endpoints that never receive
// bytes sit at the neutral midpoint.
func inOutRatio(s models.SketchSummary) float64 {
	if s.BytesIn == 0 {
		return 0.5
	}
	return float64(s.BytesIn) / float64(s.BytesIn+s.BytesOut)
}

func countSignal(members []models.SketchSummary, extract func(models.SketchSummary) []string) map[string]int {
	counts := make(map[string]int)
	for _, s := range members {
		for _, v := range extract(s) {
			counts[v]++
		}
	}
	return counts
}

func nonEmpty(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}

// dominant returns the most frequent value when its ratio clears the
// dominance threshold. Ties break lexicographically for stable output.
func dominant(counts map[string]int, total int) (string, float64, bool) {
	if total == 0 {
		return "", 0, false
	}
	best, bestCount := "", 0
	for v, c := range counts {
		if c > bestCount || (c == bestCount && v < best) {
			best, bestCount = v, c
		}
	}
	ratio := float64(bestCount) / float64(total)
	if ratio < DominanceThreshold {
		return "", 0, false
	}
	return best, ratio, true
}

func topShares(counts map[string]int, total, k int) []models.SignalShare {
	if total == 0 || len(counts) == 0 {
		return nil
	}
	shares := make([]models.SignalShare, 0, len(counts))
	for v, c := range counts {
		shares = append(shares, models.SignalShare{Value: v, Ratio: float64(c) / float64(total)})
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].Ratio != shares[j].Ratio {
			return shares[i].Ratio > shares[j].Ratio
		}
		return shares[i].Value < shares[j].Value
	})
	if len(shares) > k {
		shares = shares[:k]
	}
	return shares
}

func clampConfidence(ratio float64) float64 {
	if ratio < 0.2 {
		return 0.2
	}
	if ratio > 1.0 {
		return 1.0
	}
	return ratio
}

// deviceDisplayName renders a raw device type as a cluster name.
func deviceDisplayName(deviceType string) string {
	if name, ok := displayNames[strings.ToLower(deviceType)]; ok {
		return name
	}
	lower := strings.ToLower(deviceType)
	return strings.ToUpper(lower[:1]) + lower[1:] + " Devices"
}

func sortedClusterIDs(members map[int][]models.SketchSummary) []int {
	ids := make([]int, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
