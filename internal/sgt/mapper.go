// Package sgt manages Scalable Group Tags: the mapper proposes a tag
// taxonomy from labeled clusters, the registry owns tag definitions and
// endpoint membership with a full audit trail.
package sgt

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/trustlab/clarion/pkg/models"
)

// nameTemplate pairs a label pattern with a canonical tag name and range
// category. Matching is case-insensitive on substrings.
type nameTemplate struct {
	match    string
	name     string
	category models.SGTCategory
}

// templates is the fixed label-to-tag table. First match wins; labels that
// miss every row fall through to behavioral categorization.
var templates = []nameTemplate{
	{"corporate laptop", "Corp-Users", models.CategoryUsers},
	{"workstation", "Corp-Users", models.CategoryUsers},
	{"domain users", "Corp-Users", models.CategoryUsers},
	{"engineering", "Eng-Users", models.CategoryUsers},
	{"finance", "Finance-Users", models.CategoryUsers},
	{"contractor", "Contractors", models.CategoryUsers},
	{"guest", "Guests", models.CategorySpecial},
	{"server", "Servers", models.CategoryServers},
	{"printer", "Printers", models.CategoryDevices},
	{"camera", "Cameras", models.CategoryDevices},
	{"phone", "Phones", models.CategoryDevices},
	{"iot", "IoT-Devices", models.CategoryDevices},
	{"badge", "Badge-Readers", models.CategoryDevices},
}

// categoryRanges in allocation order per category.
var categoryRanges = map[models.SGTCategory][2]int{
	models.CategoryUsers:   {models.SGTRangeUsersLow, models.SGTRangeUsersHigh},
	models.CategoryServers: {models.SGTRangeServersLow, models.SGTRangeServersHigh},
	models.CategoryDevices: {models.SGTRangeDevicesLow, models.SGTRangeDevicesHigh},
	models.CategorySpecial: {models.SGTRangeSpecialLow, models.SGTRangeSpecialHigh},
}

// Mapper allocates SGT values and names for labeled clusters. A mapper is
// single-use: allocation state accumulates across Map calls so repeated
// taxonomies stay conflict-free.
type Mapper struct {
	nextInRange map[models.SGTCategory]int
	usedNames   map[string]int // base name -> times allocated
	minSize     int            // clusters below this don't count toward coverage
}

// NewMapper builds a mapper. minClusterSize guards coverage statistics
// against micro-clusters.
func NewMapper(minClusterSize int) *Mapper {
	if minClusterSize < 1 {
		minClusterSize = 1
	}
	return &Mapper{
		nextInRange: map[models.SGTCategory]int{
			models.CategoryUsers:   models.SGTRangeUsersLow,
			models.CategoryServers: models.SGTRangeServersLow,
			models.CategoryDevices: models.SGTRangeDevicesLow,
			models.CategorySpecial: models.SGTRangeSpecialLow,
		},
		usedNames: make(map[string]int),
		minSize:   minClusterSize,
	}
}

// Map proposes one SGT per non-noise cluster label and aggregates the
// taxonomy statistics. endpointsTotal is the full population size including
// noise.
func (m *Mapper) Map(labels []models.ClusterLabel, endpointsTotal int) models.SGTTaxonomy {
	tax := models.SGTTaxonomy{
		EndpointsTotal: endpointsTotal,
		GeneratedAt:    time.Now().UTC(),
	}

	var confidenceSum float64
	for _, label := range labels {
		if label.ClusterID < 0 {
			continue
		}
		name, category := m.categorize(label)
		value, ok := m.allocate(category)
		if !ok {
			log.Printf("[SGT] Tag ranges exhausted, skipping cluster %d (%s)",
				label.ClusterID, label.Name)
			continue
		}
		rec := models.SGTRecommendation{
			ClusterID:   label.ClusterID,
			SGTValue:    value,
			SGTName:     m.uniqueName(name),
			Category:    category,
			Confidence:  label.Confidence,
			MemberCount: label.MemberCount,
			Reason:      fmt.Sprintf("%s: %s", label.PrimaryReason, label.Name),
		}
		tax.Recommendations = append(tax.Recommendations, rec)
		confidenceSum += rec.Confidence
		if label.MemberCount >= m.minSize {
			tax.EndpointsCovered += label.MemberCount
		}
	}

	if len(tax.Recommendations) > 0 {
		tax.AvgConfidence = confidenceSum / float64(len(tax.Recommendations))
	}
	if endpointsTotal > 0 {
		tax.Coverage = float64(tax.EndpointsCovered) / float64(endpointsTotal)
	}
	log.Printf("[SGT] Mapped %d clusters, coverage %.1f%%",
		len(tax.Recommendations), tax.Coverage*100)
	return tax
}

// categorize resolves a label to (tag name, category) via the template
// table, falling back to behavioral heuristics for unknown labels.
func (m *Mapper) categorize(label models.ClusterLabel) (string, models.SGTCategory) {
	lower := strings.ToLower(label.Name)
	for _, t := range templates {
		if strings.Contains(lower, t.match) {
			return t.name, t.category
		}
	}

	// Unknown label: server-looking clusters join the server range, clusters
	// named after people-signals join users, the rest are devices.
	switch {
	case label.Behavior.IsServerCluster:
		return sanitizeName(label.Name), models.CategoryServers
	case label.PrimaryReason == "ad_group":
		return sanitizeName(label.Name), models.CategoryUsers
	default:
		return sanitizeName(label.Name), models.CategoryDevices
	}
}

// allocate hands out the next free value in the category range; a full
// range overflows into special. Once special is also full, allocation
// fails rather than leaking values outside the declared ranges.
func (m *Mapper) allocate(category models.SGTCategory) (int, bool) {
	r := categoryRanges[category]
	v := m.nextInRange[category]
	if v > r[1] {
		if category == models.CategorySpecial {
			return 0, false
		}
		return m.allocate(models.CategorySpecial)
	}
	m.nextInRange[category] = v + 1
	return v, true
}

// uniqueName enforces global name uniqueness with -2/-3 suffixes.
func (m *Mapper) uniqueName(base string) string {
	m.usedNames[base]++
	if n := m.usedNames[base]; n > 1 {
		return fmt.Sprintf("%s-%d", base, n)
	}
	return base
}

// sanitizeName renders an arbitrary label as a tag name: ASCII word
// characters with runs of anything else collapsed to a hyphen.
func sanitizeName(label string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
