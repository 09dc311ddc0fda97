// Package policy builds the SGT-to-SGT traffic matrix from observed flows
// and turns it into deployable SGACL policies with an enforcement impact
// report.
package policy

import (
	"log"
	"sort"

	"github.com/trustlab/clarion/pkg/models"
)

// UnknownSGT is the catch-all destination tag for traffic whose target
// could not be resolved to any cluster or known service.
const UnknownSGT = 0

// ServiceCategorySGT is the destination tag for known services that are not
// managed endpoints (DNS resolvers, AD controllers, SaaS egress points).
const ServiceCategorySGT = models.SGTRangeServersLow

// MatrixBuilder folds flows into (srcSgt, dstSgt) cells. It resolves the
// source through the endpoint's cluster and the destination through the
// endpoint directory first, then the known-service map, then Unknown.
type MatrixBuilder struct {
	endpointCluster map[string]int    // MAC -> cluster
	clusterSGT      map[int]int       // cluster -> SGT value
	ipToMAC         map[string]string // directory: managed IP -> MAC
	ipToService     map[string]string // known service IP -> name

	cells    map[[2]int]*models.MatrixCell
	srcSets  map[[2]int]map[string]bool
	dstSets  map[[2]int]map[string]bool
	services map[[2]int]map[string]bool
	skipped  uint64
}

// NewMatrixBuilder wires the resolution maps. Any map may be nil.
func NewMatrixBuilder(endpointCluster map[string]int, clusterSGT map[int]int, ipToMAC, ipToService map[string]string) *MatrixBuilder {
	return &MatrixBuilder{
		endpointCluster: endpointCluster,
		clusterSGT:      clusterSGT,
		ipToMAC:         ipToMAC,
		ipToService:     ipToService,
		cells:           make(map[[2]int]*models.MatrixCell),
		srcSets:         make(map[[2]int]map[string]bool),
		dstSets:         make(map[[2]int]map[string]bool),
		services:        make(map[[2]int]map[string]bool),
	}
}

// AddFlow resolves one flow into its cell. Flows whose source has no SGT
// (unclustered or unmapped cluster) are counted and skipped; they cannot
// anchor a policy row.
func (b *MatrixBuilder) AddFlow(f models.FlowRecord) {
	srcSGT, ok := b.resolveSrc(f.SrcMAC)
	if !ok {
		b.skipped++
		return
	}
	dstSGT, service := b.resolveDst(f.DstIP)

	key := [2]int{srcSGT, dstSGT}
	cell, ok := b.cells[key]
	if !ok {
		cell = &models.MatrixCell{
			SrcSGT:        srcSGT,
			DstSGT:        dstSGT,
			ObservedPorts: make(map[string]uint64),
			FirstSeen:     f.Timestamp,
			LastSeen:      f.Timestamp,
		}
		b.cells[key] = cell
		b.srcSets[key] = make(map[string]bool)
		b.dstSets[key] = make(map[string]bool)
		b.services[key] = make(map[string]bool)
	}

	cell.ObservedPorts[models.PortKey(f.Protocol, f.DstPort)]++
	cell.TotalBytes += f.Bytes
	cell.TotalFlows++
	if f.Timestamp.Before(cell.FirstSeen) {
		cell.FirstSeen = f.Timestamp
	}
	if f.Timestamp.After(cell.LastSeen) {
		cell.LastSeen = f.Timestamp
	}

	b.srcSets[key][f.SrcMAC] = true
	b.dstSets[key][f.DstIP] = true
	if service != "" {
		b.services[key][service] = true
	}
}

// resolveSrc maps a source MAC through its cluster to an SGT.
func (b *MatrixBuilder) resolveSrc(mac string) (int, bool) {
	cluster, ok := b.endpointCluster[mac]
	if !ok || cluster < 0 {
		return 0, false
	}
	sgt, ok := b.clusterSGT[cluster]
	return sgt, ok
}

// resolveDst prefers a managed endpoint's own SGT, then the known-service
// category, then Unknown. The service name rides along when resolved.
func (b *MatrixBuilder) resolveDst(ip string) (int, string) {
	if mac, ok := b.ipToMAC[ip]; ok {
		if sgt, ok := b.resolveSrc(mac); ok {
			return sgt, ""
		}
	}
	if name, ok := b.ipToService[ip]; ok {
		return ServiceCategorySGT, name
	}
	return UnknownSGT, ""
}

// Build folds the endpoint sets into the cells and returns them ordered by
// (srcSgt, dstSgt).
func (b *MatrixBuilder) Build() []models.MatrixCell {
	keys := make([][2]int, 0, len(b.cells))
	for k := range b.cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	out := make([]models.MatrixCell, 0, len(keys))
	for _, k := range keys {
		cell := b.cells[k]
		cell.UniqueSrcEndpoints = len(b.srcSets[k])
		cell.UniqueDstEndpoints = len(b.dstSets[k])
		cell.Services = sortedSet(b.services[k])
		out = append(out, *cell)
	}
	log.Printf("[Policy] Built matrix: %d cells, %d flows skipped (no source SGT)",
		len(out), b.skipped)
	return out
}

// SkippedFlows reports flows dropped for lacking a source SGT.
func (b *MatrixBuilder) SkippedFlows() uint64 { return b.skipped }

func sortedSet(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
