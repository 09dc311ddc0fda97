package policy

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/trustlab/clarion/pkg/models"
)

// AnalyzerConfig sets the volume thresholds for risk grading.
type AnalyzerConfig struct {
	CriticalThreshold uint64 // flow count that alone makes a block high risk
	HighThreshold     uint64 // flow count that alone makes a block medium risk
}

// DefaultAnalyzerConfig matches the rollout review defaults.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{CriticalThreshold: 100, HighThreshold: 50}
}

// criticalPorts are infrastructure dependencies: blocking any of these
// breaks name resolution, auth, or time sync for everything behind the tag.
var criticalPorts = map[uint16]string{
	53:  "DNS",
	88:  "Kerberos",
	123: "NTP",
	389: "LDAP",
	443: "HTTPS",
	636: "LDAPS",
}

// operationalPorts are well-known services whose loss users notice fast.
var operationalPorts = map[uint16]string{
	22:   "SSH",
	80:   "HTTP",
	445:  "SMB",
	464:  "Kerberos password",
	3389: "RDP",
}

// Analyzer simulates enforcing candidate policies against observed traffic.
type Analyzer struct {
	cfg AnalyzerConfig
}

// NewAnalyzer builds an analyzer.
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	if cfg.CriticalThreshold == 0 {
		cfg = DefaultAnalyzerConfig()
	}
	return &Analyzer{cfg: cfg}
}

// Analyze walks every cell with observed traffic, finds the flows its
// policy would deny, and grades each blocked port. A cell without a policy
// is the default-deny baseline: everything in it is blocked.
func (a *Analyzer) Analyze(cells []models.MatrixCell, policies []models.SGACLPolicy) *models.ImpactReport {
	byCoord := make(map[[2]int]*models.SGACLPolicy, len(policies))
	for i := range policies {
		byCoord[[2]int{policies[i].SrcSGT, policies[i].DstSGT}] = &policies[i]
	}

	report := &models.ImpactReport{
		CountsByRisk: make(map[models.RiskLevel]int),
		GeneratedAt:  time.Now().UTC(),
	}
	srcSet, dstSet := make(map[int]bool), make(map[int]bool)

	for _, cell := range cells {
		if cell.TotalFlows == 0 {
			continue
		}
		report.TotalFlowsAnalyzed += cell.TotalFlows
		policy := byCoord[[2]int{cell.SrcSGT, cell.DstSGT}]

		for _, key := range sortedPortKeys(cell.ObservedPorts) {
			count := cell.ObservedPorts[key]
			if policy != nil && policy.Permits(key) {
				report.FlowsPermitted += count
				continue
			}

			entry := a.gradeBlock(cell, key, count, policy == nil)
			report.Blocked = append(report.Blocked, entry)
			report.CountsByRisk[entry.RiskLevel]++
			report.FlowsBlocked += count
			srcSet[cell.SrcSGT] = true
			dstSet[cell.DstSGT] = true
		}
	}

	report.AffectedSrcSGTs = sortedInts(srcSet)
	report.AffectedDstSGTs = sortedInts(dstSet)
	log.Printf("[Policy] Impact: %d/%d flows blocked, %d critical entries",
		report.FlowsBlocked, report.TotalFlowsAnalyzed, report.CountsByRisk[models.RiskCritical])
	return report
}

// gradeBlock classifies one blocked (port, count) pair and writes the
// operator guidance for it.
func (a *Analyzer) gradeBlock(cell models.MatrixCell, portKey string, count uint64, noPolicy bool) models.BlockedTraffic {
	_, port := models.SplitPortKey(portKey)
	risk := a.riskOf(port, count)

	reason := fmt.Sprintf("not permitted by policy for (%d -> %d)", cell.SrcSGT, cell.DstSGT)
	if noPolicy {
		reason = fmt.Sprintf("no policy exists for (%d -> %d); default deny applies", cell.SrcSGT, cell.DstSGT)
	}

	// Bytes are tracked per cell, not per port; apportion by flow share.
	var bytes uint64
	if cell.TotalFlows > 0 {
		bytes = cell.TotalBytes * count / cell.TotalFlows
	}

	return models.BlockedTraffic{
		SrcSGT:         cell.SrcSGT,
		DstSGT:         cell.DstSGT,
		PortKey:        portKey,
		FlowCount:      count,
		BytesCount:     bytes,
		Reason:         reason,
		RiskLevel:      risk,
		Recommendation: a.recommend(port, portKey, count, risk),
	}
}

// riskOf applies the grading ladder. Critical ports outrank volume; volume
// alone can still push an unremarkable port up the ladder.
func (a *Analyzer) riskOf(port uint16, count uint64) models.RiskLevel {
	if _, ok := criticalPorts[port]; ok {
		return models.RiskCritical
	}
	_, operational := operationalPorts[port]
	if (operational && count >= a.cfg.HighThreshold) || count >= a.cfg.CriticalThreshold {
		return models.RiskHigh
	}
	if operational || count >= a.cfg.HighThreshold {
		return models.RiskMedium
	}
	return models.RiskLow
}

func (a *Analyzer) recommend(port uint16, portKey string, count uint64, risk models.RiskLevel) string {
	if name, ok := criticalPorts[port]; ok {
		return fmt.Sprintf("Add a permit for %s (%s) before deploying; blocking it will break dependent services.", portKey, name)
	}
	if name, ok := operationalPorts[port]; ok {
		return fmt.Sprintf("Review %s (%s, %d flows) with the service owner before enforcement.", portKey, name, count)
	}
	if risk == models.RiskLow {
		return fmt.Sprintf("Low-volume traffic on %s; safe to deny, monitor the deny log after rollout.", portKey)
	}
	return fmt.Sprintf("Confirm whether %s (%d flows) is sanctioned before enforcement.", portKey, count)
}

func sortedPortKeys(ports map[string]uint64) []string {
	keys := make([]string, 0, len(ports))
	for k := range ports {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedInts(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
