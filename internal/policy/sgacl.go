package policy

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/trustlab/clarion/pkg/models"
)

// GeneratorConfig tunes which observed ports earn a permit rule.
type GeneratorConfig struct {
	MinFlowCount uint64  // absolute floor per port
	MinFlowRatio float64 // share of the cell's total flows
	LogDenies    bool    // render the terminal deny with log
}

// DefaultGeneratorConfig matches a first-rollout posture: permit only
// traffic seen repeatedly, log everything the deny catches.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{MinFlowCount: 10, MinFlowRatio: 0.01, LogDenies: true}
}

// wellKnownAliases names ports in rendered output. Aliases are cosmetic;
// rule identity stays proto/port.
var wellKnownAliases = map[string]string{
	"tcp/22":   "ssh",
	"tcp/53":   "dns",
	"udp/53":   "dns",
	"tcp/80":   "http",
	"tcp/88":   "kerberos",
	"udp/123":  "ntp",
	"tcp/389":  "ldap",
	"tcp/443":  "https",
	"tcp/445":  "smb",
	"tcp/636":  "ldaps",
	"tcp/3389": "rdp",
	"tcp/8080": "http-alt",
}

// Generator derives least-privilege SGACL policies from matrix cells.
type Generator struct {
	cfg      GeneratorConfig
	sgtNames map[int]string
}

// NewGenerator builds a generator. sgtNames feeds policy naming; missing
// values render as SGT_<n>.
func NewGenerator(cfg GeneratorConfig, sgtNames map[int]string) *Generator {
	if cfg.MinFlowCount == 0 && cfg.MinFlowRatio == 0 {
		cfg = DefaultGeneratorConfig()
	}
	return &Generator{cfg: cfg, sgtNames: sgtNames}
}

// Generate produces one policy per cell with observed traffic.
func (g *Generator) Generate(cells []models.MatrixCell) []models.SGACLPolicy {
	policies := make([]models.SGACLPolicy, 0, len(cells))
	for _, cell := range cells {
		if cell.TotalFlows == 0 {
			continue
		}
		policies = append(policies, g.generateOne(cell))
	}
	log.Printf("[Policy] Generated %d SGACL policies", len(policies))
	return policies
}

// generateOne emits permit rules for significant ports in descending flow
// order, then the terminal deny.
func (g *Generator) generateOne(cell models.MatrixCell) models.SGACLPolicy {
	p := models.SGACLPolicy{
		Name:          g.policyName(cell.SrcSGT, cell.DstSGT),
		SrcSGT:        cell.SrcSGT,
		DstSGT:        cell.DstSGT,
		DefaultAction: models.ActionDeny,
		ObservedFlows: cell.TotalFlows,
	}

	type portCount struct {
		key   string
		count uint64
	}
	significant := make([]portCount, 0, len(cell.ObservedPorts))
	for key, count := range cell.ObservedPorts {
		if g.isSignificant(count, cell.TotalFlows) {
			significant = append(significant, portCount{key, count})
		}
	}
	sort.Slice(significant, func(i, j int) bool {
		if significant[i].count != significant[j].count {
			return significant[i].count > significant[j].count
		}
		return significant[i].key < significant[j].key
	})

	for _, pc := range significant {
		proto, port := models.SplitPortKey(pc.key)
		p.Rules = append(p.Rules, models.SGACLRule{
			Action:     models.ActionPermit,
			Protocol:   proto,
			DstPort:    port,
			FlowCount:  pc.count,
			Confidence: float64(pc.count) / float64(cell.TotalFlows),
		})
		p.CoveredFlows += pc.count
	}

	p.Rules = append(p.Rules, models.SGACLRule{
		Action:   models.ActionDeny,
		Protocol: "ip",
		Log:      g.cfg.LogDenies,
	})
	return p
}

func (g *Generator) isSignificant(count, total uint64) bool {
	if count < g.cfg.MinFlowCount {
		return false
	}
	return float64(count)/float64(total) >= g.cfg.MinFlowRatio
}

// policyName renders SGACL_<src>_to_<dst> from sanitized SGT names.
func (g *Generator) policyName(srcSGT, dstSGT int) string {
	return fmt.Sprintf("SGACL_%s_to_%s", g.sgtToken(srcSGT), g.sgtToken(dstSGT))
}

func (g *Generator) sgtToken(value int) string {
	name, ok := g.sgtNames[value]
	if !ok || name == "" {
		return fmt.Sprintf("SGT_%d", value)
	}
	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// RenderRule formats one rule line for the deployment guide, using the
// well-known alias when one exists.
func RenderRule(r models.SGACLRule) string {
	if r.Action == models.ActionDeny {
		if r.Log {
			return "deny ip log"
		}
		return "deny ip"
	}
	key := models.PortKey(r.Protocol, r.DstPort)
	if alias, ok := wellKnownAliases[key]; ok {
		return fmt.Sprintf("permit %s dst eq %d (%s)", r.Protocol, r.DstPort, alias)
	}
	if r.DstPort == 0 {
		return fmt.Sprintf("permit %s", r.Protocol)
	}
	return fmt.Sprintf("permit %s dst eq %d", r.Protocol, r.DstPort)
}
