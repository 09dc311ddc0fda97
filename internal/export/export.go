// Package export assembles the enforcement-ready deployment package: the
// SGT definitions, the SGACL policies with their matrix bindings, the
// simulated impact, and a human deployment guide.
package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trustlab/clarion/internal/policy"
	"github.com/trustlab/clarion/pkg/models"
)

// Build produces a DeploymentPackage for one analysis run. The guide opens
// with a hard warning when the impact report carries critical blocks; the
// package is still produced so reviewers can see exactly what would break.
func Build(runID string, sgts []models.SGTDefinition, policies []models.SGACLPolicy, impact *models.ImpactReport) *models.DeploymentPackage {
	if runID == "" {
		runID = uuid.New().String()
	}

	bindings := make([]models.SGTBinding, 0, len(policies))
	for _, p := range policies {
		bindings = append(bindings, models.SGTBinding{
			SrcSGT:     p.SrcSGT,
			DstSGT:     p.DstSGT,
			PolicyName: p.Name,
		})
	}

	return &models.DeploymentPackage{
		RunID:       runID,
		SGTs:        sgts,
		Policies:    policies,
		Bindings:    bindings,
		Impact:      impact,
		Guide:       renderGuide(runID, sgts, policies, impact),
		GeneratedAt: time.Now().UTC(),
	}
}

// renderGuide writes the operator-facing rollout note.
func renderGuide(runID string, sgts []models.SGTDefinition, policies []models.SGACLPolicy, impact *models.ImpactReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Clarion deployment package %s\n", runID)
	fmt.Fprintf(&b, "Generated %s\n\n", time.Now().UTC().Format(time.RFC3339))

	if impact != nil && impact.HasCriticalIssues() {
		b.WriteString("*** DO NOT DEPLOY ***\n")
		fmt.Fprintf(&b, "%d critical service blocks detected. Resolve these before enforcement:\n",
			impact.CountsByRisk[models.RiskCritical])
		for _, blocked := range impact.Blocked {
			if blocked.RiskLevel == models.RiskCritical {
				fmt.Fprintf(&b, "  - (%d -> %d) %s, %d flows: %s\n",
					blocked.SrcSGT, blocked.DstSGT, blocked.PortKey,
					blocked.FlowCount, blocked.Recommendation)
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "1. Create %d SGTs in ISE:\n", len(sgts))
	for _, s := range sgts {
		if s.IsActive {
			fmt.Fprintf(&b, "   SGT %d: %s (%s)\n", s.Value, s.Name, s.Category)
		}
	}

	fmt.Fprintf(&b, "\n2. Install %d SGACL policies:\n", len(policies))
	for _, p := range policies {
		fmt.Fprintf(&b, "   %s (coverage %.1f%%)\n", p.Name, p.Coverage()*100)
		for _, r := range p.Rules {
			fmt.Fprintf(&b, "     %s\n", policy.RenderRule(r))
		}
	}

	if impact != nil {
		fmt.Fprintf(&b, "\n3. Simulated enforcement: %d flows analyzed, %d permitted, %d blocked.\n",
			impact.TotalFlowsAnalyzed, impact.FlowsPermitted, impact.FlowsBlocked)
		b.WriteString("   Monitor the deny logs for at least one business week before tightening further.\n")
	}
	return b.String()
}
