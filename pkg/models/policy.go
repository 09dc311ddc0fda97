package models

import "time"

// MatrixCell aggregates all observed traffic between one (srcSgt, dstSgt)
// pair. ObservedPorts keys are "proto/port" (e.g. "tcp/443"); icmp and ip
// flows use the bare protocol name as the key.
type MatrixCell struct {
	SrcSGT             int               `json:"srcSgt"`
	DstSGT             int               `json:"dstSgt"`
	ObservedPorts      map[string]uint64 `json:"observedPorts"` // port key -> flow count
	TotalBytes         uint64            `json:"totalBytes"`
	TotalFlows         uint64            `json:"totalFlows"`
	UniqueSrcEndpoints int               `json:"uniqueSrcEndpoints"`
	UniqueDstEndpoints int               `json:"uniqueDstEndpoints"`
	FirstSeen          time.Time         `json:"firstSeen"`
	LastSeen           time.Time         `json:"lastSeen"`
	Services           []string          `json:"services,omitempty"` // resolved service names
}

// RuleAction is the SGACL rule verb.
type RuleAction string

const (
	ActionPermit RuleAction = "permit"
	ActionDeny   RuleAction = "deny"
)

// SGACLRule is a single ACL line. DstPort 0 with Protocol "ip" matches all.
type SGACLRule struct {
	Action     RuleAction `json:"action"`
	Protocol   string     `json:"protocol"` // tcp/udp/ip/icmp
	DstPort    uint16     `json:"dstPort,omitempty"`
	SrcPort    uint16     `json:"srcPort,omitempty"`
	Log        bool       `json:"log,omitempty"`
	FlowCount  uint64     `json:"flowCount"`
	Confidence float64    `json:"confidence"`
}

// SGACLPolicy is the ordered first-match-wins rule list for one cell.
type SGACLPolicy struct {
	Name          string      `json:"name"`
	SrcSGT        int         `json:"srcSgt"`
	DstSGT        int         `json:"dstSgt"`
	Rules         []SGACLRule `json:"rules"`
	DefaultAction RuleAction  `json:"defaultAction"` // always deny
	ObservedFlows uint64      `json:"observedFlows"`
	CoveredFlows  uint64      `json:"coveredFlows"`
}

// Coverage is the fraction of observed flows the permit rules account for.
func (p *SGACLPolicy) Coverage() float64 {
	if p.ObservedFlows == 0 {
		return 0
	}
	return float64(p.CoveredFlows) / float64(p.ObservedFlows)
}

// Permits reports whether the policy's permit set contains the port key.
func (p *SGACLPolicy) Permits(portKey string) bool {
	proto, port := SplitPortKey(portKey)
	for _, r := range p.Rules {
		if r.Action != ActionPermit {
			continue
		}
		if r.Protocol == proto && r.DstPort == port {
			return true
		}
	}
	return false
}

// RiskLevel grades would-be-blocked traffic.
type RiskLevel string

const (
	RiskCritical RiskLevel = "critical"
	RiskHigh     RiskLevel = "high"
	RiskMedium   RiskLevel = "medium"
	RiskLow      RiskLevel = "low"
)

// BlockedTraffic is one (cell, port) flow set a candidate policy would deny.
type BlockedTraffic struct {
	SrcSGT         int       `json:"srcSgt"`
	DstSGT         int       `json:"dstSgt"`
	PortKey        string    `json:"portKey"`
	FlowCount      uint64    `json:"flowCount"`
	BytesCount     uint64    `json:"bytesCount"`
	Reason         string    `json:"reason"`
	RiskLevel      RiskLevel `json:"riskLevel"`
	Recommendation string    `json:"recommendation"`
}

// ImpactReport summarizes enforcement impact across the whole matrix.
type ImpactReport struct {
	TotalFlowsAnalyzed uint64             `json:"totalFlowsAnalyzed"`
	FlowsPermitted     uint64             `json:"flowsPermitted"`
	FlowsBlocked       uint64             `json:"flowsBlocked"`
	Blocked            []BlockedTraffic   `json:"blocked"`
	CountsByRisk       map[RiskLevel]int  `json:"countsByRisk"`
	AffectedSrcSGTs    []int              `json:"affectedSrcSgts"`
	AffectedDstSGTs    []int              `json:"affectedDstSgts"`
	GeneratedAt        time.Time          `json:"generatedAt"`
}

// HasCriticalIssues gates deployment: true iff any blocked entry is critical.
func (r *ImpactReport) HasCriticalIssues() bool {
	return r.CountsByRisk[RiskCritical] > 0
}

// SGTBinding ties a policy name to its matrix coordinates in the export.
type SGTBinding struct {
	SrcSGT     int    `json:"srcSgt"`
	DstSGT     int    `json:"dstSgt"`
	PolicyName string `json:"policyName"`
}

// DeploymentPackage is the enforcement-ready artifact handed to the
// deploy-to-ISE tooling.
type DeploymentPackage struct {
	RunID       string          `json:"runId"`
	SGTs        []SGTDefinition `json:"sgts"`
	Policies    []SGACLPolicy   `json:"policies"`
	Bindings    []SGTBinding    `json:"bindings"`
	Impact      *ImpactReport   `json:"impact"`
	Guide       string          `json:"guide"` // deployment note, names critical blocks
	GeneratedAt time.Time       `json:"generatedAt"`
}
