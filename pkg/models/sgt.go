package models

import "time"

// SGT category value ranges. Overflow from any range falls into special.
const (
	SGTRangeUsersLow     = 2
	SGTRangeUsersHigh    = 9
	SGTRangeServersLow   = 10
	SGTRangeServersHigh  = 19
	SGTRangeDevicesLow   = 20
	SGTRangeDevicesHigh  = 29
	SGTRangeSpecialLow   = 30
	SGTRangeSpecialHigh  = 39
)

// SGTCategory classifies an SGT for range allocation.
type SGTCategory string

const (
	CategoryUsers   SGTCategory = "users"
	CategoryServers SGTCategory = "servers"
	CategoryDevices SGTCategory = "devices"
	CategorySpecial SGTCategory = "special"
)

// SGTDefinition is a stable registry entry. Value is unique among active
// entries; deactivation is a soft delete.
type SGTDefinition struct {
	Value       int         `json:"value"` // 0-65535
	Name        string      `json:"name"`
	Category    SGTCategory `json:"category,omitempty"`
	Description string      `json:"description,omitempty"`
	IsActive    bool        `json:"isActive"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// AssignmentSource says who produced an SGT membership row.
type AssignmentSource string

const (
	SourceClustering  AssignmentSource = "clustering"
	SourceIncremental AssignmentSource = "incremental"
	SourceManual      AssignmentSource = "manual"
)

// SGTMembership is the single active assignment row for an endpoint.
type SGTMembership struct {
	EndpointID string           `json:"endpointId"`
	SGTValue   int              `json:"sgtValue"`
	AssignedAt time.Time        `json:"assignedAt"`
	AssignedBy AssignmentSource `json:"assignedBy"`
	Confidence float64          `json:"confidence"`
	ClusterID  int              `json:"clusterId"` // originating cluster, -1 when none
}

// SGTHistoryEntry is an append-only assignment audit row. UnassignedAt is nil
// while the row is current.
type SGTHistoryEntry struct {
	EndpointID   string           `json:"endpointId"`
	SGTValue     int              `json:"sgtValue"`
	AssignedAt   time.Time        `json:"assignedAt"`
	UnassignedAt *time.Time       `json:"unassignedAt,omitempty"`
	AssignedBy   AssignmentSource `json:"assignedBy"`
}

// SGTRecommendation maps one cluster to a proposed SGT.
type SGTRecommendation struct {
	ClusterID   int         `json:"clusterId"`
	SGTValue    int         `json:"sgtValue"`
	SGTName     string      `json:"sgtName"`
	Category    SGTCategory `json:"category"`
	Confidence  float64     `json:"confidence"`
	MemberCount int         `json:"memberCount"`
	Reason      string      `json:"reason"`
}

// SGTTaxonomy is the full mapping output of one analysis run.
type SGTTaxonomy struct {
	Recommendations  []SGTRecommendation `json:"recommendations"`
	EndpointsTotal   int                 `json:"endpointsTotal"`
	EndpointsCovered int                 `json:"endpointsCovered"` // members of mapped non-noise clusters
	Coverage         float64             `json:"coverage"`
	AvgConfidence    float64             `json:"avgConfidence"`
	GeneratedAt      time.Time           `json:"generatedAt"`
}
