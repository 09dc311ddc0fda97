package models

import "time"

// ClusterResult is the output of a batch clustering run. endpointIds and
// labels are parallel arrays; label -1 marks the noise pseudo-cluster.
type ClusterResult struct {
	EndpointIDs   []string          `json:"endpointIds"`
	Labels        []int             `json:"labels"`
	NClusters     int               `json:"nClusters"`
	NNoise        int               `json:"nNoise"`
	ClusterSizes  map[int]int       `json:"clusterSizes"`
	Silhouette    float64           `json:"silhouette,omitempty"` // only when nClusters >= 2
	HasSilhouette bool              `json:"hasSilhouette"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"` // soft membership per endpoint
}

// LabelOf returns the label for an endpoint, or -1 when unknown.
func (r *ClusterResult) LabelOf(endpointID string) int {
	for i, id := range r.EndpointIDs {
		if id == endpointID {
			return r.Labels[i]
		}
	}
	return -1
}

// ClusterCentroid is the stored feature-space mean of a cluster, used by the
// incremental assignment path.
type ClusterCentroid struct {
	ClusterID   int       `json:"clusterId"`
	Vector      []float64 `json:"vector"`
	MemberCount int       `json:"memberCount"`
	SGTValue    int       `json:"sgtValue,omitempty"` // 0 = not yet mapped
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SignalShare is one dominant identity signal within a cluster.
type SignalShare struct {
	Value string  `json:"value"`
	Ratio float64 `json:"ratio"` // fraction of members carrying the value
}

// BehavioralSummary aggregates behavioral features across a cluster.
type BehavioralSummary struct {
	AvgPeerDiversity float64 `json:"avgPeerDiversity"`
	AvgInOutRatio    float64 `json:"avgInOutRatio"`
	IsServerCluster  bool    `json:"isServerCluster"`
}

// ClusterLabel is the semantic description derived from cluster composition.
type ClusterLabel struct {
	ClusterID     int               `json:"clusterId"`
	Name          string            `json:"name"`
	PrimaryReason string            `json:"primaryReason"` // device_type/ise_profile/ad_group/behavioral/noise
	Confidence    float64           `json:"confidence"`    // clamped to [0.2, 1.0]
	TopADGroups   []SignalShare     `json:"topAdGroups,omitempty"`
	TopProfiles   []SignalShare     `json:"topProfiles,omitempty"`
	TopDeviceTypes []SignalShare    `json:"topDeviceTypes,omitempty"`
	Behavior      BehavioralSummary `json:"behavior"`
	MemberCount   int               `json:"memberCount"`
}
