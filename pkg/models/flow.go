package models

import "time"

// FlowRecord is a single decoded, unidirectional NetFlow record as delivered
// by the collector. Records with an empty SrcMAC are dropped at the boundary.
type FlowRecord struct {
	SrcMAC    string    `json:"srcMac"`
	SrcIP     string    `json:"srcIp"`
	DstIP     string    `json:"dstIp"`
	SrcPort   uint16    `json:"srcPort"`
	DstPort   uint16    `json:"dstPort"`
	Protocol  string    `json:"protocol"` // "tcp"/"udp"/"icmp"
	Bytes     uint64    `json:"bytes"`
	Packets   uint64    `json:"packets"`
	Timestamp time.Time `json:"timestamp"`
	SwitchID  string    `json:"switchId"`
}

// Valid reports whether the record carries the minimum fields the pipeline
// needs. Invalid records are counted and skipped, never fatal.
func (f *FlowRecord) Valid() bool {
	if f.SrcMAC == "" || f.DstIP == "" {
		return false
	}
	switch f.Protocol {
	case "tcp", "udp", "icmp":
		return true
	}
	return false
}

// SketchSummary is the JSON-safe projection of an EndpointSketch carried in
// the structured sync envelope. Register-level sketch state travels only in
// the binary form; the summary carries the derived counts instead.
type SketchSummary struct {
	EndpointID          string   `json:"endpointId"`
	SwitchID            string   `json:"switchId"`
	DeviceID            string   `json:"deviceId,omitempty"`
	UniquePeersCount    uint64   `json:"uniquePeersCount"`
	UniqueServicesCount uint64   `json:"uniqueServicesCount"`
	UniquePortsCount    uint64   `json:"uniquePortsCount"`
	BytesIn             uint64   `json:"bytesIn"`
	BytesOut            uint64   `json:"bytesOut"`
	PacketsIn           uint64   `json:"packetsIn"`
	PacketsOut          uint64   `json:"packetsOut"`
	FlowCount           uint64   `json:"flowCount"`
	FirstSeen           int64    `json:"firstSeen"` // unix seconds
	LastSeen            int64    `json:"lastSeen"`
	ActiveHours         uint32   `json:"activeHours"` // 24-bit bitmap
	LocalClusterID      int      `json:"localClusterId"`
	Version             uint64   `json:"version"`
	Username            string   `json:"username,omitempty"`
	ADGroups            []string `json:"adGroups,omitempty"`
	ISEProfile          string   `json:"iseProfile,omitempty"`
	DeviceType          string   `json:"deviceType,omitempty"`
}

// SyncEnvelope is the structured (JSON) edge-to-backend batch form.
type SyncEnvelope struct {
	SwitchID    string          `json:"switchId"`
	Timestamp   int64           `json:"timestamp"` // seconds since epoch
	Sequence    uint64          `json:"sequence"`
	SketchCount int             `json:"sketchCount"`
	Sketches    []SketchSummary `json:"sketches"`
}

// IdentityRecord is the directory-side context joined onto an endpoint.
type IdentityRecord struct {
	EndpointID string   `json:"endpointId"`
	Username   string   `json:"username,omitempty"`
	ADGroups   []string `json:"adGroups,omitempty"`
	ISEProfile string   `json:"iseProfile,omitempty"`
	DeviceType string   `json:"deviceType,omitempty"`
	Confidence float64  `json:"confidence"` // 0.3 device-only, 0.8 session, 1.0 full chain
}
