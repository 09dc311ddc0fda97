package sketch

import (
	"fmt"
	"strings"
	"time"

	"github.com/trustlab/clarion/pkg/models"
)

// EndpointSketch is the per-endpoint behavioral fingerprint built at the
// edge. Cardinality dimensions (peers, services, ports) live in HLLs,
// frequency dimensions (port, service) in Count-Min sketches, and exact
// counters cover the cheap aggregates. The whole structure stays under the
// configured per-endpoint memory budget (~30 KB with default parameters).
//
// Endpoint ids are typically MAC addresses; comparison is case-insensitive.

// Config fixes the structural parameters for every sub-sketch. All sketches
// in one deployment must share a Config or merges will fail.
type Config struct {
	HLLPrecision uint8
	CMSWidth     uint32
	CMSDepth     uint32
}

// DefaultConfig is the deployment default: p=12, 500x4.
func DefaultConfig() Config {
	return Config{
		HLLPrecision: DefaultHLLPrecision,
		CMSWidth:     DefaultCMSWidth,
		CMSDepth:     DefaultCMSDepth,
	}
}

// EndpointSketch aggregates one endpoint's observed behavior.
type EndpointSketch struct {
	EndpointID string
	SwitchID   string
	DeviceID   string

	UniquePeers    *HLL
	UniqueServices *HLL
	UniquePorts    *HLL

	PortFrequency    *CMS
	ServiceFrequency *CMS

	BytesIn    uint64
	BytesOut   uint64
	PacketsIn  uint64
	PacketsOut uint64
	FlowCount  uint64

	FirstSeen   time.Time
	LastSeen    time.Time
	ActiveHours uint32 // 24-bit bitmap, bit h set iff any flow at local hour h

	LocalClusterID int // -1 = unassigned
	Version        uint64

	// Enrichment, populated by the identity resolver. Never touches counters.
	Username   string
	ADGroups   []string
	ISEProfile string
	DeviceType string
}

// NewEndpointSketch creates an empty fingerprint for an endpoint.
func NewEndpointSketch(endpointID, switchID string, cfg Config) *EndpointSketch {
	return &EndpointSketch{
		EndpointID:       normalizeEndpointID(endpointID),
		SwitchID:         switchID,
		UniquePeers:      NewHLL(cfg.HLLPrecision),
		UniqueServices:   NewHLL(cfg.HLLPrecision),
		UniquePorts:      NewHLL(cfg.HLLPrecision),
		PortFrequency:    NewCMS(cfg.CMSWidth, cfg.CMSDepth),
		ServiceFrequency: NewCMS(cfg.CMSWidth, cfg.CMSDepth),
		LocalClusterID:   -1,
	}
}

// normalizeEndpointID lowercases the id so MAC equality is case-insensitive.
func normalizeEndpointID(id string) string {
	return strings.ToLower(id)
}

// RecordOutbound folds one outbound flow into the sketch.
func (s *EndpointSketch) RecordOutbound(dstIP string, dstPort uint16, proto string, bytes, packets uint64, ts time.Time, service string) {
	portKey := models.PortKey(proto, dstPort)

	s.UniquePeers.Add(dstIP)
	s.UniquePorts.Add(portKey)
	s.PortFrequency.Add(portKey, 1)
	if service != "" {
		s.UniqueServices.Add(service)
		s.ServiceFrequency.Add(service, 1)
	}

	s.BytesOut += bytes
	s.PacketsOut += packets
	s.FlowCount++
	s.touch(ts)
	s.Version++
}

// RecordInbound folds one inbound flow. A synthetic "listen:proto/port"
// token lands in the port frequency sketch so server behavior stays
// discoverable from the frequency side alone.
func (s *EndpointSketch) RecordInbound(srcIP string, srcPort, dstPort uint16, proto string, bytes, packets uint64, ts time.Time) {
	s.PortFrequency.Add("listen:"+models.PortKey(proto, dstPort), 1)

	s.BytesIn += bytes
	s.PacketsIn += packets
	s.FlowCount++
	s.touch(ts)
	s.Version++
}

func (s *EndpointSketch) touch(ts time.Time) {
	if s.FirstSeen.IsZero() || ts.Before(s.FirstSeen) {
		s.FirstSeen = ts
	}
	if ts.After(s.LastSeen) {
		s.LastSeen = ts
	}
	s.ActiveHours |= 1 << uint(ts.Hour())
}

// Merge folds another sketch for the same endpoint into this one. Counters
// sum, sub-sketches merge, temporal bounds widen, active hours union.
// Enrichment fields are adopted from other only where empty locally.
func (s *EndpointSketch) Merge(other *EndpointSketch) error {
	if other == nil || normalizeEndpointID(other.EndpointID) != s.EndpointID {
		return ErrEndpointMismatch
	}
	if err := s.UniquePeers.Merge(other.UniquePeers); err != nil {
		return err
	}
	if err := s.UniqueServices.Merge(other.UniqueServices); err != nil {
		return err
	}
	if err := s.UniquePorts.Merge(other.UniquePorts); err != nil {
		return err
	}
	if err := s.PortFrequency.Merge(other.PortFrequency); err != nil {
		return err
	}
	if err := s.ServiceFrequency.Merge(other.ServiceFrequency); err != nil {
		return err
	}

	s.BytesIn += other.BytesIn
	s.BytesOut += other.BytesOut
	s.PacketsIn += other.PacketsIn
	s.PacketsOut += other.PacketsOut
	s.FlowCount += other.FlowCount

	if !other.FirstSeen.IsZero() && (s.FirstSeen.IsZero() || other.FirstSeen.Before(s.FirstSeen)) {
		s.FirstSeen = other.FirstSeen
	}
	if other.LastSeen.After(s.LastSeen) {
		s.LastSeen = other.LastSeen
	}
	s.ActiveHours |= other.ActiveHours

	if s.Username == "" {
		s.Username = other.Username
	}
	if len(s.ADGroups) == 0 {
		s.ADGroups = append([]string(nil), other.ADGroups...)
	}
	if s.ISEProfile == "" {
		s.ISEProfile = other.ISEProfile
	}
	if s.DeviceType == "" {
		s.DeviceType = other.DeviceType
	}
	if s.DeviceID == "" {
		s.DeviceID = other.DeviceID
	}

	if other.Version > s.Version {
		s.Version = other.Version
	}
	s.Version++
	return nil
}

// PeerDiversity estimates the number of distinct peers contacted.
func (s *EndpointSketch) PeerDiversity() uint64 { return s.UniquePeers.Count() }

// PortDiversity estimates the number of distinct destination ports used.
func (s *EndpointSketch) PortDiversity() uint64 { return s.UniquePorts.Count() }

// ServiceDiversity estimates the number of distinct named services used.
func (s *EndpointSketch) ServiceDiversity() uint64 { return s.UniqueServices.Count() }

// InOutRatio is bytes_in / (bytes_in + bytes_out). With no inbound bytes the
// direction is unknown, not client-like, so the ratio reads neutral 0.5.
func (s *EndpointSketch) InOutRatio() float64 {
	if s.BytesIn == 0 {
		return 0.5
	}
	return float64(s.BytesIn) / float64(s.BytesIn+s.BytesOut)
}

// IsLikelyServer: mostly-inbound byte profile with a narrow peer set.
func (s *EndpointSketch) IsLikelyServer() bool {
	return s.InOutRatio() > 0.6 && s.PeerDiversity() < 100
}

// ActiveHourCount returns the number of distinct active local hours.
func (s *EndpointSketch) ActiveHourCount() int {
	count := 0
	for h := 0; h < 24; h++ {
		if s.ActiveHours&(1<<uint(h)) != 0 {
			count++
		}
	}
	return count
}

// BusinessHoursRatio is the fraction of active hours inside 08:00-17:59.
func (s *EndpointSketch) BusinessHoursRatio() float64 {
	total, business := 0, 0
	for h := 0; h < 24; h++ {
		if s.ActiveHours&(1<<uint(h)) == 0 {
			continue
		}
		total++
		if h >= 8 && h <= 17 {
			business++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(business) / float64(total)
}

// Clone returns a deep copy, safe to read while the original keeps mutating.
func (s *EndpointSketch) Clone() *EndpointSketch {
	c := *s
	c.UniquePeers = s.UniquePeers.Clone()
	c.UniqueServices = s.UniqueServices.Clone()
	c.UniquePorts = s.UniquePorts.Clone()
	c.PortFrequency = s.PortFrequency.Clone()
	c.ServiceFrequency = s.ServiceFrequency.Clone()
	c.ADGroups = append([]string(nil), s.ADGroups...)
	return &c
}

// Summary projects the sketch to its JSON-safe sync form.
func (s *EndpointSketch) Summary() models.SketchSummary {
	return models.SketchSummary{
		EndpointID:          s.EndpointID,
		SwitchID:            s.SwitchID,
		DeviceID:            s.DeviceID,
		UniquePeersCount:    s.PeerDiversity(),
		UniqueServicesCount: s.ServiceDiversity(),
		UniquePortsCount:    s.PortDiversity(),
		BytesIn:             s.BytesIn,
		BytesOut:            s.BytesOut,
		PacketsIn:           s.PacketsIn,
		PacketsOut:          s.PacketsOut,
		FlowCount:           s.FlowCount,
		FirstSeen:           s.FirstSeen.Unix(),
		LastSeen:            s.LastSeen.Unix(),
		ActiveHours:         s.ActiveHours,
		LocalClusterID:      s.LocalClusterID,
		Version:             s.Version,
		Username:            s.Username,
		ADGroups:            append([]string(nil), s.ADGroups...),
		ISEProfile:          s.ISEProfile,
		DeviceType:          s.DeviceType,
	}
}

// MemoryFootprint reports the serialized byte size, the unit of the edge
// memory budget.
func (s *EndpointSketch) MemoryFootprint() int {
	return s.UniquePeers.sizeHint() + s.UniqueServices.sizeHint() + s.UniquePorts.sizeHint() +
		s.PortFrequency.sizeHint() + s.ServiceFrequency.sizeHint() + 256
}

// String implements fmt.Stringer for log lines.
func (s *EndpointSketch) String() string {
	return fmt.Sprintf("sketch(%s flows=%d peers=%d ports=%d)",
		s.EndpointID, s.FlowCount, s.PeerDiversity(), s.PortDiversity())
}
