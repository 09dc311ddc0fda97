package sketch

import (
	"bytes"
	"fmt"
	"testing"
	"time"
)

func testTime(hour int) time.Time {
	return time.Date(2026, 3, 10, hour, 30, 0, 0, time.UTC)
}

func TestEndpointSketch_OutboundProfile(t *testing.T) {
	s := NewEndpointSketch("AA:BB:CC:DD:EE:FF", "switch-01", DefaultConfig())

	for i := 0; i < 100; i++ {
		dstIP := fmt.Sprintf("10.0.1.%d", i%10)
		port := uint16(443)
		if i%2 == 1 {
			port = 80
		}
		s.RecordOutbound(dstIP, port, "tcp", 1000, 2, testTime(10), "")
	}

	if s.FlowCount != 100 {
		t.Errorf("Expected flowCount=100, got %d", s.FlowCount)
	}
	if s.BytesOut != 100000 {
		t.Errorf("Expected bytesOut=100000, got %d", s.BytesOut)
	}
	if pd := s.PeerDiversity(); pd < 8 || pd > 12 {
		t.Errorf("Expected peerDiversity in [8, 12] for 10 distinct peers, got %d", pd)
	}
	if s.PortDiversity() < 2 {
		t.Errorf("Expected portDiversity >= 2, got %d", s.PortDiversity())
	}
	if s.ActiveHours&(1<<10) == 0 {
		t.Error("Expected bit 10 of activeHours to be set")
	}
	if s.InOutRatio() != 0.5 {
		t.Errorf("Expected neutral inOutRatio=0.5 with no inbound, got %f", s.InOutRatio())
	}
}

func TestEndpointSketch_InOutRatio(t *testing.T) {
	s := NewEndpointSketch("aa:bb:cc:dd:ee:01", "sw", DefaultConfig())
	if s.InOutRatio() != 0.5 {
		t.Errorf("Expected ratio 0.5 with zero traffic, got %f", s.InOutRatio())
	}

	s.RecordInbound("10.0.0.9", 51000, 443, "tcp", 700, 3, testTime(9))
	s.RecordOutbound("10.0.0.9", 443, "tcp", 300, 2, testTime(9), "")
	if s.InOutRatio() != 0.7 {
		t.Errorf("Expected ratio 0.7, got %f", s.InOutRatio())
	}
}

func TestEndpointSketch_ListenTokenRecorded(t *testing.T) {
	s := NewEndpointSketch("aa:bb:cc:dd:ee:02", "sw", DefaultConfig())
	s.RecordInbound("10.0.0.5", 40000, 8443, "tcp", 100, 1, testTime(14))

	if got := s.PortFrequency.Count("listen:tcp/8443"); got < 1 {
		t.Errorf("Expected listen token in port frequency sketch, got count %d", got)
	}
}

func TestEndpointSketch_VersionMonotonic(t *testing.T) {
	s := NewEndpointSketch("aa:bb:cc:dd:ee:03", "sw", DefaultConfig())
	prev := s.Version
	for i := 0; i < 10; i++ {
		s.RecordOutbound("10.1.0.1", 53, "udp", 64, 1, testTime(i), "dns")
		if s.Version <= prev {
			t.Fatalf("version did not increase: %d -> %d", prev, s.Version)
		}
		prev = s.Version
	}
}

func TestEndpointSketch_MergeMismatch(t *testing.T) {
	a := NewEndpointSketch("aa:bb:cc:dd:ee:04", "sw", DefaultConfig())
	b := NewEndpointSketch("aa:bb:cc:dd:ee:05", "sw", DefaultConfig())
	if err := a.Merge(b); err != ErrEndpointMismatch {
		t.Errorf("Expected ErrEndpointMismatch, got %v", err)
	}
}

func TestEndpointSketch_MergeCaseInsensitive(t *testing.T) {
	a := NewEndpointSketch("AA:BB:CC:DD:EE:06", "sw", DefaultConfig())
	b := NewEndpointSketch("aa:bb:cc:dd:ee:06", "sw", DefaultConfig())
	b.RecordOutbound("10.2.0.1", 443, "tcp", 500, 1, testTime(11), "https")
	b.Username = "jdoe"

	if err := a.Merge(b); err != nil {
		t.Fatalf("merge failed for case-differing ids: %v", err)
	}
	if a.FlowCount != 1 || a.BytesOut != 500 {
		t.Errorf("counters not summed: flows=%d bytesOut=%d", a.FlowCount, a.BytesOut)
	}
	if a.Username != "jdoe" {
		t.Error("enrichment not adopted into empty local field")
	}
}

func TestEndpointSketch_MergeUnionsTemporalState(t *testing.T) {
	a := NewEndpointSketch("aa:bb:cc:dd:ee:07", "sw1", DefaultConfig())
	b := NewEndpointSketch("aa:bb:cc:dd:ee:07", "sw2", DefaultConfig())
	a.RecordOutbound("10.0.0.1", 443, "tcp", 100, 1, testTime(9), "")
	b.RecordOutbound("10.0.0.2", 80, "tcp", 100, 1, testTime(20), "")

	if err := a.Merge(b); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if a.ActiveHours&(1<<9) == 0 || a.ActiveHours&(1<<20) == 0 {
		t.Error("active hours not unioned")
	}
	if !a.FirstSeen.Equal(testTime(9)) || !a.LastSeen.Equal(testTime(20)) {
		t.Errorf("temporal bounds wrong: first=%v last=%v", a.FirstSeen, a.LastSeen)
	}
}

func TestEndpointSketch_SerializeRoundTrip(t *testing.T) {
	s := NewEndpointSketch("aa:bb:cc:dd:ee:08", "switch-02", DefaultConfig())
	for i := 0; i < 50; i++ {
		s.RecordOutbound(fmt.Sprintf("10.3.0.%d", i%7), uint16(400+i%3), "tcp", 1500, 4, testTime(i%24), "web")
	}
	s.RecordInbound("10.3.1.1", 50000, 22, "tcp", 900, 6, testTime(3))
	s.Username = "svc-backup"
	s.ADGroups = []string{"Domain Computers", "Backup-Agents"}
	s.ISEProfile = "Workstation"
	s.DeviceType = "laptop"
	s.LocalClusterID = 2

	restored, err := DeserializeEndpointSketch(s.Serialize())
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}

	if restored.FlowCount != s.FlowCount || restored.BytesIn != s.BytesIn || restored.BytesOut != s.BytesOut {
		t.Error("counters changed across round trip")
	}
	if !bytes.Equal(restored.UniquePeers.Serialize(), s.UniquePeers.Serialize()) {
		t.Error("HLL register state changed across round trip")
	}
	if !bytes.Equal(restored.PortFrequency.Serialize(), s.PortFrequency.Serialize()) {
		t.Error("CMS counter state changed across round trip")
	}
	if restored.PeerDiversity() != s.PeerDiversity() || restored.InOutRatio() != s.InOutRatio() {
		t.Error("derived queries changed across round trip")
	}
	if restored.BusinessHoursRatio() != s.BusinessHoursRatio() {
		t.Error("businessHoursRatio changed across round trip")
	}
	if restored.LocalClusterID != 2 || restored.Username != "svc-backup" || len(restored.ADGroups) != 2 {
		t.Error("identity fields changed across round trip")
	}
}

func TestEndpointSketch_MemoryBudget(t *testing.T) {
	s := NewEndpointSketch("aa:bb:cc:dd:ee:09", "sw", DefaultConfig())
	// Declared upper bound per endpoint is 30 KB.
	if fp := s.MemoryFootprint(); fp > 30*1024 {
		t.Errorf("default-parameter sketch footprint %d exceeds 30 KB budget", fp)
	}
}

func TestEndpointSketch_BusinessHoursRatio(t *testing.T) {
	s := NewEndpointSketch("aa:bb:cc:dd:ee:0a", "sw", DefaultConfig())
	s.RecordOutbound("10.0.0.1", 443, "tcp", 10, 1, testTime(9), "")
	s.RecordOutbound("10.0.0.1", 443, "tcp", 10, 1, testTime(15), "")
	s.RecordOutbound("10.0.0.1", 443, "tcp", 10, 1, testTime(22), "")

	want := 2.0 / 3.0
	if got := s.BusinessHoursRatio(); got != want {
		t.Errorf("Expected businessHoursRatio=%f, got %f", want, got)
	}
}
