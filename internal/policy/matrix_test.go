package policy

import (
	"testing"
	"time"

	"github.com/trustlab/clarion/pkg/models"
)

func testBuilder() *MatrixBuilder {
	return NewMatrixBuilder(
		map[string]int{
			"aa:bb:cc:dd:ee:01": 0, // user cluster
			"aa:bb:cc:dd:ee:02": 0,
			"aa:bb:cc:dd:ee:10": 1, // server cluster
		},
		map[int]int{0: 2, 1: 10},
		map[string]string{"10.0.2.10": "aa:bb:cc:dd:ee:10"},
		map[string]string{"10.0.3.53": "corp-dns"},
	)
}

func flow(srcMAC, dstIP string, port uint16, proto string, bytes uint64, ts time.Time) models.FlowRecord {
	return models.FlowRecord{
		SrcMAC: srcMAC, DstIP: dstIP, DstPort: port, Protocol: proto,
		Bytes: bytes, Timestamp: ts,
	}
}

func TestMatrixBuilder_ResolvesManagedDestination(t *testing.T) {
	b := testBuilder()
	now := time.Now()
	b.AddFlow(flow("aa:bb:cc:dd:ee:01", "10.0.2.10", 443, "tcp", 1000, now))
	b.AddFlow(flow("aa:bb:cc:dd:ee:02", "10.0.2.10", 443, "tcp", 2000, now))

	cells := b.Build()
	if len(cells) != 1 {
		t.Fatalf("Expected 1 cell, got %d", len(cells))
	}
	c := cells[0]
	if c.SrcSGT != 2 || c.DstSGT != 10 {
		t.Errorf("Expected cell (2, 10), got (%d, %d)", c.SrcSGT, c.DstSGT)
	}
	if c.ObservedPorts["tcp/443"] != 2 {
		t.Errorf("Expected 2 flows on tcp/443, got %d", c.ObservedPorts["tcp/443"])
	}
	if c.TotalBytes != 3000 || c.TotalFlows != 2 {
		t.Errorf("aggregates wrong: %+v", c)
	}
	if c.UniqueSrcEndpoints != 2 || c.UniqueDstEndpoints != 1 {
		t.Errorf("unique endpoint sets wrong: %+v", c)
	}
}

func TestMatrixBuilder_KnownServiceDestination(t *testing.T) {
	b := testBuilder()
	b.AddFlow(flow("aa:bb:cc:dd:ee:01", "10.0.3.53", 53, "udp", 100, time.Now()))

	cells := b.Build()
	if len(cells) != 1 {
		t.Fatalf("Expected 1 cell, got %d", len(cells))
	}
	c := cells[0]
	if c.DstSGT != ServiceCategorySGT {
		t.Errorf("Expected service category SGT %d, got %d", ServiceCategorySGT, c.DstSGT)
	}
	if len(c.Services) != 1 || c.Services[0] != "corp-dns" {
		t.Errorf("Expected resolved service name, got %v", c.Services)
	}
}

func TestMatrixBuilder_UnknownDestination(t *testing.T) {
	b := testBuilder()
	b.AddFlow(flow("aa:bb:cc:dd:ee:01", "203.0.113.7", 8443, "tcp", 100, time.Now()))

	cells := b.Build()
	if cells[0].DstSGT != UnknownSGT {
		t.Errorf("Expected Unknown SGT 0, got %d", cells[0].DstSGT)
	}
}

func TestMatrixBuilder_SkipsUnresolvableSource(t *testing.T) {
	b := testBuilder()
	b.AddFlow(flow("ff:ff:ff:ff:ff:ff", "10.0.2.10", 443, "tcp", 100, time.Now()))

	if cells := b.Build(); len(cells) != 0 {
		t.Errorf("Expected no cells for unknown source, got %d", len(cells))
	}
	if b.SkippedFlows() != 1 {
		t.Errorf("Expected 1 skipped flow, got %d", b.SkippedFlows())
	}
}

func TestMatrixBuilder_TemporalBoundsExtend(t *testing.T) {
	b := testBuilder()
	early := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	late := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	b.AddFlow(flow("aa:bb:cc:dd:ee:01", "10.0.2.10", 443, "tcp", 100, late))
	b.AddFlow(flow("aa:bb:cc:dd:ee:01", "10.0.2.10", 443, "tcp", 100, early))

	c := b.Build()[0]
	if !c.FirstSeen.Equal(early) || !c.LastSeen.Equal(late) {
		t.Errorf("temporal bounds not extended: %v .. %v", c.FirstSeen, c.LastSeen)
	}
}

func TestMatrixBuilder_IcmpUsesBareProtocolKey(t *testing.T) {
	b := testBuilder()
	b.AddFlow(flow("aa:bb:cc:dd:ee:01", "10.0.2.10", 0, "icmp", 64, time.Now()))

	c := b.Build()[0]
	if c.ObservedPorts["icmp"] != 1 {
		t.Errorf("Expected bare icmp key, got %v", c.ObservedPorts)
	}
}
