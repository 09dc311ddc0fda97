package sketch

import (
	"fmt"
	"testing"
	"time"
)

func TestStore_EvictsOldestLastSeen(t *testing.T) {
	st := NewStore(3, DefaultConfig())

	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		s := st.GetOrCreate(fmt.Sprintf("aa:bb:cc:00:00:0%d", i), "sw")
		s.RecordOutbound("10.0.0.1", 443, "tcp", 100, 1, base.Add(time.Duration(i)*time.Hour), "")
	}

	// Inserting a 4th endpoint must evict endpoint 0 (oldest last_seen).
	st.GetOrCreate("aa:bb:cc:00:00:ff", "sw")

	if st.Len() != 3 {
		t.Errorf("store exceeded capacity: len=%d", st.Len())
	}
	if st.Get("aa:bb:cc:00:00:00") != nil {
		t.Error("oldest endpoint was not evicted")
	}
	if st.Get("aa:bb:cc:00:00:02") == nil {
		t.Error("newest endpoint was wrongly evicted")
	}
	if st.Evicted() != 1 {
		t.Errorf("Expected 1 eviction, got %d", st.Evicted())
	}
}

func TestStore_EvictionTieBreaksLexicographically(t *testing.T) {
	st := NewStore(2, DefaultConfig())
	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	b := st.GetOrCreate("aa:bb:cc:00:00:02", "sw")
	a := st.GetOrCreate("aa:bb:cc:00:00:01", "sw")
	a.RecordOutbound("10.0.0.1", 443, "tcp", 1, 1, ts, "")
	b.RecordOutbound("10.0.0.1", 443, "tcp", 1, 1, ts, "")

	st.GetOrCreate("aa:bb:cc:00:00:03", "sw")

	if st.Get("aa:bb:cc:00:00:01") != nil {
		t.Error("Expected lexicographically smallest id to lose the tie")
	}
	if st.Get("aa:bb:cc:00:00:02") == nil {
		t.Error("tie loser evicted the wrong endpoint")
	}
}

func TestStore_GetOrCreateIsStable(t *testing.T) {
	st := NewStore(10, DefaultConfig())
	a := st.GetOrCreate("AA:BB:CC:00:00:01", "sw")
	b := st.GetOrCreate("aa:bb:cc:00:00:01", "sw")
	if a != b {
		t.Error("same endpoint (case-insensitive) produced two sketches")
	}
	if st.Len() != 1 {
		t.Errorf("Expected 1 tracked endpoint, got %d", st.Len())
	}
}

func TestStore_SnapshotIsIsolated(t *testing.T) {
	st := NewStore(10, DefaultConfig())
	s := st.GetOrCreate("aa:bb:cc:00:00:01", "sw")
	s.RecordOutbound("10.0.0.1", 443, "tcp", 100, 1, time.Now(), "")

	snap := st.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Expected snapshot of 1, got %d", len(snap))
	}

	// Mutating the live sketch must not show through the snapshot.
	s.RecordOutbound("10.0.0.2", 80, "tcp", 100, 1, time.Now(), "")
	if snap[0].FlowCount != 1 {
		t.Errorf("snapshot observed a later mutation: flowCount=%d", snap[0].FlowCount)
	}
}

func TestStore_CapacityNeverExceeded(t *testing.T) {
	st := NewStore(5, DefaultConfig())
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		s := st.GetOrCreate(fmt.Sprintf("aa:bb:cc:%02x:00:00", i), "sw")
		s.RecordOutbound("10.0.0.1", 443, "tcp", 1, 1, base.Add(time.Duration(i)*time.Minute), "")
		if st.Len() > 5 {
			t.Fatalf("capacity exceeded at insert %d: len=%d", i, st.Len())
		}
	}
	if st.Evicted() != 45 {
		t.Errorf("Expected 45 evictions, got %d", st.Evicted())
	}
}
