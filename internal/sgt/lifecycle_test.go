package sgt

import (
	"errors"
	"testing"
	"time"

	"github.com/trustlab/clarion/pkg/models"
)

// registryAt returns a registry whose clock starts at base and advances one
// minute per call.
func registryAt(base time.Time) *Registry {
	r := NewRegistry()
	calls := 0
	r.now = func() time.Time {
		t := base.Add(time.Duration(calls) * time.Minute)
		calls++
		return t
	}
	return r
}

func TestCreateSGT_DuplicateActiveFails(t *testing.T) {
	r := NewRegistry()
	if _, err := r.CreateSGT(100, "Users", models.CategoryUsers, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err := r.CreateSGT(100, "Users-Again", models.CategoryUsers, "")
	if !errors.Is(err, ErrDuplicateSGT) {
		t.Errorf("Expected DuplicateSGT, got %v", err)
	}
}

func TestCreateSGT_RevivesDeactivatedValue(t *testing.T) {
	r := NewRegistry()
	if _, err := r.CreateSGT(100, "Users", models.CategoryUsers, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := r.DeactivateSGT(100); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	def, err := r.CreateSGT(100, "Users-v2", models.CategoryUsers, "")
	if err != nil {
		t.Fatalf("revive failed: %v", err)
	}
	if !def.IsActive || def.Name != "Users-v2" {
		t.Errorf("Expected revived active definition, got %+v", def)
	}
}

func TestAssignEndpoint_UnknownAndInactive(t *testing.T) {
	r := NewRegistry()
	if _, err := r.AssignEndpoint("E1", 999, models.SourceClustering, 0.8, 1); !errors.Is(err, ErrUnknownSGT) {
		t.Errorf("Expected UnknownSGT, got %v", err)
	}

	if _, err := r.CreateSGT(100, "Users", models.CategoryUsers, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := r.DeactivateSGT(100); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	if _, err := r.AssignEndpoint("E1", 100, models.SourceClustering, 0.8, 1); !errors.Is(err, ErrInactiveSGT) {
		t.Errorf("Expected InactiveSGT, got %v", err)
	}
}

func TestAssignEndpoint_ReassignmentClosesHistory(t *testing.T) {
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	r := registryAt(base)

	if _, err := r.CreateSGT(100, "Users", models.CategoryUsers, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := r.CreateSGT(200, "Servers", models.CategoryServers, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := r.AssignEndpoint("E1", 100, models.SourceClustering, 0.8, 7); err != nil {
		t.Fatalf("first assignment failed: %v", err)
	}
	if _, err := r.AssignEndpoint("E1", 200, models.SourceManual, 0.5, -1); err != nil {
		t.Fatalf("second assignment failed: %v", err)
	}

	m, ok := r.MembershipOf("E1")
	if !ok {
		t.Fatal("Expected an active membership")
	}
	if m.SGTValue != 200 || m.AssignedBy != models.SourceManual {
		t.Errorf("Expected (E1, 200, manual), got %+v", m)
	}
	if m.Confidence != 1.0 {
		t.Errorf("manual assignment must force confidence 1.0, got %f", m.Confidence)
	}

	history := r.HistoryOf("E1")
	if len(history) != 2 {
		t.Fatalf("Expected 2 history rows, got %d", len(history))
	}
	first, second := history[0], history[1]
	if first.SGTValue != 100 || first.UnassignedAt == nil {
		t.Errorf("first row should be closed: %+v", first)
	}
	if first.UnassignedAt != nil && !first.UnassignedAt.Equal(second.AssignedAt) {
		t.Errorf("first row must close at the second assignment time: %v vs %v",
			first.UnassignedAt, second.AssignedAt)
	}
	if second.SGTValue != 200 || second.UnassignedAt != nil {
		t.Errorf("second row should be open: %+v", second)
	}
}

func TestHistoryOf_StrictOrdering(t *testing.T) {
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	r := registryAt(base)

	for _, v := range []int{100, 200, 300} {
		if _, err := r.CreateSGT(v, "SGT", models.CategoryUsers, ""); err != nil {
			t.Fatalf("create %d failed: %v", v, err)
		}
	}

	if _, err := r.AssignEndpoint("E1", 100, models.SourceClustering, 0.8, 1); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if _, err := r.AssignEndpoint("E1", 200, models.SourceIncremental, 0.7, 2); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if _, err := r.AssignEndpoint("E1", 300, models.SourceManual, 0, -1); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	history := r.HistoryOf("E1")
	if len(history) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].AssignedAt.Before(history[i-1].AssignedAt) {
			t.Errorf("history out of order at %d", i)
		}
	}
	// All but the last row are closed.
	for i := 0; i < len(history)-1; i++ {
		if history[i].UnassignedAt == nil {
			t.Errorf("row %d should be closed", i)
		}
	}
	if history[2].UnassignedAt != nil {
		t.Error("current row must stay open")
	}
	if r.HistoryCount("E1") != 3 {
		t.Errorf("Expected history count 3, got %d", r.HistoryCount("E1"))
	}
}

func TestHistoryReplay_MatchesMembershipTable(t *testing.T) {
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	r := registryAt(base)

	for _, v := range []int{100, 200} {
		if _, err := r.CreateSGT(v, "SGT", models.CategoryUsers, ""); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	// Mixed sequence of assignments and unassignments across endpoints.
	if _, err := r.AssignEndpoint("E1", 100, models.SourceClustering, 0.8, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AssignEndpoint("E2", 100, models.SourceClustering, 0.7, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AssignEndpoint("E1", 200, models.SourceManual, 0, -1); err != nil {
		t.Fatal(err)
	}
	r.UnassignEndpoint("E2")
	if _, err := r.AssignEndpoint("E3", 200, models.SourceIncremental, 0.6, 2); err != nil {
		t.Fatal(err)
	}

	// Replaying history: the open rows must be exactly the membership table.
	open := make(map[string]int)
	for _, ep := range []string{"E1", "E2", "E3"} {
		for _, h := range r.HistoryOf(ep) {
			if h.UnassignedAt == nil {
				open[h.EndpointID] = h.SGTValue
			}
		}
	}

	memberships := r.Memberships()
	if len(open) != len(memberships) {
		t.Fatalf("replay found %d open rows, membership table has %d", len(open), len(memberships))
	}
	for _, m := range memberships {
		if open[m.EndpointID] != m.SGTValue {
			t.Errorf("replay disagrees for %s: %d vs %d", m.EndpointID, open[m.EndpointID], m.SGTValue)
		}
	}
	if _, ok := open["E2"]; ok {
		t.Error("E2 was unassigned; no open row expected")
	}
}

func TestDeactivateSGT_RetainsMemberships(t *testing.T) {
	r := NewRegistry()
	if _, err := r.CreateSGT(100, "Users", models.CategoryUsers, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := r.AssignEndpoint("E1", 100, models.SourceClustering, 0.8, 1); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := r.DeactivateSGT(100); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	if _, ok := r.MembershipOf("E1"); !ok {
		t.Error("deactivation must retain existing memberships")
	}
	if members := r.MembersOf(100); len(members) != 1 || members[0] != "E1" {
		t.Errorf("Expected E1 still a member, got %v", members)
	}
}
