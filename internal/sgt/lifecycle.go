package sgt

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/trustlab/clarion/pkg/models"
)

var (
	// ErrDuplicateSGT means the value already has an active definition.
	ErrDuplicateSGT = errors.New("sgt: duplicate value")
	// ErrUnknownSGT means no definition exists for the value.
	ErrUnknownSGT = errors.New("sgt: unknown value")
	// ErrInactiveSGT means the definition exists but was deactivated.
	ErrInactiveSGT = errors.New("sgt: inactive value")
)

// Registry owns SGT definitions, the single active membership row per
// endpoint, and the append-only assignment history. All mutations go through
// it so the audit trail can never skip a transition.
type Registry struct {
	mu          sync.RWMutex
	definitions map[int]*models.SGTDefinition
	memberships map[string]*models.SGTMembership
	history     []models.SGTHistoryEntry

	now func() time.Time // test seam
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[int]*models.SGTDefinition),
		memberships: make(map[string]*models.SGTMembership),
		now:         time.Now,
	}
}

// CreateSGT registers a definition. Re-creating an active value fails
// DuplicateSGT; re-creating a deactivated value revives it.
func (r *Registry) CreateSGT(value int, name string, category models.SGTCategory, description string) (*models.SGTDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.definitions[value]; ok && existing.IsActive {
		return nil, fmt.Errorf("%w: %d (%s)", ErrDuplicateSGT, value, existing.Name)
	}

	now := r.now().UTC()
	def := &models.SGTDefinition{
		Value:       value,
		Name:        name,
		Category:    category,
		Description: description,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing, ok := r.definitions[value]; ok {
		def.CreatedAt = existing.CreatedAt
	}
	r.definitions[value] = def
	log.Printf("[SGT] Created SGT %d %q (%s)", value, name, category)

	copied := *def
	return &copied, nil
}

// DeactivateSGT soft-deletes a definition. Membership rows survive; new
// assignments to the value are rejected.
func (r *Registry) DeactivateSGT(value int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.definitions[value]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSGT, value)
	}
	if !def.IsActive {
		return fmt.Errorf("%w: %d", ErrInactiveSGT, value)
	}
	def.IsActive = false
	def.UpdatedAt = r.now().UTC()
	log.Printf("[SGT] Deactivated SGT %d %q", value, def.Name)
	return nil
}

// AssignEndpoint moves an endpoint onto an SGT. An existing active
// membership is closed first: its history row gets unassigned_at stamped,
// then the new row is inserted and appended to history. Manual assignments
// always carry confidence 1.0.
func (r *Registry) AssignEndpoint(endpointID string, value int, source models.AssignmentSource, confidence float64, clusterID int) (*models.SGTMembership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.definitions[value]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSGT, value)
	}
	if !def.IsActive {
		return nil, fmt.Errorf("%w: %d", ErrInactiveSGT, value)
	}

	if source == models.SourceManual {
		confidence = 1.0
	}

	now := r.now().UTC()
	if current, ok := r.memberships[endpointID]; ok {
		r.closeHistoryLocked(endpointID, current.SGTValue, current.AssignedAt, now)
	}

	m := &models.SGTMembership{
		EndpointID: endpointID,
		SGTValue:   value,
		AssignedAt: now,
		AssignedBy: source,
		Confidence: confidence,
		ClusterID:  clusterID,
	}
	r.memberships[endpointID] = m
	r.history = append(r.history, models.SGTHistoryEntry{
		EndpointID: endpointID,
		SGTValue:   value,
		AssignedAt: now,
		AssignedBy: source,
	})

	copied := *m
	return &copied, nil
}

// closeHistoryLocked stamps unassigned_at on the open history row matching
// an active membership. Rows are closed in place; nothing is ever removed.
func (r *Registry) closeHistoryLocked(endpointID string, value int, assignedAt, closedAt time.Time) {
	for i := len(r.history) - 1; i >= 0; i-- {
		h := &r.history[i]
		if h.EndpointID == endpointID && h.SGTValue == value &&
			h.AssignedAt.Equal(assignedAt) && h.UnassignedAt == nil {
			t := closedAt
			h.UnassignedAt = &t
			return
		}
	}
}

// UnassignEndpoint removes the endpoint's active membership, closing its
// history row. Unassigning an endpoint with no membership is a no-op.
func (r *Registry) UnassignEndpoint(endpointID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.memberships[endpointID]
	if !ok {
		return
	}
	r.closeHistoryLocked(endpointID, current.SGTValue, current.AssignedAt, r.now().UTC())
	delete(r.memberships, endpointID)
}

// MembershipOf returns the active membership row for an endpoint.
func (r *Registry) MembershipOf(endpointID string) (models.SGTMembership, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.memberships[endpointID]
	if !ok {
		return models.SGTMembership{}, false
	}
	return *m, true
}

// HistoryOf returns the endpoint's audit rows ordered by assignment time.
func (r *Registry) HistoryOf(endpointID string) []models.SGTHistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.SGTHistoryEntry
	for _, h := range r.history {
		if h.EndpointID == endpointID {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AssignedAt.Before(out[j].AssignedAt)
	})
	return out
}

// Definition returns a copy of the registry entry for a value.
func (r *Registry) Definition(value int) (models.SGTDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[value]
	if !ok {
		return models.SGTDefinition{}, false
	}
	return *def, true
}

// Definitions lists all registry entries ordered by value.
func (r *Registry) Definitions() []models.SGTDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.SGTDefinition, 0, len(r.definitions))
	for _, def := range r.definitions {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

// Memberships lists all active membership rows ordered by endpoint.
func (r *Registry) Memberships() []models.SGTMembership {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.SGTMembership, 0, len(r.memberships))
	for _, m := range r.memberships {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

// MembersOf lists endpoints currently assigned to a value.
func (r *Registry) MembersOf(value int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for ep, m := range r.memberships {
		if m.SGTValue == value {
			out = append(out, ep)
		}
	}
	sort.Strings(out)
	return out
}

// HistoryCount returns the number of audit rows for an endpoint; the
// confidence scorer uses it as a stability signal.
func (r *Registry) HistoryCount(endpointID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, h := range r.history {
		if h.EndpointID == endpointID {
			n++
		}
	}
	return n
}
