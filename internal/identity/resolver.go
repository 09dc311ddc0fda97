// Package identity joins endpoint keys to user, device, and group context
// from the operator's directories. The directories themselves are external
// collaborators; the resolver depends only on the four lookup signatures and
// on "most recent" being well-defined for sessions.
package identity

import (
	"context"
	"time"

	"github.com/trustlab/clarion/internal/telemetry"
	"github.com/trustlab/clarion/pkg/models"
)

// Endpoint is a directory device record for a MAC.
type Endpoint struct {
	MAC        string
	DeviceID   string
	DeviceType string
	ISEProfile string
}

// Session is an authentication session observed for a MAC.
type Session struct {
	MAC       string
	Username  string
	StartTime time.Time
}

// User is a directory user record.
type User struct {
	Username string
	Enabled  bool
}

// Directory is the external lookup surface. Every method returns ok=false
// (not an error) when nothing is known; lookup failure is never fatal to the
// pipeline.
type Directory interface {
	EndpointByMAC(ctx context.Context, mac string) (Endpoint, bool)
	SessionByMAC(ctx context.Context, mac string) (Session, bool) // most recent by StartTime
	UserByName(ctx context.Context, username string) (User, bool)
	GroupsOfUser(ctx context.Context, username string) []string
}

// Confidence grades for how far the identity chain resolved.
const (
	ConfidenceNone    = 0.0
	ConfidenceDevice  = 0.3 // device record only
	ConfidenceSession = 0.8 // session present, user not found in directory
	ConfidenceFull    = 1.0 // device + session + directory user + groups
)

// Resolver composes directory lookups into endpoint enrichment.
type Resolver struct {
	dir     Directory
	metrics *telemetry.BackendMetrics
}

// NewResolver builds a resolver over a directory.
func NewResolver(dir Directory, metrics *telemetry.BackendMetrics) *Resolver {
	return &Resolver{dir: dir, metrics: metrics}
}

// Resolve fills an IdentityRecord for a MAC. Degraded enrichment is silent:
// missing chain links just lower the confidence, fields stay empty.
func (r *Resolver) Resolve(ctx context.Context, mac string) models.IdentityRecord {
	rec := models.IdentityRecord{EndpointID: mac, Confidence: ConfidenceNone}
	grade := "none"

	if ep, ok := r.dir.EndpointByMAC(ctx, mac); ok {
		rec.DeviceType = ep.DeviceType
		rec.ISEProfile = ep.ISEProfile
		rec.Confidence = ConfidenceDevice
		grade = "device"
	}

	if session, ok := r.dir.SessionByMAC(ctx, mac); ok && session.Username != "" {
		rec.Username = session.Username
		rec.Confidence = ConfidenceSession
		grade = "session"

		if user, ok := r.dir.UserByName(ctx, session.Username); ok {
			rec.ADGroups = r.dir.GroupsOfUser(ctx, user.Username)
			rec.Confidence = ConfidenceFull
			grade = "full"
		}
	}

	if r.metrics != nil {
		r.metrics.EnrichmentGrade.WithLabelValues(grade).Inc()
	}
	return rec
}

// Apply copies a resolved record onto a sketch summary. Enrichment never
// touches the behavioral counters.
func Apply(summary *models.SketchSummary, rec models.IdentityRecord) {
	if rec.Username != "" {
		summary.Username = rec.Username
	}
	if len(rec.ADGroups) > 0 {
		summary.ADGroups = append([]string(nil), rec.ADGroups...)
	}
	if rec.ISEProfile != "" {
		summary.ISEProfile = rec.ISEProfile
	}
	if rec.DeviceType != "" {
		summary.DeviceType = rec.DeviceType
	}
}
