// Package db is the backend persistence layer over PostgreSQL.
package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trustlab/clarion/pkg/models"
)

// schemaSQL is compiled into the binary at build time.
// This ensures schema init works inside the Docker runtime image which
// does not copy internal/db/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for Clarion backend")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Clarion schema initialized")
	return nil
}

// GetPool exposes the connection pool for subsystems that need raw access
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

// SaveSketch upserts the merged backend copy of an endpoint sketch: the
// binary register state plus the queryable counter columns.
func (s *PostgresStore) SaveSketch(ctx context.Context, sum models.SketchSummary, blob []byte) error {
	sql := `
		INSERT INTO endpoint_sketches
			(endpoint_id, switch_id, sketch_blob, flow_count, bytes_in, bytes_out,
			 first_seen, last_seen, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, to_timestamp($7), to_timestamp($8), $9, NOW())
		ON CONFLICT (endpoint_id) DO UPDATE SET
			switch_id = EXCLUDED.switch_id,
			sketch_blob = EXCLUDED.sketch_blob,
			flow_count = EXCLUDED.flow_count,
			bytes_in = EXCLUDED.bytes_in,
			bytes_out = EXCLUDED.bytes_out,
			first_seen = LEAST(endpoint_sketches.first_seen, EXCLUDED.first_seen),
			last_seen = GREATEST(endpoint_sketches.last_seen, EXCLUDED.last_seen),
			version = EXCLUDED.version,
			updated_at = NOW();
	`
	_, err := s.pool.Exec(ctx, sql, sum.EndpointID, sum.SwitchID, blob,
		int64(sum.FlowCount), int64(sum.BytesIn), int64(sum.BytesOut),
		sum.FirstSeen, sum.LastSeen, int64(sum.Version))
	return err
}

// LoadSketchBlobs returns every stored sketch's binary state keyed by
// endpoint, for rebuilding the in-memory store on boot.
func (s *PostgresStore) LoadSketchBlobs(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.pool.Query(ctx, `SELECT endpoint_id, sketch_blob FROM endpoint_sketches`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		out[id] = blob
	}
	return out, rows.Err()
}

// SaveIdentity upserts a resolved identity record.
func (s *PostgresStore) SaveIdentity(ctx context.Context, rec models.IdentityRecord) error {
	sql := `
		INSERT INTO endpoint_identity
			(endpoint_id, username, ad_groups, ise_profile, device_type, confidence, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (endpoint_id) DO UPDATE SET
			username = EXCLUDED.username,
			ad_groups = EXCLUDED.ad_groups,
			ise_profile = EXCLUDED.ise_profile,
			device_type = EXCLUDED.device_type,
			confidence = EXCLUDED.confidence,
			resolved_at = NOW();
	`
	groups := rec.ADGroups
	if groups == nil {
		groups = []string{}
	}
	_, err := s.pool.Exec(ctx, sql, rec.EndpointID, rec.Username, groups,
		rec.ISEProfile, rec.DeviceType, rec.Confidence)
	return err
}

// ListIdentities loads all stored identity records.
func (s *PostgresStore) ListIdentities(ctx context.Context) ([]models.IdentityRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT endpoint_id, username, ad_groups, ise_profile, device_type, confidence
		FROM endpoint_identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.IdentityRecord, 0)
	for rows.Next() {
		var rec models.IdentityRecord
		if err := rows.Scan(&rec.EndpointID, &rec.Username, &rec.ADGroups,
			&rec.ISEProfile, &rec.DeviceType, &rec.Confidence); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveSGTDefinition upserts a registry row.
func (s *PostgresStore) SaveSGTDefinition(ctx context.Context, def models.SGTDefinition) error {
	sql := `
		INSERT INTO sgt_registry (value, name, category, description, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (value) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			description = EXCLUDED.description,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := s.pool.Exec(ctx, sql, def.Value, def.Name, string(def.Category),
		def.Description, def.IsActive, def.CreatedAt, def.UpdatedAt)
	return err
}

// ListSGTDefinitions loads the full registry ordered by value.
func (s *PostgresStore) ListSGTDefinitions(ctx context.Context) ([]models.SGTDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT value, name, category, description, is_active, created_at, updated_at
		FROM sgt_registry ORDER BY value`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.SGTDefinition, 0)
	for rows.Next() {
		var def models.SGTDefinition
		var category string
		if err := rows.Scan(&def.Value, &def.Name, &category, &def.Description,
			&def.IsActive, &def.CreatedAt, &def.UpdatedAt); err != nil {
			return nil, err
		}
		def.Category = models.SGTCategory(category)
		out = append(out, def)
	}
	return out, rows.Err()
}

// SaveMembership replaces the active membership row for an endpoint and
// appends the matching history row in one transaction. closedAt, when
// non-nil, closes the endpoint's previous open history row first.
func (s *PostgresStore) SaveMembership(ctx context.Context, m models.SGTMembership, closedAt *time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if closedAt != nil {
		_, err = tx.Exec(ctx, `
			UPDATE sgt_history SET unassigned_at = $2
			WHERE endpoint_id = $1 AND unassigned_at IS NULL`, m.EndpointID, *closedAt)
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sgt_membership (endpoint_id, sgt_value, assigned_at, assigned_by, confidence, cluster_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (endpoint_id) DO UPDATE SET
			sgt_value = EXCLUDED.sgt_value,
			assigned_at = EXCLUDED.assigned_at,
			assigned_by = EXCLUDED.assigned_by,
			confidence = EXCLUDED.confidence,
			cluster_id = EXCLUDED.cluster_id;`,
		m.EndpointID, m.SGTValue, m.AssignedAt, string(m.AssignedBy), m.Confidence, m.ClusterID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sgt_history (endpoint_id, sgt_value, assigned_at, assigned_by)
		VALUES ($1, $2, $3, $4);`,
		m.EndpointID, m.SGTValue, m.AssignedAt, string(m.AssignedBy))
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// HistoryOf loads the audit rows for an endpoint in assignment order.
func (s *PostgresStore) HistoryOf(ctx context.Context, endpointID string) ([]models.SGTHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT endpoint_id, sgt_value, assigned_at, unassigned_at, assigned_by
		FROM sgt_history WHERE endpoint_id = $1
		ORDER BY assigned_at`, endpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.SGTHistoryEntry, 0)
	for rows.Next() {
		var h models.SGTHistoryEntry
		var by string
		if err := rows.Scan(&h.EndpointID, &h.SGTValue, &h.AssignedAt, &h.UnassignedAt, &by); err != nil {
			return nil, err
		}
		h.AssignedBy = models.AssignmentSource(by)
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListCentroids implements cluster.CentroidStore.
func (s *PostgresStore) ListCentroids(ctx context.Context) ([]models.ClusterCentroid, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT cluster_id, vector, member_count, sgt_value, updated_at
		FROM cluster_centroids ORDER BY cluster_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.ClusterCentroid, 0)
	for rows.Next() {
		var c models.ClusterCentroid
		if err := rows.Scan(&c.ClusterID, &c.Vector, &c.MemberCount, &c.SGTValue, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveCentroid implements cluster.CentroidStore.
func (s *PostgresStore) SaveCentroid(ctx context.Context, c models.ClusterCentroid) error {
	sql := `
		INSERT INTO cluster_centroids (cluster_id, vector, member_count, sgt_value, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cluster_id) DO UPDATE SET
			vector = EXCLUDED.vector,
			member_count = EXCLUDED.member_count,
			sgt_value = EXCLUDED.sgt_value,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := s.pool.Exec(ctx, sql, c.ClusterID, c.Vector, c.MemberCount, c.SGTValue, c.UpdatedAt)
	return err
}

// SaveClusterLabel upserts a label; the share breakdowns ride in the JSONB
// detail column.
func (s *PostgresStore) SaveClusterLabel(ctx context.Context, label models.ClusterLabel) error {
	detail, err := json.Marshal(label)
	if err != nil {
		return err
	}
	sql := `
		INSERT INTO cluster_labels (cluster_id, name, primary_reason, confidence, member_count, detail, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (cluster_id) DO UPDATE SET
			name = EXCLUDED.name,
			primary_reason = EXCLUDED.primary_reason,
			confidence = EXCLUDED.confidence,
			member_count = EXCLUDED.member_count,
			detail = EXCLUDED.detail,
			updated_at = NOW();
	`
	_, err = s.pool.Exec(ctx, sql, label.ClusterID, label.Name, label.PrimaryReason,
		label.Confidence, label.MemberCount, detail)
	return err
}

// SaveMatrixCell upserts one traffic matrix cell.
func (s *PostgresStore) SaveMatrixCell(ctx context.Context, cell models.MatrixCell) error {
	ports, err := json.Marshal(cell.ObservedPorts)
	if err != nil {
		return err
	}
	services := cell.Services
	if services == nil {
		services = []string{}
	}
	sql := `
		INSERT INTO matrix_cells
			(src_sgt, dst_sgt, observed_ports, total_bytes, total_flows,
			 unique_src, unique_dst, first_seen, last_seen, services, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (src_sgt, dst_sgt) DO UPDATE SET
			observed_ports = EXCLUDED.observed_ports,
			total_bytes = EXCLUDED.total_bytes,
			total_flows = EXCLUDED.total_flows,
			unique_src = EXCLUDED.unique_src,
			unique_dst = EXCLUDED.unique_dst,
			first_seen = EXCLUDED.first_seen,
			last_seen = EXCLUDED.last_seen,
			services = EXCLUDED.services,
			updated_at = NOW();
	`
	_, err = s.pool.Exec(ctx, sql, cell.SrcSGT, cell.DstSGT, ports,
		int64(cell.TotalBytes), int64(cell.TotalFlows),
		cell.UniqueSrcEndpoints, cell.UniqueDstEndpoints,
		cell.FirstSeen, cell.LastSeen, services)
	return err
}

// ListMatrixCells loads every stored cell.
func (s *PostgresStore) ListMatrixCells(ctx context.Context) ([]models.MatrixCell, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT src_sgt, dst_sgt, observed_ports, total_bytes, total_flows,
		       unique_src, unique_dst, first_seen, last_seen, services
		FROM matrix_cells ORDER BY src_sgt, dst_sgt`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.MatrixCell, 0)
	for rows.Next() {
		var cell models.MatrixCell
		var ports []byte
		var totalBytes, totalFlows int64
		if err := rows.Scan(&cell.SrcSGT, &cell.DstSGT, &ports, &totalBytes, &totalFlows,
			&cell.UniqueSrcEndpoints, &cell.UniqueDstEndpoints,
			&cell.FirstSeen, &cell.LastSeen, &cell.Services); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(ports, &cell.ObservedPorts); err != nil {
			return nil, err
		}
		cell.TotalBytes = uint64(totalBytes)
		cell.TotalFlows = uint64(totalFlows)
		out = append(out, cell)
	}
	return out, rows.Err()
}

// SavePolicy upserts a generated SGACL policy as a JSONB document.
func (s *PostgresStore) SavePolicy(ctx context.Context, p models.SGACLPolicy) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	sql := `
		INSERT INTO sgacl_policies (name, src_sgt, dst_sgt, policy, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name) DO UPDATE SET
			src_sgt = EXCLUDED.src_sgt,
			dst_sgt = EXCLUDED.dst_sgt,
			policy = EXCLUDED.policy,
			updated_at = NOW();
	`
	_, err = s.pool.Exec(ctx, sql, p.Name, p.SrcSGT, p.DstSGT, doc)
	return err
}

// ListPolicies loads every stored policy.
func (s *PostgresStore) ListPolicies(ctx context.Context) ([]models.SGACLPolicy, error) {
	rows, err := s.pool.Query(ctx, `SELECT policy FROM sgacl_policies ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.SGACLPolicy, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var p models.SGACLPolicy
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveArtifact stores a named JSON model artifact (the frozen scaler).
func (s *PostgresStore) SaveArtifact(ctx context.Context, name string, payload []byte) error {
	sql := `
		INSERT INTO model_artifacts (name, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW();
	`
	_, err := s.pool.Exec(ctx, sql, name, payload)
	return err
}

// LoadArtifact fetches a named artifact; found=false when absent.
func (s *PostgresStore) LoadArtifact(ctx context.Context, name string) ([]byte, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM model_artifacts WHERE name = $1`, name).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

// CreateRun opens an analysis run row.
func (s *PostgresStore) CreateRun(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_runs (run_id, status) VALUES ($1, 'running')`, runID)
	return err
}

// FinishRun closes an analysis run row with its outcome.
func (s *PostgresStore) FinishRun(ctx context.Context, runID, status string, result *models.ClusterResult) error {
	endpoints, clusters, noise := 0, 0, 0
	var silhouette *float64
	if result != nil {
		endpoints = len(result.EndpointIDs)
		clusters = result.NClusters
		noise = result.NNoise
		if result.HasSilhouette {
			v := result.Silhouette
			silhouette = &v
		}
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE analysis_runs SET
			status = $2, finished_at = NOW(), endpoints = $3,
			n_clusters = $4, n_noise = $5, silhouette = $6
		WHERE run_id = $1`, runID, status, endpoints, clusters, noise, silhouette)
	return err
}
