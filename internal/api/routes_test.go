package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/trustlab/clarion/internal/cluster"
	"github.com/trustlab/clarion/internal/edge"
	"github.com/trustlab/clarion/internal/identity"
	"github.com/trustlab/clarion/internal/pipeline"
	"github.com/trustlab/clarion/internal/sketch"
	"github.com/trustlab/clarion/pkg/models"
)

type emptyDirectory struct{}

func (emptyDirectory) EndpointByMAC(context.Context, string) (identity.Endpoint, bool) {
	return identity.Endpoint{}, false
}
func (emptyDirectory) SessionByMAC(context.Context, string) (identity.Session, bool) {
	return identity.Session{}, false
}
func (emptyDirectory) UserByName(context.Context, string) (identity.User, bool) {
	return identity.User{}, false
}
func (emptyDirectory) GroupsOfUser(context.Context, string) []string { return nil }

func testRouter() (*gin.Engine, *pipeline.Ingest) {
	gin.SetMode(gin.TestMode)
	ing := pipeline.NewIngest(sketch.NewStore(100, sketch.DefaultConfig()), nil)
	orch := pipeline.NewOrchestrator(pipeline.Config{
		Ingest:      ing,
		Directory:   emptyDirectory{},
		BatchConfig: cluster.BatchConfig{MinClusterSize: 5, MinSamples: 3},
	})
	return SetupRouter(ing, orch, nil, NewHub(), nil), ing
}

func postJSON(t *testing.T, r *gin.Engine, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to encode request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleSync_StructuredEnvelope(t *testing.T) {
	r, ing := testRouter()

	envelope := models.SyncEnvelope{
		SwitchID: "sw-1",
		Sequence: 1,
		Sketches: []models.SketchSummary{
			{EndpointID: "aa:bb:cc:dd:ee:01", SwitchID: "sw-1", FlowCount: 10, Version: 1},
			{EndpointID: "aa:bb:cc:dd:ee:02", SwitchID: "sw-1", FlowCount: 20, Version: 1},
		},
	}
	w := postJSON(t, r, "/api/v1/sync", envelope)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ing.EndpointCount() != 2 {
		t.Errorf("Expected 2 endpoints ingested, got %d", ing.EndpointCount())
	}

	// A replayed batch is accepted but flagged out of order.
	w = postJSON(t, r, "/api/v1/sync", envelope)
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad response: %v", err)
	}
	if resp["outOfOrder"] != true {
		t.Errorf("Expected replay to be flagged out of order, got %v", resp)
	}
}

func TestHandleSync_BinaryBatch(t *testing.T) {
	r, ing := testRouter()

	s := sketch.NewEndpointSketch("aa:bb:cc:dd:ee:ff", "sw-2", sketch.DefaultConfig())
	payload := edge.EncodeBinaryBatch([]*sketch.EndpointSketch{s})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Switch-ID", "sw-2")
	req.Header.Set("X-Sequence", "1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ing.EndpointCount() != 1 {
		t.Errorf("Expected 1 endpoint after binary merge, got %d", ing.EndpointCount())
	}
}

func TestHandleSync_RejectsUnknownContentType(t *testing.T) {
	r, _ := testRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", bytes.NewReader([]byte("x")))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected 415, got %d", w.Code)
	}
}

func TestHandleFlows_AcceptsRecords(t *testing.T) {
	r, ing := testRouter()

	w := postJSON(t, r, "/api/v1/flows", map[string]interface{}{
		"flows": []models.FlowRecord{
			{SrcMAC: "aa:bb", DstIP: "10.0.0.1", Protocol: "tcp", DstPort: 443},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if len(ing.Flows()) != 1 {
		t.Errorf("Expected 1 flow recorded, got %d", len(ing.Flows()))
	}
}

func TestHandleStartAnalysis_RejectsEmptyState(t *testing.T) {
	r, _ := testRouter()

	w := postJSON(t, r, "/api/v1/analysis", map[string]interface{}{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 with no ingested endpoints, got %d", w.Code)
	}
}

func TestHandleResult_NotFoundBeforeFirstRun(t *testing.T) {
	r, _ := testRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analysis/result", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 before any run, got %d", w.Code)
	}
}

func TestHandleManualAssign_UnknownSGT(t *testing.T) {
	r, _ := testRouter()

	w := postJSON(t, r, "/api/v1/endpoints/aa:bb/assign", map[string]int{"sgtValue": 99})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown SGT, got %d", w.Code)
	}
}

func TestHandlePlace_ConflictBeforeFirstRun(t *testing.T) {
	r, ing := testRouter()

	ing.ApplySummaries([]models.SketchSummary{
		{EndpointID: "aa:bb:cc:dd:ee:01", SwitchID: "sw-1", FlowCount: 10, Version: 1},
	})
	w := postJSON(t, r, "/api/v1/endpoints/aa:bb:cc:dd:ee:01/place", map[string]interface{}{})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 with no fitted model, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	r, _ := testRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad response: %v", err)
	}
	if resp["status"] != "operational" {
		t.Errorf("Expected operational status, got %v", resp["status"])
	}
}
