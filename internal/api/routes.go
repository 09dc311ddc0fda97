package api

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/trustlab/clarion/internal/db"
	"github.com/trustlab/clarion/internal/edge"
	"github.com/trustlab/clarion/internal/pipeline"
	"github.com/trustlab/clarion/pkg/models"
)

// maxSyncBody bounds an edge upload; a full 500-sketch binary batch with
// headroom stays well under this.
const maxSyncBody = 64 << 20

type APIHandler struct {
	ingest  *pipeline.Ingest
	orch    *pipeline.Orchestrator
	dbStore *db.PostgresStore
	wsHub   *Hub
}

func SetupRouter(ingest *pipeline.Ingest, orch *pipeline.Orchestrator, dbStore *db.PostgresStore, wsHub *Hub, metricsHandler http.Handler) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://clarion.example.com
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Switch-ID, X-Sequence, X-Sketch-Count")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{ingest: ingest, orch: orch, dbStore: dbStore, wsHub: wsHub}

	// Operator-triggered mutations are authenticated and rate limited; edge
	// sync traffic is neither (switches authenticate at the network layer).
	mutate := NewRateLimiterFromEnv()

	api := r.Group("/api/v1")
	{
		// Edge-facing ingestion.
		api.POST("/sync", handler.handleSync)
		api.POST("/flows", handler.handleFlows)

		// Analysis lifecycle.
		api.POST("/analysis", AuthMiddleware(), mutate.Middleware(), handler.handleStartAnalysis)
		api.GET("/analysis/progress", handler.handleProgress)
		api.GET("/analysis/result", handler.handleResult)

		// Taxonomy and policy surfaces.
		api.GET("/sgts", handler.handleGetSGTs)
		api.GET("/sgts/:value/members", handler.handleGetSGTMembers)
		api.GET("/endpoints/:id/history", handler.handleGetHistory)
		api.POST("/endpoints/:id/assign", AuthMiddleware(), mutate.Middleware(), handler.handleManualAssign)
		api.POST("/endpoints/:id/place", AuthMiddleware(), mutate.Middleware(), handler.handlePlace)
		api.GET("/policies", handler.handleGetPolicies)
		api.GET("/matrix", handler.handleGetMatrix)
		api.GET("/export", handler.handleExport)

		api.GET("/health", handler.handleHealth)
		api.GET("/stream", wsHub.Subscribe)
	}

	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}

	return r
}

// handleSync accepts one edge batch in either form. Binary batches
// (application/octet-stream, optionally gzipped) carry full register state
// and merge into the sketch store; JSON envelopes carry summaries only.
func (h *APIHandler) handleSync(c *gin.Context) {
	switchID := c.GetHeader("X-Switch-ID")
	contentType := c.ContentType()

	switch contentType {
	case "application/octet-stream":
		body, err := readSyncBody(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body", "details": err.Error()})
			return
		}
		sketches, err := edge.DecodeBinaryBatch(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed binary batch", "details": err.Error()})
			return
		}
		outOfOrder := h.trackHeaderSequence(switchID, c.GetHeader("X-Sequence"))
		newIDs, err := h.ingest.MergeSketches(sketches)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Merge failed", "details": err.Error()})
			return
		}
		h.ingest.CountBatch("binary")
		h.orch.PlaceNew(c.Request.Context(), newIDs)
		c.JSON(http.StatusOK, gin.H{
			"accepted":   len(sketches),
			"form":       "binary",
			"outOfOrder": outOfOrder,
		})

	case "application/json":
		var envelope models.SyncEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sync envelope", "details": err.Error()})
			return
		}
		if envelope.SwitchID == "" {
			envelope.SwitchID = switchID
		}
		outOfOrder := false
		if envelope.SwitchID != "" && envelope.Sequence > 0 {
			outOfOrder = h.ingest.TrackSequence(envelope.SwitchID, envelope.Sequence)
		}
		newIDs := h.ingest.ApplySummaries(envelope.Sketches)
		h.ingest.CountBatch("structured")
		h.orch.PlaceNew(c.Request.Context(), newIDs)
		c.JSON(http.StatusOK, gin.H{
			"accepted":   len(envelope.Sketches),
			"form":       "structured",
			"outOfOrder": outOfOrder,
		})

	default:
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "Expected application/json or application/octet-stream"})
	}
}

func (h *APIHandler) trackHeaderSequence(switchID, seqHeader string) bool {
	if switchID == "" || seqHeader == "" {
		return false
	}
	seq, err := strconv.ParseUint(seqHeader, 10, 64)
	if err != nil {
		return false
	}
	return h.ingest.TrackSequence(switchID, seq)
}

func readSyncBody(c *gin.Context) ([]byte, error) {
	var reader io.Reader = http.MaxBytesReader(c.Writer, c.Request.Body, maxSyncBody)
	if c.GetHeader("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(reader)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		reader = zr
	}
	return io.ReadAll(reader)
}

// handleFlows accepts sampled flow records for the policy matrix.
func (h *APIHandler) handleFlows(c *gin.Context) {
	var req struct {
		Flows []models.FlowRecord `json:"flows"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {flows: [...]}"})
		return
	}
	h.ingest.RecordFlows(req.Flows)
	c.JSON(http.StatusOK, gin.H{"accepted": len(req.Flows)})
}

// handleStartAnalysis launches an analysis run in the background.
func (h *APIHandler) handleStartAnalysis(c *gin.Context) {
	if h.orch.Progress().IsRunning {
		c.JSON(http.StatusConflict, gin.H{"error": "Analysis already running"})
		return
	}
	if h.ingest.EndpointCount() == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No endpoints ingested yet"})
		return
	}

	go func() {
		if _, err := h.orch.Run(context.Background()); err != nil {
			log.Printf("[API] Analysis run failed: %v", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"status":    "analysis_started",
		"endpoints": h.ingest.EndpointCount(),
	})
}

func (h *APIHandler) handleProgress(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Progress())
}

func (h *APIHandler) handleResult(c *gin.Context) {
	result := h.orch.LastResult()
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No completed analysis run"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandler) handleGetSGTs(c *gin.Context) {
	registry := h.orch.Registry()
	c.JSON(http.StatusOK, gin.H{
		"sgts":        registry.Definitions(),
		"memberships": registry.Memberships(),
	})
}

func (h *APIHandler) handleGetSGTMembers(c *gin.Context) {
	value, err := strconv.Atoi(c.Param("value"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid SGT value"})
		return
	}
	registry := h.orch.Registry()
	if _, ok := registry.Definition(value); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown SGT"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sgt":     value,
		"members": registry.MembersOf(value),
	})
}

func (h *APIHandler) handleGetHistory(c *gin.Context) {
	endpointID := c.Param("id")
	history := h.orch.Registry().HistoryOf(endpointID)
	c.JSON(http.StatusOK, gin.H{
		"endpointId": endpointID,
		"history":    history,
	})
}

// handleManualAssign pins an endpoint to an SGT by operator decision. Manual
// assignments carry confidence 1.0 and survive until the operator moves them.
func (h *APIHandler) handleManualAssign(c *gin.Context) {
	endpointID := c.Param("id")
	var req struct {
		SGTValue int `json:"sgtValue"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {sgtValue}"})
		return
	}

	m, err := h.orch.Registry().AssignEndpoint(endpointID, req.SGTValue, models.SourceManual, 1.0, -1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.dbStore != nil {
		now := m.AssignedAt
		if err := h.dbStore.SaveMembership(c.Request.Context(), *m, &now); err != nil {
			log.Printf("[API] Failed to persist manual assignment: %v", err)
		}
	}
	if h.wsHub != nil {
		h.wsHub.BroadcastEvent("manual_assignment", m)
	}
	c.JSON(http.StatusOK, m)
}

// handlePlace assigns one endpoint against the current centroids without a
// full analysis run. 409 means no model exists yet.
func (h *APIHandler) handlePlace(c *gin.Context) {
	endpointID := c.Param("id")
	a, m, err := h.orch.Place(c.Request.Context(), endpointID)
	switch {
	case errors.Is(err, pipeline.ErrModelNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, pipeline.ErrUnknownEndpoint):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Placement failed", "details": err.Error()})
	default:
		if m != nil && h.wsHub != nil {
			h.wsHub.BroadcastEvent("incremental_assignment", m)
		}
		c.JSON(http.StatusOK, gin.H{"assignment": a, "membership": m})
	}
}

func (h *APIHandler) handleGetPolicies(c *gin.Context) {
	if result := h.orch.LastResult(); result != nil {
		c.JSON(http.StatusOK, gin.H{"policies": result.Policies})
		return
	}
	if h.dbStore != nil {
		policies, err := h.dbStore.ListPolicies(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load policies", "details": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"policies": policies})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "No policies available yet"})
}

func (h *APIHandler) handleGetMatrix(c *gin.Context) {
	if result := h.orch.LastResult(); result != nil {
		c.JSON(http.StatusOK, gin.H{"cells": result.Matrix})
		return
	}
	if h.dbStore != nil {
		cells, err := h.dbStore.ListMatrixCells(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load matrix", "details": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cells": cells})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "No matrix available yet"})
}

func (h *APIHandler) handleExport(c *gin.Context) {
	result := h.orch.LastResult()
	if result == nil || result.Package == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No deployment package available; run an analysis first"})
		return
	}
	c.JSON(http.StatusOK, result.Package)
}

// handleHealth returns engine status for service discovery and probes.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"engine":      "Clarion Categorization Engine v1.0",
		"endpoints":   h.ingest.EndpointCount(),
		"dbConnected": h.dbStore != nil,
		"capabilities": gin.H{
			"binary_sync":            true,
			"density_clustering":     true,
			"incremental_placement":  true,
			"sgacl_generation":       true,
			"impact_simulation":      true,
		},
	})
}

// BroadcastAnalysisAlert adapts the hub into the pipeline's alert callback.
func BroadcastAnalysisAlert(wsHub *Hub) pipeline.AlertFunc {
	return func(eventType string, payload interface{}) {
		wsHub.BroadcastEvent(eventType, payload)
		log.Printf("[ALERT] %s", eventType)
	}
}
