package main

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trustlab/clarion/internal/api"
	"github.com/trustlab/clarion/internal/cluster"
	"github.com/trustlab/clarion/internal/config"
	"github.com/trustlab/clarion/internal/db"
	"github.com/trustlab/clarion/internal/identity"
	"github.com/trustlab/clarion/internal/pipeline"
	"github.com/trustlab/clarion/internal/policy"
	"github.com/trustlab/clarion/internal/sketch"
	"github.com/trustlab/clarion/internal/telemetry"
)

func main() {
	log.Println("Starting Clarion Categorization Engine...")
	config.LoadDotEnv()

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	dbURL := config.RequireEnv("DATABASE_URL")

	dbConn, err := db.Connect(dbURL)
	if err != nil {
		log.Printf("Warning: Failed to connect to PostgreSQL, continuing without persistence. Error: %v", err)
		dbConn = nil
	} else {
		defer dbConn.Close()
		if err := dbConn.InitSchema(); err != nil {
			log.Printf("Warning: DB schema init failed: %v", err)
		}
	}

	tunables, err := config.LoadTunables(config.GetEnvOrDefault("CLARION_TUNABLES", "tunables.yaml"))
	if err != nil {
		log.Fatalf("FATAL: Malformed tunables file: %v", err)
	}

	// Redis centroid cache is optional; absence just means every centroid
	// read goes to PostgreSQL.
	var cache *cluster.CentroidCache
	if addr := config.GetEnvOrDefault("REDIS_ADDR", ""); addr != "" {
		cache, err = cluster.NewCentroidCache(context.Background(),
			addr,
			config.GetEnvOrDefault("REDIS_PASSWORD", ""),
			config.GetEnvInt("REDIS_DB", 0))
		if err != nil {
			log.Printf("Warning: Redis unavailable, centroid cache disabled: %v", err)
			cache = nil
		}
	}

	directory, err := identity.LoadDirectory(config.GetEnvOrDefault("IDENTITY_DIRECTORY", ""))
	if err != nil {
		log.Fatalf("FATAL: Malformed identity directory snapshot: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewBackendMetrics(registry)

	store := sketch.NewStore(config.GetEnvInt("BACKEND_SKETCH_CAPACITY", 100_000), sketch.DefaultConfig())
	ingest := pipeline.NewIngest(store, metrics)
	restoreSketches(dbConn, ingest)

	wsHub := api.NewHub()
	go wsHub.Run()

	orch := pipeline.NewOrchestrator(pipeline.Config{
		Ingest:    ingest,
		Directory: directory,
		Store:     dbConn,
		Cache:     cache,
		Metrics:   metrics,
		Alert:     api.BroadcastAnalysisAlert(wsHub),
		BatchConfig: cluster.BatchConfig{
			MinClusterSize: tunables.Clustering.MinClusterSize,
			MinSamples:     tunables.Clustering.MinSamples,
		},
		GeneratorConfig: policy.GeneratorConfig{
			MinFlowCount: tunables.Generator.MinFlowCount,
			MinFlowRatio: tunables.Generator.MinFlowRatio,
			LogDenies:    tunables.Generator.LogDenies,
		},
		AnalyzerConfig: policy.AnalyzerConfig{
			CriticalThreshold: tunables.Impact.CriticalThreshold,
			HighThreshold:     tunables.Impact.HighThreshold,
		},
		MaxDistance: tunables.Clustering.MaxDistanceThreshold,
	})

	// Restore persisted centroids so incremental placement works before the
	// first batch run of this process.
	if err := orch.Incremental().Load(context.Background()); err != nil {
		log.Printf("Warning: centroid restore failed: %v", err)
	}

	// Optional scheduled analysis; 0 leaves runs operator-triggered only.
	if interval := config.GetEnvDuration("ANALYSIS_INTERVAL", 0); interval > 0 {
		go runOnSchedule(orch, ingest, interval)
	}

	r := api.SetupRouter(ingest, orch, dbConn, wsHub,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	port := config.GetEnvOrDefault("PORT", "5480")
	log.Printf("Engine running on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// restoreSketches reloads persisted sketch state so a backend restart does
// not lose behavioral history between edge sync cycles.
func restoreSketches(dbConn *db.PostgresStore, ingest *pipeline.Ingest) {
	if dbConn == nil {
		return
	}
	blobs, err := dbConn.LoadSketchBlobs(context.Background())
	if err != nil {
		log.Printf("Warning: sketch restore failed: %v", err)
		return
	}
	restored := make([]*sketch.EndpointSketch, 0, len(blobs))
	for id, blob := range blobs {
		s, err := sketch.DeserializeEndpointSketch(blob)
		if err != nil {
			log.Printf("Warning: skipping corrupt sketch blob for %s: %v", id, err)
			continue
		}
		restored = append(restored, s)
	}
	if len(restored) > 0 {
		if _, err := ingest.MergeSketches(restored); err != nil {
			log.Printf("Warning: sketch restore merge failed: %v", err)
		}
		log.Printf("Restored %d sketches from PostgreSQL", len(restored))
	}
}

func runOnSchedule(orch *pipeline.Orchestrator, ingest *pipeline.Ingest, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if ingest.EndpointCount() == 0 {
			continue
		}
		if _, err := orch.Run(context.Background()); err != nil {
			log.Printf("Scheduled analysis failed: %v", err)
		}
	}
}
