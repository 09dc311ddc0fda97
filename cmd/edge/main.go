package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trustlab/clarion/internal/config"
	"github.com/trustlab/clarion/internal/edge"
	"github.com/trustlab/clarion/internal/sketch"
	"github.com/trustlab/clarion/internal/telemetry"
	"github.com/trustlab/clarion/pkg/models"
)

func main() {
	log.Println("Starting Clarion Edge Agent...")
	config.LoadDotEnv()

	switchID := config.RequireEnv("SWITCH_ID")
	backendURL := config.RequireEnv("BACKEND_URL")

	tunables, err := config.LoadTunables(config.GetEnvOrDefault("CLARION_TUNABLES", "tunables.yaml"))
	if err != nil {
		log.Fatalf("FATAL: Malformed tunables file: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewEdgeMetrics(registry)

	syncClient := edge.NewSyncClient(edge.SyncConfig{
		BackendURL: backendURL,
		SwitchID:   switchID,
		BatchSize:  tunables.Edge.SyncBatchSize,
		Compress:   config.GetEnvOrDefault("SYNC_COMPRESS", "true") == "true",
		Binary:     config.GetEnvOrDefault("SYNC_BINARY", "true") == "true",
	}, metrics)

	agent := edge.NewAgent(edge.AgentConfig{
		SwitchID:        switchID,
		StoreCapacity:   tunables.Edge.SketchCapacity,
		SketchConfig:    sketch.DefaultConfig(),
		ClusterInterval: tunables.Edge.ClusterInterval,
		ClusterK:        tunables.Edge.LocalClusters,
		SyncInterval:    tunables.Edge.SyncInterval,
	}, syncClient, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agent.Run(ctx)
		close(done)
	}()

	// The collector feeds decoded flow records over a local HTTP socket;
	// the agent applies them off its own buffered channel.
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	r.POST("/flows", func(c *gin.Context) {
		var req struct {
			Flows []models.FlowRecord `json:"flows"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {flows: [...]}"})
			return
		}
		for _, f := range req.Flows {
			agent.Submit(f)
		}
		c.JSON(http.StatusOK, gin.H{"accepted": len(req.Flows)})
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "operational",
			"switchId":  switchID,
			"endpoints": agent.Store.Len(),
			"capacity":  agent.Store.Capacity(),
			"evicted":   agent.Store.Evicted(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	port := config.GetEnvOrDefault("EDGE_PORT", "5481")
	srv := &http.Server{Addr: ":" + port, Handler: r}
	go func() {
		log.Printf("Edge agent for switch %s listening on :%s\n", switchID, port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Quiesce cleanly so the final sync cycle can finish.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Shutting down edge agent...")
	cancel()
	<-done
	_ = srv.Shutdown(context.Background())
}
