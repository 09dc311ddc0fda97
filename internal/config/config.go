// Package config loads process configuration. Connection endpoints and
// credentials come from the environment (with .env support for local
// development); analysis tunables live in an optional YAML file so operators
// can adjust thresholds without rebuilding.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v2"
)

// LoadDotEnv loads a .env file when present. Missing files are fine; real
// deployments inject the environment directly.
func LoadDotEnv() {
	if err := godotenv.Load(); err == nil {
		log.Println("[Config] Loaded .env file")
	}
}

// RequireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func RequireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// GetEnvOrDefault returns the env var value or a safe default for non-secret settings.
func GetEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// GetEnvInt parses an integer env var, falling back on absence or parse error.
func GetEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
		log.Printf("[Config] Ignoring non-integer %s=%q", key, val)
	}
	return fallback
}

// GetEnvDuration parses a duration env var ("30s", "5m"), falling back on
// absence or parse error.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		log.Printf("[Config] Ignoring unparsable %s=%q", key, val)
	}
	return fallback
}

// Tunables are the analysis thresholds an operator may override per site.
type Tunables struct {
	Clustering struct {
		MinClusterSize       int     `yaml:"minClusterSize"`
		MinSamples           int     `yaml:"minSamples"`
		MaxDistanceThreshold float64 `yaml:"maxDistanceThreshold"`
	} `yaml:"clustering"`
	Generator struct {
		MinFlowCount uint64  `yaml:"minFlowCount"`
		MinFlowRatio float64 `yaml:"minFlowRatio"`
		LogDenies    bool    `yaml:"logDenies"`
	} `yaml:"generator"`
	Impact struct {
		CriticalThreshold uint64 `yaml:"criticalThreshold"`
		HighThreshold     uint64 `yaml:"highThreshold"`
	} `yaml:"impact"`
	Edge struct {
		SketchCapacity  int           `yaml:"sketchCapacity"`
		LocalClusters   int           `yaml:"localClusters"`
		SyncInterval    time.Duration `yaml:"syncInterval"`
		ClusterInterval time.Duration `yaml:"clusterInterval"`
		SyncBatchSize   int           `yaml:"syncBatchSize"`
	} `yaml:"edge"`
}

// DefaultTunables returns the shipped defaults.
func DefaultTunables() Tunables {
	var t Tunables
	t.Clustering.MinClusterSize = 5
	t.Clustering.MinSamples = 3
	t.Clustering.MaxDistanceThreshold = 2.0
	t.Generator.MinFlowCount = 10
	t.Generator.MinFlowRatio = 0.01
	t.Generator.LogDenies = true
	t.Impact.CriticalThreshold = 100
	t.Impact.HighThreshold = 50
	t.Edge.SketchCapacity = 500
	t.Edge.LocalClusters = 8
	t.Edge.SyncInterval = 5 * time.Minute
	t.Edge.ClusterInterval = 15 * time.Minute
	t.Edge.SyncBatchSize = 100
	return t
}

// LoadTunables reads the YAML tunables file. A missing file returns the
// defaults; a malformed file is an error, not a silent fallback.
func LoadTunables(path string) (Tunables, error) {
	t := DefaultTunables()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[Config] No tunables file at %s, using defaults", path)
			return t, nil
		}
		return t, err
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, err
	}
	log.Printf("[Config] Loaded tunables from %s", path)
	return t, nil
}
