package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("CLARION_TEST_KEY", "value")
	assert.Equal(t, "value", GetEnvOrDefault("CLARION_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", GetEnvOrDefault("CLARION_TEST_MISSING", "fallback"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("CLARION_TEST_INT", "42")
	assert.Equal(t, 42, GetEnvInt("CLARION_TEST_INT", 7))

	t.Setenv("CLARION_TEST_INT", "not-a-number")
	assert.Equal(t, 7, GetEnvInt("CLARION_TEST_INT", 7), "parse failure must fall back")
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("CLARION_TEST_DUR", "90s")
	assert.Equal(t, 90*time.Second, GetEnvDuration("CLARION_TEST_DUR", time.Minute))

	t.Setenv("CLARION_TEST_DUR", "soon")
	assert.Equal(t, time.Minute, GetEnvDuration("CLARION_TEST_DUR", time.Minute))
}

func TestLoadTunables_MissingFileUsesDefaults(t *testing.T) {
	tun, err := LoadTunables(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultTunables(), tun)
}

func TestLoadTunables_OverridesMergeWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunables.yaml")
	content := []byte("clustering:\n  minClusterSize: 8\ngenerator:\n  minFlowCount: 25\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	tun, err := LoadTunables(path)
	require.NoError(t, err)
	assert.Equal(t, 8, tun.Clustering.MinClusterSize)
	assert.Equal(t, uint64(25), tun.Generator.MinFlowCount)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, tun.Clustering.MinSamples)
	assert.Equal(t, uint64(50), tun.Impact.HighThreshold)
}

func TestLoadTunables_MalformedFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunables.yaml")
	require.NoError(t, os.WriteFile(path, []byte("clustering: ["), 0o644))

	_, err := LoadTunables(path)
	assert.Error(t, err)
}
