package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefault(t *testing.T) {
	t.Setenv("CONCORD_DATA_DIR", "/tmp/concord-test")
	cfg := Default()

	assert.Equal(t, DefaultWorkerPort, cfg.WorkerPort)
	assert.Equal(t, StorageSQLite, cfg.Storage)
	assert.Equal(t, "/tmp/concord-test/concord.db", cfg.DBPath)
	assert.Equal(t, ProviderBuiltin, cfg.EmbeddingProvider)
	assert.Equal(t, StrategyKMeans, cfg.BootstrapStrategy)
	assert.Equal(t, 4, cfg.MaxClusters)
	assert.Equal(t, 4, cfg.MinBootstrapMessages)
	assert.InDelta(t, 0.73, cfg.AssignmentThreshold, 1e-9)
	assert.InDelta(t, 0.90, cfg.LabelSimilarityLimit, 1e-9)
	assert.Equal(t, 3, cfg.LabelMaxAttempts)
	assert.Equal(t, int64(42), cfg.KMeansSeed)
	assert.Equal(t, 2*time.Second, cfg.BootstrapInterval)
	assert.Equal(t, 10*time.Second, cfg.ConsensusInterval)
	assert.InDelta(t, 0.45, cfg.ConsensusMinSizeRatio, 1e-9)
	assert.InDelta(t, 0.50, cfg.ConsensusMinParticipantRatio, 1e-9)
	assert.InDelta(t, 0.25, cfg.ConsensusMaxSentimentStdDev, 1e-9)
	assert.InDelta(t, 0.55, cfg.ConsensusMinIntraSimilarity, 1e-9)
}

func TestLoadFrom_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().MaxClusters, cfg.MaxClusters)
}

func TestLoadFrom_Settings(t *testing.T) {
	path := writeSettings(t, t.TempDir(), `{
  "CONCORD_WORKER_PORT": 9000,
  "CONCORD_STORAGE": "Postgres",
  "CONCORD_MAX_CLUSTERS": 6,
  "CONCORD_ASSIGNMENT_THRESHOLD": 0.8,
  "CONCORD_BOOTSTRAP_STRATEGY": "hierarchical",
  "CONCORD_BOOTSTRAP_INTERVAL": "5s",
  "CONCORD_CONSENSUS_INTERVAL": 1500,
  "CONCORD_CONSENSUS_MIN_SIZE_RATIO": 0.6,
  "CONCORD_EMBEDDING_PROVIDER": "openai",
  "UNKNOWN_KEY": true
}`)

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.WorkerPort)
	assert.Equal(t, StoragePostgres, cfg.Storage)
	assert.Equal(t, 6, cfg.MaxClusters)
	assert.InDelta(t, 0.8, cfg.AssignmentThreshold, 1e-9)
	assert.Equal(t, StrategyHierarchical, cfg.BootstrapStrategy)
	assert.Equal(t, 5*time.Second, cfg.BootstrapInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.ConsensusInterval)
	assert.InDelta(t, 0.6, cfg.ConsensusMinSizeRatio, 1e-9)
	assert.Equal(t, ProviderOpenAI, cfg.EmbeddingProvider)
}

func TestLoadFrom_InvalidValuesIgnored(t *testing.T) {
	path := writeSettings(t, t.TempDir(), `{
  "CONCORD_STORAGE": "mongo",
  "CONCORD_MAX_CLUSTERS": -1,
  "CONCORD_ASSIGNMENT_THRESHOLD": 1.5,
  "CONCORD_LLM_PROVIDER": "magic",
  "CONCORD_BOOTSTRAP_INTERVAL": "soon"
}`)

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	def := Default()
	assert.Equal(t, def.Storage, cfg.Storage)
	assert.Equal(t, def.MaxClusters, cfg.MaxClusters)
	assert.Equal(t, def.AssignmentThreshold, cfg.AssignmentThreshold)
	assert.Equal(t, def.LLMProvider, cfg.LLMProvider)
	assert.Equal(t, def.BootstrapInterval, cfg.BootstrapInterval)
}

func TestLoadFrom_MalformedFile(t *testing.T) {
	path := writeSettings(t, t.TempDir(), `{"CONCORD_MAX_CLUSTERS": `)
	_, err := LoadFrom(path)
	assert.Error(t, err)
}

func TestLoadFrom_EnvironmentOverrides(t *testing.T) {
	path := writeSettings(t, t.TempDir(), `{"CONCORD_MAX_CLUSTERS": 6}`)
	t.Setenv("CONCORD_MAX_CLUSTERS", "3")
	t.Setenv("CONCORD_CONSENSUS_INTERVAL", "250ms")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DATABASE_DSN", "postgres://localhost/concord")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxClusters)
	assert.Equal(t, 250*time.Millisecond, cfg.ConsensusInterval)
	assert.Equal(t, "sk-test", cfg.OpenAIAPIKey)
	assert.Equal(t, "postgres://localhost/concord", cfg.DatabaseDSN)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}

func TestEnsureAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	t.Setenv("CONCORD_DATA_DIR", dir)

	require.NoError(t, EnsureAll())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkerPort, cfg.WorkerPort)

	// Existing settings are left alone.
	writeSettings(t, dir, `{"CONCORD_WORKER_PORT": 1234}`)
	require.NoError(t, EnsureSettings())
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 1234, cfg.WorkerPort)
}

func TestGetWorkerPort_Env(t *testing.T) {
	t.Setenv("CONCORD_WORKER_PORT", "4321")
	assert.Equal(t, 4321, GetWorkerPort())
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeSettings(t, dir, `{"CONCORD_CONSENSUS_MIN_SIZE_RATIO": 0.45}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var latest atomic.Pointer[Config]
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zerolog.Nop(), func(cfg *Config) { latest.Store(cfg) })
	}()

	// Give the watcher time to register before editing.
	time.Sleep(50 * time.Millisecond)
	writeSettings(t, dir, `{"CONCORD_CONSENSUS_MIN_SIZE_RATIO": 0.7}`)

	require.Eventually(t, func() bool {
		cfg := latest.Load()
		return cfg != nil && cfg.ConsensusMinSizeRatio == 0.7
	}, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 0.7, Get().ConsensusMinSizeRatio, 1e-9)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
