// Package config provides configuration management for concord.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	// DefaultWorkerPort is the default HTTP port for the worker service.
	DefaultWorkerPort = 37780

	// Storage backends.
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"

	// Collaborator providers. The builtin ones run offline.
	ProviderBuiltin = "builtin"
	ProviderOpenAI  = "openai"

	// Bootstrap strategies.
	StrategyKMeans       = "kmeans"
	StrategyHierarchical = "hierarchical"
)

// Config holds the application configuration.
type Config struct {
	// Worker settings
	WorkerHost string `json:"worker_host"`
	WorkerPort int    `json:"worker_port"`

	// Storage settings
	Storage     string `json:"storage"`
	DBPath      string `json:"db_path"`
	DatabaseDSN string `json:"-"`
	MaxConns    int    `json:"max_conns"`
	RedisURL    string `json:"-"`

	// Collaborator settings
	OpenAIAPIKey        string        `json:"-"`
	EmbeddingProvider   string        `json:"embedding_provider"`
	EmbeddingModel      string        `json:"embedding_model"`
	EmbeddingBaseURL    string        `json:"embedding_base_url"`
	EmbeddingDimensions int           `json:"embedding_dimensions"`
	LLMProvider         string        `json:"llm_provider"`
	ChatModel           string        `json:"chat_model"`
	ChatBaseURL         string        `json:"chat_base_url"`
	PromptFile          string        `json:"prompt_file"`
	CollaboratorTimeout time.Duration `json:"collaborator_timeout"`
	CollaboratorRetries int           `json:"collaborator_retries"`
	CollaboratorRate    float64       `json:"collaborator_rate"` // requests per second, 0 = unlimited
	JudgeConcurrency    int           `json:"judge_concurrency"`

	// Clustering settings
	BootstrapStrategy         string  `json:"bootstrap_strategy"`
	MaxClusters               int     `json:"max_clusters"`
	MinBootstrapMessages      int     `json:"min_bootstrap_messages"`
	AssignmentThreshold       float64 `json:"assignment_threshold"`
	HierarchicalMinSimilarity float64 `json:"hierarchical_min_similarity"`
	LabelSimilarityLimit      float64 `json:"label_similarity_limit"`
	LabelMaxAttempts          int     `json:"label_max_attempts"`
	KMeansSeed                int64   `json:"kmeans_seed"`

	// Scheduling
	BootstrapInterval time.Duration `json:"bootstrap_interval"`
	ConsensusInterval time.Duration `json:"consensus_interval"`

	// Consensus thresholds (0.0-1.0, all inclusive)
	ConsensusMinSizeRatio        float64 `json:"consensus_min_size_ratio"`
	ConsensusMinParticipantRatio float64 `json:"consensus_min_participant_ratio"`
	ConsensusMaxSentimentStdDev  float64 `json:"consensus_max_sentiment_stddev"`
	ConsensusMinIntraSimilarity  float64 `json:"consensus_min_intra_similarity"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.concord, or CONCORD_DATA_DIR).
func DataDir() string {
	if dir := os.Getenv("CONCORD_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".concord")
}

// DBPath returns the database file path.
func DBPath() string {
	return filepath.Join(DataDir(), "concord.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings creates a default settings file if it doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	defaultSettings := `{
  "CONCORD_WORKER_PORT": 37780,
  "CONCORD_STORAGE": "sqlite",
  "CONCORD_MAX_CLUSTERS": 4,
  "CONCORD_ASSIGNMENT_THRESHOLD": 0.73,
  "CONCORD_BOOTSTRAP_INTERVAL": "2s",
  "CONCORD_CONSENSUS_INTERVAL": "10s"
}
`
	return os.WriteFile(path, []byte(defaultSettings), 0600)
}

// EnsureAll ensures all required directories and files exist.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		WorkerHost:                   "127.0.0.1",
		WorkerPort:                   DefaultWorkerPort,
		Storage:                      StorageSQLite,
		DBPath:                       DBPath(),
		MaxConns:                     10,
		EmbeddingProvider:            ProviderBuiltin,
		LLMProvider:                  ProviderBuiltin,
		CollaboratorTimeout:          30 * time.Second,
		CollaboratorRetries:          3,
		JudgeConcurrency:             4,
		BootstrapStrategy:            StrategyKMeans,
		MaxClusters:                  4,
		MinBootstrapMessages:         4,
		AssignmentThreshold:          0.73,
		HierarchicalMinSimilarity:    0.6,
		LabelSimilarityLimit:         0.90,
		LabelMaxAttempts:             3,
		KMeansSeed:                   42,
		BootstrapInterval:            2 * time.Second,
		ConsensusInterval:            10 * time.Second,
		ConsensusMinSizeRatio:        0.45,
		ConsensusMinParticipantRatio: 0.50,
		ConsensusMaxSentimentStdDev:  0.25,
		ConsensusMinIntraSimilarity:  0.55,
	}
}

// Load loads configuration from the settings file, merging with defaults and
// the environment.
func Load() (*Config, error) {
	return LoadFrom(SettingsPath())
}

// LoadFrom loads configuration from path. A missing file yields defaults plus
// environment overrides; a malformed file is an error.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	// Load settings into a map to preserve unknown fields
	settings := map[string]interface{}{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(strings.TrimSpace(string(data))) > 0 {
			if err := json.Unmarshal(data, &settings); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	// Environment wins over the settings file.
	for _, key := range settingKeys {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			settings[key] = v
		}
	}

	apply(cfg, settings)

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	return cfg, nil
}

var settingKeys = []string{
	"CONCORD_WORKER_HOST", "CONCORD_WORKER_PORT",
	"CONCORD_STORAGE", "CONCORD_DB_PATH", "CONCORD_DATABASE_DSN", "CONCORD_MAX_CONNS", "CONCORD_REDIS_URL",
	"CONCORD_EMBEDDING_PROVIDER", "CONCORD_EMBEDDING_MODEL", "CONCORD_EMBEDDING_BASE_URL", "CONCORD_EMBEDDING_DIMENSIONS",
	"CONCORD_LLM_PROVIDER", "CONCORD_CHAT_MODEL", "CONCORD_CHAT_BASE_URL", "CONCORD_PROMPT_FILE",
	"CONCORD_COLLABORATOR_TIMEOUT", "CONCORD_COLLABORATOR_RETRIES", "CONCORD_COLLABORATOR_RATE", "CONCORD_JUDGE_CONCURRENCY",
	"CONCORD_BOOTSTRAP_STRATEGY", "CONCORD_MAX_CLUSTERS", "CONCORD_MIN_BOOTSTRAP_MESSAGES", "CONCORD_ASSIGNMENT_THRESHOLD",
	"CONCORD_HIERARCHICAL_MIN_SIMILARITY", "CONCORD_LABEL_SIMILARITY_LIMIT", "CONCORD_LABEL_MAX_ATTEMPTS", "CONCORD_KMEANS_SEED",
	"CONCORD_BOOTSTRAP_INTERVAL", "CONCORD_CONSENSUS_INTERVAL",
	"CONCORD_CONSENSUS_MIN_SIZE_RATIO", "CONCORD_CONSENSUS_MIN_PARTICIPANT_RATIO",
	"CONCORD_CONSENSUS_MAX_SENTIMENT_STDDEV", "CONCORD_CONSENSUS_MIN_INTRA_SIMILARITY",
}

func apply(cfg *Config, settings map[string]interface{}) {
	if v, ok := stringSetting(settings, "CONCORD_WORKER_HOST"); ok {
		cfg.WorkerHost = v
	}
	if v, ok := numberSetting(settings, "CONCORD_WORKER_PORT"); ok && v > 0 {
		cfg.WorkerPort = int(v)
	}

	if v, ok := stringSetting(settings, "CONCORD_STORAGE"); ok {
		v = strings.ToLower(v)
		if v == StorageSQLite || v == StoragePostgres {
			cfg.Storage = v
		}
	}
	if v, ok := stringSetting(settings, "CONCORD_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := stringSetting(settings, "CONCORD_DATABASE_DSN"); ok {
		cfg.DatabaseDSN = v
	}
	if v, ok := numberSetting(settings, "CONCORD_MAX_CONNS"); ok && v > 0 {
		cfg.MaxConns = int(v)
	}
	if v, ok := stringSetting(settings, "CONCORD_REDIS_URL"); ok {
		cfg.RedisURL = v
	}

	if v, ok := providerSetting(settings, "CONCORD_EMBEDDING_PROVIDER"); ok {
		cfg.EmbeddingProvider = v
	}
	if v, ok := stringSetting(settings, "CONCORD_EMBEDDING_MODEL"); ok {
		cfg.EmbeddingModel = v
	}
	if v, ok := stringSetting(settings, "CONCORD_EMBEDDING_BASE_URL"); ok {
		cfg.EmbeddingBaseURL = v
	}
	if v, ok := numberSetting(settings, "CONCORD_EMBEDDING_DIMENSIONS"); ok && v > 0 {
		cfg.EmbeddingDimensions = int(v)
	}
	if v, ok := providerSetting(settings, "CONCORD_LLM_PROVIDER"); ok {
		cfg.LLMProvider = v
	}
	if v, ok := stringSetting(settings, "CONCORD_CHAT_MODEL"); ok {
		cfg.ChatModel = v
	}
	if v, ok := stringSetting(settings, "CONCORD_CHAT_BASE_URL"); ok {
		cfg.ChatBaseURL = v
	}
	if v, ok := stringSetting(settings, "CONCORD_PROMPT_FILE"); ok {
		cfg.PromptFile = v
	}
	if v, ok := durationSetting(settings, "CONCORD_COLLABORATOR_TIMEOUT"); ok {
		cfg.CollaboratorTimeout = v
	}
	if v, ok := numberSetting(settings, "CONCORD_COLLABORATOR_RETRIES"); ok && v > 0 {
		cfg.CollaboratorRetries = int(v)
	}
	if v, ok := numberSetting(settings, "CONCORD_COLLABORATOR_RATE"); ok && v >= 0 {
		cfg.CollaboratorRate = v
	}
	if v, ok := numberSetting(settings, "CONCORD_JUDGE_CONCURRENCY"); ok && v > 0 {
		cfg.JudgeConcurrency = int(v)
	}

	if v, ok := stringSetting(settings, "CONCORD_BOOTSTRAP_STRATEGY"); ok {
		v = strings.ToLower(v)
		if v == StrategyKMeans || v == StrategyHierarchical {
			cfg.BootstrapStrategy = v
		}
	}
	if v, ok := numberSetting(settings, "CONCORD_MAX_CLUSTERS"); ok && v > 0 {
		cfg.MaxClusters = int(v)
	}
	if v, ok := numberSetting(settings, "CONCORD_MIN_BOOTSTRAP_MESSAGES"); ok && v > 0 {
		cfg.MinBootstrapMessages = int(v)
	}
	if v, ok := ratioSetting(settings, "CONCORD_ASSIGNMENT_THRESHOLD"); ok {
		cfg.AssignmentThreshold = v
	}
	if v, ok := ratioSetting(settings, "CONCORD_HIERARCHICAL_MIN_SIMILARITY"); ok {
		cfg.HierarchicalMinSimilarity = v
	}
	if v, ok := ratioSetting(settings, "CONCORD_LABEL_SIMILARITY_LIMIT"); ok {
		cfg.LabelSimilarityLimit = v
	}
	if v, ok := numberSetting(settings, "CONCORD_LABEL_MAX_ATTEMPTS"); ok && v > 0 {
		cfg.LabelMaxAttempts = int(v)
	}
	if v, ok := numberSetting(settings, "CONCORD_KMEANS_SEED"); ok {
		cfg.KMeansSeed = int64(v)
	}

	if v, ok := durationSetting(settings, "CONCORD_BOOTSTRAP_INTERVAL"); ok {
		cfg.BootstrapInterval = v
	}
	if v, ok := durationSetting(settings, "CONCORD_CONSENSUS_INTERVAL"); ok {
		cfg.ConsensusInterval = v
	}

	if v, ok := ratioSetting(settings, "CONCORD_CONSENSUS_MIN_SIZE_RATIO"); ok {
		cfg.ConsensusMinSizeRatio = v
	}
	if v, ok := ratioSetting(settings, "CONCORD_CONSENSUS_MIN_PARTICIPANT_RATIO"); ok {
		cfg.ConsensusMinParticipantRatio = v
	}
	if v, ok := ratioSetting(settings, "CONCORD_CONSENSUS_MAX_SENTIMENT_STDDEV"); ok {
		cfg.ConsensusMaxSentimentStdDev = v
	}
	if v, ok := ratioSetting(settings, "CONCORD_CONSENSUS_MIN_INTRA_SIMILARITY"); ok {
		cfg.ConsensusMinIntraSimilarity = v
	}
}

func stringSetting(settings map[string]interface{}, key string) (string, bool) {
	v, ok := settings[key].(string)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func providerSetting(settings map[string]interface{}, key string) (string, bool) {
	v, ok := stringSetting(settings, key)
	v = strings.ToLower(v)
	return v, ok && (v == ProviderBuiltin || v == ProviderOpenAI)
}

// numberSetting accepts JSON numbers and numeric strings (environment values).
func numberSetting(settings map[string]interface{}, key string) (float64, bool) {
	switch v := settings[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func ratioSetting(settings map[string]interface{}, key string) (float64, bool) {
	v, ok := numberSetting(settings, key)
	return v, ok && v >= 0 && v <= 1
}

// durationSetting accepts Go duration strings ("2s") or a number of milliseconds.
func durationSetting(settings map[string]interface{}, key string) (time.Duration, bool) {
	switch v := settings[key].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Millisecond, true
		}
	case string:
		v = strings.TrimSpace(v)
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d, true
		}
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond, true
		}
	}
	return 0, false
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		configMu.Lock()
		globalConfig = cfg
		configMu.Unlock()
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

func set(cfg *Config) {
	configOnce.Do(func() {})
	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()
}

// Watch reloads the settings file at path whenever it changes and passes the
// new configuration to onChange. It blocks until ctx is done. Malformed edits
// are logged and skipped so the last good configuration stays in effect.
func Watch(ctx context.Context, path string, logger zerolog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory.
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	logger = logger.With().Str("component", "config").Logger()
	logger.Info().Str("path", path).Msg("Watching settings")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			cfg, err := LoadFrom(path)
			if err != nil {
				logger.Warn().Err(err).Msg("Settings reload skipped")
				continue
			}
			set(cfg)
			logger.Info().Msg("Settings reloaded")
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("Settings watcher error")
		}
	}
}

// GetWorkerPort returns the worker port from environment or config.
func GetWorkerPort() int {
	if port := os.Getenv("CONCORD_WORKER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			return p
		}
	}
	return Get().WorkerPort
}
