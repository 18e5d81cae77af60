// Package config provides configuration management for Engram.
// It loads settings from environment variables with the ENGRAM_ prefix,
// optionally layered under a YAML file named by ENGRAM_CONFIG_FILE, and
// provides sensible defaults for all configuration options.
//
// User settings are persisted to the settings table in the database.
// LoadConfigFromDB reads from the database first and falls back to
// environment variables. SaveConfig writes user settings to the database.
package config

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Engram core.
type Config struct {
	Storage   StorageConfig
	Embedder  EmbedderConfig
	Rerank    RerankConfig
	Lifecycle LifecycleConfig
	Salience  SalienceConfig
	Quality   QualityConfig
	Graph     GraphConfig
	Fuzzy     FuzzyConfig
	User      UserConfig
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	DataPath        string // Path to the sqlite store file (default: ./data/engram.db)
	MaxReaders      int    // Not read by the sqlite store, which opens a single connection (default: 4)
	MaxContentBytes int    // Maximum memory content length (default: 65536)
	BusyTimeout     time.Duration
}

// EmbedderConfig configures the embedding queue and the Embedder capability.
type EmbedderConfig struct {
	Dimensions     int           // Declared embedding dimensionality
	WorkerCount    int           // Concurrent embedding workers (default: 2)
	QueueCapacity  int           // Bounded channel capacity (default: 1000)
	MaxRetries     int           // Not read; the sqlite store marks a job dead after its own fixed 5 retries (default: 5)
	RatePerSecond  float64       // Embedder calls/sec via golang.org/x/time/rate (default: 10)
	CacheSize      int           // LRU cache entries keyed by content hash (default: 10000)
	CircuitTimeout time.Duration // Not read; NewResilient uses NewCircuitBreaker's fixed 30s open-state duration (default: 30s)
}

// RerankConfig configures RRF fusion and the multiplicative rerank stage.
type RerankConfig struct {
	RRFK                 int           // RRF constant k (default: 60)
	RecencyHalfLife       time.Duration // default 14d, reused for rerank recency_boost
	AccessBoostCap        float64       // cap for log1p(access_count) normalization (default 1.0)
	SourceTrustUser       float64
	SourceTrustSeed       float64
	SourceTrustExtraction float64
	SourceTrustInference  float64
	SourceTrustExternal   float64
}

// LifecycleConfig configures the tier/TTL/lifecycle-state sweeper.
type LifecycleConfig struct {
	SweepInterval    time.Duration // default 1h
	StaleThreshold   time.Duration // default 30d
	ArchiveThreshold time.Duration // default 90d
	ArchiveImportanceThreshold float64 // default 0.3
	BatchSize        int // default 500
}

// SalienceConfig configures the salience decay job.
type SalienceConfig struct {
	RecencyHalfLife time.Duration // default 14d
	FrequencyCap    int           // log1p(access_count)/log1p(FrequencyCap) (default 100)
}

// QualityConfig configures the quality pipeline and duplicate detection.
type QualityConfig struct {
	FreshnessHalfLife  time.Duration // default 60d
	NgramSize          int           // default 3
	DuplicateThreshold float64       // default 0.85
}

// GraphConfig configures graph traversal defaults.
type GraphConfig struct {
	DefaultMaxHops      int // default 3
	DefaultLimitPerHop  int // default 20
	DefaultResultCap    int // default 100
	EdgeDecayHalfLifeDays float64 // default 30
}

// FuzzyConfig configures the fuzzy matcher.
type FuzzyConfig struct {
	ShortQueryMaxLen int // queries at or below this length use the tighter threshold (default 4)
	ShortThreshold   int // max edit distance for short queries (default 1)
	LongThreshold    int // max edit distance otherwise (default 2)
}

// UserConfig contains user-specific settings persisted across restarts.
type UserConfig struct {
	DefaultWorkspace string // Env var: ENGRAM_DEFAULT_WORKSPACE; DB key: default_workspace
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. If ENGRAM_CONFIG_FILE names a YAML file, its values are applied
// first; environment variables still win over the file.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()
	if path := os.Getenv("ENGRAM_CONFIG_FILE"); path != "" {
		if err := applyConfigFile(cfg, path); err != nil {
			return nil, err
		}
		// Re-apply env vars on top of the file layer.
		env := buildBaseConfig()
		overlayEnv(cfg, env)
	}
	return cfg, nil
}

// fileConfig is the YAML schema of an ENGRAM_CONFIG_FILE. Every field is
// optional; durations use Go duration syntax ("1h", "336h").
type fileConfig struct {
	Storage struct {
		DataPath        string `yaml:"data_path"`
		MaxContentBytes int    `yaml:"max_content_bytes"`
	} `yaml:"storage"`
	Embedder struct {
		Dimensions    int     `yaml:"dimensions"`
		WorkerCount   int     `yaml:"worker_count"`
		RatePerSecond float64 `yaml:"rate_per_second"`
		CacheSize     int     `yaml:"cache_size"`
	} `yaml:"embedder"`
	Lifecycle struct {
		SweepInterval    string `yaml:"sweep_interval"`
		StaleThreshold   string `yaml:"stale_threshold"`
		ArchiveThreshold string `yaml:"archive_threshold"`
		BatchSize        int    `yaml:"batch_size"`
	} `yaml:"lifecycle"`
	Rerank struct {
		RRFK            int    `yaml:"rrf_k"`
		RecencyHalfLife string `yaml:"recency_half_life"`
	} `yaml:"rerank"`
	User struct {
		DefaultWorkspace string `yaml:"default_workspace"`
	} `yaml:"user"`
}

// applyConfigFile layers a YAML file's values over cfg.
func applyConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if fc.Storage.DataPath != "" {
		cfg.Storage.DataPath = fc.Storage.DataPath
	}
	if fc.Storage.MaxContentBytes > 0 {
		cfg.Storage.MaxContentBytes = fc.Storage.MaxContentBytes
	}
	if fc.Embedder.Dimensions > 0 {
		cfg.Embedder.Dimensions = fc.Embedder.Dimensions
	}
	if fc.Embedder.WorkerCount > 0 {
		cfg.Embedder.WorkerCount = fc.Embedder.WorkerCount
	}
	if fc.Embedder.RatePerSecond > 0 {
		cfg.Embedder.RatePerSecond = fc.Embedder.RatePerSecond
	}
	if fc.Embedder.CacheSize > 0 {
		cfg.Embedder.CacheSize = fc.Embedder.CacheSize
	}
	if fc.Lifecycle.BatchSize > 0 {
		cfg.Lifecycle.BatchSize = fc.Lifecycle.BatchSize
	}
	if fc.Rerank.RRFK > 0 {
		cfg.Rerank.RRFK = fc.Rerank.RRFK
	}
	if fc.User.DefaultWorkspace != "" {
		cfg.User.DefaultWorkspace = fc.User.DefaultWorkspace
	}
	for _, d := range []struct {
		raw  string
		dest *time.Duration
	}{
		{fc.Lifecycle.SweepInterval, &cfg.Lifecycle.SweepInterval},
		{fc.Lifecycle.StaleThreshold, &cfg.Lifecycle.StaleThreshold},
		{fc.Lifecycle.ArchiveThreshold, &cfg.Lifecycle.ArchiveThreshold},
		{fc.Rerank.RecencyHalfLife, &cfg.Rerank.RecencyHalfLife},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config: parse duration %q in %s: %w", d.raw, path, err)
		}
		*d.dest = parsed
	}
	return nil
}

// overlayEnv copies env-derived values over cfg wherever the corresponding
// ENGRAM_ variable is actually set, so explicit env vars beat the file.
func overlayEnv(cfg, env *Config) {
	set := func(key string) bool { return os.Getenv(key) != "" }
	if set("ENGRAM_DATA_PATH") {
		cfg.Storage.DataPath = env.Storage.DataPath
	}
	if set("ENGRAM_MAX_CONTENT_BYTES") {
		cfg.Storage.MaxContentBytes = env.Storage.MaxContentBytes
	}
	if set("ENGRAM_EMBEDDING_DIMENSIONS") {
		cfg.Embedder.Dimensions = env.Embedder.Dimensions
	}
	if set("ENGRAM_EMBEDDING_WORKERS") {
		cfg.Embedder.WorkerCount = env.Embedder.WorkerCount
	}
	if set("ENGRAM_EMBEDDING_RATE") {
		cfg.Embedder.RatePerSecond = env.Embedder.RatePerSecond
	}
	if set("ENGRAM_EMBEDDING_CACHE_SIZE") {
		cfg.Embedder.CacheSize = env.Embedder.CacheSize
	}
	if set("ENGRAM_SWEEP_INTERVAL") {
		cfg.Lifecycle.SweepInterval = env.Lifecycle.SweepInterval
	}
	if set("ENGRAM_STALE_THRESHOLD") {
		cfg.Lifecycle.StaleThreshold = env.Lifecycle.StaleThreshold
	}
	if set("ENGRAM_ARCHIVE_THRESHOLD") {
		cfg.Lifecycle.ArchiveThreshold = env.Lifecycle.ArchiveThreshold
	}
	if set("ENGRAM_SWEEP_BATCH_SIZE") {
		cfg.Lifecycle.BatchSize = env.Lifecycle.BatchSize
	}
	if set("ENGRAM_RRF_K") {
		cfg.Rerank.RRFK = env.Rerank.RRFK
	}
	if set("ENGRAM_RERANK_RECENCY_HALF_LIFE") {
		cfg.Rerank.RecencyHalfLife = env.Rerank.RecencyHalfLife
	}
	if set("ENGRAM_DEFAULT_WORKSPACE") {
		cfg.User.DefaultWorkspace = env.User.DefaultWorkspace
	}
}

// LoadConfigFromDB loads configuration from env vars and the settings table,
// with the database taking precedence for user settings.
func LoadConfigFromDB(db *sql.DB) (*Config, error) {
	if db == nil {
		return nil, errors.New("config: database connection is required")
	}

	cfg := buildBaseConfig()

	workspace, err := getSetting(db, "default_workspace")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("config: failed to load default_workspace: %w", err)
	}
	if workspace != "" {
		cfg.User.DefaultWorkspace = workspace
	}

	return cfg, nil
}

// SaveConfig persists user configuration to the settings table.
func (c *Config) SaveConfig(db *sql.DB) error {
	if db == nil {
		return errors.New("config: database connection is required")
	}
	if err := setSetting(db, "default_workspace", c.User.DefaultWorkspace); err != nil {
		return fmt.Errorf("config: failed to save default_workspace: %w", err)
	}
	return nil
}

func getSetting(db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", err
	}
	return value, nil
}

func setSetting(db *sql.DB, key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

func buildBaseConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataPath:        getEnv("ENGRAM_DATA_PATH", "./data/engram.db"),
			MaxReaders:      getEnvInt("ENGRAM_MAX_READERS", 4),
			MaxContentBytes: getEnvInt("ENGRAM_MAX_CONTENT_BYTES", 65536),
			BusyTimeout:     getEnvDuration("ENGRAM_BUSY_TIMEOUT", 5*time.Second),
		},
		Embedder: EmbedderConfig{
			Dimensions:     getEnvInt("ENGRAM_EMBEDDING_DIMENSIONS", 384),
			WorkerCount:    getEnvInt("ENGRAM_EMBEDDING_WORKERS", 2),
			QueueCapacity:  getEnvInt("ENGRAM_EMBEDDING_QUEUE_CAPACITY", 1000),
			MaxRetries:     getEnvInt("ENGRAM_EMBEDDING_MAX_RETRIES", 5),
			RatePerSecond:  getEnvFloat("ENGRAM_EMBEDDING_RATE", 10),
			CacheSize:      getEnvInt("ENGRAM_EMBEDDING_CACHE_SIZE", 10000),
			CircuitTimeout: getEnvDuration("ENGRAM_EMBEDDER_CIRCUIT_TIMEOUT", 30*time.Second),
		},
		Rerank: RerankConfig{
			RRFK:                  getEnvInt("ENGRAM_RRF_K", 60),
			RecencyHalfLife:       getEnvDuration("ENGRAM_RERANK_RECENCY_HALF_LIFE", 14*24*time.Hour),
			AccessBoostCap:        getEnvFloat("ENGRAM_ACCESS_BOOST_CAP", 1.0),
			SourceTrustUser:       getEnvFloat("ENGRAM_SOURCE_TRUST_USER", 0.9),
			SourceTrustSeed:       getEnvFloat("ENGRAM_SOURCE_TRUST_SEED", 0.7),
			SourceTrustExtraction: getEnvFloat("ENGRAM_SOURCE_TRUST_EXTRACTION", 0.6),
			SourceTrustInference:  getEnvFloat("ENGRAM_SOURCE_TRUST_INFERENCE", 0.5),
			SourceTrustExternal:   getEnvFloat("ENGRAM_SOURCE_TRUST_EXTERNAL", 0.5),
		},
		Lifecycle: LifecycleConfig{
			SweepInterval:              getEnvDuration("ENGRAM_SWEEP_INTERVAL", time.Hour),
			StaleThreshold:             getEnvDuration("ENGRAM_STALE_THRESHOLD", 30*24*time.Hour),
			ArchiveThreshold:           getEnvDuration("ENGRAM_ARCHIVE_THRESHOLD", 90*24*time.Hour),
			ArchiveImportanceThreshold: getEnvFloat("ENGRAM_ARCHIVE_IMPORTANCE_THRESHOLD", 0.3),
			BatchSize:                  getEnvInt("ENGRAM_SWEEP_BATCH_SIZE", 500),
		},
		Salience: SalienceConfig{
			RecencyHalfLife: getEnvDuration("ENGRAM_SALIENCE_RECENCY_HALF_LIFE", 14*24*time.Hour),
			FrequencyCap:    getEnvInt("ENGRAM_SALIENCE_FREQUENCY_CAP", 100),
		},
		Quality: QualityConfig{
			FreshnessHalfLife:  getEnvDuration("ENGRAM_QUALITY_FRESHNESS_HALF_LIFE", 60*24*time.Hour),
			NgramSize:          getEnvInt("ENGRAM_QUALITY_NGRAM_SIZE", 3),
			DuplicateThreshold: getEnvFloat("ENGRAM_QUALITY_DUPLICATE_THRESHOLD", 0.85),
		},
		Graph: GraphConfig{
			DefaultMaxHops:        getEnvInt("ENGRAM_GRAPH_DEFAULT_MAX_HOPS", 3),
			DefaultLimitPerHop:    getEnvInt("ENGRAM_GRAPH_DEFAULT_LIMIT_PER_HOP", 20),
			DefaultResultCap:      getEnvInt("ENGRAM_GRAPH_DEFAULT_RESULT_CAP", 100),
			EdgeDecayHalfLifeDays: getEnvFloat("ENGRAM_GRAPH_EDGE_DECAY_HALF_LIFE_DAYS", 30),
		},
		Fuzzy: FuzzyConfig{
			ShortQueryMaxLen: getEnvInt("ENGRAM_FUZZY_SHORT_QUERY_MAX_LEN", 4),
			ShortThreshold:   getEnvInt("ENGRAM_FUZZY_SHORT_THRESHOLD", 1),
			LongThreshold:    getEnvInt("ENGRAM_FUZZY_LONG_THRESHOLD", 2),
		},
		User: UserConfig{
			DefaultWorkspace: getEnv("ENGRAM_DEFAULT_WORKSPACE", "default"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
