package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"aegis/core"
	"aegis/notify"

	"github.com/spf13/viper"
)

// StartupMode defines how Aegis handles initialization failures
type StartupMode string

const (
	// StartupModeStrict fails fast on any initialization error (default)
	StartupModeStrict StartupMode = "strict"
	// StartupModeGraceful starts with degraded functionality, logging warnings
	StartupModeGraceful StartupMode = "graceful"
)

// StorageBackend selects the durable alert store
type StorageBackend string

const (
	StorageMemory  StorageBackend = "memory"
	StorageSQLite  StorageBackend = "sqlite"
	StorageMongoDB StorageBackend = "mongodb"
)

// DataPaths holds data directory and file path configuration.
// These paths can be overridden via environment variables.
type DataPaths struct {
	// DataDir is the base data directory (AEGIS_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the SQLite database file path (AEGIS_SQLITE_PATH, default: ${DataDir}/aegis.db)
	SQLitePath string `mapstructure:"sqlite_path"`
	// PolicyPath is the retention policy YAML path (AEGIS_POLICY_PATH, default: ${DataDir}/retention_policy.yaml)
	PolicyPath string `mapstructure:"policy_path"`
}

// Config holds all configuration for the Aegis service
type Config struct {
	// StartupMode controls how initialization failures are handled
	StartupMode StartupMode `mapstructure:"startup_mode"`

	// DataPaths holds all data directory configuration
	DataPaths DataPaths `mapstructure:"data_paths"`

	Logging struct {
		Level  string `mapstructure:"level"`  // debug, info, warn, error
		Format string `mapstructure:"format"` // json, console
	} `mapstructure:"logging"`

	Queue struct {
		// VisibilityDelays maps priority name to delay before delivery
		VisibilityDelays map[string]time.Duration `mapstructure:"visibility_delays"`
		// DefaultTTLs maps priority name to default expiration. Zero disables.
		DefaultTTLs map[string]time.Duration `mapstructure:"default_ttls"`
		// MaxPerPriority maps priority name to tier capacity. Zero means unbounded.
		MaxPerPriority     map[string]int `mapstructure:"max_per_priority"`
		MaxTotal           int            `mapstructure:"max_total"`
		Overflow           string         `mapstructure:"overflow"` // drop_oldest, drop_lowest, compress, summarize, paginate
		PollFloor          time.Duration  `mapstructure:"poll_floor"`
		CompressThreshold  int            `mapstructure:"compress_threshold"`
		SummarizeThreshold int            `mapstructure:"summarize_threshold"`
	} `mapstructure:"queue"`

	Grouping struct {
		SameSource      bool          `mapstructure:"same_source"`
		SamePriority    bool          `mapstructure:"same_priority"`
		MessagePattern  string        `mapstructure:"message_pattern"`
		TitleSimilarity float64       `mapstructure:"title_similarity"`
		TimeBucket      time.Duration `mapstructure:"time_bucket"`
		MetadataKeys    []string      `mapstructure:"metadata_keys"`
	} `mapstructure:"grouping"`

	Retention struct {
		Enabled         bool          `mapstructure:"enabled"`
		CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	} `mapstructure:"retention"`

	Storage struct {
		Backend    StorageBackend `mapstructure:"backend"`
		BufferSize int            `mapstructure:"buffer_size"`
		// DedupCacheSize bounds the writer's dedup LRU
		DedupCacheSize int `mapstructure:"dedup_cache_size"`
	} `mapstructure:"storage"`

	MongoDB struct {
		URI                string `mapstructure:"uri"`
		Database           string `mapstructure:"database"`
		BatchInsertTimeout int    `mapstructure:"batch_insert_timeout"` // seconds
		MaxPoolSize        uint64 `mapstructure:"max_pool_size"`
		WorkerCount        int    `mapstructure:"worker_count"`
	} `mapstructure:"mongodb"`

	Redis struct {
		Enabled     bool          `mapstructure:"enabled"`
		Addr        string        `mapstructure:"addr"`
		Password    string        `mapstructure:"password"`
		DB          int           `mapstructure:"db"`
		SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
	} `mapstructure:"redis"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Notify struct {
		Sinks []notify.SinkConfig `mapstructure:"sinks"`
	} `mapstructure:"notify"`
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("startup_mode", string(StartupModeStrict))

	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir
	viper.SetDefault("data_paths.policy_path", "") // Empty = derive from data_dir

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("queue.visibility_delays", map[string]time.Duration{
		"critical": 0,
		"high":     5 * time.Second,
		"medium":   30 * time.Second,
		"low":      5 * time.Minute,
		"info":     5 * time.Minute,
	})
	viper.SetDefault("queue.default_ttls", map[string]time.Duration{})
	viper.SetDefault("queue.max_per_priority", map[string]int{})
	viper.SetDefault("queue.max_total", 1000)
	viper.SetDefault("queue.overflow", string(core.OverflowDropOldest))
	viper.SetDefault("queue.poll_floor", time.Second)
	viper.SetDefault("queue.compress_threshold", 3)
	viper.SetDefault("queue.summarize_threshold", 25)

	viper.SetDefault("grouping.same_source", true)
	viper.SetDefault("grouping.same_priority", false)
	viper.SetDefault("grouping.message_pattern", "")
	viper.SetDefault("grouping.title_similarity", 0.0)
	viper.SetDefault("grouping.time_bucket", time.Duration(0))
	viper.SetDefault("grouping.metadata_keys", []string{})

	viper.SetDefault("retention.enabled", true)
	viper.SetDefault("retention.cleanup_interval", time.Hour)

	viper.SetDefault("storage.backend", string(StorageMemory))
	viper.SetDefault("storage.buffer_size", 100)
	viper.SetDefault("storage.dedup_cache_size", 10000)

	viper.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	viper.SetDefault("mongodb.database", "aegis")
	viper.SetDefault("mongodb.batch_insert_timeout", 5)
	viper.SetDefault("mongodb.max_pool_size", 10)
	viper.SetDefault("mongodb.worker_count", 2)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.snapshot_ttl", 10*time.Minute)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.addr", ":9090")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("AEGIS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Explicit bindings for shorter env var names
	_ = viper.BindEnv("startup_mode", "AEGIS_STARTUP_MODE")
	_ = viper.BindEnv("data_paths.data_dir", "AEGIS_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "AEGIS_SQLITE_PATH")
	_ = viper.BindEnv("data_paths.policy_path", "AEGIS_POLICY_PATH")
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	config.ResolveDataPaths()

	return &config, nil
}

// ResolveDataPaths resolves all data paths, deriving from DataDir if not
// explicitly set.
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "aegis.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}

	if c.DataPaths.PolicyPath == "" {
		c.DataPaths.PolicyPath = filepath.Join(dataDir, "retention_policy.yaml")
	} else if !filepath.IsAbs(c.DataPaths.PolicyPath) {
		c.DataPaths.PolicyPath = filepath.Clean(c.DataPaths.PolicyPath)
	}

	c.DataPaths.DataDir = dataDir
}

// IsGracefulMode returns true if the startup mode is graceful
func (c *Config) IsGracefulMode() bool {
	return c.StartupMode == StartupModeGraceful
}

// QueueConfig converts the raw queue section into the engine's config.
// Unknown priority names were already rejected by validateConfig.
func (c *Config) QueueConfig() core.QueueConfig {
	qc := core.DefaultQueueConfig()

	for name, delay := range c.Queue.VisibilityDelays {
		qc.VisibilityDelay[core.Priority(name)] = delay
	}
	for name, ttl := range c.Queue.DefaultTTLs {
		qc.DefaultTTL[core.Priority(name)] = ttl
	}
	for name, limit := range c.Queue.MaxPerPriority {
		qc.MaxPerPriority[core.Priority(name)] = limit
	}
	if c.Queue.MaxTotal > 0 {
		qc.MaxTotal = c.Queue.MaxTotal
	}
	if c.Queue.Overflow != "" {
		qc.Overflow = core.OverflowStrategy(c.Queue.Overflow)
	}
	if c.Queue.PollFloor > 0 {
		qc.PollFloor = c.Queue.PollFloor
	}
	if c.Queue.CompressThreshold > 0 {
		qc.CompressThreshold = c.Queue.CompressThreshold
	}
	if c.Queue.SummarizeThreshold > 0 {
		qc.SummarizeThreshold = c.Queue.SummarizeThreshold
	}
	return qc
}

// GroupCriteria converts the raw grouping section into engine criteria
func (c *Config) GroupCriteria() core.GroupCriteria {
	return core.GroupCriteria{
		SameSource:      c.Grouping.SameSource,
		SamePriority:    c.Grouping.SamePriority,
		MessagePattern:  c.Grouping.MessagePattern,
		TitleSimilarity: c.Grouping.TitleSimilarity,
		TimeBucket:      c.Grouping.TimeBucket,
		MetadataKeys:    c.Grouping.MetadataKeys,
	}
}

// validateConfig validates the configuration for correctness
func validateConfig(config *Config) error {
	switch config.StartupMode {
	case StartupModeStrict, StartupModeGraceful:
	default:
		return fmt.Errorf("invalid startup_mode: %q (must be strict or graceful)", config.StartupMode)
	}

	for name := range config.Queue.VisibilityDelays {
		if _, err := core.ParsePriority(name); err != nil {
			return fmt.Errorf("queue.visibility_delays: %w", err)
		}
	}
	for name := range config.Queue.DefaultTTLs {
		if _, err := core.ParsePriority(name); err != nil {
			return fmt.Errorf("queue.default_ttls: %w", err)
		}
	}
	for name, limit := range config.Queue.MaxPerPriority {
		if _, err := core.ParsePriority(name); err != nil {
			return fmt.Errorf("queue.max_per_priority: %w", err)
		}
		if limit < 0 {
			return fmt.Errorf("queue.max_per_priority.%s must not be negative", name)
		}
	}
	if config.Queue.MaxTotal < 0 {
		return fmt.Errorf("queue.max_total must not be negative")
	}
	if !core.OverflowStrategy(config.Queue.Overflow).IsValid() {
		return fmt.Errorf("invalid queue.overflow strategy: %q", config.Queue.Overflow)
	}

	if config.Grouping.TitleSimilarity < 0 || config.Grouping.TitleSimilarity > 1 {
		return fmt.Errorf("grouping.title_similarity must be between 0 and 1")
	}

	if config.Retention.Enabled && config.Retention.CleanupInterval <= 0 {
		return fmt.Errorf("retention.cleanup_interval must be positive")
	}

	switch config.Storage.Backend {
	case StorageMemory, StorageSQLite, StorageMongoDB:
	default:
		return fmt.Errorf("invalid storage.backend: %q", config.Storage.Backend)
	}

	if config.Storage.Backend == StorageMongoDB {
		if !strings.HasPrefix(config.MongoDB.URI, "mongodb://") && !strings.HasPrefix(config.MongoDB.URI, "mongodb+srv://") {
			return fmt.Errorf("invalid MongoDB URI: must start with mongodb:// or mongodb+srv://")
		}
		parsed, err := url.Parse(config.MongoDB.URI)
		if err != nil {
			return fmt.Errorf("invalid MongoDB URI: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("invalid MongoDB URI: missing host")
		}
		if config.MongoDB.Database == "" {
			return fmt.Errorf("MongoDB database cannot be empty")
		}
	}

	for i, sink := range config.Notify.Sinks {
		if !sink.Enabled {
			continue
		}
		switch sink.Type {
		case notify.SinkWebhook:
			if sink.WebhookURL == "" {
				return fmt.Errorf("notify.sinks[%d]: webhook_url cannot be empty", i)
			}
		case notify.SinkLog:
		default:
			return fmt.Errorf("notify.sinks[%d]: invalid type %q", i, sink.Type)
		}
		if sink.MinPriority != "" {
			if _, err := core.ParsePriority(sink.MinPriority); err != nil {
				return fmt.Errorf("notify.sinks[%d]: %w", i, err)
			}
		}
	}

	return nil
}
