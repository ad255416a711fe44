package config

import (
	"testing"
	"time"

	"aegis/core"
	"aegis/notify"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadDefaults(t *testing.T) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	return cfg
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := loadDefaults(t)

	assert.Equal(t, StartupModeStrict, cfg.StartupMode)
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 1000, cfg.Queue.MaxTotal)
	assert.Equal(t, string(core.OverflowDropOldest), cfg.Queue.Overflow)
	assert.True(t, cfg.Retention.Enabled)
	assert.Equal(t, time.Hour, cfg.Retention.CleanupInterval)
	assert.False(t, cfg.Redis.Enabled)
}

func TestConfig_ResolveDataPaths(t *testing.T) {
	cfg := loadDefaults(t)

	assert.Equal(t, "./data", cfg.DataPaths.DataDir)
	assert.Equal(t, "data/aegis.db", cfg.DataPaths.SQLitePath)
	assert.Equal(t, "data/retention_policy.yaml", cfg.DataPaths.PolicyPath)
}

func TestConfig_EnvOverride(t *testing.T) {
	t.Setenv("AEGIS_DATA_DIR", "/var/lib/aegis")
	cfg := loadDefaults(t)

	assert.Equal(t, "/var/lib/aegis", cfg.DataPaths.DataDir)
	assert.Equal(t, "/var/lib/aegis/aegis.db", cfg.DataPaths.SQLitePath)
}

func TestConfig_QueueConfigConversion(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Queue.VisibilityDelays = map[string]time.Duration{"critical": 0, "high": 10 * time.Second}
	cfg.Queue.MaxTotal = 50
	cfg.Queue.Overflow = string(core.OverflowSummarize)

	qc := cfg.QueueConfig()
	assert.Equal(t, time.Duration(0), qc.VisibilityDelay[core.PriorityCritical])
	assert.Equal(t, 10*time.Second, qc.VisibilityDelay[core.PriorityHigh])
	// Priorities absent from the override keep stock values
	assert.Equal(t, 30*time.Second, qc.VisibilityDelay[core.PriorityMedium])
	assert.Equal(t, 50, qc.MaxTotal)
	assert.Equal(t, core.OverflowSummarize, qc.Overflow)
}

func TestConfig_GroupCriteriaConversion(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Grouping.SameSource = true
	cfg.Grouping.TitleSimilarity = 0.8
	cfg.Grouping.MetadataKeys = []string{"subsystem"}

	gc := cfg.GroupCriteria()
	assert.True(t, gc.SameSource)
	assert.Equal(t, 0.8, gc.TitleSimilarity)
	assert.Equal(t, []string{"subsystem"}, gc.MetadataKeys)
}

func TestValidateConfig_RejectsUnknownPriority(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Queue.VisibilityDelays = map[string]time.Duration{"urgent": time.Second}

	err := validateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "visibility_delays")
}

func TestValidateConfig_RejectsInvalidOverflow(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Queue.Overflow = "drop_everything"

	assert.Error(t, validateConfig(cfg))
}

func TestValidateConfig_RejectsBadMongoURI(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Storage.Backend = StorageMongoDB
	cfg.MongoDB.URI = "http://localhost:27017"

	assert.Error(t, validateConfig(cfg))
}

func TestValidateConfig_RejectsWebhookSinkWithoutURL(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Notify.Sinks = []notify.SinkConfig{{
		Name:    "ops",
		Enabled: true,
		Type:    notify.SinkWebhook,
	}}

	assert.Error(t, validateConfig(cfg))
}

func TestValidateConfig_RejectsTitleSimilarityOutOfRange(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Grouping.TitleSimilarity = 1.5

	assert.Error(t, validateConfig(cfg))
}
