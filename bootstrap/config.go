package bootstrap

import (
	"fmt"
	"os"

	"aegis/config"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitConfig loads the application configuration. It runs before the logger
// exists, so fatal problems go straight to stderr.
func InitConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// InitLogger initializes the zap logger from the logging section. Console
// format uses colored development output; json uses the production encoder.
func InitLogger(cfg *config.Config) (*zap.Logger, *zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid logging level %q: %w", cfg.Logging.Level, err)
	}

	var encoder zapcore.Encoder
	switch cfg.Logging.Format {
	case "console":
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case "json", "":
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return nil, nil, fmt.Errorf("invalid logging format %q (must be json or console)", cfg.Logging.Format)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// LogStartupSummary logs the effective configuration at startup for
// operator visibility.
func LogStartupSummary(cfg *config.Config, sugar *zap.SugaredLogger) {
	if viper.ConfigFileUsed() == "" {
		sugar.Info("No config file found, using defaults and env vars")
	}

	startupMode := cfg.StartupMode
	if startupMode == "" {
		startupMode = config.StartupModeStrict
	}
	sugar.Infow("Startup mode",
		"mode", string(startupMode),
		"description", func() string {
			if startupMode == config.StartupModeGraceful {
				return "will continue with degraded functionality on non-critical errors"
			}
			return "will fail fast on any initialization error"
		}())

	sugar.Infow("Data paths configuration",
		"data_dir", cfg.DataPaths.DataDir,
		"sqlite_path", cfg.DataPaths.SQLitePath,
		"policy_path", cfg.DataPaths.PolicyPath)

	sugar.Infow("Config loaded",
		"storage_backend", string(cfg.Storage.Backend),
		"retention_enabled", cfg.Retention.Enabled,
		"notify_sinks", len(cfg.Notify.Sinks))
}
