package util

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// InitLogger builds the global logger. Production gets JSON output with
// ISO8601 timestamps; everything else gets the colored console encoder.
// LOG_LEVEL overrides the default level (info in production, debug otherwise).
func InitLogger(env string) error {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		level, err := zapcore.ParseLevel(raw)
		if err != nil {
			return err
		}
		config.Level = zap.NewAtomicLevelAt(level)
	}

	built, err := config.Build(zap.Fields(zap.String("service", "bricksync")))
	if err != nil {
		return err
	}

	logger = built
	zap.ReplaceGlobals(logger)
	return nil
}

// GetLogger returns the global logger, falling back to a development
// logger when InitLogger has not run yet (tests, mostly).
func GetLogger() *zap.Logger {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// SyncLogger flushes any buffered log entries.
func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}
