package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig configures the application logger.
type LoggerConfig struct {
	// Debug enables development mode: human-readable output and debug-level
	// logging.
	Debug bool
}

// NewLogger creates a zap logger. Production mode emits JSON at info level;
// debug mode emits console output at debug level.
func NewLogger(cfg *LoggerConfig) (*zap.Logger, error) {
	if cfg != nil && cfg.Debug {
		c := zap.NewDevelopmentConfig()
		c.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return c.Build()
	}
	return zap.NewProduction()
}
