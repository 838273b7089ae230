// Package logging constructs the zap loggers used across codeforge.
// Components receive a *zap.Logger in their constructors and derive named
// sub-loggers; this package owns construction and the operation timer.
package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// New builds a logger from cfg. Empty level means info; empty format means
// console output.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	switch cfg.Format {
	case "", "console":
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case "json":
		// zap production defaults are JSON already
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// OpTimer measures an operation and logs its duration when stopped.
type OpTimer struct {
	logger *zap.Logger
	op     string
	start  time.Time
}

// StartTimer begins timing the named operation.
func StartTimer(logger *zap.Logger, op string) *OpTimer {
	return &OpTimer{logger: logger, op: op, start: time.Now()}
}

// Stop logs the elapsed time at debug level.
func (t *OpTimer) Stop() {
	t.logger.Debug("operation complete",
		zap.String("op", t.op),
		zap.Duration("elapsed", time.Since(t.start)))
}
