// Package logging builds the zap.Logger every gateway core component
// takes as a constructor argument. There is no internal abstraction
// layer over zap: every component field is typed *zap.Logger directly,
// matching how the rest of the gateway core actually uses it.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the process-wide logger.
type Config struct {
	Level      string `yaml:"level"`
	Production bool   `yaml:"production"`
}

// New builds a *zap.Logger from cfg. Production selects JSON output at
// the configured level; otherwise a human-readable development console
// logger is used regardless of level.
func New(cfg Config) (*zap.Logger, error) {
	if !cfg.Production {
		return zap.NewDevelopment()
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
