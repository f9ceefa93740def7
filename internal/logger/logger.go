package logger

import (
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	*zap.Logger
}

// New creates a zap logger configured by environment. LOG_LEVEL overrides the
// environment's default level when it parses.
func New(cfg *config.Config) *Logger {
	var zapCfg zap.Config

	if cfg.Environment == "production" {
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.TimeKey = "timestamp"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.TimeKey = "timestamp"
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if cfg.LogLevel != "" {
		if lvl, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
			zapCfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	l, err := zapCfg.Build(zap.Fields(zap.String("service", "zov-core")))
	if err != nil {
		panic(err)
	}

	return &Logger{l}
}

// Component returns a child logger tagged with the component name, the form
// every service and handler receives.
func (l *Logger) Component(name string) *zap.Logger {
	return l.Logger.Named(name)
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() {
	_ = l.Logger.Sync() // ignore sync errors (often harmless in dev)
}
