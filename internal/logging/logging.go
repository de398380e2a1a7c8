package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// New builds the process logger. Format "json" selects the production
// encoder, anything else the console encoder.
func New(levelStr, format string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch levelStr {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// RateLimited drops warnings that arrive faster than once per interval.
type RateLimited struct {
	log       *zap.Logger
	sometimes *rate.Sometimes
}

func NewRateLimited(log *zap.Logger, interval time.Duration) *RateLimited {
	return &RateLimited{log: log, sometimes: &rate.Sometimes{First: 1, Interval: interval}}
}

func (l *RateLimited) Warn(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.sometimes.Do(func() {
		l.log.Warn(msg, fields...)
	})
}
