// Package logging builds the zap.Logger used across supervisord and
// zylosctl, following the same level-to-config mapping the teacher binary
// uses for its own --log-level flag.
package logging

import "go.uber.org/zap"

// Build constructs a *zap.Logger for the given level name
// (debug, info, warn, error). Unknown levels fall back to info.
func Build(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
