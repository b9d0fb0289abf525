// Package logging builds the zap loggers used by gridreduce processes.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvLogLevel  = "GRIDREDUCE_LOG_LEVEL"
	EnvLogFormat = "GRIDREDUCE_LOG_FORMAT"
)

type Profile int

const (
	// ProfileRuntime logs JSON at info level.
	ProfileRuntime Profile = iota
	// ProfileTest logs human readable lines at debug level.
	ProfileTest
)

// Config is the resolved logger configuration.
type Config struct {
	Level  zapcore.Level
	Format string
}

// New builds a logger for profile, applying environment overrides.
func New(profile Profile) (*zap.Logger, error) {
	cfg := DefaultConfig(profile)
	applyEnvOverrides(&cfg, os.Getenv)
	return cfg.Build()
}

// DefaultConfig returns the settings of profile before overrides.
func DefaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: zapcore.DebugLevel, Format: "console"}
	default:
		return Config{Level: zapcore.InfoLevel, Format: "json"}
	}
}

// Build creates the logger described by c.
func (c Config) Build() (*zap.Logger, error) {
	var zc zap.Config
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(c.Level)
	return zc.Build()
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	if lvl, ok := parseLevel(getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	switch f := strings.ToLower(strings.TrimSpace(getenv(EnvLogFormat))); f {
	case "json", "console":
		cfg.Format = f
	}
}

func parseLevel(raw string) (zapcore.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zapcore.InfoLevel, false
	case "debug", "trace":
		return zapcore.DebugLevel, true
	case "info":
		return zapcore.InfoLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	case "off", "disabled", "none":
		return zapcore.FatalLevel + 1, true
	default:
		return zapcore.InfoLevel, false
	}
}
