package coordinator

import (
	"errors"
	"time"

	"github.com/dreamware/gridreduce/internal/distgc"
)

// Config holds the launcher settings.
type Config struct {
	// RequestTimeout bounds each barrier phase (NewTask, InitTask,
	// StartTask) across all managers.
	RequestTimeout time.Duration
	// EnableGC starts a distributed GC coordinator for every group of more
	// than one task.
	EnableGC bool
	// GC configures those coordinators. Its Listener is always the
	// launcher.
	GC distgc.Config
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		EnableGC:       true,
		GC:             distgc.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.EnableGC {
		return c.GC.Validate()
	}
	return nil
}
