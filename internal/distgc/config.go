package distgc

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dreamware/gridreduce/internal/endpoint"
)

// Config holds the coordinator settings.
type Config struct {
	// IdleDelay starts a cycle after this long without traffic. Zero
	// disables the automatic trigger.
	IdleDelay time.Duration
	// Quiescent pauses every task around a cycle.
	Quiescent bool
	// CycleTimeout abandons a cycle that has not finished in time. Zero
	// waits forever.
	CycleTimeout time.Duration
	// Listener receives a GCCycleDone after every cycle. May be zero.
	Listener endpoint.ID
	Clock    clockwork.Clock
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		IdleDelay: 5 * time.Second,
		Clock:     clockwork.NewRealClock(),
	}
}

func (c Config) Validate() error {
	if c.IdleDelay < 0 {
		return errors.New("idle delay must not be negative")
	}
	if c.CycleTimeout < 0 {
		return errors.New("cycle timeout must not be negative")
	}
	return nil
}
