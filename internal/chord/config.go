package chord

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config holds the settings of a ring node.
type Config struct {
	// Bits is the width of the keyspace; ids live in [0, 2^Bits).
	Bits uint
	// SuccessorListLen is the length K of the backup successor list.
	// Zero means Bits.
	SuccessorListLen int
	// StabilizeDelay is the mean interval between stabilization rounds. The
	// actual delay is drawn uniformly from [delay/2, 3*delay/2).
	StabilizeDelay time.Duration
	// JoinTimeout is the first wait for an answer to a join lookup before it
	// is retried with exponential backoff.
	JoinTimeout time.Duration
	// MaxJoinTime bounds the total time spent retrying a join. Zero retries
	// forever.
	MaxJoinTime time.Duration
	// ID fixes the ring id instead of hashing the endpoint address.
	ID *uint64
	// Clock drives the stabilizer and join retries.
	Clock clockwork.Clock
}

// DefaultConfig returns the settings used by gridreduce nodes.
func DefaultConfig() Config {
	return Config{
		Bits:           16,
		StabilizeDelay: time.Second,
		JoinTimeout:    2 * time.Second,
		MaxJoinTime:    time.Minute,
		Clock:          clockwork.NewRealClock(),
	}
}

// Validate checks the configuration and fills in derived defaults.
func (c *Config) Validate() error {
	if c.Bits == 0 || c.Bits > 63 {
		return fmt.Errorf("chord: bits must be in [1, 63], got %d", c.Bits)
	}
	if c.SuccessorListLen < 0 {
		return errors.New("chord: successor list length must not be negative")
	}
	if c.SuccessorListLen == 0 {
		c.SuccessorListLen = int(c.Bits)
	}
	if c.StabilizeDelay <= 0 {
		return errors.New("chord: stabilize delay must be positive")
	}
	if c.JoinTimeout <= 0 {
		return errors.New("chord: join timeout must be positive")
	}
	if c.ID != nil && *c.ID >= uint64(1)<<c.Bits {
		return fmt.Errorf("chord: id %d outside keyspace of %d bits", *c.ID, c.Bits)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}
