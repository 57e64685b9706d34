package reliability

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// MaxMessageSize is the hard cap on WrapOutgoing's payload argument, per
// spec §6.
const MaxMessageSize = 1 << 20 // 1 MiB

// Config holds every option recognized by the Manager, per spec §6. Zero
// values are replaced by the documented defaults by applyDefaults; fields
// are loadable from a TOML file via LoadConfig.
type Config struct {
	BloomFilterCapacity  uint64        `toml:"bloomFilterCapacity"`
	BloomFilterErrorRate float64       `toml:"bloomFilterErrorRate"`
	MaxMessageHistory    int           `toml:"maxMessageHistory"`
	MaxCausalHistory     int           `toml:"maxCausalHistory"`
	ResendInterval       time.Duration `toml:"resendInterval"`
	MaxResendAttempts    int           `toml:"maxResendAttempts"`
	SyncMessageInterval  time.Duration `toml:"syncMessageInterval"`
	BufferSweepInterval  time.Duration `toml:"bufferSweepInterval"`
}

// DefaultConfig returns the documented defaults for every option.
func DefaultConfig() Config {
	return Config{
		BloomFilterCapacity:  10_000,
		BloomFilterErrorRate: 0.001,
		MaxMessageHistory:    1000,
		MaxCausalHistory:     10,
		ResendInterval:       60 * time.Second,
		MaxResendAttempts:    5,
		SyncMessageInterval:  30 * time.Second,
		BufferSweepInterval:  60 * time.Second,
	}
}

// applyDefaults floors unset (zero or negative) numeric fields to the
// documented defaults, per spec §6's per-option "effect" column.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BloomFilterCapacity <= 0 {
		c.BloomFilterCapacity = d.BloomFilterCapacity
	}
	if c.BloomFilterErrorRate <= 0 {
		c.BloomFilterErrorRate = d.BloomFilterErrorRate
	}
	if c.MaxMessageHistory <= 0 {
		c.MaxMessageHistory = d.MaxMessageHistory
	}
	if c.MaxCausalHistory <= 0 {
		c.MaxCausalHistory = d.MaxCausalHistory
	}
	if c.ResendInterval <= 0 {
		c.ResendInterval = d.ResendInterval
	}
	if c.MaxResendAttempts <= 0 {
		c.MaxResendAttempts = d.MaxResendAttempts
	}
	if c.SyncMessageInterval <= 0 {
		c.SyncMessageInterval = d.SyncMessageInterval
	}
	if c.BufferSweepInterval <= 0 {
		c.BufferSweepInterval = d.BufferSweepInterval
	}
}

// Validate reports an *Error tagged ErrInvalidArgument for any field that
// remains out of range after applyDefaults (currently only the error rate,
// which must stay strictly inside (0,1) even when explicitly set).
func (c *Config) Validate() error {
	if !(c.BloomFilterErrorRate > 0 && c.BloomFilterErrorRate < 1) {
		return newError(ErrInvalidArgument, "Config.Validate", fmt.Errorf("bloomFilterErrorRate %v out of range (0,1)", c.BloomFilterErrorRate))
	}
	return nil
}

// LoadConfig parses a TOML file at path into a Config, applies defaults to
// any zero-valued field, and validates the result. This mirrors the
// teacher's own TOML-based client/mailproxy configuration loading.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(ErrInvalidArgument, "LoadConfig", err)
	}

	cfg := DefaultConfig()
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, newError(ErrInvalidArgument, "LoadConfig", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
