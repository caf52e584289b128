package storage

import (
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/denevy/vrampool/device"
)

// Strategy names accepted by Config.Strategy.
const (
	StrategyPooled   = "pooled"
	StrategyUnpooled = "unpooled"
)

// Built-in defaults.
const (
	DefaultReservePercent = 5
	DefaultPadding        = 32
	DefaultMaxAlloc       = uint64(1) << 31
)

// Config holds the storage settings. They are read once at construction
// and fixed for the lifetime of a Storage.
type Config struct {
	// ReservePercent is the fraction of total device memory kept as
	// headroom. A cache miss that finds free memory at or below the
	// reserve releases the entire pool before allocating.
	ReservePercent int `envconfig:"RESERVE" default:"5"`

	// Padding is added to every requested size before bucketing, so
	// near-equal requests land in the same size class.
	Padding uint64 `envconfig:"PADDING" default:"32"`

	// MaxAlloc rejects any padded request above this many bytes.
	// Zero disables the guard.
	MaxAlloc uint64 `envconfig:"MAX_ALLOC" default:"2147483648"`

	// Strategy selects the per-device manager: "pooled" or "unpooled".
	Strategy string `envconfig:"STRATEGY" default:"pooled"`

	// HostCapacity is the virtual capacity reported for host allocations.
	HostCapacity uint64 `envconfig:"HOST_CAPACITY" default:"1073741824"`

	// MonitorInterval enables the background headroom monitor when
	// positive.
	MonitorInterval time.Duration `envconfig:"MONITOR_INTERVAL" default:"0"`

	// AutoRelease lets the monitor release a device's pool once free
	// memory falls to the reserve. Otherwise eviction happens only on the
	// allocation path and at close.
	AutoRelease bool `envconfig:"AUTO_RELEASE" default:"false"`
}

// DefaultConfig returns the built-in defaults without consulting the
// environment.
func DefaultConfig() Config {
	return Config{
		ReservePercent: DefaultReservePercent,
		Padding:        DefaultPadding,
		MaxAlloc:       DefaultMaxAlloc,
		Strategy:       StrategyPooled,
		HostCapacity:   device.DefaultHostCapacity,
	}
}

// FromEnv reads VRAMPOOL_* environment variables over the defaults and
// validates the result.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("VRAMPOOL", &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the storage layer cannot
// operate with.
func (c Config) Validate() error {
	if c.ReservePercent < 0 || c.ReservePercent > 100 {
		return ErrInvalidReserve
	}
	if c.Strategy != StrategyPooled && c.Strategy != StrategyUnpooled {
		return ErrInvalidStrategy
	}
	if c.MonitorInterval < 0 {
		return ErrInvalidMonitorInterval
	}
	return nil
}
