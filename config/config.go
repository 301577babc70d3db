// Package config assembles the process-level Config every Memva component
// is constructed from: where the database file lives, how the worker pool
// is sized, how long a single agent run is allowed to take, and default
// MaxTurns/PermissionMode values (which are not written to the Settings row).
package config

import (
	"fmt"
	"time"

	"github.com/mzxrai/memva/memvalog"
)

// Config holds the configuration needed to wire up a memva-workerd process.
// Required fields are validated eagerly by Validate; everything else is
// defaulted by setDefaults.
type Config struct {
	// DatabasePath is the SQLite file path (or ":memory:") the store opens.
	// Required.
	DatabasePath string

	// HTTPAddr is the address the HTTP API listens on. Defaults to ":8080".
	HTTPAddr string

	// PoolConcurrency is the number of worker goroutines. Defaults to 4,
	// matching pool.Config's own default.
	PoolConcurrency int

	// PoolPollInterval bounds how long an idle worker waits before
	// re-polling the queue. Defaults to 300ms.
	PoolPollInterval time.Duration

	// RunTimeout bounds a single agent run. Defaults to 30 minutes.
	RunTimeout time.Duration

	// MaxTurns, PermissionMode, and DefaultDirectory are carried on Config
	// only; nothing writes them to the Settings singleton row, which
	// store.Open seeds with its own defaults and Apply overwrites from a
	// Bootstrap YAML file.
	MaxTurns         int
	PermissionMode   string
	DefaultDirectory string

	// Logger receives structured logs from every component constructed
	// from this Config. nil discards logs.
	Logger memvalog.Logger
}

// Option configures a Config. Options run in order after setDefaults, so an
// option can safely overwrite a default but cannot run before one.
type Option func(*Config) error

// WithDatabasePath sets the SQLite file path.
func WithDatabasePath(path string) Option {
	return func(c *Config) error {
		c.DatabasePath = path
		return nil
	}
}

// WithHTTPAddr sets the HTTP listen address.
func WithHTTPAddr(addr string) Option {
	return func(c *Config) error {
		c.HTTPAddr = addr
		return nil
	}
}

// WithPoolConcurrency sets the worker pool's goroutine count.
func WithPoolConcurrency(n int) Option {
	return func(c *Config) error {
		c.PoolConcurrency = n
		return nil
	}
}

// WithPoolPollInterval sets how long an idle worker waits before re-polling.
func WithPoolPollInterval(d time.Duration) Option {
	return func(c *Config) error {
		c.PoolPollInterval = d
		return nil
	}
}

// WithTimeout sets RunTimeout, the ceiling on a single agent run.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.RunTimeout = d
		return nil
	}
}

// WithMaxTurns sets Config.MaxTurns; it does not touch the Settings row.
func WithMaxTurns(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("config: WithMaxTurns: %w: max turns must be positive", ErrInvalidConfig)
		}
		c.MaxTurns = n
		return nil
	}
}

// WithPermissionMode sets Config.PermissionMode; it does not touch the
// Settings row.
func WithPermissionMode(mode string) Option {
	return func(c *Config) error {
		c.PermissionMode = mode
		return nil
	}
}

// WithLogger sets the Logger every constructed component shares.
func WithLogger(l memvalog.Logger) Option {
	return func(c *Config) error {
		c.Logger = l
		return nil
	}
}

// New builds a Config, applying defaults before opts so an option always
// wins over a default, then validates the result.
func New(opts ...Option) (*Config, error) {
	c := &Config{}
	c.setDefaults()
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// setDefaults fills in every field an option didn't set.
func (c *Config) setDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.PoolConcurrency <= 0 {
		c.PoolConcurrency = 4
	}
	if c.PoolPollInterval <= 0 {
		c.PoolPollInterval = 300 * time.Millisecond
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Minute
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 50
	}
	if c.PermissionMode == "" {
		c.PermissionMode = "default"
	}
}

// Validate checks the required fields and rejects nonsensical values. Call
// it after every Option has applied; New does this automatically.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: %w: DatabasePath is required", ErrInvalidConfig)
	}
	if c.PoolConcurrency <= 0 {
		return fmt.Errorf("config: %w: PoolConcurrency must be positive", ErrInvalidConfig)
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("config: %w: RunTimeout must be positive", ErrInvalidConfig)
	}
	return nil
}
