package postgres

import (
	"fmt"
	"time"
)

// Config holds configuration for the PostgreSQL backend. Statements are
// bounded server side by QueryTimeout unless the pool sets its own.
type Config struct {
	Pool PoolConfig

	// AutoMigrate runs the embedded migrations on startup.
	AutoMigrate bool

	// SweepInterval is how often expired rows are deleted.
	// Default: 1 minute
	SweepInterval time.Duration

	// QueryTimeout bounds each statement on top of the caller's context.
	// Default: 10 seconds
	QueryTimeout time.Duration
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep interval must not be negative")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	c.Pool.ApplyDefaults()
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.Pool.StatementTimeout == 0 {
		c.Pool.StatementTimeout = c.QueryTimeout
	}
}
