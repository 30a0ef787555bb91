package history

import (
	"fmt"
	"time"
)

const (
	defaultBusyTimeout = 5000
	defaultRetention   = 30 * 24 * time.Hour
)

// Config configures the history database.
type Config struct {
	// Path is the database file. Empty disables history.
	Path string `yaml:"path"`

	// WAL enables WAL journal mode for concurrent reads. Defaults to true.
	WAL *bool `yaml:"wal"`

	// BusyTimeout is the milliseconds to wait on a busy lock. Defaults to 5000.
	BusyTimeout int `yaml:"busy_timeout"`

	// Retention is how long rows are kept by the retention job.
	Retention time.Duration `yaml:"retention"`
}

// Enabled reports whether a database path is configured.
func (c Config) Enabled() bool { return c.Path != "" }

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.WAL == nil {
		t := true
		c.WAL = &t
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = defaultBusyTimeout
	}
	if c.Retention == 0 {
		c.Retention = defaultRetention
	}
	return c
}

func (c Config) walEnabled() bool {
	return c.WAL == nil || *c.WAL
}

// Validate checks numeric fields.
func (c Config) Validate() error {
	if c.BusyTimeout < 0 {
		return fmt.Errorf("history: busy_timeout must be non-negative, got %d", c.BusyTimeout)
	}
	if c.Retention < 0 {
		return fmt.Errorf("history: retention must be non-negative, got %s", c.Retention)
	}
	return nil
}
