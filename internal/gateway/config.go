package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/flemzord/mcpexec/internal/security"
)

// DefaultBind keeps the API on loopback unless configured otherwise.
const DefaultBind = "127.0.0.1:8080"

// Config is the gateway section of the configuration file.
type Config struct {
	Bind         string     `yaml:"bind"`
	Auth         AuthConfig `yaml:"auth"`
	MaxBodyBytes int        `yaml:"max_body_bytes"`
	// WriteTimeout bounds /api/execute, so it must outlive the longest
	// sandbox timeout plus an approval wait.
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (c *Config) defaults() {
	if c.Bind == "" {
		c.Bind = DefaultBind
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = security.DefaultMaxBodySize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 6 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Validate checks the bind address and credentials. A gateway reachable
// beyond loopback must have authentication configured.
func (c Config) Validate() error {
	var errs []error
	if c.Bind != "" {
		host, _, err := net.SplitHostPort(c.Bind)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("bind %q: %w", c.Bind, err))
		case !isLoopback(host) && !c.Auth.IsConfigured():
			errs = append(errs, fmt.Errorf("bind %q is not loopback and auth is not configured", c.Bind))
		}
	}
	if (c.Auth.BasicUser == "") != (c.Auth.BasicPass == "") {
		errs = append(errs, errors.New("auth: basic_user and basic_pass must be set together"))
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("max_body_bytes must not be negative, got %d", c.MaxBodyBytes))
	}
	return errors.Join(errs...)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.IsLoopback()
}

// AuthConfig holds the API credentials. Either a bearer token, a basic
// user and password pair, or both.
type AuthConfig struct {
	BearerToken string `yaml:"bearer_token"`
	BasicUser   string `yaml:"basic_user"`
	BasicPass   string `yaml:"basic_pass"`
}

// IsConfigured reports whether any complete credential is set. Routes
// other than /health are only mounted when it is.
func (a AuthConfig) IsConfigured() bool {
	return a.BearerToken != "" || (a.BasicUser != "" && a.BasicPass != "")
}

// Secrets returns the configured credentials, for log redaction.
func (a AuthConfig) Secrets() []string {
	var out []string
	for _, s := range []string{a.BearerToken, a.BasicPass} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
