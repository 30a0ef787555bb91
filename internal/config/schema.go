// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for mcpexec.
package config

import (
	"time"

	"github.com/flemzord/mcpexec/internal/cleanup"
	"github.com/flemzord/mcpexec/internal/engine"
	"github.com/flemzord/mcpexec/internal/gateway"
	"github.com/flemzord/mcpexec/internal/history"
	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/mcpbridge"
	"github.com/flemzord/mcpexec/internal/sandbox"
	"github.com/flemzord/mcpexec/internal/sandbox/container"
	"github.com/flemzord/mcpexec/internal/sandbox/process"
	"github.com/flemzord/mcpexec/internal/sandbox/vm"
	"github.com/flemzord/mcpexec/internal/security"
	"github.com/flemzord/mcpexec/internal/telemetry"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	Tools     ToolsConfig      `yaml:"tools"`
	Engine    EngineConfig     `yaml:"engine"`
	Sandbox   sandbox.Config   `yaml:"sandbox"`
	Security  SecurityConfig   `yaml:"security"`
	Approvals ApprovalsConfig  `yaml:"approvals"`
	Cleanup   cleanup.Config   `yaml:"cleanup"`
	Container ContainerConfig  `yaml:"container"`
	Process   process.Config   `yaml:"process"`
	VM        vm.Config        `yaml:"vm"`
	Audit     AuditConfig      `yaml:"audit"`
	History   history.Config   `yaml:"history"`
	Gateway   gateway.Config   `yaml:"gateway"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Log       LogConfig        `yaml:"log"`
}

// ToolsConfig lists where tool schemas come from.
type ToolsConfig struct {
	// Dir is walked for *.json schema files.
	Dir     string                   `yaml:"dir"`
	Servers []mcpbridge.ServerConfig `yaml:"mcp_servers"`
}

// EngineConfig holds the orchestrator defaults and its rate limit.
type EngineConfig struct {
	engine.Config `yaml:",inline"`

	RateLimit security.RateLimitConfig `yaml:"rate_limit"`
}

// SecurityConfig tunes the static analysis and log redaction.
type SecurityConfig struct {
	// PatternsFile replaces the built-in deny-list sections it defines.
	PatternsFile string `yaml:"patterns_file"`

	// Redact lists extra literal secrets scrubbed from logs and audit.
	Redact []string `yaml:"redact"`
}

// Approval store backends.
const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
)

// ApprovalsConfig selects the approval store and its retention.
type ApprovalsConfig struct {
	Store     string        `yaml:"store"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
	// Schedule is the cron expression of the retention job.
	Schedule string `yaml:"schedule"`
}

// ContainerConfig is the container backend plus the engine binary.
type ContainerConfig struct {
	// Binary is the docker-compatible CLI. Defaults to "docker".
	Binary string `yaml:"binary"`

	container.Config `yaml:",inline"`
}

// AuditConfig configures the JSONL audit trail.
type AuditConfig struct {
	// Path is the JSONL file. Empty writes to stderr; "-" disables it.
	Path string `yaml:"path"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ApplyDefaults fills the zero fields that have no package-level default.
func (c *Config) ApplyDefaults() {
	if c.Approvals.Store == "" {
		c.Approvals.Store = StoreMemory
	}
	if c.Approvals.Retention <= 0 {
		c.Approvals.Retention = 24 * time.Hour
	}
	if c.Container.Binary == "" {
		c.Container.Binary = "docker"
	}
	if lang, err := language.Parse(string(c.Engine.Language)); err == nil {
		c.Engine.Language = lang
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	c.Sandbox = c.Sandbox.WithDefaults()
	c.Cleanup = c.Cleanup.WithDefaults()
	c.History = c.History.WithDefaults()
}

// Secrets returns every configured credential, for log redaction.
func (c *Config) Secrets() []string {
	out := append([]string(nil), c.Security.Redact...)
	out = append(out, c.Gateway.Auth.Secrets()...)
	for _, v := range c.Telemetry.Headers {
		if v != "" {
			out = append(out, v)
		}
	}
	for _, s := range c.Tools.Servers {
		for _, v := range s.Env {
			if v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

const redactedValue = security.RedactPlaceholder

// Redacted returns a copy safe to print or serve. Credentials are masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Security.Redact = maskAll(c.Security.Redact)
	out.Gateway.Auth = gateway.AuthConfig{
		BearerToken: mask(c.Gateway.Auth.BearerToken),
		BasicUser:   c.Gateway.Auth.BasicUser,
		BasicPass:   mask(c.Gateway.Auth.BasicPass),
	}
	out.Telemetry.Headers = maskValues(c.Telemetry.Headers)
	out.Tools.Servers = make([]mcpbridge.ServerConfig, len(c.Tools.Servers))
	for i, s := range c.Tools.Servers {
		s.Env = maskValues(s.Env)
		out.Tools.Servers[i] = s
	}
	out.Sandbox.Env = maskSecretKeys(c.Sandbox.Env)
	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redactedValue
}

func maskAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i := range in {
		out[i] = redactedValue
	}
	return out
}

func maskValues(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = mask(v)
	}
	return out
}

// maskSecretKeys masks only the values whose names look like credentials.
func maskSecretKeys(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if security.IsSecretKey(k) {
			v = mask(v)
		}
		out[k] = v
	}
	return out
}
