package sandbox

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/flemzord/mcpexec/internal/security"
)

// Kind names a sandbox backend.
type Kind string

// Backend kinds.
const (
	KindContainer Kind = "container"
	KindVM        Kind = "vm"
	KindProcess   Kind = "process"
)

// Valid reports whether k is a known backend.
func (k Kind) Valid() bool {
	return k == KindContainer || k == KindVM || k == KindProcess
}

// NetworkMode controls sandbox egress.
type NetworkMode string

// Network modes.
const (
	NetworkNone      NetworkMode = "none"
	NetworkWhitelist NetworkMode = "whitelist"
	NetworkBlacklist NetworkMode = "blacklist"
)

// Limits bounds a single execution.
type Limits struct {
	CPUCores  float64 `yaml:"cpu_cores" json:"cpu_cores"`
	Memory    string  `yaml:"memory" json:"memory"`
	Disk      string  `yaml:"disk" json:"disk"`
	TimeoutMS int     `yaml:"timeout_ms" json:"timeout_ms"`
}

// NetworkPolicy lists the hosts a sandbox may or may not reach.
type NetworkPolicy struct {
	Mode    NetworkMode `yaml:"mode" json:"mode"`
	Entries []string    `yaml:"entries" json:"entries,omitempty"`
}

// Hosts expresses the policy as a host policy. Mode none rejects every
// host.
func (p NetworkPolicy) Hosts() *security.HostPolicy {
	switch p.Mode {
	case NetworkWhitelist:
		return security.AllowOnly(p.Entries...)
	case NetworkBlacklist:
		return security.DenyListed(p.Entries...)
	default:
		return security.AllowOnly()
	}
}

// NeedsNetwork reports whether the sandbox must have a network interface.
func (p NetworkPolicy) NeedsNetwork() bool {
	return p.Mode == NetworkBlacklist || (p.Mode == NetworkWhitelist && len(p.Entries) > 0)
}

// Config is the sandbox policy for one execution.
type Config struct {
	Backend        Kind              `yaml:"backend" json:"backend"`
	Limits         Limits            `yaml:"resource_limits" json:"resource_limits"`
	Network        NetworkPolicy     `yaml:"network_policy" json:"network_policy"`
	AllowedEnvVars []string          `yaml:"allowed_env_vars" json:"allowed_env_vars,omitempty"`
	Env            map[string]string `yaml:"env" json:"env,omitempty"`
}

// DefaultConfig is applied when no policy is given.
func DefaultConfig() Config {
	return Config{
		Backend: KindProcess,
		Limits: Limits{
			CPUCores:  1,
			Memory:    "512M",
			Disk:      "1G",
			TimeoutMS: 30000,
		},
		Network: NetworkPolicy{Mode: NetworkWhitelist, Entries: []string{}},
	}
}

// WithDefaults fills zero fields from DefaultConfig. Present values are
// kept as-is, even when invalid.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.Limits.CPUCores == 0 {
		c.Limits.CPUCores = d.Limits.CPUCores
	}
	if c.Limits.Memory == "" {
		c.Limits.Memory = d.Limits.Memory
	}
	if c.Limits.Disk == "" {
		c.Limits.Disk = d.Limits.Disk
	}
	if c.Limits.TimeoutMS == 0 {
		c.Limits.TimeoutMS = d.Limits.TimeoutMS
	}
	if c.Network.Mode == "" {
		c.Network.Mode = d.Network.Mode
	}
	if c.Network.Entries == nil {
		c.Network.Entries = []string{}
	}
	return c
}

// Timeout returns the execution deadline.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Limits.TimeoutMS) * time.Millisecond
}

// MemoryBytes returns the parsed memory limit, or 0 if unparseable.
func (c Config) MemoryBytes() int64 {
	n, _ := ParseSize(c.Limits.Memory)
	return n
}

// DiskBytes returns the parsed disk limit, or 0 if unparseable.
func (c Config) DiskBytes() int64 {
	n, _ := ParseSize(c.Limits.Disk)
	return n
}

// EnvEntries renders Env as sorted NAME=value pairs.
func (c Config) EnvEntries() []string {
	keys := slices.Sorted(maps.Keys(c.Env))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

// Size units, binary as container runtimes interpret them.
const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
)

// ErrInvalidSize is returned by ParseSize.
var ErrInvalidSize = errors.New("invalid size")

var sizeRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)([KMG])?$`)

// ParseSize parses "<n>[KMG]" into bytes. A bare number is bytes.
func ParseSize(s string) (int64, error) {
	m := sizeRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	unit := int64(1)
	switch m[2] {
	case "K":
		unit = KiB
	case "M":
		unit = MiB
	case "G":
		unit = GiB
	}
	return int64(n * float64(unit)), nil
}

// Bounds enforced by ValidateConfig.
const (
	minMemory    = 64 * MiB
	maxMemory    = 8 * GiB
	minDisk      = 100 * MiB
	maxDisk      = 50 * GiB
	minCPU       = 0.1
	maxCPU       = 8
	minTimeoutMS = 1000
	maxTimeoutMS = 300000
)

var hostRe = regexp.MustCompile(`^(?:\*\.)?[A-Za-z0-9](?:[A-Za-z0-9.-]*[A-Za-z0-9])?$`)

// Validation is the outcome of ValidateConfig.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ErrInvalidConfig wraps every configuration failure.
var ErrInvalidConfig = errors.New("invalid sandbox config")

// Err returns nil for a valid config, else the messages joined under
// ErrInvalidConfig.
func (v Validation) Err() error {
	if v.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(v.Errors, "; "))
}

// ValidateConfig checks cfg after filling defaults.
func ValidateConfig(cfg Config) Validation {
	cfg = cfg.WithDefaults()
	errs := []string{}

	if !cfg.Backend.Valid() {
		errs = append(errs, fmt.Sprintf("Invalid backend: %s", cfg.Backend))
	}

	if mem, err := ParseSize(cfg.Limits.Memory); err != nil {
		errs = append(errs, fmt.Sprintf("Invalid memory format: %s", cfg.Limits.Memory))
	} else if mem < minMemory {
		errs = append(errs, "Memory must be at least 64M")
	} else if mem > maxMemory {
		errs = append(errs, "Memory must not exceed 8G")
	}

	if disk, err := ParseSize(cfg.Limits.Disk); err != nil {
		errs = append(errs, fmt.Sprintf("Invalid disk format: %s", cfg.Limits.Disk))
	} else if disk < minDisk {
		errs = append(errs, "Disk must be at least 100M")
	} else if disk > maxDisk {
		errs = append(errs, "Disk must not exceed 50G")
	}

	if cfg.Limits.CPUCores < minCPU || cfg.Limits.CPUCores > maxCPU {
		errs = append(errs, "CPU cores must be between 0.1 and 8")
	}

	if cfg.Limits.TimeoutMS < minTimeoutMS {
		errs = append(errs, "Timeout must be at least 1000ms")
	} else if cfg.Limits.TimeoutMS > maxTimeoutMS {
		errs = append(errs, "Timeout must not exceed 300000ms")
	}

	switch cfg.Network.Mode {
	case NetworkNone, NetworkWhitelist, NetworkBlacklist:
		for _, e := range cfg.Network.Entries {
			if !hostRe.MatchString(e) {
				errs = append(errs, fmt.Sprintf("Invalid network entry: %s", e))
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("Invalid network mode: %s", cfg.Network.Mode))
	}

	for _, name := range slices.Concat(cfg.AllowedEnvVars, slices.Sorted(maps.Keys(cfg.Env))) {
		if err := security.ValidateEnvAllowlist([]string{name}); err != nil {
			errs = append(errs, fmt.Sprintf("Environment variable %s matches a sensitive pattern", name))
		}
	}

	return Validation{Valid: len(errs) == 0, Errors: errs}
}
