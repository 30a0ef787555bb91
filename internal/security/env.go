package security

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ErrDangerousEnvVar is returned when an allow-listed variable name looks
// like it carries a credential.
var ErrDangerousEnvVar = errors.New("environment variable is not allowed")

// dangerousEnvPattern rejects custom allow-list entries that could leak
// secrets into a sandbox.
var dangerousEnvPattern = regexp.MustCompile(`(?i)KEY|SECRET|TOKEN|PASSWORD|CREDENTIAL|AUTH`)

// sensitiveEnvPrefixes are provider-specific prefixes that are never
// forwarded, even when the name itself looks harmless.
var sensitiveEnvPrefixes = []string{
	"OPENAI_",
	"ANTHROPIC_",
	"AWS_",
	"GITHUB_",
	"GH_",
	"GITLAB_",
	"DOCKER_",
}

// sensitiveEnvExact are names stripped exactly. DATABASE_URL is exact-only
// so DATABASE_HOST stays usable.
var sensitiveEnvExact = map[string]struct{}{
	"DATABASE_URL": {},
	"REDIS_URL":    {},
}

// DefaultSandboxPath is used when the host has no PATH.
const DefaultSandboxPath = "/usr/local/bin:/usr/bin:/bin"

// passthroughEnv are host variables always forwarded when set.
var passthroughEnv = []string{"USER", "LANG", "LC_ALL", "TZ"}

// ValidateEnvAllowlist checks custom allow-list names. All offending names
// are reported in a single joined error.
func ValidateEnvAllowlist(names []string) error {
	var errs []error
	for _, name := range names {
		if err := validateEnvName(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateEnvName(name string) error {
	if name == "" || strings.ContainsAny(name, "= \t\n") {
		return fmt.Errorf("%w: invalid name %q", ErrDangerousEnvVar, name)
	}
	if dangerousEnvPattern.MatchString(name) || isSensitiveEnvVar(name) {
		return fmt.Errorf("%w: %s matches a sensitive pattern", ErrDangerousEnvVar, name)
	}
	return nil
}

// isSensitiveEnvVar checks a name against provider prefixes and exact names.
func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	if _, ok := sensitiveEnvExact[upper]; ok {
		return true
	}
	for _, prefix := range sensitiveEnvPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

// SandboxEnvOptions configures SandboxEnv.
type SandboxEnvOptions struct {
	// TempDir becomes HOME and TMPDIR.
	TempDir string
	// Allowed lists extra host variables to forward.
	Allowed []string
	// Extra is appended verbatim ("NAME=value"), after validation of NAME.
	Extra []string
	// Lookup overrides os.LookupEnv for testing.
	Lookup func(string) (string, bool)
}

// SandboxEnv builds the curated environment for an interpreter process:
// NODE_ENV, HOME, TMPDIR and PATH, the passthrough set, and validated
// custom entries. Nothing else from the host is inherited.
func SandboxEnv(opts SandboxEnvOptions) ([]string, error) {
	if err := ValidateEnvAllowlist(opts.Allowed); err != nil {
		return nil, err
	}
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	path, ok := lookup("PATH")
	if !ok || path == "" {
		path = DefaultSandboxPath
	}

	env := []string{
		"NODE_ENV=sandbox",
		"HOME=" + opts.TempDir,
		"TMPDIR=" + opts.TempDir,
		"PATH=" + path,
		"PYTHONDONTWRITEBYTECODE=1",
	}
	seen := map[string]struct{}{
		"NODE_ENV": {}, "HOME": {}, "TMPDIR": {}, "PATH": {}, "PYTHONDONTWRITEBYTECODE": {},
	}

	forward := func(name string) {
		if _, dup := seen[name]; dup {
			return
		}
		if v, ok := lookup(name); ok {
			env = append(env, name+"="+v)
			seen[name] = struct{}{}
		}
	}
	for _, name := range passthroughEnv {
		forward(name)
	}
	for _, name := range opts.Allowed {
		forward(name)
	}

	for _, kv := range opts.Extra {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("%w: malformed entry %q", ErrDangerousEnvVar, kv)
		}
		if err := validateEnvName(name); err != nil {
			return nil, err
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		env = append(env, kv)
	}
	return env, nil
}
