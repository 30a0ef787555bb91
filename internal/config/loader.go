package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// FileName is the default configuration file name.
const FileName = "mcpexec.yaml"

// ErrNoConfigFile is returned by ResolvePath when no candidate exists.
var ErrNoConfigFile = errors.New("config: no configuration file found")

// envPattern matches ${VAR} and ${VAR:-default} expressions.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{Version: "1"}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a YAML configuration file, expands ${VAR} references in its
// values, decodes it strictly and fills defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// decode parses raw into a node tree, expands variables in scalar values
// only, then decodes with unknown fields rejected. Expanding after parsing
// keeps comments inert and stops variable values from injecting YAML.
func decode(raw []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	cfg := &Config{}
	if root.Kind == 0 {
		return cfg, nil
	}
	if err := expandNode(&root); err != nil {
		return nil, fmt.Errorf("expanding variables: %w", err)
	}
	expanded, err := yaml.Marshal(&root)
	if err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	return cfg, nil
}

func expandNode(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		if !envPattern.MatchString(n.Value) {
			return nil
		}
		v, err := expandEnv([]byte(n.Value))
		if err != nil {
			return err
		}
		n.Value = string(v)
		// Plain scalars are re-resolved so "${PORT}" can fill an int.
		if n.Style == 0 {
			n.Tag = ""
		}
		return nil
	}
	var errs []error
	for _, c := range n.Content {
		errs = append(errs, expandNode(c))
	}
	return errors.Join(errs...)
}

// PathEnv names a configuration file and overrides the search.
const PathEnv = "MCPEXEC_CONFIG"

// ResolvePath locates the configuration file. $MCPEXEC_CONFIG wins when
// set; otherwise the search order is $XDG_CONFIG_HOME/mcpexec/mcpexec.yaml,
// then ~/.config/mcpexec/mcpexec.yaml when XDG_CONFIG_HOME is unset, then
// ./mcpexec.yaml.
func ResolvePath() (string, error) {
	if p := os.Getenv(PathEnv); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("config: %s=%s: %w", PathEnv, p, err)
		}
		return p, nil
	}

	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok && xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "mcpexec", FileName))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "mcpexec", FileName))
	}

	candidates = append(candidates, FileName)

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfigFile, candidates)
}

// LoadOrDefault loads path, or the resolved default location when path is
// empty. A missing default file yields Default() and an empty path.
func LoadOrDefault(path string) (*Config, string, error) {
	if path == "" {
		resolved, err := ResolvePath()
		if errors.Is(err, ErrNoConfigFile) {
			return Default(), "", nil
		}
		if err != nil {
			return nil, "", err
		}
		path = resolved
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// expandEnv replaces ${VAR} and ${VAR:-default} in raw. Variables that
// are unset and have no default are all reported.
func expandEnv(raw []byte) ([]byte, error) {
	var errs []error
	out := envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		m := envPattern.FindSubmatchIndex(match)
		name := string(match[m[2]:m[3]])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		if m[4] >= 0 {
			return match[m[4]:m[5]]
		}
		errs = append(errs, fmt.Errorf("unresolved variable: %s", name))
		return match
	})
	return out, errors.Join(errs...)
}
