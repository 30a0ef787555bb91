// Package sandbox runs generated programs under resource and network
// limits. Backends live in subpackages; this package holds the policy
// types, backend selection and the routing Runtime.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/flemzord/mcpexec/internal/language"
)

// ToolCaller routes a program's tool calls to real MCP tools. Backends that
// cannot bridge calls leave the program's stub in place.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Request is one execution.
type Request struct {
	ID       string
	Code     string
	Language language.Language
	Config   Config
	Tools    ToolCaller
}

// Backend executes code in one kind of sandbox.
type Backend interface {
	Kind() Kind
	Execute(ctx context.Context, req Request) Result
}

// Tier is the caller's isolation requirement.
type Tier string

// Security tiers.
const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// ParseTier parses a tier name. Empty means medium.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case "":
		return TierMedium, nil
	case TierLow, TierMedium, TierHigh:
		return t, nil
	default:
		return "", fmt.Errorf("unknown security tier %q", s)
	}
}

// Capability describes what a backend kind can run.
type Capability struct {
	Kind      Kind                `json:"kind"`
	Languages []language.Language `json:"languages"`
	// Isolation ranks backends; higher is stronger.
	Isolation int  `json:"isolation"`
	Available bool `json:"available"`
}

// Supports reports whether the backend runs lang.
func (c Capability) Supports(lang language.Language) bool {
	return slices.Contains(c.Languages, lang)
}

var allLanguages = []language.Language{language.TypeScript, language.JavaScript, language.Python}

// capabilities lists every backend kind in default preference order.
var capabilities = []Capability{
	{Kind: KindProcess, Languages: allLanguages, Isolation: 1},
	{Kind: KindVM, Languages: []language.Language{language.TypeScript, language.JavaScript}, Isolation: 2},
	{Kind: KindContainer, Languages: allLanguages, Isolation: 3},
}

// CapabilityOf returns the static capability of kind.
func CapabilityOf(kind Kind) (Capability, bool) {
	for _, c := range capabilities {
		if c.Kind == kind {
			return c, true
		}
	}
	return Capability{}, false
}

// ErrNoBackend is returned when no available backend satisfies a request.
var ErrNoBackend = errors.New("no suitable sandbox backend")

// Select picks a backend for lang. The high tier always uses a container.
// Otherwise the preferred kind wins if it can run lang, then the first
// capable backend in default order. Python never selects the VM.
func Select(lang language.Language, tier Tier, preferred Kind, available func(Kind) bool) (Capability, error) {
	if available == nil {
		available = func(Kind) bool { return true }
	}
	candidates := make([]Capability, 0, len(capabilities))
	for _, c := range capabilities {
		c.Available = available(c.Kind)
		if c.Available && c.Supports(lang) {
			candidates = append(candidates, c)
		}
	}

	if tier == TierHigh {
		for _, c := range candidates {
			if c.Kind == KindContainer {
				return c, nil
			}
		}
		return Capability{}, fmt.Errorf("%w: tier %s requires a container", ErrNoBackend, tier)
	}

	for _, c := range candidates {
		if c.Kind == preferred {
			return c, nil
		}
	}
	if len(candidates) == 0 {
		return Capability{}, fmt.Errorf("%w for %s", ErrNoBackend, lang.DisplayName())
	}
	return candidates[0], nil
}
