package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Runtime routes each request to the backend named by its config.
type Runtime struct {
	backends map[Kind]Backend
	logger   *slog.Logger
}

// NewRuntime creates a runtime over the given backends. A later backend of
// the same kind replaces an earlier one.
func NewRuntime(logger *slog.Logger, backends ...Backend) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{backends: make(map[Kind]Backend, len(backends)), logger: logger}
	for _, b := range backends {
		if b != nil {
			r.backends[b.Kind()] = b
		}
	}
	return r
}

// Available reports whether a backend of kind is registered.
func (r *Runtime) Available(kind Kind) bool {
	_, ok := r.backends[kind]
	return ok
}

// Kinds returns the registered backend kinds, sorted.
func (r *Runtime) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Capabilities returns every backend kind with its availability.
func (r *Runtime) Capabilities() []Capability {
	out := make([]Capability, 0, len(capabilities))
	for _, c := range capabilities {
		c.Available = r.Available(c.Kind)
		out = append(out, c)
	}
	return out
}

// Execute validates req.Config and runs req on the configured backend.
// It never returns an error; failures are results.
func (r *Runtime) Execute(ctx context.Context, req Request) Result {
	started := time.Now()
	req.Config = req.Config.WithDefaults()
	kind := req.Config.Backend

	if v := ValidateConfig(req.Config); !v.Valid {
		return Failed(kind, started, strings.Join(v.Errors, "; "))
	}

	b, ok := r.backends[kind]
	if !ok {
		return Failed(kind, started, fmt.Sprintf("sandbox backend %s is not available", kind))
	}

	r.logger.Debug("sandbox: executing", "id", req.ID, "backend", kind, "language", req.Language)
	res := b.Execute(ctx, req)
	res.Backend = kind
	if res.Metrics.MemoryUsed == "" {
		res.Metrics.MemoryUsed = FormatMemory(0)
	}
	if res.Metrics.ExecutionTimeMS == 0 {
		res.Metrics.ExecutionTimeMS = ElapsedMS(started)
	}
	return res
}
