// Package sandboxtest provides test doubles for the sandbox package.
package sandboxtest

import (
	"context"
	"sync"

	"github.com/flemzord/mcpexec/internal/sandbox"
)

// FakeBackend records requests and answers with Fn, or a success echoing
// the code when Fn is nil.
type FakeBackend struct {
	KindValue sandbox.Kind
	Fn        func(ctx context.Context, req sandbox.Request) sandbox.Result

	mu       sync.Mutex
	requests []sandbox.Request
}

// NewFakeBackend creates a fake of the given kind.
func NewFakeBackend(kind sandbox.Kind) *FakeBackend {
	return &FakeBackend{KindValue: kind}
}

// Kind implements sandbox.Backend.
func (f *FakeBackend) Kind() sandbox.Kind { return f.KindValue }

// Execute implements sandbox.Backend.
func (f *FakeBackend) Execute(ctx context.Context, req sandbox.Request) sandbox.Result {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.Fn != nil {
		return f.Fn(ctx, req)
	}
	return sandbox.Result{
		Success: true,
		Output:  req.Code,
		Backend: f.KindValue,
		Metrics: sandbox.Metrics{ExecutionTimeMS: 1, MemoryUsed: sandbox.FormatMemory(1 << 20)},
	}
}

// Requests returns a copy of the received requests.
func (f *FakeBackend) Requests() []sandbox.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sandbox.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Calls returns how many requests were received.
func (f *FakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}
