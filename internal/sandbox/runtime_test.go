package sandbox_test

import (
	"context"
	"strings"
	"testing"

	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/sandbox"
	"github.com/flemzord/mcpexec/internal/sandbox/sandboxtest"
)

func TestRuntime_RoutesByConfig(t *testing.T) {
	t.Parallel()

	proc := sandboxtest.NewFakeBackend(sandbox.KindProcess)
	vm := sandboxtest.NewFakeBackend(sandbox.KindVM)
	rt := sandbox.NewRuntime(nil, proc, vm)

	res := rt.Execute(context.Background(), sandbox.Request{
		Code:     "console.log(1)",
		Language: language.JavaScript,
		Config:   sandbox.Config{Backend: sandbox.KindVM},
	})
	if !res.Success || res.Backend != sandbox.KindVM {
		t.Fatalf("result = %+v", res)
	}
	if vm.Calls() != 1 || proc.Calls() != 0 {
		t.Errorf("calls: vm=%d process=%d", vm.Calls(), proc.Calls())
	}

	// Defaults route to the process backend with limits filled in.
	rt.Execute(context.Background(), sandbox.Request{Code: "x", Language: language.JavaScript})
	reqs := proc.Requests()
	if len(reqs) != 1 {
		t.Fatalf("process calls = %d, want 1", len(reqs))
	}
	if reqs[0].Config.Limits.TimeoutMS != 30000 {
		t.Errorf("defaults not applied: %+v", reqs[0].Config.Limits)
	}
}

func TestRuntime_InvalidConfig(t *testing.T) {
	t.Parallel()

	proc := sandboxtest.NewFakeBackend(sandbox.KindProcess)
	rt := sandbox.NewRuntime(nil, proc)

	res := rt.Execute(context.Background(), sandbox.Request{
		Code:     "x",
		Language: language.JavaScript,
		Config:   sandbox.Config{AllowedEnvVars: []string{"GITHUB_TOKEN"}},
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "GITHUB_TOKEN") {
		t.Errorf("Error = %q", res.Error)
	}
	if proc.Calls() != 0 {
		t.Error("backend must not run with an invalid config")
	}
	if res.Metrics.MemoryUsed != "0 B" {
		t.Errorf("MemoryUsed = %q", res.Metrics.MemoryUsed)
	}
}

func TestRuntime_MissingBackend(t *testing.T) {
	t.Parallel()

	rt := sandbox.NewRuntime(nil, sandboxtest.NewFakeBackend(sandbox.KindProcess))
	if rt.Available(sandbox.KindContainer) {
		t.Error("container should not be available")
	}

	res := rt.Execute(context.Background(), sandbox.Request{
		Code:     "x",
		Language: language.Python,
		Config:   sandbox.Config{Backend: sandbox.KindContainer},
	})
	if res.Success || !strings.Contains(res.Error, "not available") {
		t.Errorf("result = %+v", res)
	}

	caps := rt.Capabilities()
	if len(caps) != 3 {
		t.Fatalf("got %d capabilities", len(caps))
	}
	for _, c := range caps {
		if c.Available != (c.Kind == sandbox.KindProcess) {
			t.Errorf("capability %s available=%v", c.Kind, c.Available)
		}
	}
}
