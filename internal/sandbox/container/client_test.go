package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"testing"
	"time"
)

type call struct {
	args  []string
	stdin string
}

// fakeRunner records CLI invocations and answers with canned output.
type fakeRunner struct {
	calls  []call
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) run(_ context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error {
	c := call{args: args}
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		c.stdin = string(data)
	}
	f.calls = append(f.calls, c)
	_, _ = io.WriteString(stdout, f.stdout)
	_, _ = io.WriteString(stderr, f.stderr)
	return f.err
}

func newTestClient(f *fakeRunner) *CLIClient {
	c := NewCLIClient("")
	c.run = f.run
	return c
}

func TestCreateArgs(t *testing.T) {
	t.Parallel()

	args := createArgs(CreateOptions{
		Image:           "node:20-alpine",
		Labels:          map[string]string{LabelSandbox: "true", LabelLanguage: "js"},
		Memory:          512 << 20,
		NanoCPUs:        1_500_000_000,
		DiskQuota:       1 << 30,
		NetworkDisabled: true,
		PidsLimit:       64,
		WorkingDir:      Workdir,
		Cmd:             []string{"sleep", "3600"},
	})
	got := strings.Join(args, " ")
	want := "create --label mcp.sandbox=true --label mcp.sandbox.language=js" +
		" --memory 536870912 --memory-swap 536870912 --cpus 1.5" +
		" --storage-opt size=1073741824 --network none --pids-limit 64" +
		" --cap-drop ALL --security-opt no-new-privileges:true" +
		" --workdir /workspace node:20-alpine sleep 3600"
	if got != want {
		t.Errorf("createArgs:\n got: %s\nwant: %s", got, want)
	}

	open := createArgs(CreateOptions{Image: "python:3.12-alpine"})
	if slices.Contains(open, "none") || slices.Contains(open, "--storage-opt") {
		t.Errorf("unexpected restrictions: %v", open)
	}
}

func TestCLIClient_Create(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{stdout: "abc123\n"}
	id, err := newTestClient(f).Create(context.Background(), CreateOptions{Image: "img"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "abc123" {
		t.Errorf("id = %q", id)
	}

	f = &fakeRunner{err: errors.New("exit status 125"), stderr: "--storage-opt is supported only for overlay over xfs"}
	_, err = newTestClient(f).Create(context.Background(), CreateOptions{Image: "img", DiskQuota: 1})
	if !errors.Is(err, ErrDiskQuotaUnsupported) {
		t.Errorf("expected ErrDiskQuotaUnsupported, got %v", err)
	}
	var cerr *ClientError
	if !errors.As(err, &cerr) || cerr.Op != "create" {
		t.Errorf("expected ClientError for create, got %v", err)
	}
}

func TestCLIClient_CopyArchive(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{}
	archive, err := workspaceArchive("main.js", "console.log(1)")
	if err != nil {
		t.Fatal(err)
	}
	if err := newTestClient(f).CopyArchive(context.Background(), "abc", "/", archive); err != nil {
		t.Fatalf("CopyArchive: %v", err)
	}
	if got := f.calls[0].args; !slices.Equal(got, []string{"cp", "-", "abc:/"}) {
		t.Errorf("args = %v", got)
	}
	if !strings.Contains(f.calls[0].stdin, "console.log(1)") {
		t.Error("archive was not streamed on stdin")
	}
}

func TestCLIClient_RemoveMissing(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{err: errors.New("exit status 1"), stderr: "Error response from daemon: No such container: abc"}
	if err := newTestClient(f).Remove(context.Background(), "abc"); err != nil {
		t.Errorf("removing a missing container should succeed, got %v", err)
	}

	f = &fakeRunner{err: errors.New("exit status 1"), stderr: "device or resource busy"}
	if err := newTestClient(f).Remove(context.Background(), "abc"); err == nil {
		t.Error("expected error")
	}
}

func TestCLIClient_List(t *testing.T) {
	t.Parallel()

	f := &fakeRunner{stdout: fmt.Sprintf("%s\n%s\n",
		`{"ID":"aaa","Labels":"mcp.sandbox=true,mcp.sandbox.created=2026-03-01T10:00:00Z","CreatedAt":"2026-03-01 11:00:00 +0000 UTC"}`,
		`{"ID":"bbb","Labels":"mcp.sandbox=true","CreatedAt":"2026-03-01 09:30:00 +0000 UTC"}`,
	)}
	infos, err := newTestClient(f).List(context.Background(), SandboxLabels())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !slices.Contains(f.calls[0].args, "label=mcp.sandbox=true") {
		t.Errorf("args = %v", f.calls[0].args)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d containers", len(infos))
	}
	if want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC); !infos[0].Created.Equal(want) {
		t.Errorf("label time not preferred: %v", infos[0].Created)
	}
	if want := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC); !infos[1].Created.Equal(want) {
		t.Errorf("CreatedAt fallback: %v", infos[1].Created)
	}

	f = &fakeRunner{stdout: "not json\n"}
	if _, err := newTestClient(f).List(context.Background(), nil); err == nil {
		t.Error("expected decode error")
	}
}

func TestTracker(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Add("b")
	tr.Add("a")
	tr.MarkOrphan("c")

	if tr.Len() != 3 || tr.Active() != 2 {
		t.Errorf("Len=%d Active=%d", tr.Len(), tr.Active())
	}
	if got := tr.IDs(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("IDs = %v", got)
	}
	if got := tr.Orphans(); !slices.Equal(got, []string{"c"}) {
		t.Errorf("Orphans = %v", got)
	}
	tr.Remove("a")
	if _, ok := tr.State("a"); ok {
		t.Error("a should be forgotten")
	}
}
