// Package containertest provides an in-memory container engine for tests.
package containertest

import (
	"archive/tar"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/flemzord/mcpexec/internal/sandbox/container"
)

// Container is a fake container.
type Container struct {
	ID      string
	Options container.CreateOptions
	Files   map[string]string
	Started bool
	Stopped bool
	Created time.Time
}

// FakeClient implements container.Client in memory.
type FakeClient struct {
	mu         sync.Mutex
	containers map[string]*Container
	gone       map[string]*Container
	created    []string
	images     map[string]bool
	pulls      []string
	execs      []container.ExecOptions
	removed    []string
	next       int

	// ExecFn runs the program. Nil exits 0 without output.
	ExecFn func(ctx context.Context, id string, opts container.ExecOptions) (int, error)
	// CreateFn may reject a create before it is recorded.
	CreateFn func(opts container.CreateOptions) error
	// RemoveFn may fail a removal.
	RemoveFn func(id string) error
	// PingErr is returned by Ping.
	PingErr error
	// ListErr is returned by List.
	ListErr error
	// PeakMemory is reported by the cgroup memory probe.
	PeakMemory uint64
}

// NewFakeClient creates a fake engine with the given images present.
func NewFakeClient(images ...string) *FakeClient {
	f := &FakeClient{
		containers: make(map[string]*Container),
		gone:       make(map[string]*Container),
		images:     make(map[string]bool),
		PeakMemory: 1 << 20,
	}
	for _, img := range images {
		f.images[img] = true
	}
	return f
}

var _ container.Client = (*FakeClient)(nil)

// Ping implements container.Client.
func (f *FakeClient) Ping(context.Context) error { return f.PingErr }

// ImageExists implements container.Client.
func (f *FakeClient) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

// Pull implements container.Client.
func (f *FakeClient) Pull(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, image)
	f.images[image] = true
	return nil
}

// Create implements container.Client.
func (f *FakeClient) Create(_ context.Context, opts container.CreateOptions) (string, error) {
	if f.CreateFn != nil {
		if err := f.CreateFn(opts); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("%064d", f.next)
	f.containers[id] = &Container{
		ID:      id,
		Options: opts,
		Files:   make(map[string]string),
		Created: time.Now(),
	}
	f.created = append(f.created, id)
	return id, nil
}

// CopyArchive implements container.Client.
func (f *FakeClient) CopyArchive(_ context.Context, id, dst string, archive io.Reader) error {
	files := make(map[string]string)
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		files[dst+hdr.Name] = string(data)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	maps.Copy(c.Files, files)
	return nil
}

// Start implements container.Client.
func (f *FakeClient) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	c.Started = true
	return nil
}

// Exec implements container.Client. The cgroup memory probe is answered
// from PeakMemory; everything else goes to ExecFn.
func (f *FakeClient) Exec(ctx context.Context, id string, opts container.ExecOptions) (int, error) {
	if len(opts.Cmd) > 0 && opts.Cmd[0] == "sh" {
		if opts.Stdout != nil {
			fmt.Fprintln(opts.Stdout, strconv.FormatUint(f.PeakMemory, 10))
		}
		return 0, nil
	}
	f.mu.Lock()
	f.execs = append(f.execs, opts)
	fn := f.ExecFn
	f.mu.Unlock()
	if fn == nil {
		return 0, nil
	}
	return fn(ctx, id, opts)
}

// Stop implements container.Client.
func (f *FakeClient) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.Stopped = true
	}
	return nil
}

// Remove implements container.Client.
func (f *FakeClient) Remove(_ context.Context, id string) error {
	if f.RemoveFn != nil {
		if err := f.RemoveFn(id); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		f.gone[id] = c
		delete(f.containers, id)
	}
	f.removed = append(f.removed, id)
	return nil
}

// List implements container.Client.
func (f *FakeClient) List(_ context.Context, labels map[string]string) ([]container.Info, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []container.Info
	for _, c := range f.containers {
		if !matches(c.Options.Labels, labels) {
			continue
		}
		info := container.Info{ID: c.ID, Labels: maps.Clone(c.Options.Labels), Created: c.Created}
		if t, err := time.Parse(time.RFC3339, c.Options.Labels[container.LabelCreated]); err == nil {
			info.Created = t
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b container.Info) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// Seed adds a container directly, as if another process had created it.
func (f *FakeClient) Seed(id string, labels map[string]string, created time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = &Container{
		ID:      id,
		Options: container.CreateOptions{Labels: labels},
		Files:   make(map[string]string),
		Created: created,
		Started: true,
	}
}

// Container returns a copy of the container with id, removed or not.
func (f *FakeClient) Container(id string) (Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		c, ok = f.gone[id]
	}
	if !ok {
		return Container{}, false
	}
	cp := *c
	cp.Files = maps.Clone(c.Files)
	return cp, true
}

// CreatedIDs returns every container ID created through Create, in order.
func (f *FakeClient) CreatedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.created)
}

// Count returns the number of existing containers.
func (f *FakeClient) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// Pulls returns the images pulled so far.
func (f *FakeClient) Pulls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.pulls)
}

// Execs returns the program execs so far.
func (f *FakeClient) Execs() []container.ExecOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.execs)
}

// Removed returns the IDs removed so far.
func (f *FakeClient) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.removed)
}
