package container

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CreateOptions describe a sandbox container.
type CreateOptions struct {
	Image           string
	Labels          map[string]string
	Memory          int64
	NanoCPUs        int64
	DiskQuota       int64
	NetworkDisabled bool
	PidsLimit       int
	WorkingDir      string
	Cmd             []string
}

// ExecOptions describe a command run inside a started container.
type ExecOptions struct {
	Cmd        []string
	Env        []string
	WorkingDir string
	Stdout     io.Writer
	Stderr     io.Writer
}

// Info is a listed container.
type Info struct {
	ID      string
	Labels  map[string]string
	Created time.Time
}

// Client is the container engine surface the backend needs.
type Client interface {
	Ping(ctx context.Context) error
	ImageExists(ctx context.Context, image string) (bool, error)
	Pull(ctx context.Context, image string) error
	Create(ctx context.Context, opts CreateOptions) (string, error)
	// CopyArchive extracts a tar stream at dst inside the container.
	CopyArchive(ctx context.Context, id, dst string, archive io.Reader) error
	Start(ctx context.Context, id string) error
	// Exec runs a command and returns its exit code. A non-zero exit is
	// not an error.
	Exec(ctx context.Context, id string, opts ExecOptions) (int, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	// Remove deletes a container. Removing an unknown container succeeds.
	Remove(ctx context.Context, id string) error
	// List returns containers carrying every given label.
	List(ctx context.Context, labels map[string]string) ([]Info, error)
}

// ClientError records which engine operation failed.
type ClientError struct {
	Op  string
	ID  string
	Err error
}

func (e *ClientError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("container %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("container %s: %v", e.Op, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

// ErrDiskQuotaUnsupported is returned by Create when the storage driver
// rejects a disk quota.
var ErrDiskQuotaUnsupported = errors.New("disk quota not supported by storage driver")

// runFunc executes the engine CLI.
type runFunc func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error

// CLIClient drives the docker (or compatible) command line.
type CLIClient struct {
	binary string
	run    runFunc
}

// NewCLIClient creates a client for binary ("docker" when empty).
func NewCLIClient(binary string) *CLIClient {
	if binary == "" {
		binary = "docker"
	}
	c := &CLIClient{binary: binary}
	c.run = c.exec
	return c
}

func (c *CLIClient) exec(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error {
	//nolint:gosec // args are built by this package from validated options.
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second
	return cmd.Run()
}

// output runs args and returns trimmed stdout. Failures carry stderr.
func (c *CLIClient) output(ctx context.Context, op, id string, stdin io.Reader, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	if err := c.run(ctx, stdin, &stdout, &stderr, args...); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return "", &ClientError{Op: op, ID: id, Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Available reports whether the engine binary is on PATH.
func (c *CLIClient) Available() bool {
	_, err := exec.LookPath(c.binary)
	return err == nil
}

// Ping checks that the engine daemon answers.
func (c *CLIClient) Ping(ctx context.Context) error {
	_, err := c.output(ctx, "ping", "", nil, "version", "--format", "{{.Server.Version}}")
	return err
}

// ImageExists reports whether image is present locally.
func (c *CLIClient) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := c.output(ctx, "inspect", "", nil, "image", "inspect", "--format", "{{.Id}}", image)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

// Pull fetches image.
func (c *CLIClient) Pull(ctx context.Context, image string) error {
	_, err := c.output(ctx, "pull", "", nil, "pull", "--quiet", image)
	return err
}

// Create creates a stopped container and returns its ID.
func (c *CLIClient) Create(ctx context.Context, opts CreateOptions) (string, error) {
	id, err := c.output(ctx, "create", "", nil, createArgs(opts)...)
	if err != nil {
		if opts.DiskQuota > 0 && strings.Contains(err.Error(), "storage-opt") {
			return "", fmt.Errorf("%w: %w", ErrDiskQuotaUnsupported, err)
		}
		return "", err
	}
	return id, nil
}

func createArgs(opts CreateOptions) []string {
	args := []string{"create"}
	keys := make([]string, 0, len(opts.Labels))
	for k := range opts.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	if opts.Memory > 0 {
		args = append(args, "--memory", strconv.FormatInt(opts.Memory, 10), "--memory-swap", strconv.FormatInt(opts.Memory, 10))
	}
	if opts.NanoCPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(float64(opts.NanoCPUs)/1e9, 'f', -1, 64))
	}
	if opts.DiskQuota > 0 {
		args = append(args, "--storage-opt", "size="+strconv.FormatInt(opts.DiskQuota, 10))
	}
	if opts.NetworkDisabled {
		args = append(args, "--network", "none")
	}
	if opts.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(opts.PidsLimit))
	}
	args = append(args,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges:true",
	)
	if opts.WorkingDir != "" {
		args = append(args, "--workdir", opts.WorkingDir)
	}
	args = append(args, opts.Image)
	return append(args, opts.Cmd...)
}

// CopyArchive streams a tar archive into the container.
func (c *CLIClient) CopyArchive(ctx context.Context, id, dst string, archive io.Reader) error {
	_, err := c.output(ctx, "copy", id, archive, "cp", "-", id+":"+dst)
	return err
}

// Start starts a created container.
func (c *CLIClient) Start(ctx context.Context, id string) error {
	_, err := c.output(ctx, "start", id, nil, "start", id)
	return err
}

// Exec runs a command with attached output streams.
func (c *CLIClient) Exec(ctx context.Context, id string, opts ExecOptions) (int, error) {
	args := []string{"exec"}
	if opts.WorkingDir != "" {
		args = append(args, "--workdir", opts.WorkingDir)
	}
	for _, e := range opts.Env {
		args = append(args, "--env", e)
	}
	args = append(args, id)
	args = append(args, opts.Cmd...)

	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	err := c.run(ctx, nil, stdout, stderr, args...)
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return exitErr.ExitCode(), nil
	}
	return -1, &ClientError{Op: "exec", ID: id, Err: err}
}

// Stop stops a running container.
func (c *CLIClient) Stop(ctx context.Context, id string, timeout time.Duration) error {
	_, err := c.output(ctx, "stop", id, nil, "stop", "--time", strconv.Itoa(int(timeout.Seconds())), id)
	return err
}

// Remove force-removes a container.
func (c *CLIClient) Remove(ctx context.Context, id string) error {
	_, err := c.output(ctx, "remove", id, nil, "rm", "--force", "--volumes", id)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "no such container") {
		return nil
	}
	return err
}

// psLine is one line of `ps --format '{{json .}}'`.
type psLine struct {
	ID        string `json:"ID"`
	Labels    string `json:"Labels"`
	CreatedAt string `json:"CreatedAt"`
}

const psTimeLayout = "2006-01-02 15:04:05 -0700 MST"

// List returns all containers (running or not) matching labels.
func (c *CLIClient) List(ctx context.Context, labels map[string]string) ([]Info, error) {
	args := []string{"ps", "--all", "--no-trunc", "--format", "{{json .}}"}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--filter", "label="+k+"="+labels[k])
	}

	out, err := c.output(ctx, "list", "", nil, args...)
	if err != nil {
		return nil, err
	}
	return parsePS(out)
}

func parsePS(out string) ([]Info, error) {
	var infos []Info
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ps psLine
		if err := json.Unmarshal([]byte(line), &ps); err != nil {
			return nil, &ClientError{Op: "list", Err: fmt.Errorf("decoding ps output: %w", err)}
		}
		info := Info{ID: ps.ID, Labels: parseLabels(ps.Labels)}
		if t, err := time.Parse(time.RFC3339, info.Labels[LabelCreated]); err == nil {
			info.Created = t
		} else if t, err := time.Parse(psTimeLayout, ps.CreatedAt); err == nil {
			info.Created = t
		}
		infos = append(infos, info)
	}
	return infos, sc.Err()
}

func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			labels[k] = v
		}
	}
	return labels
}
