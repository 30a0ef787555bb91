// Package container runs generated programs in short-lived, labeled
// containers with resource limits, no capabilities and, unless the network
// policy asks for it, no network.
package container

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/sandbox"
	"github.com/flemzord/mcpexec/internal/security"
)

// Labels set on every sandbox container.
const (
	LabelSandbox  = "mcp.sandbox"
	LabelLanguage = "mcp.sandbox.language"
	LabelCreated  = "mcp.sandbox.created"
)

// Workdir is where the program is extracted inside the container.
const Workdir = "/workspace"

// containerPath is PATH inside the official node and python images.
const containerPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// SandboxLabels selects every container created by any sandbox.
func SandboxLabels() map[string]string {
	return map[string]string{LabelSandbox: "true"}
}

// DefaultImages maps each language to its runtime image.
func DefaultImages() map[language.Language]string {
	return map[language.Language]string{
		language.TypeScript: "node:20-alpine",
		language.JavaScript: "node:20-alpine",
		language.Python:     "python:3.12-alpine",
	}
}

// Config configures the backend. Zero fields take defaults.
type Config struct {
	Images map[language.Language]string `yaml:"images"`

	PidsLimit int `yaml:"pids_limit"`

	// SetupTimeout bounds image pull, create, copy and start.
	SetupTimeout time.Duration `yaml:"setup_timeout"`

	// CleanupTimeout bounds the forced stop and removal after a run.
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`

	OutputLimit int `yaml:"output_limit"`

	Logger *slog.Logger     `yaml:"-"`
	Now    func() time.Time `yaml:"-"`
	// Lookup overrides os.LookupEnv for the forwarded environment.
	Lookup func(string) (string, bool) `yaml:"-"`
}

func (c Config) withDefaults() Config {
	images := DefaultImages()
	for lang, img := range c.Images {
		if img != "" {
			images[lang] = img
		}
	}
	c.Images = images
	if c.PidsLimit <= 0 {
		c.PidsLimit = 128
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = 2 * time.Minute
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Lookup == nil {
		c.Lookup = os.LookupEnv
	}
	return c
}

// Backend is the container sandbox.
type Backend struct {
	client  Client
	tracker *Tracker
	cfg     Config

	pulls   singleflight.Group
	present sync.Map // image -> struct{}

	// noDiskQuota is set once the storage driver rejects --storage-opt.
	noDiskQuota atomic.Bool
}

// New creates a container backend. A nil tracker uses DefaultTracker.
func New(client Client, tracker *Tracker, cfg Config) *Backend {
	if tracker == nil {
		tracker = DefaultTracker()
	}
	return &Backend{client: client, tracker: tracker, cfg: cfg.withDefaults()}
}

// Kind implements sandbox.Backend.
func (b *Backend) Kind() sandbox.Kind { return sandbox.KindContainer }

// Tracker returns the tracker recording this backend's containers.
func (b *Backend) Tracker() *Tracker { return b.tracker }

// Client returns the engine client.
func (b *Backend) Client() Client { return b.client }

// Execute implements sandbox.Backend.
func (b *Backend) Execute(ctx context.Context, req sandbox.Request) sandbox.Result {
	started := time.Now()
	kind := b.Kind()
	cfg := req.Config.WithDefaults()
	log := b.cfg.Logger.With("request_id", req.ID, "language", req.Language)

	image, ok := b.cfg.Images[req.Language]
	if !ok {
		return sandbox.Failed(kind, started, fmt.Sprintf("no container image for language %s", req.Language))
	}
	source, cmd, err := program(req.Code, req.Language, cfg)
	if err != nil {
		return sandbox.Failed(kind, started, err.Error())
	}
	env, err := security.SandboxEnv(security.SandboxEnvOptions{
		TempDir: Workdir,
		Allowed: cfg.AllowedEnvVars,
		Extra:   cfg.EnvEntries(),
		Lookup:  b.lookup,
	})
	if err != nil {
		return sandbox.Failed(kind, started, err.Error())
	}
	if cfg.Network.NeedsNetwork() {
		log.Info("container: network enabled, host filtering is advisory",
			"mode", cfg.Network.Mode, "entries", len(cfg.Network.Entries))
	}

	setupCtx, cancelSetup := context.WithTimeout(ctx, b.cfg.SetupTimeout)
	defer cancelSetup()

	if err := b.ensureImage(setupCtx, image); err != nil {
		return sandbox.Failed(kind, started, fmt.Sprintf("preparing image %s: %v", image, err))
	}

	id, err := b.create(setupCtx, image, req.Language, cfg)
	if err != nil {
		return sandbox.Failed(kind, started, fmt.Sprintf("creating container: %v", err))
	}
	b.tracker.Add(id)
	log = log.With("container", shortID(id))
	defer b.release(ctx, id, log)

	archive, err := workspaceArchive(entrypoint(req.Language), source)
	if err != nil {
		return sandbox.Failed(kind, started, err.Error())
	}
	if err := b.client.CopyArchive(setupCtx, id, "/", archive); err != nil {
		return sandbox.Failed(kind, started, fmt.Sprintf("copying program: %v", err))
	}
	if err := b.client.Start(setupCtx, id); err != nil {
		return sandbox.Failed(kind, started, fmt.Sprintf("starting container: %v", err))
	}

	stdout := sandbox.NewOutputBuffer(b.cfg.OutputLimit)
	stderr := sandbox.NewOutputBuffer(b.cfg.OutputLimit)
	out := b.run(ctx, id, cfg.Timeout(), ExecOptions{
		Cmd:        cmd,
		Env:        env,
		WorkingDir: Workdir,
		Stdout:     stdout,
		Stderr:     stderr,
	})

	switch {
	case out.timedOut:
		log.Warn("container: execution timed out", "timeout", cfg.Timeout())
		return sandbox.TimedOut(kind, started, stdout.String(), stderr.String())
	case out.cancelled:
		return sandbox.Failed(kind, started, fmt.Sprintf("execution cancelled: %v", context.Cause(ctx)))
	case out.err != nil:
		res := sandbox.Failed(kind, started, fmt.Sprintf("running program: %v", out.err))
		res.Output, res.Stderr = stdout.String(), stderr.String()
		return res
	}

	metrics := sandbox.Metrics{
		ExecutionTimeMS: sandbox.ElapsedMS(started),
		MemoryUsed:      sandbox.FormatMemory(b.peakMemory(ctx, id)),
	}
	res := sandbox.Result{
		Success:  out.code == 0,
		Output:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: out.code,
		Backend:  kind,
		Metrics:  metrics,
	}
	if out.code != 0 {
		res.Error = fmt.Sprintf("process exited with code %d", out.code)
		if tail := lastLines(res.Stderr, 5); tail != "" {
			res.Error += ": " + tail
		}
	}
	return res
}

// outcome is how an exec settled.
type outcome struct {
	code      int
	err       error
	timedOut  bool
	cancelled bool
}

// settler delivers the first outcome and drops the rest.
type settler struct {
	once sync.Once
	ch   chan outcome
}

func newSettler() *settler { return &settler{ch: make(chan outcome, 1)} }

func (s *settler) settle(o outcome) {
	s.once.Do(func() { s.ch <- o })
}

// run executes the program under a watchdog. When the watchdog fires or
// ctx ends first, the attached exec stream is torn down and the exec's own
// result is discarded.
func (b *Backend) run(ctx context.Context, id string, timeout time.Duration, opts ExecOptions) outcome {
	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()

	s := newSettler()
	watchdog := time.AfterFunc(timeout, func() {
		s.settle(outcome{timedOut: true})
		cancelExec()
	})
	defer watchdog.Stop()
	stop := context.AfterFunc(ctx, func() {
		s.settle(outcome{cancelled: true})
		cancelExec()
	})
	defer stop()

	go func() {
		code, err := b.client.Exec(execCtx, id, opts)
		s.settle(outcome{code: code, err: err})
	}()
	return <-s.ch
}

// release force-stops and removes id. It runs even when ctx is done. A
// failed removal leaves id tracked as an orphan for the cleanup supervisor.
func (b *Backend) release(ctx context.Context, id string, log *slog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.CleanupTimeout)
	defer cancel()

	if err := b.client.Stop(cctx, id, 0); err != nil {
		log.Debug("container: stop failed", "error", err)
	}
	if err := b.client.Remove(cctx, id); err != nil {
		b.tracker.MarkOrphan(id)
		log.Warn("container: removal failed, marked orphan", "error", err)
		return
	}
	b.tracker.Remove(id)
}

func (b *Backend) ensureImage(ctx context.Context, image string) error {
	if _, ok := b.present.Load(image); ok {
		return nil
	}
	_, err, _ := b.pulls.Do(image, func() (any, error) {
		ok, err := b.client.ImageExists(ctx, image)
		if err != nil {
			return nil, err
		}
		if !ok {
			b.cfg.Logger.Info("container: pulling image", "image", image)
			if err := b.client.Pull(ctx, image); err != nil {
				return nil, err
			}
		}
		b.present.Store(image, struct{}{})
		return nil, nil
	})
	return err
}

func (b *Backend) create(ctx context.Context, image string, lang language.Language, cfg sandbox.Config) (string, error) {
	opts := CreateOptions{
		Image: image,
		Labels: map[string]string{
			LabelSandbox:  "true",
			LabelLanguage: string(lang),
			LabelCreated:  b.cfg.Now().UTC().Format(time.RFC3339),
		},
		Memory:          cfg.MemoryBytes(),
		NanoCPUs:        int64(math.Round(cfg.Limits.CPUCores * 1e9)),
		NetworkDisabled: !cfg.Network.NeedsNetwork(),
		PidsLimit:       b.cfg.PidsLimit,
		WorkingDir:      Workdir,
		Cmd:             []string{"sleep", "3600"},
	}
	if !b.noDiskQuota.Load() {
		opts.DiskQuota = cfg.DiskBytes()
	}

	id, err := b.client.Create(ctx, opts)
	if errors.Is(err, ErrDiskQuotaUnsupported) {
		if b.noDiskQuota.CompareAndSwap(false, true) {
			b.cfg.Logger.Warn("container: storage driver rejects disk quotas, continuing without", "error", err)
		}
		opts.DiskQuota = 0
		id, err = b.client.Create(ctx, opts)
	}
	return id, err
}

// peakMemory reads the container's cgroup peak usage. Unknown is 0.
func (b *Backend) peakMemory(ctx context.Context, id string) uint64 {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	code, err := b.client.Exec(ctx, id, ExecOptions{
		Cmd: []string{"sh", "-c",
			"cat /sys/fs/cgroup/memory.peak 2>/dev/null || cat /sys/fs/cgroup/memory/memory.max_usage_in_bytes"},
		Stdout: &out,
	})
	if err != nil || code != 0 {
		return 0
	}
	n, err := strconv.ParseUint(strings.TrimSpace(out.String()), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// program returns the source to extract and the command that runs it.
func program(code string, lang language.Language, cfg sandbox.Config) (string, []string, error) {
	switch {
	case lang == language.Python:
		return code, []string{"python3", "-I", "-B", entrypoint(lang)}, nil
	case lang.IsJSFamily():
		js, err := sandbox.ToJavaScript(code, lang)
		if err != nil {
			return "", nil, err
		}
		cmd := []string{"node", "--disallow-code-generation-from-strings"}
		if mb := cfg.MemoryBytes() / sandbox.MiB; mb > 0 {
			cmd = append(cmd, "--max-old-space-size="+strconv.FormatInt(mb, 10))
		}
		return js, append(cmd, entrypoint(lang)), nil
	default:
		return "", nil, fmt.Errorf("unsupported language for container backend: %s", lang)
	}
}

func entrypoint(lang language.Language) string {
	if lang == language.TypeScript {
		return language.JavaScript.Entrypoint()
	}
	return lang.Entrypoint()
}

// workspaceArchive builds a tar holding workspace/<name>.
func workspaceArchive(name, source string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	dir := strings.TrimPrefix(Workdir, "/")
	if err := tw.WriteHeader(&tar.Header{
		Name:     dir + "/",
		Typeflag: tar.TypeDir,
		Mode:     0o777,
	}); err != nil {
		return nil, fmt.Errorf("writing archive: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:     dir + "/" + name,
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(source)),
	}); err != nil {
		return nil, fmt.Errorf("writing archive: %w", err)
	}
	if _, err := tw.Write([]byte(source)); err != nil {
		return nil, fmt.Errorf("writing archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("writing archive: %w", err)
	}
	return &buf, nil
}

// lookup forwards host variables except PATH, which must match the image.
func (b *Backend) lookup(name string) (string, bool) {
	if name == "PATH" {
		return containerPath, true
	}
	return b.cfg.Lookup(name)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
