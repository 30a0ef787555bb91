// Package engine is the orchestrator. Each request runs five strictly
// sequential phases: match tools, synthesize a wrapper program, assess it,
// pick a sandbox, then execute and summarize. Every failure is returned as
// a Result; nothing is raised across the API.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flemzord/mcpexec/internal/analysis"
	"github.com/flemzord/mcpexec/internal/approval"
	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/matcher"
	"github.com/flemzord/mcpexec/internal/metrics"
	"github.com/flemzord/mcpexec/internal/sandbox"
	"github.com/flemzord/mcpexec/internal/security"
	"github.com/flemzord/mcpexec/internal/summary"
	"github.com/flemzord/mcpexec/internal/synth"
	"github.com/flemzord/mcpexec/internal/toolindex"
)

const tracerName = "github.com/flemzord/mcpexec/internal/engine"

// Config holds the engine defaults. Zero fields take defaults.
type Config struct {
	Language     language.Language `yaml:"language"`
	MaxTools     int               `yaml:"max_tools"`
	Tier         sandbox.Tier      `yaml:"security_tier"`
	// Preference breaks routing ties. When empty the configured
	// sandbox backend is preferred.
	Preference   sandbox.Kind      `yaml:"backend_preference"`
	ApprovalWait time.Duration     `yaml:"approval_wait"`
	Sandbox      sandbox.Config    `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = language.TypeScript
	}
	if c.MaxTools <= 0 {
		c.MaxTools = matcher.DefaultLimit
	}
	if c.Tier == "" {
		c.Tier = sandbox.TierMedium
	}
	c.Sandbox = c.Sandbox.WithDefaults()
	if c.Preference == "" {
		c.Preference = c.Sandbox.Backend
	}
	return c
}

// Recorder persists a summary of every execution.
type Recorder interface {
	RecordExecution(ctx context.Context, rec Record) error
}

// Record is one row of execution history.
type Record struct {
	ID         string    `json:"id"`
	Intent     string    `json:"intent"`
	Language   string    `json:"language"`
	Backend    string    `json:"backend,omitempty"`
	Success    bool      `json:"success"`
	Kind       string    `json:"kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	RiskLevel  string    `json:"risk_level,omitempty"`
	RiskScore  int       `json:"risk_score"`
	Tools      []string  `json:"tools,omitempty"`
	ApprovalID string    `json:"approval_id,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Deps are the engine's collaborators. Matcher, Synth, Validator,
// Assessor and Runtime are required.
type Deps struct {
	Matcher   *matcher.Matcher
	Synth     *synth.Synthesizer
	Validator *analysis.Validator
	Assessor  *analysis.Assessor
	Runtime   *sandbox.Runtime

	// Gate queues requests that need approval. Without it they fail.
	Gate *approval.Gate
	// Tools bridges call(name, args) to real MCP servers in the VM backend.
	Tools   sandbox.ToolCaller
	Audit   *security.AuditLogger
	Limiter *security.RateLimiter
	Metrics *metrics.Metrics
	History Recorder
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Engine runs intents end to end. It is safe for concurrent use.
type Engine struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// New creates an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Matcher == nil:
		return nil, fmt.Errorf("%w: matcher", ErrMissingDependency)
	case deps.Synth == nil:
		return nil, fmt.Errorf("%w: synthesizer", ErrMissingDependency)
	case deps.Validator == nil:
		return nil, fmt.Errorf("%w: validator", ErrMissingDependency)
	case deps.Assessor == nil:
		return nil, fmt.Errorf("%w: assessor", ErrMissingDependency)
	case deps.Runtime == nil:
		return nil, fmt.Errorf("%w: sandbox runtime", ErrMissingDependency)
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{cfg: cfg.withDefaults(), deps: deps, log: deps.Logger}, nil
}

// Options tune a single execution. Zero fields use the engine config.
type Options struct {
	TimeoutMS    int             `json:"timeout_ms,omitempty"`
	Sandbox      *sandbox.Config `json:"sandbox,omitempty"`
	MaxTools     int             `json:"max_tools,omitempty"`
	ApprovalWait time.Duration   `json:"approval_wait,omitempty"`
	// ApprovalID resubmits a request an operator already approved.
	ApprovalID string       `json:"approval_id,omitempty"`
	Tier       sandbox.Tier `json:"security_tier,omitempty"`
}

// Metrics are always present on a Result, zeros included.
type Metrics struct {
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	MemoryUsed      string `json:"memory_used"`
	TokensInSummary int    `json:"tokens_in_summary"`
}

// ApprovalRef points at the approval request holding an execution.
type ApprovalRef struct {
	ID     string          `json:"id"`
	Status approval.Status `json:"status"`
}

// Result is the outcome of one execution.
type Result struct {
	RequestID    string                     `json:"request_id"`
	Success      bool                       `json:"success"`
	Output       string                     `json:"output,omitempty"`
	Stderr       string                     `json:"stderr,omitempty"`
	Result       json.RawMessage            `json:"result,omitempty"`
	Summary      string                     `json:"summary"`
	Error        string                     `json:"error,omitempty"`
	Kind         Kind                       `json:"kind,omitempty"`
	ExitCode     int                        `json:"exit_code"`
	Metrics      Metrics                    `json:"metrics"`
	PIITokenized bool                       `json:"pii_tokenized"`
	Language     language.Language          `json:"language,omitempty"`
	Backend      sandbox.Kind               `json:"backend,omitempty"`
	Tools        []string                   `json:"tools,omitempty"`
	Code         string                     `json:"code,omitempty"`
	Assessment   *analysis.RiskAssessment   `json:"assessment,omitempty"`
	Validation   *analysis.ValidationResult `json:"validation,omitempty"`
	Approval     *ApprovalRef               `json:"approval,omitempty"`
}

// ExitStatus is the process exit code for a CLI reporting r.
func (r Result) ExitStatus() int {
	if r.Success {
		return 0
	}
	if r.Kind == "" {
		return 1
	}
	return r.Kind.ExitStatus()
}

// run carries one request through the phases.
type run struct {
	id      string
	intent  string
	started time.Time
	res     Result
	span    trace.Span
	tok     *security.Tokenizer
}

// Search returns the tools matching query, for callers that only browse.
func (e *Engine) Search(query string, limit int) ([]matcher.Result, error) {
	if limit <= 0 {
		limit = e.cfg.MaxTools
	}
	return e.deps.Matcher.Search(query, limit)
}

// Gate returns the approval gate, or nil.
func (e *Engine) Gate() *approval.Gate { return e.deps.Gate }

// Capabilities reports the sandbox backends and their availability.
func (e *Engine) Capabilities() []sandbox.Capability { return e.deps.Runtime.Capabilities() }

// Execute runs intent in lang. An empty lang uses the configured default.
func (e *Engine) Execute(ctx context.Context, intent string, lang language.Language, opts Options) Result {
	r := &run{
		id:      newID(),
		intent:  intent,
		started: time.Now(),
		tok:     security.NewTokenizer(),
	}
	if lang == "" {
		lang = e.cfg.Language
	}
	r.res = Result{RequestID: r.id, Language: lang}

	ctx, r.span = e.deps.Tracer.Start(ctx, "engine.execute", trace.WithAttributes(
		attribute.String("request.id", r.id),
		attribute.String("language", string(lang)),
	))
	defer r.span.End()

	if err := e.deps.Limiter.Allow(security.KindExecute); err != nil {
		e.deps.Audit.Log(security.AuditEvent{
			Type:      security.EventRateLimit,
			Severity:  security.SeverityWarning,
			RequestID: r.id,
			Message:   "execution rate limit exceeded",
		})
		return e.fail(ctx, r, KindSandbox, MsgRateLimited)
	}
	if !lang.Valid() {
		return e.fail(ctx, r, KindSynthesis, fmt.Sprintf("%v: %q", ErrUnsupportedLanguage, lang))
	}

	sbCfg, explicit := e.sandboxConfig(opts)
	if v := sandbox.ValidateConfig(sbCfg); !v.Valid {
		return e.fail(ctx, r, KindConfig, strings.Join(v.Errors, "; "))
	}

	// Phase 1: discovery.
	tools, ok := e.discover(ctx, r, opts)
	if !ok {
		return e.fail(ctx, r, KindDiscovery, MsgNoTools)
	}

	// Phase 2: synthesis.
	program, err := e.synthesize(ctx, r, tools, lang)
	if err != nil {
		return e.fail(ctx, r, KindSynthesis, err.Error())
	}

	// Phase 3: security.
	assessment, cleared := e.secure(ctx, r, program, sbCfg, opts)
	if !cleared {
		return r.res
	}

	// Phase 4: backend selection.
	tier := opts.Tier
	if tier == "" {
		tier = e.cfg.Tier
	}
	if assessment.Level == analysis.LevelHigh || assessment.Level == analysis.LevelCritical {
		tier = sandbox.TierHigh
	}
	kind, err := e.route(lang, tier, sbCfg.Backend, explicit)
	if err != nil {
		return e.fail(ctx, r, KindSandbox, err.Error())
	}
	sbCfg.Backend = kind
	r.res.Backend = kind
	r.span.SetAttributes(attribute.String("sandbox.backend", string(kind)), attribute.String("sandbox.tier", string(tier)))

	// Phase 5: execution and summary.
	return e.execute(ctx, r, program, sbCfg)
}

// sandboxConfig merges per-request overrides onto the engine default and
// reports whether the caller named a backend.
func (e *Engine) sandboxConfig(opts Options) (sandbox.Config, bool) {
	cfg := e.cfg.Sandbox
	explicit := false
	if opts.Sandbox != nil {
		cfg = opts.Sandbox.WithDefaults()
		explicit = opts.Sandbox.Backend != ""
	}
	if opts.TimeoutMS > 0 {
		cfg.Limits.TimeoutMS = opts.TimeoutMS
	}
	return cfg, explicit
}

func (e *Engine) discover(ctx context.Context, r *run, opts Options) ([]toolindex.Entry, bool) {
	_, span := e.deps.Tracer.Start(ctx, "engine.discover")
	defer span.End()

	limit := opts.MaxTools
	if limit <= 0 {
		limit = e.cfg.MaxTools
	}
	results, err := e.deps.Matcher.Search(r.intent, limit)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		results = nil
	}
	e.deps.Metrics.ObserveMatches(len(results))

	names := make([]string, len(results))
	scores := make([]string, len(results))
	entries := make([]toolindex.Entry, len(results))
	for i, res := range results {
		names[i] = res.Entry.Name
		scores[i] = strconv.FormatFloat(res.Score, 'f', 2, 64)
		entries[i] = res.Entry
	}
	span.SetAttributes(attribute.StringSlice("tools", names))

	e.deps.Audit.Log(security.AuditEvent{
		Type:      security.EventDiscovery,
		RequestID: r.id,
		Message:   fmt.Sprintf("matched %d tools", len(results)),
		Metadata: map[string]string{
			"tools":  strings.Join(names, ","),
			"scores": strings.Join(scores, ","),
		},
	})
	r.res.Tools = names
	return entries, len(entries) > 0
}

func (e *Engine) synthesize(ctx context.Context, r *run, tools []toolindex.Entry, lang language.Language) (synth.Program, error) {
	_, span := e.deps.Tracer.Start(ctx, "engine.synthesize")
	defer span.End()

	program, err := e.deps.Synth.Synthesize(tools, lang, r.intent)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return synth.Program{}, err
	}
	r.res.Code = program.Source
	return program, nil
}

// secure validates and assesses the program. It returns false when r.res
// already holds the failure to report.
func (e *Engine) secure(ctx context.Context, r *run, program synth.Program, sbCfg sandbox.Config, opts Options) (analysis.RiskAssessment, bool) {
	ctx, span := e.deps.Tracer.Start(ctx, "engine.assess")
	defer span.End()

	validation := e.deps.Validator.Validate(ctx, program.Source)
	assessment := e.deps.Assessor.Assess(program.Source, validation, sbCfg.Network.Hosts())
	r.res.Validation = &validation
	r.res.Assessment = &assessment
	span.SetAttributes(
		attribute.String("risk.level", string(assessment.Level)),
		attribute.Int("risk.score", assessment.Score),
		attribute.Int("validation.issues", len(validation.Issues)),
	)

	severity := security.SeverityInfo
	switch assessment.Level {
	case analysis.LevelHigh:
		severity = security.SeverityWarning
	case analysis.LevelCritical:
		severity = security.SeverityCritical
	}
	if validation.Critical() {
		severity = security.SeverityCritical
	}
	e.deps.Audit.Log(security.AuditEvent{
		Type:      security.EventSecurity,
		Severity:  severity,
		RequestID: r.id,
		Message:   fmt.Sprintf("risk %s (%d), %d issues", assessment.Level, assessment.Score, len(validation.Issues)),
		Metadata: map[string]string{
			"risk_level":        string(assessment.Level),
			"risk_score":        strconv.Itoa(assessment.Score),
			"validation_score":  strconv.Itoa(validation.RiskScore),
			"requires_approval": strconv.FormatBool(approval.RequiresApproval(assessment, validation)),
		},
	})

	if !approval.RequiresApproval(assessment, validation) {
		return assessment, true
	}
	e.deps.Metrics.ObserveSecurityBlock(string(assessment.Level))

	gate := e.deps.Gate
	if gate == nil {
		e.failInto(ctx, r, KindSecurity, MsgSecurityFailed)
		return assessment, false
	}
	if opts.ApprovalID != "" && gate.Approved(ctx, opts.ApprovalID, program.Source) {
		r.res.Approval = &ApprovalRef{ID: opts.ApprovalID, Status: approval.StatusApproved}
		return assessment, true
	}

	req, err := gate.Request(ctx, approval.Submission{
		Intent:     r.intent,
		Language:   string(program.Language),
		Code:       program.Source,
		Assessment: assessment,
		Validation: validation,
	})
	if err != nil {
		e.failInto(ctx, r, KindApproval, fmt.Sprintf("queuing approval: %v", err))
		return assessment, false
	}
	e.deps.Metrics.ObserveApproval(string(approval.StatusPending))
	r.res.Approval = &ApprovalRef{ID: req.ID, Status: req.Status}

	wait := opts.ApprovalWait
	if wait <= 0 {
		wait = e.cfg.ApprovalWait
	}
	if wait <= 0 {
		e.failInto(ctx, r, KindSecurity, MsgSecurityFailed)
		return assessment, false
	}

	_, waitSpan := e.deps.Tracer.Start(ctx, "engine.approval_wait")
	wctx, cancel := context.WithTimeout(ctx, wait)
	decided, err := gate.Wait(wctx, req.ID)
	cancel()
	waitSpan.End()

	switch {
	case err == nil && decided.Status == approval.StatusApproved:
		r.res.Approval.Status = approval.StatusApproved
		return assessment, true
	case err == nil && decided.Status == approval.StatusRejected:
		r.res.Approval.Status = approval.StatusRejected
		msg := MsgApprovalRejected
		if decided.Reason != "" {
			msg += ": " + decided.Reason
		}
		e.failInto(ctx, r, KindApproval, msg)
	default:
		e.failInto(ctx, r, KindApproval, fmt.Sprintf("%s: %s", MsgApprovalPending, req.ID))
	}
	return assessment, false
}

// route picks the backend. An explicit backend is binding except that the
// high tier always runs in a container.
func (e *Engine) route(lang language.Language, tier sandbox.Tier, requested sandbox.Kind, explicit bool) (sandbox.Kind, error) {
	if explicit {
		if tier == sandbox.TierHigh && requested != sandbox.KindContainer {
			e.log.Info("engine: high security tier overrides requested backend",
				"requested", requested, "backend", sandbox.KindContainer)
			return sandbox.KindContainer, nil
		}
		return requested, nil
	}
	c, err := sandbox.Select(lang, tier, e.cfg.Preference, e.deps.Runtime.Available)
	if err != nil {
		return "", err
	}
	return c.Kind, nil
}

func (e *Engine) execute(ctx context.Context, r *run, program synth.Program, sbCfg sandbox.Config) Result {
	release, err := e.deps.Limiter.Acquire(ctx)
	if err != nil {
		return e.fail(ctx, r, KindSandbox, fmt.Sprintf("waiting for a sandbox slot: %v", err))
	}
	defer release()

	ctx, span := e.deps.Tracer.Start(ctx, "engine.sandbox", trace.WithAttributes(
		attribute.String("sandbox.backend", string(sbCfg.Backend)),
	))
	sres := e.deps.Runtime.Execute(ctx, sandbox.Request{
		ID:       r.id,
		Code:     program.Source,
		Language: program.Language,
		Config:   sbCfg,
		Tools:    e.deps.Tools,
	})
	if !sres.Success {
		span.SetStatus(codes.Error, sres.Error)
	}
	span.End()

	outcome := metrics.OutcomeSuccess
	switch {
	case sres.Timeout:
		outcome = metrics.OutcomeTimeout
	case !sres.Success:
		outcome = metrics.OutcomeFailure
	}
	e.deps.Metrics.ObserveExecution(string(program.Language), string(sres.Backend), outcome,
		time.Duration(sres.Metrics.ExecutionTimeMS)*time.Millisecond)

	output, tokOut := r.tok.Tokenize(sres.Output)
	stderr, tokErr := r.tok.Tokenize(sres.Stderr)
	r.res.Output = output
	r.res.Stderr = stderr
	r.res.PIITokenized = tokOut || tokErr
	r.res.ExitCode = sres.ExitCode
	r.res.Backend = sres.Backend
	if payload, _, ok := sandbox.ExtractResult(output); ok {
		r.res.Result = payload
	}
	r.res.Metrics.MemoryUsed = sres.Metrics.MemoryUsed

	e.deps.Audit.Log(security.AuditEvent{
		Type:      security.EventExecution,
		RequestID: r.id,
		Message:   fmt.Sprintf("executed on %s", sres.Backend),
		Metadata: map[string]string{
			"backend":           string(sres.Backend),
			"success":           strconv.FormatBool(sres.Success),
			"exit_code":         strconv.Itoa(sres.ExitCode),
			"execution_time_ms": strconv.FormatInt(sres.Metrics.ExecutionTimeMS, 10),
			"memory_used":       sres.Metrics.MemoryUsed,
		},
	})

	if !sres.Success {
		kind := KindSandbox
		if sres.Timeout {
			kind = KindTimeout
		}
		msg, _ := r.tok.Tokenize(sres.Error)
		return e.fail(ctx, r, kind, msg)
	}

	_, sumSpan := e.deps.Tracer.Start(ctx, "engine.summarize")
	sum := summary.Summarize(output)
	sumSpan.SetAttributes(attribute.Bool("summary.truncated", sum.Truncated))
	sumSpan.End()

	r.res.Success = true
	r.res.Summary = sum.Text
	r.res.Metrics.TokensInSummary = sum.Tokens
	e.finish(ctx, r)
	return r.res
}

// fail records a failure of kind and returns the result.
func (e *Engine) fail(ctx context.Context, r *run, kind Kind, msg string) Result {
	e.failInto(ctx, r, kind, msg)
	return r.res
}

func (e *Engine) failInto(ctx context.Context, r *run, kind Kind, msg string) {
	r.res.Success = false
	r.res.Kind = kind
	r.res.Error = msg
	if r.res.ExitCode == 0 {
		r.res.ExitCode = -1
	}

	text := fmt.Sprintf("Execution failed (%s): %s", kind, msg)
	if r.res.Approval != nil && r.res.Approval.Status == approval.StatusPending {
		text += fmt.Sprintf("\nApproval request %s is pending review.", r.res.Approval.ID)
	}
	if r.res.Stderr != "" {
		text += "\n\n" + r.res.Stderr
	}
	sum := summary.Summarize(text)
	r.res.Summary = sum.Text
	r.res.Metrics.TokensInSummary = sum.Tokens

	r.span.SetStatus(codes.Error, msg)
	r.span.SetAttributes(attribute.String("error.kind", string(kind)))
	e.deps.Metrics.ObserveFailure(string(kind))

	severity := security.SeverityError
	if kind == KindSecurity || kind == KindApproval {
		severity = security.SeverityWarning
	}
	meta := map[string]string{"kind": string(kind)}
	if r.res.Approval != nil {
		meta["approval_id"] = r.res.Approval.ID
	}
	e.deps.Audit.Log(security.AuditEvent{
		Type:      security.EventError,
		Severity:  severity,
		RequestID: r.id,
		Message:   msg,
		Metadata:  meta,
	})
	e.log.Debug("engine: execution failed", "request_id", r.id, "kind", kind, "error", msg)
	e.finish(ctx, r)
}

// finish fills the remaining metrics and records history.
func (e *Engine) finish(ctx context.Context, r *run) {
	elapsed := time.Since(r.started)
	r.res.Metrics.ExecutionTimeMS = elapsed.Milliseconds()
	if r.res.Metrics.MemoryUsed == "" {
		r.res.Metrics.MemoryUsed = sandbox.FormatMemory(0)
	}
	r.span.SetAttributes(attribute.Bool("success", r.res.Success))

	if e.deps.History == nil {
		return
	}
	rec := Record{
		ID:         r.id,
		Intent:     r.intent,
		Language:   string(r.res.Language),
		Backend:    string(r.res.Backend),
		Success:    r.res.Success,
		Kind:       string(r.res.Kind),
		Error:      r.res.Error,
		Tools:      r.res.Tools,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  r.started.UTC(),
	}
	if a := r.res.Assessment; a != nil {
		rec.RiskLevel = string(a.Level)
		rec.RiskScore = a.Score
	}
	if r.res.Approval != nil {
		rec.ApprovalID = r.res.Approval.ID
	}
	if err := e.deps.History.RecordExecution(context.WithoutCancel(ctx), rec); err != nil {
		e.log.Warn("engine: recording history failed", "request_id", r.id, "error", err)
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
