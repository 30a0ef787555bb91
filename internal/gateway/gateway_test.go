package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/flemzord/mcpexec/internal/approval"
	"github.com/flemzord/mcpexec/internal/cleanup"
	"github.com/flemzord/mcpexec/internal/cron"
	"github.com/flemzord/mcpexec/internal/cron/crontest"
	"github.com/flemzord/mcpexec/internal/engine"
	"github.com/flemzord/mcpexec/internal/history"
	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/matcher"
	"github.com/flemzord/mcpexec/internal/metrics"
	"github.com/flemzord/mcpexec/internal/sandbox"
	"github.com/flemzord/mcpexec/internal/security"
	"github.com/flemzord/mcpexec/internal/toolindex"
)

const token = "test-token"

type fakeEngine struct {
	mu     sync.Mutex
	calls  []string
	opts   []engine.Options
	result engine.Result
	caps   []sandbox.Capability
	gate   *approval.Gate
}

func (f *fakeEngine) Execute(_ context.Context, intent string, _ language.Language, opts engine.Options) engine.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, intent)
	f.opts = append(f.opts, opts)
	return f.result
}

func (f *fakeEngine) Search(query string, _ int) ([]matcher.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, matcher.ErrEmptyQuery
	}
	return []matcher.Result{{
		Entry: toolindex.Entry{ToolSchema: toolindex.ToolSchema{Name: "fs_read", Description: "Read a file"}, Category: "filesystem"},
		Score: 0.8,
	}}, nil
}

func (f *fakeEngine) Gate() *approval.Gate { return f.gate }

func (f *fakeEngine) Capabilities() []sandbox.Capability { return f.caps }

type fakeSweeper struct{ runs int }

func (f *fakeSweeper) RunOnce(context.Context) (cleanup.Report, error) {
	f.runs++
	return cleanup.Report{Scanned: 3, Removed: 2, Failed: 1}, errors.New("remove abc: boom")
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newGateway(t *testing.T, eng *fakeEngine, mutate func(*Deps)) *Gateway {
	t.Helper()
	if eng.gate == nil {
		eng.gate = approval.NewGate(approval.GateConfig{Logger: discard()})
	}
	if eng.caps == nil {
		eng.caps = []sandbox.Capability{{Kind: sandbox.KindVM, Available: true}}
	}
	deps := Deps{Engine: eng, Version: "1.2.3", Logger: discard()}
	if mutate != nil {
		mutate(&deps)
	}
	g, err := New(Config{Auth: AuthConfig{BearerToken: token}}, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestNew_RequiresEngine(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("expected error without engine")
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		caps       []sandbox.Capability
		wantStatus int
		want       string
	}{
		{"available", []sandbox.Capability{{Kind: sandbox.KindProcess, Available: true}}, http.StatusOK, "ok"},
		{"nothing available", []sandbox.Capability{{Kind: sandbox.KindContainer}}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := newGateway(t, &fakeEngine{caps: tt.caps}, func(d *Deps) {
				d.ActiveContainers = func() int { return 4 }
			})

			// No credentials: /health is public.
			rr := httptest.NewRecorder()
			g.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			resp := decode[HealthResponse](t, rr)
			if resp.Status != tt.want || resp.ActiveContainers != 4 || len(resp.Backends) != 1 {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}

func TestRoutes_RequireAuth(t *testing.T) {
	t.Parallel()

	g := newGateway(t, &fakeEngine{}, nil)
	rr := httptest.NewRecorder()
	g.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}

	// Without auth configured the API is not mounted at all.
	open, err := New(Config{}, Deps{Engine: &fakeEngine{}, Logger: discard()})
	if err != nil {
		t.Fatal(err)
	}
	rr = httptest.NewRecorder()
	open.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	g := newGateway(t, eng, func(d *Deps) { d.ToolCount = func() int { return 7 } })
	if _, err := eng.gate.Request(context.Background(), approval.Submission{Code: "eval(1)"}); err != nil {
		t.Fatal(err)
	}

	rr := do(t, g.Handler(), http.MethodGet, "/api/status", "")
	resp := decode[StatusResponse](t, rr)
	if resp.Version != "1.2.3" || resp.Tools != 7 || resp.PendingApprovals != 1 {
		t.Errorf("status = %+v", resp)
	}
}

func TestExecute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		result engine.Result
		want   int
	}{
		{"success", `{"intent":"read file config.json","language":"typescript","timeout_ms":2000}`,
			engine.Result{Success: true, Summary: "done"}, http.StatusOK},
		{"pending approval", `{"intent":"eval"}`,
			engine.Result{Kind: engine.KindApproval, Approval: &engine.ApprovalRef{ID: "a1", Status: approval.StatusPending}}, http.StatusAccepted},
		{"rejected approval", `{"intent":"eval"}`,
			engine.Result{Kind: engine.KindApproval, Approval: &engine.ApprovalRef{ID: "a1", Status: approval.StatusRejected}}, http.StatusForbidden},
		{"security", `{"intent":"x"}`, engine.Result{Kind: engine.KindSecurity}, http.StatusForbidden},
		{"no tools", `{"intent":"x"}`, engine.Result{Kind: engine.KindDiscovery}, http.StatusUnprocessableEntity},
		{"timeout", `{"intent":"x"}`, engine.Result{Kind: engine.KindTimeout}, http.StatusGatewayTimeout},
		{"rate limited", `{"intent":"x"}`, engine.Result{Kind: engine.KindSandbox, Error: engine.MsgRateLimited}, http.StatusTooManyRequests},
		{"program failed", `{"intent":"x"}`, engine.Result{Kind: engine.KindSandbox, Error: "exit 1"}, http.StatusOK},
		{"missing intent", `{"language":"py"}`, engine.Result{}, http.StatusBadRequest},
		{"bad language", `{"intent":"x","language":"cobol"}`, engine.Result{}, http.StatusBadRequest},
		{"bad tier", `{"intent":"x","security_tier":"max"}`, engine.Result{}, http.StatusBadRequest},
		{"bad json", `{"intent":`, engine.Result{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			eng := &fakeEngine{result: tt.result}
			g := newGateway(t, eng, nil)
			rr := do(t, g.Handler(), http.MethodPost, "/api/execute", tt.body)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.want, rr.Body)
			}
		})
	}
}

func TestExecute_PassesOptions(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{result: engine.Result{Success: true}}
	g := newGateway(t, eng, nil)
	body := `{"intent":"list users","timeout_ms":5000,"max_tools":2,"security_tier":"high","approval_id":"abc","approval_wait_ms":1500}`
	if rr := do(t, g.Handler(), http.MethodPost, "/api/execute", body); rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	got := eng.opts[0]
	if got.TimeoutMS != 5000 || got.MaxTools != 2 || got.Tier != sandbox.TierHigh ||
		got.ApprovalID != "abc" || got.ApprovalWait != 1500*time.Millisecond {
		t.Errorf("options = %+v", got)
	}
	if eng.calls[0] != "list users" {
		t.Errorf("intent = %q", eng.calls[0])
	}
}

func TestExecute_BodyLimit(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	g, err := New(Config{Auth: AuthConfig{BearerToken: token}, MaxBodyBytes: 64}, Deps{Engine: eng, Logger: discard()})
	if err != nil {
		t.Fatal(err)
	}
	body := `{"intent":"` + strings.Repeat("a", 100) + `"}`
	if rr := do(t, g.Handler(), http.MethodPost, "/api/execute", body); rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rr.Code)
	}

	deep := strings.Repeat("[", 40) + strings.Repeat("]", 40)
	g2 := newGateway(t, &fakeEngine{}, nil)
	if rr := do(t, g2.Handler(), http.MethodPost, "/api/execute", deep); rr.Code != http.StatusBadRequest {
		t.Errorf("deep json status = %d, want 400", rr.Code)
	}
}

func TestSearchTools(t *testing.T) {
	t.Parallel()

	g := newGateway(t, &fakeEngine{}, nil)
	rr := do(t, g.Handler(), http.MethodGet, "/api/tools?q=read+file&limit=3", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	hits := decode[[]toolJSON](t, rr)
	if len(hits) != 1 || hits[0].Name != "fs_read" || hits[0].Category != "filesystem" {
		t.Errorf("hits = %+v", hits)
	}

	if rr := do(t, g.Handler(), http.MethodGet, "/api/tools", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("empty query status = %d, want 400", rr.Code)
	}
	if rr := do(t, g.Handler(), http.MethodGet, "/api/tools?q=x&limit=-1", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", rr.Code)
	}
}

func TestApprovals(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	g := newGateway(t, eng, nil)
	h := g.Handler()
	ctx := context.Background()

	first, err := eng.gate.Request(ctx, approval.Submission{Intent: "one", Code: "eval(1)"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := eng.gate.Request(ctx, approval.Submission{Intent: "two", Code: "eval(2)"})
	if err != nil {
		t.Fatal(err)
	}

	rr := do(t, h, http.MethodPost, "/api/approvals/"+first.ID+"/approve", `{"actor":"alice","reason":"looks fine"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("approve status = %d (%s)", rr.Code, rr.Body)
	}
	if got := decode[approval.Request](t, rr); got.Status != approval.StatusApproved || got.DecidedBy != "alice" {
		t.Errorf("approved = %+v", got)
	}

	// A decided request cannot be decided again.
	rr = do(t, h, http.MethodPost, "/api/approvals/"+first.ID+"/reject", `{"actor":"bob","reason":"too late"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("second decision status = %d, want 409", rr.Code)
	}

	if rr := do(t, h, http.MethodPost, "/api/approvals/nope/approve", `{"actor":"a"}`); rr.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rr.Code)
	}

	rr = do(t, h, http.MethodGet, "/api/approvals?status=pending", "")
	pending := decode[[]approval.Request](t, rr)
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Errorf("pending = %+v", pending)
	}

	rr = do(t, h, http.MethodGet, "/api/approvals/"+first.ID, "")
	if got := decode[approval.Request](t, rr); got.Reason != "looks fine" {
		t.Errorf("get = %+v", got)
	}

	if rr := do(t, h, http.MethodPost, "/api/approvals/"+second.ID+"/reject", `{"actor":"bob"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("reject without reason status = %d, want 400", rr.Code)
	}

	// Without an explicit actor the authenticated principal decides.
	rr = do(t, h, http.MethodPost, "/api/approvals/"+second.ID+"/reject", `{"reason":"eval"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("reject status = %d (%s)", rr.Code, rr.Body)
	}
	if got := decode[approval.Request](t, rr); got.DecidedBy != tokenPrincipal {
		t.Errorf("DecidedBy = %q, want %q", got.DecidedBy, tokenPrincipal)
	}
}

func TestApprovals_Disabled(t *testing.T) {
	t.Parallel()

	g, err := New(Config{Auth: AuthConfig{BearerToken: token}}, Deps{Engine: &fakeEngine{}, Logger: discard()})
	if err != nil {
		t.Fatal(err)
	}
	if rr := do(t, g.Handler(), http.MethodGet, "/api/approvals", ""); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{}
	g := newGateway(t, &fakeEngine{}, func(d *Deps) { d.Cleanup = sweeper })

	rr := do(t, g.Handler(), http.MethodPost, "/api/cleanup", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	report := decode[cleanup.Report](t, rr)
	if sweeper.runs != 1 || report.Removed != 2 || report.Failed != 1 {
		t.Errorf("report = %+v, runs = %d", report, sweeper.runs)
	}

	g2 := newGateway(t, &fakeEngine{}, nil)
	if rr := do(t, g2.Handler(), http.MethodPost, "/api/cleanup", ""); rr.Code != http.StatusNotFound {
		t.Errorf("disabled status = %d, want 404", rr.Code)
	}
}

func TestJobs(t *testing.T) {
	t.Parallel()

	sched := cron.NewScheduler(discard())
	failing := &crontest.Job{JobName: "sandbox_cleanup", Expr: "@every 5m", Err: errors.New("daemon down")}
	for _, j := range []cron.Job{&crontest.Job{JobName: "approval_cleanup"}, failing} {
		if err := sched.RegisterJob(j); err != nil {
			t.Fatal(err)
		}
	}
	h := newGateway(t, &fakeEngine{}, func(d *Deps) { d.Jobs = sched }).Handler()

	rr := do(t, h, http.MethodPost, "/api/jobs/sandbox_cleanup/run", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("run status = %d (%s)", rr.Code, rr.Body)
	}
	if st := decode[cron.JobStatus](t, rr); st.Runs != 1 || st.LastError != "daemon down" {
		t.Errorf("status = %+v", st)
	}
	if failing.Runs() != 1 {
		t.Errorf("Runs() = %d, want 1", failing.Runs())
	}

	jobs := decode[[]cron.JobStatus](t, do(t, h, http.MethodGet, "/api/jobs", ""))
	if len(jobs) != 2 || jobs[0].Name != "approval_cleanup" || jobs[0].Runs != 0 {
		t.Errorf("jobs = %+v", jobs)
	}

	if rr := do(t, h, http.MethodPost, "/api/jobs/nope/run", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", rr.Code)
	}
	if rr := do(t, newGateway(t, &fakeEngine{}, nil).Handler(), http.MethodGet, "/api/jobs", ""); rr.Code != http.StatusNotFound {
		t.Errorf("disabled status = %d, want 404", rr.Code)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := history.Open(ctx, history.Config{Path: filepath.Join(t.TempDir(), "history.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now().UTC()
	for _, rec := range []engine.Record{
		{ID: "ok-1", Intent: "read", Success: true, CreatedAt: now.Add(-time.Minute)},
		{ID: "bad-1", Intent: "eval", Kind: string(engine.KindSecurity), Error: "Security validation failed", CreatedAt: now},
	} {
		if err := store.RecordExecution(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.RecordEvent(ctx, security.AuditEvent{Timestamp: now, Type: security.EventSecurity, Message: "blocked", RequestID: "bad-1"}); err != nil {
		t.Fatal(err)
	}

	g := newGateway(t, &fakeEngine{}, func(d *Deps) { d.History = store })
	h := g.Handler()

	recs := decode[[]engine.Record](t, do(t, h, http.MethodGet, "/api/history?failed=true", ""))
	if len(recs) != 1 || recs[0].ID != "bad-1" {
		t.Errorf("failed history = %+v", recs)
	}
	recs = decode[[]engine.Record](t, do(t, h, http.MethodGet, "/api/history?limit=10&since=1h", ""))
	if len(recs) != 2 {
		t.Errorf("history = %d records, want 2", len(recs))
	}

	rec := decode[engine.Record](t, do(t, h, http.MethodGet, "/api/history/ok-1", ""))
	if rec.Intent != "read" {
		t.Errorf("record = %+v", rec)
	}
	if rr := do(t, h, http.MethodGet, "/api/history/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", rr.Code)
	}

	events := decode[[]security.AuditEvent](t, do(t, h, http.MethodGet, "/api/history/events?type=security", ""))
	if len(events) != 1 || events[0].RequestID != "bad-1" {
		t.Errorf("events = %+v", events)
	}

	if rr := do(t, h, http.MethodGet, "/api/history?since=yesterday", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", rr.Code)
	}
}

func TestGetConfig(t *testing.T) {
	t.Parallel()

	g := newGateway(t, &fakeEngine{}, func(d *Deps) {
		d.Config = map[string]any{"gateway": map[string]string{"bearer_token": "[REDACTED]"}}
	})
	rr := do(t, g.Handler(), http.MethodGet, "/api/config", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "[REDACTED]") {
		t.Errorf("config = %d %s", rr.Code, rr.Body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.ObserveFailure("security")
	g := newGateway(t, &fakeEngine{}, func(d *Deps) { d.Metrics = m })

	rr := do(t, g.Handler(), http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "mcpexec_") {
		t.Errorf("metrics = %d %s", rr.Code, rr.Body)
	}
}

func TestAuditStream(t *testing.T) {
	t.Parallel()

	audit := security.NewAuditLogger(security.AuditLoggerConfig{})
	g := newGateway(t, &fakeEngine{}, func(d *Deps) { d.Audit = audit })
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/audit?type=security"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	// The subscription is registered after the upgrade; keep logging until
	// a frame arrives.
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				audit.Log(security.AuditEvent{Type: security.EventDiscovery, Message: "skipped"})
				audit.Log(security.AuditEvent{Type: security.EventSecurity, Message: "blocked eval", RequestID: "r1"})
			}
		}
	}()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("message type = %v", typ)
	}
	var event security.AuditEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Type != security.EventSecurity || event.Message != "blocked eval" {
		t.Errorf("event = %+v", event)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	g, err := New(Config{Bind: "127.0.0.1:0", Auth: AuthConfig{BearerToken: token}},
		Deps{Engine: &fakeEngine{caps: []sandbox.Capability{{Kind: sandbox.KindVM, Available: true}}}, Logger: discard()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := g.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	resp, err := http.Get("http://" + g.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), `"status":"ok"`) {
		t.Errorf("health = %d %s", resp.StatusCode, buf.String())
	}

	if err := g.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
