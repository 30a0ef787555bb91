// Package mcpserver exposes the engine as an MCP server, so agents can
// hand an intent to the engine instead of calling tools one by one.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flemzord/mcpexec/internal/approval"
	"github.com/flemzord/mcpexec/internal/engine"
	"github.com/flemzord/mcpexec/internal/language"
	"github.com/flemzord/mcpexec/internal/matcher"
	"github.com/flemzord/mcpexec/internal/security"
)

// Tool names.
const (
	ToolExecute        = "execute_intent"
	ToolSearch         = "search_tools"
	ToolListApprovals  = "list_approvals"
	ToolDecideApproval = "decide_approval"
)

// Executor is the engine surface the server needs.
type Executor interface {
	Execute(ctx context.Context, intent string, lang language.Language, opts engine.Options) engine.Result
	Search(query string, limit int) ([]matcher.Result, error)
	Gate() *approval.Gate
}

// Server wraps an MCP server bound to an Executor.
type Server struct {
	exec   Executor
	mcp    *server.MCPServer
	logger *slog.Logger
}

// New creates the server and registers its tools.
func New(exec Executor, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		exec:   exec,
		logger: logger,
		mcp: server.NewMCPServer(
			"mcpexec",
			version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
			server.WithInstructions(instructions),
		),
	}

	s.mcp.AddTool(mcp.NewTool(ToolExecute,
		mcp.WithDescription("Turn a natural-language intent into a program over the matching MCP tools, check it, and run it in a sandbox. Returns a summary, metrics and the approval id when the program is held for review."),
		mcp.WithString("intent", mcp.Required(), mcp.Description("What to do, in plain language")),
		mcp.WithString("language", mcp.Description("Program language"), mcp.Enum("ts", "js", "py")),
		mcp.WithNumber("timeout_ms", mcp.Description("Sandbox timeout in milliseconds")),
		mcp.WithNumber("max_tools", mcp.Description("Maximum number of tools to use")),
		mcp.WithString("approval_id", mcp.Description("Resubmit a request an operator approved")),
		mcp.WithNumber("approval_wait_ms", mcp.Description("Block up to this long for an operator decision")),
	), s.handleExecute)

	s.mcp.AddTool(mcp.NewTool(ToolSearch,
		mcp.WithDescription("Search the tool index for tools relevant to a query."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search text")),
		mcp.WithNumber("limit", mcp.Description("Maximum results")),
	), s.handleSearch)

	s.mcp.AddTool(mcp.NewTool(ToolListApprovals,
		mcp.WithDescription("List approval requests."),
		mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum("pending", "approved", "rejected")),
	), s.handleListApprovals)

	s.mcp.AddTool(mcp.NewTool(ToolDecideApproval,
		mcp.WithDescription("Approve or reject a pending approval request."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Approval request id")),
		mcp.WithString("decision", mcp.Required(), mcp.Enum("approve", "reject")),
		mcp.WithString("actor", mcp.Required(), mcp.Description("Who decides")),
		mcp.WithString("reason", mcp.Description("Why; required to reject")),
	), s.handleDecide)

	return s
}

const instructions = "mcpexec runs intents as sandboxed programs over MCP tools. " +
	"Call search_tools to see what is available, then execute_intent. " +
	"Risky programs are held for approval; an operator decides with decide_approval."

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Serve speaks MCP over in and out until ctx is done or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	err := stdio.Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mcpserver: %w", err)
	}
	return nil
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	intent, err := req.RequireString("intent")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := security.ValidateIntent(intent); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var lang language.Language
	if raw := req.GetString("language", ""); raw != "" {
		if lang, err = language.Parse(raw); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	opts := engine.Options{
		TimeoutMS:    int(req.GetFloat("timeout_ms", 0)),
		MaxTools:     int(req.GetFloat("max_tools", 0)),
		ApprovalID:   req.GetString("approval_id", ""),
		ApprovalWait: time.Duration(req.GetFloat("approval_wait_ms", 0)) * time.Millisecond,
	}

	res := s.exec.Execute(ctx, intent, lang, opts)
	s.logger.Debug("mcpserver: executed intent", "request_id", res.RequestID, "success", res.Success)
	out, err := jsonResult(executeView(res))
	if err != nil {
		return nil, err
	}
	out.IsError = !res.Success
	return out, nil
}

// executeView drops the program source from the reply to keep it small.
func executeView(r engine.Result) engine.Result {
	r.Code = ""
	r.Validation = nil
	return r
}

func (s *Server) handleSearch(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.exec.Search(query, int(req.GetFloat("limit", 0)))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	type hit struct {
		Name        string  `json:"name"`
		Description string  `json:"description"`
		Category    string  `json:"category"`
		Score       float64 `json:"score"`
	}
	hits := make([]hit, len(results))
	for i, r := range results {
		hits[i] = hit{Name: r.Entry.Name, Description: r.Entry.Description, Category: r.Entry.Category, Score: r.Score}
	}
	return jsonResult(hits)
}

func (s *Server) handleListApprovals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gate := s.exec.Gate()
	if gate == nil {
		return mcp.NewToolResultError("approvals are disabled"), nil
	}
	all, err := gate.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing approvals: %w", err)
	}
	status := approval.Status(req.GetString("status", ""))
	out := make([]approval.Request, 0, len(all))
	for _, r := range all {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return jsonResult(out)
}

func (s *Server) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gate := s.exec.Gate()
	if gate == nil {
		return mcp.NewToolResultError("approvals are disabled"), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	actor, err := req.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reason := req.GetString("reason", "")

	var changed bool
	switch decision := req.GetString("decision", ""); decision {
	case "approve":
		changed, err = gate.Approve(ctx, id, actor, reason)
	case "reject":
		changed, err = gate.Reject(ctx, id, actor, reason)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("decision must be approve or reject, got %q", decision)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	current, err := gate.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !changed {
		return mcp.NewToolResultError(fmt.Sprintf("approval %s is already %s", id, current.Status)), nil
	}
	return jsonResult(current)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcpserver: encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}
