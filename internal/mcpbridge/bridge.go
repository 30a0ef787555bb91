// Package mcpbridge connects to MCP servers. It imports their tool lists
// into the tool index and routes call(name, args) from sandboxed programs
// to the server that owns the tool.
package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flemzord/mcpexec/internal/sandbox"
	"github.com/flemzord/mcpexec/internal/security"
	"github.com/flemzord/mcpexec/internal/toolindex"
)

// Sentinel errors.
var (
	ErrUnknownTool   = errors.New("mcpbridge: unknown tool")
	ErrToolFailed    = errors.New("mcpbridge: tool returned an error")
	ErrServerExists  = errors.New("mcpbridge: server already attached")
	ErrInvalidServer = errors.New("mcpbridge: invalid server config")
)

// DefaultCallTimeout bounds one tool call.
const DefaultCallTimeout = 30 * time.Second

var _ sandbox.ToolCaller = (*Bridge)(nil)

// ServerConfig describes one MCP server. Exactly one of Command or URL is
// set: Command launches a stdio server, URL dials streamable HTTP.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
}

// Validate checks one server entry.
func (c ServerConfig) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidServer)
	case c.Command == "" && c.URL == "":
		return fmt.Errorf("%w: %s: command or url is required", ErrInvalidServer, c.Name)
	case c.Command != "" && c.URL != "":
		return fmt.Errorf("%w: %s: command and url are exclusive", ErrInvalidServer, c.Name)
	}
	return nil
}

// Session is the subset of *client.Client the bridge uses.
type Session interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Bridge owns the sessions. It is safe for concurrent use.
type Bridge struct {
	version     string
	callTimeout time.Duration
	logger      *slog.Logger

	mu       sync.RWMutex
	sessions map[string]Session
	routes   map[string]string
}

// New creates an empty bridge. version is reported to servers.
func New(version string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		version:     version,
		callTimeout: DefaultCallTimeout,
		logger:      logger,
		sessions:    make(map[string]Session),
		routes:      make(map[string]string),
	}
}

// Dial opens a session for cfg without initializing it.
func Dial(ctx context.Context, cfg ServerConfig) (Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.URL != "" {
		c, err := client.NewStreamableHttpClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("mcpbridge: %s: %w", cfg.Name, err)
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("mcpbridge: %s: start: %w", cfg.Name, err)
		}
		return c, nil
	}

	env := make([]string, 0, len(cfg.Env))
	for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
		env = append(env, k+"="+cfg.Env[k])
	}
	c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("mcpbridge: %s: launching %s: %w", cfg.Name, cfg.Command, err)
	}
	return c, nil
}

// Connect dials every server and returns an index of all their tools. A
// server that fails is logged and skipped; tool name clashes are fatal.
func (b *Bridge) Connect(ctx context.Context, servers []ServerConfig) (*toolindex.Index, error) {
	var indexes []*toolindex.Index
	for _, cfg := range servers {
		sess, err := Dial(ctx, cfg)
		if err != nil {
			b.logger.Warn("mcpbridge: server unavailable", "server", cfg.Name, "error", err)
			continue
		}
		idx, err := b.Attach(ctx, cfg.Name, sess)
		if err != nil {
			_ = sess.Close()
			if errors.Is(err, toolindex.ErrDuplicateName) {
				return nil, err
			}
			b.logger.Warn("mcpbridge: server unavailable", "server", cfg.Name, "error", err)
			continue
		}
		indexes = append(indexes, idx)
	}
	return toolindex.Merge(indexes...)
}

// Attach initializes sess, lists its tools and routes them to it. The
// returned index records "mcp:<name>" as the source of every entry.
func (b *Bridge) Attach(ctx context.Context, name string, sess Session) (*toolindex.Index, error) {
	b.mu.RLock()
	_, exists := b.sessions[name]
	b.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrServerExists, name)
	}

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "mcpexec", Version: b.version}
	if _, err := sess.Initialize(ctx, init); err != nil {
		return nil, fmt.Errorf("mcpbridge: %s: initialize: %w", name, err)
	}

	listed, err := sess.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcpbridge: %s: list tools: %w", name, err)
	}
	schemas := make([]toolindex.ToolSchema, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		schemas = append(schemas, ToSchema(t))
	}
	idx, err := toolindex.FromSchemas("mcp:"+name, schemas)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range schemas {
		if owner, ok := b.routes[s.Name]; ok {
			return nil, fmt.Errorf("%w: %q served by %s and %s", toolindex.ErrDuplicateName, s.Name, owner, name)
		}
	}
	b.sessions[name] = sess
	for _, s := range schemas {
		b.routes[s.Name] = name
	}
	b.logger.Info("mcpbridge: server attached", "server", name, "tools", len(schemas))
	return idx, nil
}

// Servers returns the attached server names, sorted.
func (b *Bridge) Servers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.sessions))
}

// CallTool implements sandbox.ToolCaller. args is a JSON object; the
// result is the tool's structured content, or its text content as JSON.
func (b *Bridge) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	b.mu.RLock()
	server, ok := b.routes[name]
	sess := b.sessions[server]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	var arguments map[string]any
	if len(args) > 0 && string(args) != "null" {
		if err := security.UnmarshalBounded(args, 0, &arguments); err != nil {
			return nil, fmt.Errorf("mcpbridge: %s: arguments must be a JSON object: %w", name, err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments

	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	res, err := sess.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcpbridge: %s/%s: %w", server, name, err)
	}

	text := contentText(res.Content)
	if res.IsError {
		return nil, fmt.Errorf("%w: %s: %s", ErrToolFailed, name, text)
	}
	if res.StructuredContent != nil {
		return json.Marshal(res.StructuredContent)
	}
	if json.Valid([]byte(text)) && text != "" {
		return json.RawMessage(text), nil
	}
	return json.Marshal(text)
}

// Close closes every session.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for name, sess := range b.sessions {
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcpbridge: closing %s: %w", name, err))
		}
	}
	clear(b.sessions)
	clear(b.routes)
	return errors.Join(errs...)
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToSchema converts an MCP tool definition. Parameters are sorted by name.
func ToSchema(t mcp.Tool) toolindex.ToolSchema {
	required := make(map[string]bool, len(t.InputSchema.Required))
	for _, r := range t.InputSchema.Required {
		required[r] = true
	}

	params := make([]toolindex.Parameter, 0, len(t.InputSchema.Properties))
	for name, raw := range t.InputSchema.Properties {
		p := toolindex.Parameter{Name: name, Type: "any", Required: required[name]}
		if prop, ok := raw.(map[string]any); ok {
			if typ, ok := prop["type"].(string); ok && typ != "" {
				p.Type = typ
			}
			if d, ok := prop["description"].(string); ok {
				p.Description = d
			}
			p.Default = prop["default"]
		}
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })

	return toolindex.ToolSchema{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  params,
		Returns:     toolindex.Returns{Type: "object"},
	}
}
