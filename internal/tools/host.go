// Package tools hosts the functions a realtime speech model may invoke
// during a voice session.
//
// Tools come from two places: external MCP servers registered with
// [Host.Register] (subprocesses speaking stdio, or remote streamable-HTTP
// endpoints) and in-process Go functions registered with
// [Host.RegisterBuiltin]. The host flattens both into one registry:
// [Host.Definitions] produces the function declarations handed to the
// speech provider at session setup, and [Host.Call] routes an invocation to
// the owning server under a bounded timeout.
//
// Usage:
//
//	host := tools.New(tools.WithCallTimeout(5 * time.Second))
//	defer host.Close()
//
//	err := host.Register(ctx, tools.ServerConfig{
//		Name:      "crm",
//		Transport: tools.TransportStreamableHTTP,
//		URL:       "https://crm.internal/mcp",
//	})
//	// ...
//	sessionCfg.Tools = host.Definitions()
//	result, err := host.Call(ctx, "lookup_customer", `{"phone":"+15550100"}`)
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"

	"github.com/kraliki/voicebridge/internal/observe"
	"github.com/kraliki/voicebridge/pkg/provider/realtime"
)

// defaultCallTimeout bounds a single tool invocation. The caller is on a
// live phone call; a tool that runs longer than this stalls the
// conversation, so the host cuts it off rather than letting it drag on.
const defaultCallTimeout = 10 * time.Second

// Transport identifies how the host connects to an MCP server.
type Transport string

const (
	// TransportStdio spawns the server as a subprocess and speaks MCP over
	// its stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP connects to a remote server over the MCP
	// streamable HTTP transport.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a known transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportStreamableHTTP:
		return true
	}
	return false
}

// ServerConfig describes one MCP server to connect to.
type ServerConfig struct {
	// Name uniquely identifies the server within the host. Registering a
	// second server under the same name replaces the first.
	Name string `yaml:"name"`

	// Transport selects how to reach the server.
	Transport Transport `yaml:"transport"`

	// Command is the full command line for [TransportStdio] servers,
	// split on whitespace into executable and arguments.
	Command string `yaml:"command,omitempty"`

	// URL is the endpoint address for [TransportStreamableHTTP] servers.
	URL string `yaml:"url,omitempty"`

	// Env holds additional environment variables passed to stdio servers,
	// on top of the host process environment.
	Env map[string]string `yaml:"env,omitempty"`
}

// toolEntry is the registry record for a single callable tool.
type toolEntry struct {
	def        realtime.ToolDefinition
	serverName string

	// builtinFn is set for in-process tools and nil for MCP-backed ones.
	builtinFn func(ctx context.Context, args string) (string, error)
}

// serverConn tracks a live connection to one MCP server.
type serverConn struct {
	session *mcpsdk.ClientSession
}

// Host is the function-call tool registry for voice sessions. It owns the
// connections to all registered MCP servers and routes tool invocations to
// whichever server (or in-process handler) declared the tool.
//
// All methods are safe for concurrent use.
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]serverConn

	// client is reused across all server connections. The official SDK
	// allows a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client

	metrics     *observe.Metrics
	callTimeout time.Duration
}

// Option customises a [Host].
type Option func(*Host)

// WithCallTimeout overrides the per-invocation timeout applied by
// [Host.Call]. Values ≤ 0 are ignored.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.callTimeout = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Host) {
		if m != nil {
			h.metrics = m
		}
	}
}

// New creates an empty Host. Register servers with [Host.Register] and
// in-process tools with [Host.RegisterBuiltin] before handing
// [Host.Definitions] to a provider session.
func New(opts ...Option) *Host {
	h := &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]serverConn),
		client: mcpsdk.NewClient(&mcpsdk.Implementation{
			Name:    "voicebridge",
			Version: "1.0.0",
		}, nil),
		metrics:     observe.DefaultMetrics(),
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register connects to an MCP server, discovers its tools and adds them to
// the registry. If a server with the same name is already registered its
// connection is closed and its tools are replaced.
//
// For [TransportStdio]: cfg.Command is split on whitespace into executable
// and arguments; cfg.Env is appended to the host process environment.
//
// For [TransportStreamableHTTP]: cfg.URL is the endpoint address.
//
// Returns an error if the transport cannot be established or the initial
// tool listing fails.
func (h *Host) Register(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("tools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("tools: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.session.Close()
		for name, t := range h.tools {
			if t.serverName == cfg.Name {
				delete(h.tools, name)
			}
		}
	}

	h.servers[cfg.Name] = serverConn{session: session}

	for _, mcpTool := range discovered {
		h.tools[mcpTool.Name] = toolEntry{
			def: realtime.ToolDefinition{
				Name:        mcpTool.Name,
				Description: mcpTool.Description,
				Parameters:  schemaToMap(mcpTool.InputSchema),
			},
			serverName: cfg.Name,
		}
	}

	slog.Info("registered tool server",
		"server", cfg.Name,
		"transport", string(cfg.Transport),
		"tools", len(discovered))
	return nil
}

// Definitions returns the function declarations for every registered tool,
// sorted by name. The slice is a copy; callers may hand it straight to
// [realtime.SessionConfig.Tools].
func (h *Host) Definitions() []realtime.ToolDefinition {
	h.mu.RLock()
	defs := make([]realtime.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		defs = append(defs, e.def)
	}
	h.mu.RUnlock()

	slices.SortFunc(defs, func(a, b realtime.ToolDefinition) int {
		return strings.Compare(a.Name, b.Name)
	})
	return defs
}

// Call invokes the named tool with JSON-encoded args and returns its text
// output. name must exactly match a [realtime.ToolDefinition.Name] returned
// by [Host.Definitions]; args must be a JSON object string ("{}" is valid
// for parameter-less tools).
//
// The invocation runs under the host's call timeout on top of whatever
// deadline ctx already carries. A tool that reports an application-level
// error surfaces as a non-nil error carrying the tool's error text, so the
// provider session can relay the failure to the model.
func (h *Host) Call(ctx context.Context, name string, args string) (string, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()

	if !ok {
		h.metrics.RecordToolCall(ctx, name, "not_found")
		return "", fmt.Errorf("tools: tool %q not found", name)
	}

	ctx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	start := time.Now()

	var output string
	var err error
	if entry.builtinFn != nil {
		output, err = entry.builtinFn(ctx, args)
	} else {
		output, err = h.callServer(ctx, entry, args)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	h.metrics.RecordToolCall(ctx, name, status)
	h.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			observe.Attr("tool", name),
			observe.Attr("status", status),
		))

	return output, err
}

// callServer routes the invocation to the MCP session owning the tool.
func (h *Host) callServer(ctx context.Context, entry toolEntry, args string) (string, error) {
	h.mu.RLock()
	conn, ok := h.servers[entry.serverName]
	h.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("tools: server %q not found for tool %q", entry.serverName, entry.def.Name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", fmt.Errorf("tools: invalid args JSON for tool %q: %w", entry.def.Name, err)
		}
	}

	result, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("tools: call to tool %q failed: %w", entry.def.Name, err)
	}

	// Concatenate all text content from the result.
	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	if result.IsError {
		return "", fmt.Errorf("tools: tool %q reported an error: %s", entry.def.Name, sb.String())
	}
	return sb.String(), nil
}

// Close shuts down all server connections and empties the registry. After
// Close returns the Host must not be used again.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, conn := range h.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}

	clear(h.tools)
	return firstErr
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// schemaToMap converts a tool's input schema, whatever concrete type the
// SDK hands back, into the map form providers accept for function
// declarations.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
