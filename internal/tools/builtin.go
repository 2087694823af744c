package tools

import (
	"context"
	"fmt"

	"github.com/kraliki/voicebridge/pkg/provider/realtime"
)

// builtinServerName is the pseudo server name used for in-process tools.
const builtinServerName = "__builtin__"

// BuiltinTool is a tool implemented as a Go function that runs in-process.
//
// Built-in tools bypass MCP protocol overhead: [Host.Call] invokes the
// Handler directly, with no subprocess or network round-trip. They are
// otherwise indistinguishable from external tools and appear in
// [Host.Definitions] alongside them.
type BuiltinTool struct {
	// Definition is the tool's public descriptor presented to the model.
	Definition realtime.ToolDefinition

	// Handler is invoked when [Host.Call] is made for this tool. args is a
	// JSON object string (e.g. "{}" or `{"key":"value"}`). The context
	// carries the host's call timeout; handlers doing real work should
	// honour it.
	Handler func(ctx context.Context, args string) (string, error)
}

// RegisterBuiltin adds an in-process tool to the registry. If a tool with
// the same name already exists it is replaced. Safe for concurrent use.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tools: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tools: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[tool.Definition.Name] = toolEntry{
		def:        tool.Definition,
		serverName: builtinServerName,
		builtinFn:  tool.Handler,
	}
	return nil
}
