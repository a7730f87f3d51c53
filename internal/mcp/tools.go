// Package mcp exposes the bridge over the Model Context Protocol so an AI
// agent can drive the controlled browser tab and the host process through
// one stdio server.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/standardbeagle/tabbridge/internal/browser"
	"github.com/standardbeagle/tabbridge/internal/hostproc"
	"github.com/standardbeagle/tabbridge/internal/instance"
	"github.com/standardbeagle/tabbridge/internal/relay"
)

// Deps are the bridge subsystems the tools operate on. Browser, Recovery and
// Registry may be nil; the corresponding tools degrade gracefully.
type Deps struct {
	Relay    *relay.Server
	Browser  *browser.Manager // direct-connection mode, preferred when set
	Host     *hostproc.Client
	Recovery *hostproc.Recovery
	Registry *instance.Registry
}

// sendCommand routes a CDP command through the direct connection when one is
// bound, falling back to the extension relay otherwise. The direct path gets
// transparent reconnect-and-retry from the manager.
func (d Deps) sendCommand(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if d.Browser != nil {
		var result json.RawMessage
		err := d.Browser.RunGuarded(ctx, func(p browser.Peer) error {
			var sendErr error
			result, sendErr = p.Send(ctx, method, params, timeout)
			return sendErr
		})
		return result, err
	}
	return d.Relay.SendRequest(ctx, method, params, timeout)
}

// NewServer builds the MCP server with all bridge tools registered.
func NewServer(version string, deps Deps) *server.MCPServer {
	srv := server.NewMCPServer("tabbridge", version)
	RegisterTools(srv, deps)
	return srv
}

// ServeStdio runs the server on stdin/stdout until the stream closes.
func ServeStdio(srv *server.MCPServer) error {
	return server.ServeStdio(srv)
}

// RegisterTools registers the bridge tool surface.
func RegisterTools(srv *server.MCPServer, deps Deps) {
	registerBrowserSend(srv, deps)
	registerExtensionReload(srv, deps)
	registerHostCall(srv, deps)
	registerBridgeStatus(srv, deps)
}

func registerBrowserSend(srv *server.MCPServer, deps Deps) {
	tool := mcplib.NewTool("browser_send",
		mcplib.WithDescription(`Send one Chrome DevTools Protocol command to the browser tab attached through the extension bridge.

**When to use:**
- Navigate, evaluate JavaScript, inspect the DOM, or capture network state in the controlled tab
- Any CDP method works: "Page.navigate", "Runtime.evaluate", "DOM.getDocument", ...

**Few-shot examples:**
1. Navigate: {"method": "Page.navigate", "params": "{\"url\": \"https://example.com\"}"}
2. Evaluate: {"method": "Runtime.evaluate", "params": "{\"expression\": \"document.title\"}"}

Fails immediately with "no extension peer connected" when the extension has not attached yet; use bridge_status to check first.`),
		mcplib.WithString("method",
			mcplib.Required(),
			mcplib.Description("CDP method name, e.g. Page.navigate"),
		),
		mcplib.WithString("params",
			mcplib.Description("JSON object with the method parameters"),
		),
		mcplib.WithNumber("timeout_ms",
			mcplib.Description("Reply timeout in milliseconds (default 30000)"),
		),
	)
	srv.AddTool(tool, func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		method, err := request.RequireString("method")
		if err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}

		var params interface{}
		if raw := request.GetString("params", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &params); err != nil {
				return mcplib.NewToolResultError(fmt.Sprintf("params is not valid JSON: %v", err)), nil
			}
		}

		timeout := time.Duration(request.GetInt("timeout_ms", 30000)) * time.Millisecond
		result, err := deps.sendCommand(ctx, method, params, timeout)
		if err != nil {
			return mcplib.NewToolResultError(fmt.Sprintf("Failed to send %s: %v", method, err)), nil
		}

		return &mcplib.CallToolResult{
			Content: []mcplib.Content{
				mcplib.TextContent{
					Type: "text",
					Text: string(result),
				},
			},
		}, nil
	})
}

func registerExtensionReload(srv *server.MCPServer, deps Deps) {
	tool := mcplib.NewTool("extension_reload",
		mcplib.WithDescription(`Ask the attached browser extension to reload itself.

The reload drops the extension's own connection to the bridge, so a dropped connection after sending is the expected outcome and still counts as success. The extension reconnects on its own afterwards.`),
	)
	srv.AddTool(tool, func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		if deps.Relay.State() != relay.StateActive {
			return mcplib.NewToolResultError("no extension peer connected"), nil
		}

		_, err := deps.Relay.SendRequest(ctx, "Extension.reload", nil, 5*time.Second)
		text := `{"success": true}`
		if err != nil {
			text = `{"success": true, "note": "peer connection dropped during reload; this is expected"}`
		}
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{
				mcplib.TextContent{Type: "text", Text: text},
			},
		}, nil
	})
}

func registerHostCall(srv *server.MCPServer, deps Deps) {
	tool := mcplib.NewTool("host_call",
		mcplib.WithDescription(`Call one JSON-RPC method on the companion host process (terminal, files, codebase, process control).

**When to use:**
- Run a terminal command, read project files, or query the codebase through the host process
- Method names are host-defined, e.g. "terminal.run", "files.read"

If the host process is down and a recovery handler is configured, it is restarted once and the call retried; otherwise the error says the host is unavailable.`),
		mcplib.WithString("method",
			mcplib.Required(),
			mcplib.Description("Host RPC method name"),
		),
		mcplib.WithString("params",
			mcplib.Description("JSON object with the method parameters"),
		),
	)
	srv.AddTool(tool, func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		method, err := request.RequireString("method")
		if err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}

		var params interface{}
		if raw := request.GetString("params", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &params); err != nil {
				return mcplib.NewToolResultError(fmt.Sprintf("params is not valid JSON: %v", err)), nil
			}
		}

		result, err := deps.Host.Call(ctx, method, params)
		if err != nil && hostproc.HostNotRunning(err) && deps.Recovery != nil {
			if recErr := deps.Recovery.EnsureAvailable(ctx); recErr != nil {
				return mcplib.NewToolResultError(fmt.Sprintf("Host unavailable: %v", recErr)), nil
			}
			result, err = deps.Host.Call(ctx, method, params)
		}
		if err != nil {
			return mcplib.NewToolResultError(fmt.Sprintf("Failed to call %s: %v", method, err)), nil
		}

		return &mcplib.CallToolResult{
			Content: []mcplib.Content{
				mcplib.TextContent{
					Type: "text",
					Text: string(result),
				},
			},
		}, nil
	})
}

func registerBridgeStatus(srv *server.MCPServer, deps Deps) {
	tool := mcplib.NewTool("bridge_status",
		mcplib.WithDescription(`Report the bridge's current state: relay peer attachment, controlled tab, host process liveness, and sibling bridge instances.

Use before browser_send or host_call when unsure whether the respective side is connected.`),
	)
	srv.AddTool(tool, func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		status := map[string]interface{}{
			"relay": map[string]interface{}{
				"state": deps.Relay.State().String(),
				"port":  deps.Relay.Port(),
				"tabId": deps.Relay.TabID(),
			},
		}

		if deps.Browser != nil {
			status["browser"] = map[string]interface{}{
				"state":    deps.Browser.State().String(),
				"attempts": deps.Browser.Attempts(),
			}
		}

		if deps.Host != nil {
			hostStatus := map[string]interface{}{"socket": deps.Host.Path()}
			if err := deps.Host.Ping(ctx); err != nil {
				hostStatus["available"] = false
				hostStatus["error"] = err.Error()
			} else {
				hostStatus["available"] = true
			}
			status["host"] = hostStatus
		}

		if deps.Registry != nil {
			if instances, err := deps.Registry.List(); err == nil {
				status["instances"] = len(instances)
			}
		}

		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{
				mcplib.TextContent{Type: "text", Text: string(data)},
			},
		}, nil
	})
}
