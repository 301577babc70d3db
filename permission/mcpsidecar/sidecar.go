// Package mcpsidecar is the agent-side half of the permission protocol: a
// small MCP server exposing one tool the agent subprocess calls whenever it
// wants to run something outside its allowlist. The tool blocks until the
// user decides or the request times out, then returns allow/deny.
package mcpsidecar

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mzxrai/memva/permission"
	"github.com/mzxrai/memva/runstate"
)

// ToolName is the permission-prompt tool name the agent is configured to
// call for any non-allowlisted tool use.
const ToolName = "request_permission"

// NewServer returns an MCP server exposing ToolName, backed by broker for
// the given sessionID. One sidecar process is spawned per session run.
func NewServer(broker *permission.Broker, sessionID string) *server.MCPServer {
	s := server.NewMCPServer(
		"memva-permission-sidecar",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.AddTool(requestPermissionTool(), requestPermissionHandler(broker, sessionID))
	return s
}

func requestPermissionTool() mcp.Tool {
	return mcp.NewTool(ToolName,
		mcp.WithDescription("Ask the user for permission to use a tool that isn't pre-approved. "+
			"Blocks until the user allows or denies, or the request expires."),
		mcp.WithString("tool_name", mcp.Required(), mcp.Description("The name of the tool the agent wants to run")),
		mcp.WithString("tool_use_id", mcp.Required(), mcp.Description("The agent's own id for this tool call")),
		mcp.WithString("input", mcp.Required(), mcp.Description("The tool's input arguments, JSON-encoded")),
	)
}

func requestPermissionHandler(broker *permission.Broker, sessionID string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		toolName, err := request.RequireString("tool_name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		toolUseID, err := request.RequireString("tool_use_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		inputJSON, err := request.RequireString("input")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		input := []byte(inputJSON)

		req, err := broker.CreateRequest(ctx, sessionID, toolName, toolUseID, input)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to create permission request: %v", err)), nil
		}

		decided, err := broker.AwaitDecision(ctx, req.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("permission wait failed: %v", err)), nil
		}

		if decided.Status.GrantsTool() {
			return mcp.NewToolResultText(string(runstate.DecisionAllow)), nil
		}
		return mcp.NewToolResultText(string(runstate.DecisionDeny)), nil
	}
}
