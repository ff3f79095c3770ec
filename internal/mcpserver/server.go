// Package mcpserver exposes the engine to AI coding tools over the
// Model Context Protocol (stdio transport).
//
// Each tool follows the same pattern:
//   - a struct with the engine injected via constructor
//   - Definition() returns the mcp.Tool schema
//   - Handle() processes the request and returns a result
package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"devchain/internal/engine"
)

// Version of the MCP server, reported during the handshake.
const Version = "0.1.0"

// New builds the MCP server with all DevChain tools registered.
func New(e engine.Engine) *server.MCPServer {
	s := server.NewMCPServer(
		"devchain",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	listTasks := NewListTasksTool(e)
	s.AddTool(listTasks.Definition(), listTasks.Handle)

	createTask := NewCreateTaskTool(e)
	s.AddTool(createTask.Definition(), createTask.Handle)

	setStatus := NewSetTaskStatusTool(e)
	s.AddTool(setStatus.Definition(), setStatus.Handle)

	postMessage := NewPostMessageTool(e)
	s.AddTool(postMessage.Definition(), postMessage.Handle)

	sendText := NewSendTextTool(e)
	s.AddTool(sendText.Definition(), sendText.Handle)

	listWatchers := NewListWatchersTool(e)
	s.AddTool(listWatchers.Definition(), listWatchers.Handle)

	return s
}

// ServeStdio blocks, speaking MCP over stdin/stdout.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// intArg extracts an integer argument, returning defaultVal if the key is
// missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}
