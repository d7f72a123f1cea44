package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/tenantfleet/internal/apiclient"
)

// NewMCPServer creates a configured MCP server with all fleet tools registered.
func NewMCPServer(cfg apiclient.Config) *server.MCPServer {
	s := server.NewMCPServer("tenantfleet", "1.0.0")
	h := NewHandlers(apiclient.New(cfg))

	s.AddTool(ToolGetInstance, h.HandleGetInstance)
	s.AddTool(ToolListInstances, h.HandleListInstances)
	s.AddTool(ToolInstanceHistory, h.HandleInstanceHistory)
	s.AddTool(ToolProvisionInstance, h.HandleProvisionInstance)
	s.AddTool(ToolStartInstance, h.actionHandler("start"))
	s.AddTool(ToolStopInstance, h.actionHandler("stop"))
	s.AddTool(ToolRestartInstance, h.actionHandler("restart"))
	s.AddTool(ToolRetryInstance, h.actionHandler("retry"))
	s.AddTool(ToolDeprovisionInstance, h.HandleDeprovisionInstance)

	return s
}
