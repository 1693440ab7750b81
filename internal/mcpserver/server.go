package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all holdfast tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("holdfast", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolQuoteFees, h.HandleQuoteFees)
	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolLockFunds, h.HandleLockFunds)
	s.AddTool(ToolConfirmConditions, h.HandleConfirmConditions)
	s.AddTool(ToolReleaseFunds, h.HandleReleaseFunds)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListMyEscrows, h.HandleListMyEscrows)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolCastVote, h.HandleCastVote)
	s.AddTool(ToolGetAnalytics, h.HandleGetAnalytics)

	return s
}
