package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server with the paying-client tools
// registered.
func NewMCPServer(version string, h *Handlers) *server.MCPServer {
	s := server.NewMCPServer("v402", version)

	s.AddTool(ToolFetchPaidResource, h.HandleFetchPaidResource)
	s.AddTool(ToolFetchMany, h.HandleFetchMany)
	s.AddTool(ToolPaymentHistory, h.HandlePaymentHistory)
	s.AddTool(ToolPaymentStatistics, h.HandlePaymentStatistics)
	s.AddTool(ToolFacilitatorSupported, h.HandleFacilitatorSupported)
	s.AddTool(ToolWalletInfo, h.HandleWalletInfo)

	return s
}
