package server

import (
	"fmt"
	"net/http"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/fluxlayer/x402-go"
)

// Server is an MCP server whose tools can require payment. Free tools go
// through AddTool, paid tools through AddPayableTool.
type Server struct {
	mcpServer *mcpserver.MCPServer
	config    *Config
}

// NewServer creates a payment-aware MCP server.
func NewServer(name, version string, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PaymentTools == nil {
		config.PaymentTools = make(map[string][]x402.PaymentRequirements)
	}
	return &Server{
		mcpServer: mcpserver.NewMCPServer(name, version, mcpserver.WithToolCapabilities(true)),
		config:    config,
	}
}

// AddTool registers a tool callable without payment.
func (s *Server) AddTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
}

// AddPayableTool registers a tool that requires one of the given payments
// before it runs.
func (s *Server) AddPayableTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc, requirements ...x402.PaymentRequirements) error {
	if len(requirements) == 0 {
		return fmt.Errorf("payable tool %s needs at least one payment requirement", tool.Name)
	}
	for i, req := range requirements {
		if err := ValidateRequirement(req); err != nil {
			return fmt.Errorf("requirement %d for tool %s: %w", i, tool.Name, err)
		}
		if requirements[i].Resource == "" {
			requirements[i].Resource = ToolResource(tool.Name)
		}
	}
	s.config.PaymentTools[tool.Name] = requirements
	s.mcpServer.AddTool(tool, handler)
	return nil
}

// Handler returns the streamable HTTP handler with payment enforcement.
func (s *Server) Handler() http.Handler {
	httpServer := mcpserver.NewStreamableHTTPServer(s.mcpServer)
	return NewHandler(httpServer, s.config)
}

// Start serves the MCP server on addr.
func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}

// MCPServer exposes the underlying server for advanced configuration.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
