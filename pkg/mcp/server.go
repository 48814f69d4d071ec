package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ToolHandler executes one tool call. The context carries the authenticated
// user set by the HTTP middleware.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (ToolResult, error)

// Server is a registry of MCP tools and their handlers.
type Server struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	handlers map[string]ToolHandler
}

// NewServer creates an empty tool registry.
func NewServer() *Server {
	return &Server{
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
	}
}

// RegisterTool adds a tool and its handler. Registering the same name twice
// replaces the earlier handler.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
}

// Tools lists the registered tools sorted by name.
func (s *Server) Tools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Call dispatches a tool call to its handler.
func (s *Server) Call(ctx context.Context, call ToolCall) (ToolResult, error) {
	s.mu.RLock()
	handler, ok := s.handlers[call.Name]
	s.mu.RUnlock()
	if !ok {
		return ToolResult{}, fmt.Errorf("unknown tool: %s", call.Name)
	}
	return handler(ctx, call.Arguments)
}
