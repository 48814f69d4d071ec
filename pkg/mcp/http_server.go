package mcp

import (
	"encoding/json"
	"net/http"
)

// HTTPServer wraps MCP server with HTTP endpoints
type HTTPServer struct {
	server *Server
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(server *Server) *HTTPServer {
	return &HTTPServer{server: server}
}

// HandleHealth answers liveness probes.
func (h *HTTPServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleListTools lists the registered tools.
func (h *HTTPServer) HandleListTools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"tools": h.server.Tools(),
	})
}

// HandleToolCall dispatches a tool invocation.
func (h *HTTPServer) HandleToolCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var call ToolCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.server.Call(r.Context(), call)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}
