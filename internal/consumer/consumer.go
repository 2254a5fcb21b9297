// Package consumer implements the Consumer Adapter: a JSON-RPC 2.0 surface
// exposing tools/list and tools/call, the broker's side of the standard
// tool-invocation transport named out of scope in the core's own protocol.
package consumer

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jerroldneal/mcp-broker/internal/protocol"
	"github.com/jerroldneal/mcp-broker/internal/registry"
	"github.com/jerroldneal/mcp-broker/internal/router"
)

// Adapter serves POST /mcp.
type Adapter struct {
	registry *registry.Registry
	router   *router.Router
}

// New builds an Adapter over reg and rt.
func New(reg *registry.Registry, rt *router.Router) *Adapter {
	return &Adapter{registry: reg, router: rt}
}

// ServeHTTP implements the JSON-RPC endpoint. GET and DELETE return 405, as
// required by the external-interfaces contract.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonrpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, jsonrpcResponse{JSONRPC: "2.0", Error: &jsonrpcError{Code: errCodeParseError, Message: "parse error"}})
		return
	}
	if req.Method == "" {
		writeJSON(w, jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonrpcError{Code: errCodeInvalidRequest, Message: "missing method"}})
		return
	}

	switch req.Method {
	case "tools/list":
		a.handleListTools(w, req)
	case "tools/call":
		a.handleCallTool(w, r, req)
	default:
		writeJSON(w, jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonrpcError{Code: errCodeMethodNotFound, Message: "unknown method: " + req.Method}})
	}
}

func (a *Adapter) handleListTools(w http.ResponseWriter, req jsonrpcRequest) {
	tools := make([]mcpTool, 0)
	for _, d := range a.router.BuiltinDescriptors() {
		tools = append(tools, mcpTool{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	for _, entry := range a.registry.Snapshot() {
		for _, d := range entry.Tools {
			d = d.WithDefaultSchema()
			tools = append(tools, mcpTool{
				Name:        protocol.Namespace(entry.ID, d.Name),
				Description: fmt.Sprintf("[%s] %s", entry.ID, d.Description),
				InputSchema: d.InputSchema,
			})
		}
	}

	result, _ := json.Marshal(listToolsResult{Tools: tools})
	writeJSON(w, jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (a *Adapter) handleCallTool(w http.ResponseWriter, r *http.Request, req jsonrpcRequest) {
	var params callToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSON(w, jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonrpcError{Code: errCodeInvalidParams, Message: "invalid params"}})
			return
		}
	}

	res := a.router.Call(r.Context(), params.Name, params.Arguments)

	content := make([]contentItem, 0, len(res.Content))
	for _, c := range res.Content {
		content = append(content, contentItem{Type: c.Type, Text: c.Text})
	}
	result, _ := json.Marshal(callToolResult{Content: content, IsError: res.IsError})
	writeJSON(w, jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func writeJSON(w http.ResponseWriter, resp jsonrpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
