// Package router implements the Router: resolving a possibly-namespaced
// tool name to a built-in handler or a provider dispatch, and returning a
// well-formed result in every case per the error-mapping contract.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/jerroldneal/mcp-broker/internal/activity"
	"github.com/jerroldneal/mcp-broker/internal/correlator"
	"github.com/jerroldneal/mcp-broker/internal/protocol"
	"github.com/jerroldneal/mcp-broker/internal/registry"
)

// BuiltinHandler executes a built-in tool call.
type BuiltinHandler func(ctx context.Context, arguments []byte) protocol.ToolResult

// Builtin pairs a descriptor with its handler, in the fixed declaration
// order consumers must see them in.
type Builtin struct {
	Descriptor protocol.ToolDescriptor
	Handler    BuiltinHandler
}

// Router dispatches tool calls by name.
type Router struct {
	registry    *registry.Registry
	correlator  *correlator.Correlator
	log         *activity.Log
	toolTimeout time.Duration

	builtinOrder []string
	builtins     map[string]BuiltinHandler
	descriptors  []protocol.ToolDescriptor
}

// New builds a Router over reg, using corr for provider dispatch
// correlation and log for activity/stats recording.
func New(reg *registry.Registry, corr *correlator.Correlator, log *activity.Log, toolTimeout time.Duration) *Router {
	return &Router{
		registry:    reg,
		correlator:  corr,
		log:         log,
		toolTimeout: toolTimeout,
		builtins:    make(map[string]BuiltinHandler),
	}
}

// RegisterBuiltins installs the given built-ins in declaration order. It is
// called once at startup, before any consumer traffic.
func (r *Router) RegisterBuiltins(list []Builtin) {
	for _, b := range list {
		r.builtinOrder = append(r.builtinOrder, b.Descriptor.Name)
		r.builtins[b.Descriptor.Name] = b.Handler
		r.descriptors = append(r.descriptors, b.Descriptor.WithDefaultSchema())
	}
}

// BuiltinDescriptors returns the built-in tool descriptors in declaration
// order, for the Consumer Adapter's tools/list.
func (r *Router) BuiltinDescriptors() []protocol.ToolDescriptor {
	out := make([]protocol.ToolDescriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Call resolves name against built-ins, then namespaced provider tools,
// returning a well-formed ToolResult in every case; Router.Call never
// surfaces a transport-level error to its caller.
func (r *Router) Call(ctx context.Context, name string, arguments []byte) protocol.ToolResult {
	if handler, ok := r.builtins[name]; ok {
		return handler(ctx, arguments)
	}

	providerID, toolName, ok := protocol.SplitNamespaced(name)
	if !ok {
		return protocol.ErrorResult("Unknown tool: " + name)
	}
	return r.callProvider(ctx, providerID, toolName, arguments)
}

func (r *Router) callProvider(ctx context.Context, providerID, toolName string, arguments []byte) protocol.ToolResult {
	entry, ok := r.registry.Lookup(providerID)
	if !ok {
		r.log.IncToolErrors()
		r.log.Append(activity.KindToolError, fmt.Sprintf("unknown provider %q", providerID), map[string]any{"providerId": providerID, "tool": toolName})
		return protocol.ErrorResult(fmt.Sprintf("Broker client %q not connected", providerID))
	}

	callID := correlator.NewID()
	ch := r.correlator.Begin(callID, providerID, r.toolTimeout)

	r.log.IncToolCalls()
	r.log.Append(activity.KindToolCall, fmt.Sprintf("%s__%s", providerID, toolName), map[string]any{"providerId": providerID, "tool": toolName, "callId": callID})

	if err := entry.Sender.Send(protocol.Frame{Type: "tool_call", CallID: callID, Tool: toolName, Arguments: arguments}); err != nil {
		r.correlator.Complete(callID, correlator.Outcome{Err: err})
	}

	select {
	case out := <-ch:
		return r.finish(providerID, toolName, out)
	case <-ctx.Done():
		r.correlator.Complete(callID, correlator.Outcome{Err: ctx.Err()})
		return r.finish(providerID, toolName, correlator.Outcome{Err: ctx.Err()})
	}
}

func (r *Router) finish(providerID, toolName string, out correlator.Outcome) protocol.ToolResult {
	if out.Err != nil {
		r.log.IncToolErrors()
		r.log.Append(activity.KindToolError, out.Err.Error(), map[string]any{"providerId": providerID, "tool": toolName})
		return protocol.ErrorResult(out.Err.Error())
	}

	if out.Result.IsError {
		r.log.IncToolErrors()
		r.log.Append(activity.KindToolError, toolName, map[string]any{"providerId": providerID, "tool": toolName})
	} else {
		r.log.Append(activity.KindToolResult, toolName, map[string]any{"providerId": providerID, "tool": toolName})
	}
	return out.Result
}
