// Package broker wires the Registry, Correlator, Router, Chat Proxy, and
// Activity log together and implements providerconn.Hub, the coordinator
// every provider session dispatches into.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jerroldneal/mcp-broker/internal/activity"
	"github.com/jerroldneal/mcp-broker/internal/builtin"
	"github.com/jerroldneal/mcp-broker/internal/chatproxy"
	"github.com/jerroldneal/mcp-broker/internal/config"
	"github.com/jerroldneal/mcp-broker/internal/consumer"
	"github.com/jerroldneal/mcp-broker/internal/correlator"
	"github.com/jerroldneal/mcp-broker/internal/protocol"
	"github.com/jerroldneal/mcp-broker/internal/providerconn"
	"github.com/jerroldneal/mcp-broker/internal/registry"
	"github.com/jerroldneal/mcp-broker/internal/router"
)

// Broker is the process-wide coordinator: one instance per running server.
type Broker struct {
	StartedAt time.Time

	Registry   *registry.Registry
	Activity   *activity.Log
	Router     *router.Router
	ChatProxy  *chatproxy.Proxy
	Consumer   *consumer.Adapter

	callCorrelator *correlator.Correlator
	chatCorrelator *correlator.Correlator
	cfg            config.Config
	logger         *slog.Logger
}

// New builds a fully-wired Broker from cfg.
func New(cfg config.Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}

	reg := registry.New()
	log := activity.New(cfg.ActivityCap, cfg.NotifProviderCap, cfg.NotifGlobalCap, logger)
	callCorr := correlator.New()
	chatCorr := correlator.New()
	rt := router.New(reg, callCorr, log, cfg.ToolCallDeadline)
	proxy := chatproxy.New(chatproxy.Config{BaseURL: cfg.OllamaAPIURL, DefaultModel: cfg.OllamaModel}, logger)

	rt.RegisterBuiltins(builtin.New(reg, log, rt, proxy))

	b := &Broker{
		StartedAt:      time.Now(),
		Registry:       reg,
		Activity:       log,
		Router:         rt,
		ChatProxy:      proxy,
		Consumer:       consumer.New(reg, rt),
		callCorrelator: callCorr,
		chatCorrelator: chatCorr,
		cfg:            cfg,
		logger:         logger.With("component", "broker"),
	}
	return b
}

// compile-time assertion that Broker implements providerconn.Hub.
var _ providerconn.Hub = (*Broker)(nil)

// Register implements providerconn.Hub.
func (b *Broker) Register(sess *providerconn.Session, clientID string, tools []protocol.ToolDescriptor) string {
	id := protocol.SanitizeProviderID(clientID)

	normalized := make([]protocol.ToolDescriptor, len(tools))
	for i, t := range tools {
		normalized[i] = t.WithDefaultSchema()
	}

	evicted, replaced := b.Registry.InsertOrReplace(&registry.Entry{
		ID:          id,
		Tools:       normalized,
		ConnectedAt: time.Now(),
		Sender:      sess,
	})
	if replaced && evicted != nil {
		if evictedSession, ok := evicted.Sender.(*providerconn.Session); ok {
			evictedSession.MarkReplaced()
		}
		evicted.Sender.Close("Replaced by new connection")
		b.Activity.Append(activity.KindDisconnect, "replaced by reconnect", map[string]any{"providerId": id})
	}

	b.Activity.IncTotalConnections()
	b.Activity.Append(activity.KindConnect, fmt.Sprintf("%s connected", id), map[string]any{"providerId": id})
	b.broadcastState()

	return id
}

// Terminate implements providerconn.Hub.
func (b *Broker) Terminate(providerID, reason string) {
	if _, ok := b.Registry.Remove(providerID); !ok {
		return
	}
	b.Activity.ClearProvider(providerID)

	disconnectErr := fmt.Errorf("provider disconnected")
	b.callCorrelator.CancelProvider(providerID, disconnectErr)
	b.chatCorrelator.CancelProvider(providerID, disconnectErr)

	b.Activity.Append(activity.KindDisconnect, fmt.Sprintf("%s %s", providerID, reason), map[string]any{"providerId": providerID})
	b.broadcastState()
}

// CompleteToolCall implements providerconn.Hub.
func (b *Broker) CompleteToolCall(callID string, result protocol.ToolResult) {
	// An unknown call_id (already resolved by a deadline, or never issued)
	// is silently dropped, per the boundary-case contract.
	b.callCorrelator.Complete(callID, correlator.Outcome{Result: result})
}

// HandleChatRequest implements providerconn.Hub.
func (b *Broker) HandleChatRequest(sess *providerconn.Session, requestID string, payload protocol.ChatPayload) {
	b.Activity.IncChatRequests()
	b.Activity.Append(activity.KindChat, "chat_request "+requestID, map[string]any{"providerId": sess.ProviderID()})

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ChatDeadline)
	defer cancel()

	msg, model, err := b.ChatProxy.Complete(ctx, payload)
	if err != nil {
		b.Activity.IncChatErrors()
		b.Activity.Append(activity.KindChatError, err.Error(), map[string]any{"providerId": sess.ProviderID()})
		sess.Send(protocol.Frame{Type: "chat_error", RequestID: requestID, Error: err.Error()})
		return
	}

	payloadBytes, _ := json.Marshal(protocol.ChatResponsePayload{Message: msg, Model: model})
	sess.Send(protocol.Frame{Type: "chat_response", RequestID: requestID, Payload: payloadBytes})
}

// HandleNotification implements providerconn.Hub.
func (b *Broker) HandleNotification(providerID string, event json.RawMessage) error {
	if providerID == "" {
		return fmt.Errorf("notification before register")
	}
	b.Activity.StoreNotification(providerID, event)
	b.Activity.Append(activity.KindNotification, providerID+" notification", map[string]any{"providerId": providerID})
	return nil
}

// HandleCallTool implements providerconn.Hub: a provider-initiated call is
// routed through the same Router a consumer call would use.
func (b *Broker) HandleCallTool(sess *providerconn.Session, callID, tool string, arguments json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ToolCallDeadline)
	defer cancel()

	result := b.Router.Call(ctx, tool, arguments)
	sess.Send(protocol.Frame{Type: "call_tool_result", CallID: callID, Content: result.Content, IsError: result.IsError})
}

// StateSnapshot is the {"type":"state",...} broadcast payload and the
// /api/status response body.
type StateSnapshot struct {
	Uptime           string          `json:"uptime"`
	StartedAt        time.Time       `json:"startedAt"`
	ConnectedClients int             `json:"connectedClients"`
	TotalTools       int             `json:"totalTools"`
	Stats            activity.Stats  `json:"stats"`
	Clients          []ClientSummary `json:"clients"`
}

// ClientSummary is one provider's entry in a snapshot.
type ClientSummary struct {
	ClientID    string    `json:"clientId"`
	ConnectedAt time.Time `json:"connectedAt"`
	Tools       []string  `json:"tools"`
}

// Snapshot builds the current StateSnapshot.
func (b *Broker) Snapshot() StateSnapshot {
	entries := b.Registry.Snapshot()
	clients := make([]ClientSummary, 0, len(entries))
	totalTools := 0
	for _, e := range entries {
		names := make([]string, 0, len(e.Tools))
		for _, t := range e.Tools {
			names = append(names, t.Name)
		}
		totalTools += len(e.Tools)
		clients = append(clients, ClientSummary{ClientID: e.ID, ConnectedAt: e.ConnectedAt, Tools: names})
	}

	return StateSnapshot{
		Uptime:           time.Since(b.StartedAt).String(),
		StartedAt:        b.StartedAt,
		ConnectedClients: len(entries),
		TotalTools:       totalTools,
		Stats:            b.Activity.Stats(),
		Clients:          clients,
	}
}

func (b *Broker) broadcastState() {
	b.Activity.BroadcastState(b.Snapshot())
}
