// Package dashboard implements the Dashboard HTTP surface: status
// snapshot, activity listing, tool invocation, and server-sent-event
// streams, plus the additive /healthz liveness endpoint.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jerroldneal/mcp-broker/internal/activity"
	"github.com/jerroldneal/mcp-broker/internal/broker"
	"github.com/jerroldneal/mcp-broker/internal/protocol"
)

// Surface serves every dashboard endpoint.
type Surface struct {
	broker       *broker.Broker
	indexHTML    []byte
	chatDeadline time.Duration
}

// New builds a Surface over b, serving indexHTML at GET /.
func New(b *broker.Broker, indexHTML []byte, chatDeadline time.Duration) *Surface {
	return &Surface{broker: b, indexHTML: indexHTML, chatDeadline: chatDeadline}
}

// Register mounts every dashboard route onto mux. The consumer adapter's
// /mcp routes are not mounted here; the caller adds them.
func (s *Surface) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.broker.Activity.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/activity", s.handleActivity)
	mux.HandleFunc("POST /api/call-tool", s.handleCallTool)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/client/{id}/status", s.handleClientStatus)
	mux.HandleFunc("GET /api/client/{id}/activity", s.handleClientActivity)
	mux.HandleFunc("GET /api/client/{id}/events", s.handleClientEvents)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/speak-action", s.handleSpeakAction)
	mux.HandleFunc("POST /api/ask-stream", s.handleAskStream)
}

func (s *Surface) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(s.indexHTML)
}

func (s *Surface) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Surface) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.broker.Snapshot())
}

func (s *Surface) handleActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.broker.Activity.Activity(""))
}

func (s *Surface) handleClientStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := s.broker.Registry.Lookup(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	names := make([]string, 0, len(entry.Tools))
	for _, t := range entry.Tools {
		names = append(names, t.Name)
	}
	writeJSON(w, broker.ClientSummary{ClientID: entry.ID, ConnectedAt: entry.ConnectedAt, Tools: names})
}

func (s *Surface) handleClientActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.broker.Activity.Activity(r.PathValue("id")))
}

type callToolRequest struct {
	ClientID  string          `json:"clientId"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

type callToolResponse struct {
	Content  []protocol.ContentItem `json:"content"`
	IsError  bool                   `json:"isError"`
	Duration string                 `json:"duration"`
}

func (s *Surface) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req callToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	name := req.Tool
	if req.ClientID != "" {
		name = protocol.Namespace(req.ClientID, req.Tool)
	}

	start := time.Now()
	result := s.broker.Router.Call(r.Context(), name, req.Arguments)
	writeJSON(w, callToolResponse{Content: result.Content, IsError: result.IsError, Duration: time.Since(start).String()})
}

type chatRequest struct {
	Message string `json:"message"`
	Model   string `json:"model"`
	System  string `json:"system"`
}

type chatResponse struct {
	Response string `json:"response"`
	Model    string `json:"model"`
	Duration string `json:"duration"`
}

func (s *Surface) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	payload := protocol.ChatPayload{Model: req.Model, Prompt: req.Message}
	if req.System != "" {
		payload.Messages = []protocol.ChatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Message},
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.chatDeadline)
	defer cancel()

	start := time.Now()
	s.broker.Activity.IncChatRequests()
	msg, model, err := s.broker.ChatProxy.Complete(ctx, payload)
	if err != nil {
		s.broker.Activity.IncChatErrors()
		s.broker.Activity.Append(activity.KindChatError, err.Error(), nil)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, chatResponse{Response: msg.Content, Model: model, Duration: time.Since(start).String()})
}

type speakActionRequest struct {
	Action string `json:"action"`
}

func (s *Surface) handleSpeakAction(w http.ResponseWriter, r *http.Request) {
	var req speakActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	args, _ := json.Marshal(req)
	result := s.broker.Router.Call(r.Context(), "speak_action", args)
	writeJSON(w, result)
}

type askStreamRequest struct {
	Prompt string `json:"prompt"`
	System string `json:"system"`
	Model  string `json:"model"`
	Speak  bool   `json:"speak"`
}

func (s *Surface) handleAskStream(w http.ResponseWriter, r *http.Request) {
	var req askStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	setSSEHeaders(w)

	payload := protocol.ChatPayload{Model: req.Model, Prompt: req.Prompt}
	if req.System != "" {
		payload.Messages = []protocol.ChatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.chatDeadline)
	defer cancel()

	s.broker.Activity.IncChatRequests()
	fullText, _, err := s.broker.ChatProxy.Stream(ctx, payload, func(token string) {
		writeSSE(w, map[string]string{"token": token})
		flusher.Flush()
	})
	if err != nil {
		s.broker.Activity.IncChatErrors()
		s.broker.Activity.Append(activity.KindChatError, err.Error(), nil)
		writeSSE(w, map[string]any{"done": true, "error": err.Error()})
		flusher.Flush()
		return
	}

	if req.Speak {
		speakArgs, _ := json.Marshal(map[string]string{"text": fullText})
		s.broker.Router.Call(ctx, "speak", speakArgs) // best-effort
	}
	writeSSE(w, map[string]any{"done": true, "fullText": fullText})
	flusher.Flush()
}

// handleEvents and handleClientEvents stream state/activity/notification
// frames, emitting the current snapshot immediately on connect and then
// relaying incremental events until the client disconnects.
func (s *Surface) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, "")
}

func (s *Surface) handleClientEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, r.PathValue("id"))
}

func (s *Surface) streamEvents(w http.ResponseWriter, r *http.Request, providerFilter string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	setSSEHeaders(w)

	obs := s.broker.Activity.Subscribe()
	defer s.broker.Activity.Unsubscribe(obs)

	state := map[string]any{}
	if b, err := json.Marshal(s.broker.Snapshot()); err == nil {
		_ = json.Unmarshal(b, &state)
	}
	state["type"] = "state"
	writeSSE(w, state)
	flusher.Flush()

	for {
		select {
		case line, ok := <-obs.Events():
			if !ok {
				return
			}
			if providerFilter != "" && !frameMentionsProvider(line, providerFilter) {
				continue
			}
			w.Write(line)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// frameMentionsProvider is a best-effort substring filter: the client-
// scoped event endpoints filter by providerId, and every frame this
// package emits that carries one serializes it as a "providerId" field.
func frameMentionsProvider(line []byte, providerID string) bool {
	needle := []byte(`"providerId":"` + providerID + `"`)
	return containsBytes(line, needle)
}

func containsBytes(haystack, needle []byte) bool {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return true
		}
	}
	return false
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
