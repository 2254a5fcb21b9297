// Package builtin implements the five built-in tools enumerated in the
// external interfaces: list_broker_clients, get_notifications, speak,
// speak_action, and ask_ai.
package builtin

import (
	"context"
	"encoding/json"

	"github.com/jerroldneal/mcp-broker/internal/activity"
	"github.com/jerroldneal/mcp-broker/internal/chatproxy"
	"github.com/jerroldneal/mcp-broker/internal/protocol"
	"github.com/jerroldneal/mcp-broker/internal/registry"
	"github.com/jerroldneal/mcp-broker/internal/router"
)

const speakActionSystemPrompt = "Rephrase the following action as a short, natural spoken sentence. Respond with only the sentence."

// New builds the built-in tool set in fixed declaration order:
// list_broker_clients, get_notifications, speak, speak_action, ask_ai.
func New(reg *registry.Registry, log *activity.Log, rt *router.Router, proxy *chatproxy.Proxy) []router.Builtin {
	return []router.Builtin{
		listBrokerClients(reg),
		getNotifications(log),
		speak(rt),
		speakAction(rt, proxy),
		askAI(rt, proxy),
	}
}

func listBrokerClients(reg *registry.Registry) router.Builtin {
	return router.Builtin{
		Descriptor: protocol.ToolDescriptor{
			Name:        "list_broker_clients",
			Description: "List connected providers and the tools each publishes.",
		},
		Handler: func(context.Context, []byte) protocol.ToolResult {
			type clientTools struct {
				ClientID string   `json:"clientId"`
				Tools    []string `json:"tools"`
			}
			snapshot := reg.Snapshot()
			out := make([]clientTools, 0, len(snapshot))
			for _, entry := range snapshot {
				names := make([]string, 0, len(entry.Tools))
				for _, tool := range entry.Tools {
					names = append(names, tool.Name)
				}
				out = append(out, clientTools{ClientID: entry.ID, Tools: names})
			}
			b, _ := json.Marshal(out)
			return protocol.TextResult(string(b), false)
		},
	}
}

func getNotifications(log *activity.Log) router.Builtin {
	return router.Builtin{
		Descriptor: protocol.ToolDescriptor{
			Name:        "get_notifications",
			Description: "Fetch stored notifications, per-provider if clientId is given, else global.",
		},
		Handler: func(_ context.Context, arguments []byte) protocol.ToolResult {
			var params struct {
				ClientID string `json:"clientId"`
				Limit    int    `json:"limit"`
			}
			params.Limit = 50
			if len(arguments) > 0 {
				_ = json.Unmarshal(arguments, &params)
			}
			notifications := log.Notifications(params.ClientID, params.Limit)
			b, _ := json.Marshal(notifications)
			return protocol.TextResult(string(b), false)
		},
	}
}

const kokoroProviderID = "kokoro-tts"

func speak(rt *router.Router) router.Builtin {
	return router.Builtin{
		Descriptor: protocol.ToolDescriptor{
			Name:        "speak",
			Description: "Speak text aloud via the kokoro-tts provider.",
		},
		Handler: func(ctx context.Context, arguments []byte) protocol.ToolResult {
			return rt.Call(ctx, protocol.Namespace(kokoroProviderID, "speak"), arguments)
		},
	}
}

func speakAction(rt *router.Router, proxy *chatproxy.Proxy) router.Builtin {
	return router.Builtin{
		Descriptor: protocol.ToolDescriptor{
			Name:        "speak_action",
			Description: "Rephrase an action as natural speech, then speak it via kokoro-tts.",
		},
		Handler: func(ctx context.Context, arguments []byte) protocol.ToolResult {
			var params struct {
				Action string `json:"action"`
			}
			if err := json.Unmarshal(arguments, &params); err != nil {
				return protocol.ErrorResult("invalid arguments: " + err.Error())
			}

			text := params.Action
			if msg, _, err := proxy.Complete(ctx, protocol.ChatPayload{
				Messages: []protocol.ChatMessage{
					{Role: "system", Content: speakActionSystemPrompt},
					{Role: "user", Content: params.Action},
				},
			}); err == nil && msg.Content != "" {
				text = msg.Content
			}

			speakArgs, _ := json.Marshal(map[string]string{"text": text})
			return rt.Call(ctx, protocol.Namespace(kokoroProviderID, "speak"), speakArgs)
		},
	}
}

func askAI(rt *router.Router, proxy *chatproxy.Proxy) router.Builtin {
	return router.Builtin{
		Descriptor: protocol.ToolDescriptor{
			Name:        "ask_ai",
			Description: "Ask the upstream model a question, optionally speaking the answer.",
		},
		Handler: func(ctx context.Context, arguments []byte) protocol.ToolResult {
			var params struct {
				Prompt string `json:"prompt"`
				System string `json:"system"`
				Model  string `json:"model"`
				Speak  bool   `json:"speak"`
			}
			if err := json.Unmarshal(arguments, &params); err != nil {
				return protocol.ErrorResult("invalid arguments: " + err.Error())
			}

			payload := protocol.ChatPayload{Model: params.Model, Prompt: params.Prompt}
			if params.System != "" {
				payload.Messages = []protocol.ChatMessage{
					{Role: "system", Content: params.System},
					{Role: "user", Content: params.Prompt},
				}
			}

			msg, _, err := proxy.Complete(ctx, payload)
			if err != nil {
				return protocol.ErrorResult(err.Error())
			}

			if params.Speak {
				speakArgs, _ := json.Marshal(map[string]string{"text": msg.Content})
				rt.Call(ctx, protocol.Namespace(kokoroProviderID, "speak"), speakArgs) // best-effort
			}

			return protocol.TextResult(msg.Content, false)
		},
	}
}
