package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jerroldneal/mcp-broker/internal/activity"
	"github.com/jerroldneal/mcp-broker/internal/chatproxy"
	"github.com/jerroldneal/mcp-broker/internal/correlator"
	"github.com/jerroldneal/mcp-broker/internal/protocol"
	"github.com/jerroldneal/mcp-broker/internal/registry"
	"github.com/jerroldneal/mcp-broker/internal/router"
)

type echoSender struct{ corr *correlator.Correlator }

func (e *echoSender) Send(frame protocol.Frame) error {
	if frame.Type == "tool_call" {
		go e.corr.Complete(frame.CallID, correlator.Outcome{Result: protocol.TextResult("spoken", false)})
	}
	return nil
}
func (e *echoSender) Close(string) {}

func setup(t *testing.T) (*router.Router, *registry.Registry, *activity.Log, *chatproxy.Proxy) {
	t.Helper()
	reg := registry.New()
	corr := correlator.New()
	log := activity.New(200, 100, 500, nil)
	rt := router.New(reg, corr, log, 200*time.Millisecond)
	reg.InsertOrReplace(&registry.Entry{ID: kokoroProviderID, Sender: &echoSender{corr: corr}})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"response": "rephrased"})
	}))
	t.Cleanup(srv.Close)
	proxy := chatproxy.New(chatproxy.Config{BaseURL: srv.URL, DefaultModel: "m"}, nil)

	builtins := New(reg, log, rt, proxy)
	rt.RegisterBuiltins(builtins)
	return rt, reg, log, proxy
}

func TestListBrokerClients(t *testing.T) {
	rt, _, _, _ := setup(t)
	result := rt.Call(context.Background(), "list_broker_clients", nil)
	if result.IsError {
		t.Fatalf("unexpected error: %+v", result)
	}
	var clients []struct {
		ClientID string   `json:"clientId"`
		Tools    []string `json:"tools"`
	}
	json.Unmarshal([]byte(result.Content[0].Text), &clients)
	if len(clients) != 1 || clients[0].ClientID != kokoroProviderID {
		t.Fatalf("unexpected clients: %+v", clients)
	}
}

func TestGetNotificationsScopesToClient(t *testing.T) {
	rt, _, log, _ := setup(t)
	log.StoreNotification(kokoroProviderID, json.RawMessage(`{"tick":1}`))

	args, _ := json.Marshal(map[string]string{"clientId": kokoroProviderID})
	result := rt.Call(context.Background(), "get_notifications", args)
	if result.IsError {
		t.Fatalf("unexpected error: %+v", result)
	}
	if result.Content[0].Text == "[]" || result.Content[0].Text == "" {
		t.Fatalf("expected notifications for %s, got %q", kokoroProviderID, result.Content[0].Text)
	}
}

func TestSpeakDelegatesToKokoro(t *testing.T) {
	rt, _, _, _ := setup(t)
	args, _ := json.Marshal(map[string]string{"text": "hello"})
	result := rt.Call(context.Background(), "speak", args)
	if result.IsError || result.Content[0].Text != "spoken" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSpeakActionFallsBackOnProxyFailure(t *testing.T) {
	reg := registry.New()
	corr := correlator.New()
	log := activity.New(200, 100, 500, nil)
	rt := router.New(reg, corr, log, 200*time.Millisecond)
	reg.InsertOrReplace(&registry.Entry{ID: kokoroProviderID, Sender: &echoSender{corr: corr}})

	// Upstream unreachable: baseURL points nowhere.
	proxy := chatproxy.New(chatproxy.Config{BaseURL: "http://127.0.0.1:1", DefaultModel: "m"}, nil)
	rt.RegisterBuiltins(New(reg, log, rt, proxy))

	args, _ := json.Marshal(map[string]string{"action": "wave hello"})
	result := rt.Call(context.Background(), "speak_action", args)
	if result.IsError || result.Content[0].Text != "spoken" {
		t.Fatalf("expected fallback to still reach kokoro-tts, got %+v", result)
	}
}
