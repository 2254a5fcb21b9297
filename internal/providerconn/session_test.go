package providerconn

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jerroldneal/mcp-broker/internal/protocol"
)

// fakeHub is a minimal Hub recording what it was called with, for testing
// the Session's frame dispatch independent of the real broker wiring.
type fakeHub struct {
	registered   chan string
	unregistered chan string
	toolResults  chan protocol.ToolResult
	notified     chan json.RawMessage
	rejectNotify bool
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		registered:   make(chan string, 1),
		unregistered: make(chan string, 1),
		toolResults:  make(chan protocol.ToolResult, 1),
		notified:     make(chan json.RawMessage, 1),
	}
}

func (h *fakeHub) Register(sess *Session, clientID string, tools []protocol.ToolDescriptor) string {
	id := protocol.SanitizeProviderID(clientID)
	h.registered <- id
	return id
}
func (h *fakeHub) Terminate(providerID, reason string) { h.unregistered <- providerID }
func (h *fakeHub) CompleteToolCall(callID string, result protocol.ToolResult) {
	h.toolResults <- result
}
func (h *fakeHub) HandleChatRequest(sess *Session, requestID string, payload protocol.ChatPayload) {}
func (h *fakeHub) HandleNotification(providerID string, event json.RawMessage) error {
	if h.rejectNotify {
		return &testError{"notification before register"}
	}
	h.notified <- event
	return nil
}
func (h *fakeHub) HandleCallTool(sess *Session, callID, tool string, arguments json.RawMessage) {}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func startTestServer(t *testing.T, hub Hub) (wsURL string, cleanup func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := Upgrade(w, r, hub, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		go sess.Run()
	}))
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/", srv.Close
}

func TestRegisterHandshake(t *testing.T) {
	hub := newFakeHub()
	url, cleanup := startTestServer(t, hub)
	defer cleanup()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.WriteJSON(protocol.Frame{Type: "register", ClientID: "hello-world"})

	select {
	case id := <-hub.registered:
		if id != "hello-world" {
			t.Fatalf("got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hub.Register was not called")
	}

	var resp protocol.Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != "registered" || resp.ClientID != "hello-world" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestNotificationBeforeRegisterIsRejected(t *testing.T) {
	hub := newFakeHub()
	url, cleanup := startTestServer(t, hub)
	defer cleanup()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.WriteJSON(protocol.Frame{Type: "notification", Event: json.RawMessage(`{"tick":1}`)})

	var resp protocol.Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != "error" {
		t.Fatalf("expected an error frame for notification-before-register, got %+v", resp)
	}
}

func TestToolResultMissingContentSubstitutesPlaceholder(t *testing.T) {
	hub := newFakeHub()
	url, cleanup := startTestServer(t, hub)
	defer cleanup()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.WriteJSON(protocol.Frame{Type: "register", ClientID: "svc"})
	<-hub.registered
	var reg protocol.Frame
	conn.ReadJSON(&reg)

	conn.WriteJSON(protocol.Frame{Type: "tool_result", CallID: "abc123"})

	select {
	case result := <-hub.toolResults:
		if len(result.Content) != 1 || result.Content[0].Text != "No content returned" {
			t.Fatalf("unexpected result: %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hub.CompleteToolCall was not called")
	}
}

func TestUnknownMessageTypeYieldsError(t *testing.T) {
	hub := newFakeHub()
	url, cleanup := startTestServer(t, hub)
	defer cleanup()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.WriteJSON(protocol.Frame{Type: "register", ClientID: "svc"})
	<-hub.registered
	var reg protocol.Frame
	conn.ReadJSON(&reg)

	conn.WriteJSON(protocol.Frame{Type: "not_a_real_type"})

	var resp protocol.Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != "error" {
		t.Fatalf("expected error frame, got %+v", resp)
	}
}
