// Package providerconn implements the Provider Session: the persistent
// bidirectional frame channel described for component A, framed over a
// gorilla/websocket connection the way gateway.wsControlPlane frames its
// own control-plane socket.
package providerconn

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jerroldneal/mcp-broker/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 45 * time.Second
	pingInterval   = 15 * time.Second
	maxFrameBytes  = 1 << 20
	sendBufferSize = 64
)

// Hub is the broker-side coordinator a Session dispatches into. It is
// implemented by *broker.Broker; the interface lives here so providerconn
// does not need to import the broker package.
type Hub interface {
	// Register installs sess under clientID (sanitizing and assigning a
	// random id if clientID is empty), evicting any prior entry for that
	// id, and returns the id that was assigned.
	Register(sess *Session, clientID string, tools []protocol.ToolDescriptor) string
	// CompleteToolCall resolves the pending call identified by callID.
	CompleteToolCall(callID string, result protocol.ToolResult)
	// HandleChatRequest services a chat_request; it sends chat_response or
	// chat_error back on sess itself once the upstream call completes.
	HandleChatRequest(sess *Session, requestID string, payload protocol.ChatPayload)
	// HandleNotification stores event for providerID. A non-nil error means
	// the notification arrived before registration and was rejected.
	HandleNotification(providerID string, event json.RawMessage) error
	// HandleCallTool services a provider-initiated call_tool; it sends
	// call_tool_result back on sess once the route resolves.
	HandleCallTool(sess *Session, callID, tool string, arguments json.RawMessage)
	// Terminate runs the Terminated-state transition for providerID: clears
	// the registry entry, clears its notification ring, cancels its
	// pending calls, and records a disconnect activity with reason.
	Terminate(providerID, reason string)
}

// sessionState tracks the register-before-anything-else contract.
type sessionState int32

const (
	stateNew sessionState = iota
	stateRegistered
	stateTerminated
)

// Session is one connected provider's channel. Inbound frames are processed
// in the order ReadMessage delivers them; outbound frames are serialized
// through a single writer goroutine reading from send.
type Session struct {
	conn   *websocket.Conn
	hub    Hub
	logger *slog.Logger

	send chan []byte

	mu         sync.Mutex
	state      sessionState
	providerID string
	replaced   bool // set by the hub before closing an evicted session

	closeOnce sync.Once
	closed    chan struct{}
}

// MarkReplaced records that this session is being closed because a new
// registration replaced it in the Registry. The read loop's terminal
// transition then skips Hub.Terminate, which would otherwise remove the
// replacement's entry instead of this (already evicted) one.
func (s *Session) MarkReplaced() {
	s.mu.Lock()
	s.replaced = true
	s.mu.Unlock()
}

// NewSession wraps conn for use against hub.
func NewSession(conn *websocket.Conn, hub Hub, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:   conn,
		hub:    hub,
		logger: logger.With("component", "providerconn.session"),
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Upgrade upgrades an HTTP request to a websocket connection and returns a
// Session ready to Run. The caller owns calling Run in its own goroutine.
func Upgrade(w http.ResponseWriter, r *http.Request, hub Hub, logger *slog.Logger) (*Session, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewSession(conn, hub, logger), nil
}

// ProviderID returns the id assigned at registration, or "" before then.
func (s *Session) ProviderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerID
}

// Run drives the session until the connection closes or ctx-independent
// read/write failure. It blocks until the session terminates.
func (s *Session) Run() {
	go s.writePump()
	s.readPump()
	s.terminate()
}

func (s *Session) readPump() {
	s.conn.SetReadLimit(maxFrameBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(raw)
	}
}

func (s *Session) dispatch(raw []byte) {
	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.sendError("invalid JSON")
		return
	}
	if frame.Type == "" {
		s.sendError("missing type")
		return
	}
	if err := validateFrame(raw, frame.Type); err != nil {
		s.sendError(fmt.Sprintf("invalid %s frame: %v", frame.Type, err))
		return
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state != stateRegistered && frame.Type != "register" {
		s.sendError("register must be the first message")
		return
	}

	switch frame.Type {
	case "register":
		s.handleRegister(frame)
	case "unregister":
		s.handleUnregister()
	case "tool_result":
		s.handleToolResult(frame)
	case "chat_request":
		// Spawned: the upstream /generate call may take up to the chat
		// deadline, and must not block this session from reading the next
		// frame (tool_result for an unrelated call, for instance).
		go s.hub.HandleChatRequest(s, frame.RequestID, toolChatPayload(frame.Payload))
	case "notification":
		s.handleNotification(frame)
	case "call_tool":
		go s.hub.HandleCallTool(s, frame.CallID, frame.Tool, frame.Arguments)
	default:
		s.sendError("unknown message type: " + frame.Type)
	}
}

func toolChatPayload(raw json.RawMessage) protocol.ChatPayload {
	var p protocol.ChatPayload
	_ = json.Unmarshal(raw, &p)
	return p
}

func (s *Session) handleRegister(frame protocol.Frame) {
	s.mu.Lock()
	if s.state == stateRegistered {
		s.mu.Unlock()
		s.sendError("already registered")
		return
	}
	s.mu.Unlock()

	assigned := s.hub.Register(s, frame.ClientID, frame.Tools)

	s.mu.Lock()
	s.providerID = assigned
	s.state = stateRegistered
	s.mu.Unlock()

	s.Send(protocol.Frame{Type: "registered", ClientID: assigned})
}

func (s *Session) handleUnregister() {
	id := s.ProviderID()
	if id == "" {
		return
	}
	s.mu.Lock()
	s.state = stateTerminated
	s.mu.Unlock()
	s.hub.Terminate(id, "unregistered")
}

func (s *Session) handleToolResult(frame protocol.Frame) {
	content := frame.Content
	if len(content) == 0 {
		content = []protocol.ContentItem{{Type: "text", Text: "No content returned"}}
	}
	s.hub.CompleteToolCall(frame.CallID, protocol.ToolResult{Content: content, IsError: frame.IsError})
}

func (s *Session) handleNotification(frame protocol.Frame) {
	id := s.ProviderID()
	if err := s.hub.HandleNotification(id, frame.Event); err != nil {
		s.sendError(err.Error())
		return
	}
	s.Send(protocol.Frame{Type: "notification_ack", Timestamp: time.Now().UnixMilli()})
}

func (s *Session) sendError(message string) {
	s.Send(protocol.Frame{Type: "error", Message: message})
}

// Send marshals frame and enqueues it for the writer goroutine. It never
// blocks: a full send buffer drops the frame and logs a warning rather than
// stalling the caller, which may be a router dispatch on another session.
func (s *Session) Send(frame protocol.Frame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	select {
	case s.send <- b:
		return nil
	case <-s.closed:
		return fmt.Errorf("session closed")
	default:
		s.logger.Warn("send buffer full, dropping frame", "type", frame.Type, "provider", s.ProviderID())
		return fmt.Errorf("send buffer full")
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case b, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// Close closes the underlying connection, recording reason for diagnostics.
// It is idempotent.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.logger.Info("closing provider session", "provider", s.ProviderID(), "reason", reason)
		close(s.closed)
		s.conn.Close()
	})
}

func (s *Session) terminate() {
	id := s.ProviderID()
	s.mu.Lock()
	alreadyTerminated := s.state == stateTerminated
	replaced := s.replaced
	s.state = stateTerminated
	s.mu.Unlock()

	s.Close("channel closed")
	if id != "" && !alreadyTerminated && !replaced {
		s.hub.Terminate(id, "disconnected")
	}
}
