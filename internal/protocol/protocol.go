// Package protocol holds the wire types and namespacing rules shared by the
// provider channel, the registry, the correlator, and the consumer adapter.
// It has no dependencies on the rest of the broker so every other package
// can import it without risk of a cycle.
package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
)

// ToolDescriptor is a provider-local callable tool, or a built-in.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// DefaultInputSchema is substituted when a descriptor omits input_schema.
var DefaultInputSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// WithDefaultSchema returns d with InputSchema filled in if it was omitted.
func (d ToolDescriptor) WithDefaultSchema() ToolDescriptor {
	if len(d.InputSchema) == 0 {
		d.InputSchema = DefaultInputSchema
	}
	return d
}

// ContentItem is one piece of tool or chat output.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the outcome of any tool invocation, built-in or provider.
type ToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// TextResult builds a single-item text result.
func TextResult(text string, isError bool) ToolResult {
	return ToolResult{Content: []ContentItem{{Type: "text", Text: text}}, IsError: isError}
}

// ErrorResult builds a single-item error result with an "Error: " prefix,
// matching the Consumer Adapter's error-mapping contract.
func ErrorResult(message string) ToolResult {
	return TextResult("Error: "+message, true)
}

// ChatMessage is one entry in a chat request's message list.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatPayload is the body of a provider's chat_request frame.
type ChatPayload struct {
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages,omitempty"`
	Prompt   string        `json:"prompt,omitempty"`
}

// ChatResponsePayload is the body of a broker-to-provider chat_response frame.
type ChatResponsePayload struct {
	Message ChatMessage `json:"message"`
	Model   string      `json:"model"`
}

// Frame is the single JSON object exchanged in both directions on the
// provider channel. Every message type in the protocol table populates a
// subset of these fields; the rest are omitted.
type Frame struct {
	Type string `json:"type"`

	ClientID string           `json:"clientId,omitempty"`
	Tools    []ToolDescriptor `json:"tools,omitempty"`

	CallID    string          `json:"callId,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Content   []ContentItem   `json:"content,omitempty"`
	IsError   bool            `json:"isError,omitempty"`

	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	Event     json.RawMessage `json:"event,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`

	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

var idSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeProviderID replaces any character outside [A-Za-z0-9_-] with "_"
// and assigns a random rc_<8hex> id if the result is empty.
func SanitizeProviderID(raw string) string {
	sanitized := idSanitizer.ReplaceAllString(raw, "_")
	if sanitized == "" {
		return "rc_" + randomHex(4)
	}
	return sanitized
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is not recoverable; fall back to a fixed
		// value rather than panic mid-registration.
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(buf)
}

// NamespaceSeparator joins a provider id and a local tool name.
const NamespaceSeparator = "__"

// Namespace builds the consumer-visible name for a provider's tool.
func Namespace(providerID, toolName string) string {
	return providerID + NamespaceSeparator + toolName
}

// SplitNamespaced splits a consumer-visible name at the first "__". ok is
// false when the name carries no separator ("not namespaced").
func SplitNamespaced(name string) (providerID, toolName string, ok bool) {
	idx := strings.Index(name, NamespaceSeparator)
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+len(NamespaceSeparator):], true
}
