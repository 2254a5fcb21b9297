// Package chatproxy implements the Chat Proxy: turning a provider's chat
// payload into an upstream POST /generate call, non-streamed or as an
// NDJSON stream of response chunks.
package chatproxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jerroldneal/mcp-broker/internal/protocol"
)

// Config configures a Proxy.
type Config struct {
	BaseURL      string
	DefaultModel string
	HTTPClient   *http.Client
}

// Proxy forwards chat requests to the upstream generative-model endpoint.
type Proxy struct {
	baseURL      string
	defaultModel string
	client       *http.Client
	logger       *slog.Logger
}

// New builds a Proxy from cfg, defaulting the HTTP client if unset.
func New(cfg Config, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Proxy{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		defaultModel: cfg.DefaultModel,
		client:       client,
		logger:       logger.With("component", "chatproxy"),
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// buildPrompt concatenates non-system message contents with newlines and
// extracts the single system message, falling back to payload.Prompt when
// no message list is present.
func buildPrompt(payload protocol.ChatPayload) (prompt, system string) {
	if len(payload.Messages) == 0 {
		return payload.Prompt, ""
	}
	var lines []string
	for _, m := range payload.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		lines = append(lines, m.Content)
	}
	return strings.Join(lines, "\n"), system
}

func (p *Proxy) resolveModel(model string) string {
	if model != "" {
		return model
	}
	return p.defaultModel
}

// Complete performs the non-streamed POST /generate call described for the
// Chat Proxy component, returning the assistant message and resolved model.
func (p *Proxy) Complete(ctx context.Context, payload protocol.ChatPayload) (protocol.ChatMessage, string, error) {
	prompt, system := buildPrompt(payload)
	model := p.resolveModel(payload.Model)

	reqBody, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, System: system, Stream: false})
	if err != nil {
		return protocol.ChatMessage{}, model, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/generate", bytes.NewReader(reqBody))
	if err != nil {
		return protocol.ChatMessage{}, model, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return protocol.ChatMessage{}, model, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return protocol.ChatMessage{}, model, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return protocol.ChatMessage{}, model, fmt.Errorf("decode upstream response: %w", err)
	}

	return protocol.ChatMessage{Role: "assistant", Content: parsed.Response}, model, nil
}

// Stream performs the streaming variant used at the dashboard boundary:
// stream:true, consumed as newline-delimited JSON, invoking onToken for
// each {"response":...} chunk. It returns the full concatenated text.
func (p *Proxy) Stream(ctx context.Context, payload protocol.ChatPayload, onToken func(string)) (fullText, model string, err error) {
	prompt, system := buildPrompt(payload)
	model = p.resolveModel(payload.Model)

	reqBody, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, System: system, Stream: true})
	if err != nil {
		return "", model, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/generate", bytes.NewReader(reqBody))
	if err != nil {
		return "", model, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", model, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", model, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(body))
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk generateResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			p.logger.Warn("skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			onToken(chunk.Response)
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), model, fmt.Errorf("reading upstream stream: %w", err)
	}
	return full.String(), model, nil
}
