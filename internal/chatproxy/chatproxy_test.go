package chatproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jerroldneal/mcp-broker/internal/protocol"
)

func TestBuildPrompt(t *testing.T) {
	prompt, system := buildPrompt(protocol.ChatPayload{Messages: []protocol.ChatMessage{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
	}})
	if prompt != "hi" || system != "be terse" {
		t.Fatalf("got prompt=%q system=%q", prompt, system)
	}
}

func TestCompleteRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Prompt != "hi" || req.System != "be terse" || req.Stream {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "hello"})
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, DefaultModel: "qwen2.5:14b"}, nil)
	msg, model, err := p.Complete(context.Background(), protocol.ChatPayload{
		Messages: []protocol.ChatMessage{{Role: "system", Content: "be terse"}, {Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "hello" || msg.Role != "assistant" || model != "qwen2.5:14b" {
		t.Fatalf("unexpected result: %+v model=%s", msg, model)
	}
}

func TestCompleteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, DefaultModel: "m"}, nil)
	_, _, err := p.Complete(context.Background(), protocol.ChatPayload{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected an error for a non-2xx upstream response")
	}
}

func TestStreamEmitsTokensThenDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"hel"}` + "\n"))
		w.Write([]byte(`{"response":"lo"}` + "\n"))
		w.Write([]byte(`{"done":true}` + "\n"))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, DefaultModel: "m"}, nil)
	var tokens []string
	full, _, err := p.Stream(context.Background(), protocol.ChatPayload{Prompt: "hi"}, func(tok string) {
		tokens = append(tokens, tok)
	})
	if err != nil {
		t.Fatal(err)
	}
	if full != "hello" || len(tokens) != 2 {
		t.Fatalf("got full=%q tokens=%v", full, tokens)
	}
}
