package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lokutor-ai/teachme-live/pkg/llm"
)

func TestAnthropicLLMCreate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_123",
			"model": req["model"],
			"role":  "assistant",
			"type":  "message",
			"content": []map[string]any{
				{"type": "text", "text": "hello from anthropic"},
			},
			"usage": map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer server.Close()

	l := &AnthropicLLM{
		client:         anthropic.NewClient(option.WithAPIKey("test-key"), option.WithBaseURL(server.URL)),
		primaryModel:   "claude-primary",
		fallbackModel:  "claude-fallback",
		requestTimeout: 5 * time.Second,
	}

	resp, err := l.Create(context.Background(), llm.CreateParams{
		System:   "system instructions",
		Messages: []llm.Message{{Role: "user", Content: []llm.ContentBlock{{Type: "text", Text: "hi"}}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "hello from anthropic" {
		t.Errorf("got text %q, want %q", resp.Text, "hello from anthropic")
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 5 {
		t.Errorf("got tokens %d/%d, want 10/5", resp.InputTokens, resp.OutputTokens)
	}
}
