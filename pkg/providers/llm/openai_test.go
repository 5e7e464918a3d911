package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lokutor-ai/teachme-live/pkg/llm"
)

func TestOpenAILLMCreate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
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
			"id":    "chatcmpl-1",
			"model": req["model"],
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello from openai"}},
			},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 4},
		})
	}))
	defer server.Close()

	l := &OpenAILLM{
		client:         openai.NewClient(option.WithAPIKey("test-key"), option.WithBaseURL(server.URL)),
		model:          "gpt-4o",
		requestTimeout: 5 * time.Second,
	}

	resp, err := l.Create(context.Background(), llm.CreateParams{
		Messages: []llm.Message{{Role: "user", Content: []llm.ContentBlock{{Type: "text", Text: "hi"}}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "hello from openai" {
		t.Errorf("got text %q, want %q", resp.Text, "hello from openai")
	}
	if l.Name() != "openai" {
		t.Errorf("expected openai, got %s", l.Name())
	}
}
