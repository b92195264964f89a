package claude

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/tenant-meter/internal/provider"
)

func TestGenerate_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing auth headers")
		}
		resp := messagesResponse{
			ID: "msg_123",
			Content: []contentBlock{
				{Type: "text", Text: "Hello from Claude mock!"},
			},
			Usage: usage{InputTokens: 10, OutputTokens: 20},
			Model: "claude-3-5-sonnet-20241022",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &ClaudeProvider{apiKey: "test-key", baseURL: server.URL}

	resp, err := p.Generate(context.Background(),
		[]provider.Message{{Role: "user", Content: "hi"}},
		provider.Params{Model: "claude-3-5-sonnet-20241022"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if resp.Content != "Hello from Claude mock!" {
		t.Errorf("Expected 'Hello from Claude mock!', got %s", resp.Content)
	}
	if resp.InputTokens != 10 {
		t.Errorf("Expected 10 input tokens, got %d", resp.InputTokens)
	}
	if resp.OutputTokens != 20 {
		t.Errorf("Expected 20 output tokens, got %d", resp.OutputTokens)
	}
}

func TestKind(t *testing.T) {
	if New("key").Kind() != provider.KindClaude {
		t.Errorf("Expected claude kind")
	}
}

func TestSupportedModels(t *testing.T) {
	found := false
	for _, m := range New("key").SupportedModels() {
		if m == "claude-3-5-haiku-20241022" {
			found = true
			break
		}
	}
	if !found {
		t.Error("claude-3-5-haiku-20241022 should be in supported models")
	}
}

func TestSystemMessageExtraction(t *testing.T) {
	var captured messagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)

		resp := messagesResponse{
			ID:      "msg_123",
			Content: []contentBlock{{Type: "text", Text: "ok"}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &ClaudeProvider{apiKey: "test-key", baseURL: server.URL}

	_, err := p.Generate(context.Background(), []provider.Message{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "hi"},
	}, provider.Params{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if captured.System != "You are a helpful assistant." {
		t.Errorf("Expected system message to be extracted, got %s", captured.System)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Role != "user" {
		t.Errorf("Expected a single user message, got %+v", captured.Messages)
	}
	if captured.MaxTokens != defaultMaxTokens || captured.Model != defaultModel {
		t.Errorf("Expected defaults, got model=%s max_tokens=%d", captured.Model, captured.MaxTokens)
	}
}
