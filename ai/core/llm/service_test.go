package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// hangingBackend accepts the request, commits the response headers, and then
// produces no body until the client gives up.
func hangingBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func expectFirstTokenTimeout(t *testing.T, contentCh <-chan string, errCh <-chan error) {
	t.Helper()
	start := time.Now()
	for range contentCh {
		t.Error("no chunks expected from a silent backend")
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrFirstTokenTimeout) {
			t.Fatalf("stream error = %v, want first-token timeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not fail within deadline")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("failed after %v; the 1s first-token budget was not enforced", elapsed)
	}
}

func TestNewService_ClosedProviderSet(t *testing.T) {
	for _, provider := range []string{"openai", "ollama", "vllm", "llamacpp", "groq", "deepseek", "mistral", "openrouter"} {
		if _, err := NewService(&Config{Provider: provider, Model: "m"}); err != nil {
			t.Errorf("NewService(%s) error = %v", provider, err)
		}
	}
	if _, err := NewService(&Config{Provider: "anthropic", Model: "m", APIKey: "k"}); err != nil {
		t.Errorf("NewService(anthropic) error = %v", err)
	}
	if _, err := NewService(&Config{Provider: "bedrock", Model: "m"}); err == nil {
		t.Error("unknown provider should be rejected")
	}
}

func TestParseGenParams_DropsUnknownKeys(t *testing.T) {
	p := ParseGenParams(map[string]any{
		"temperature":   0.2,
		"max_tokens":    float64(64),
		"stop":          []any{"END"},
		"mirostat_tau":  5.0,
		"weird_setting": "x",
	})
	if p == nil {
		t.Fatal("ParseGenParams returned nil")
	}
	if p.Temperature == nil || *p.Temperature != 0.2 {
		t.Errorf("temperature = %v", p.Temperature)
	}
	if p.MaxTokens == nil || *p.MaxTokens != 64 {
		t.Errorf("max_tokens = %v", p.MaxTokens)
	}
	if len(p.Stop) != 1 || p.Stop[0] != "END" {
		t.Errorf("stop = %v", p.Stop)
	}
	if ParseGenParams(nil) != nil {
		t.Error("empty map should yield nil params")
	}
}

func TestOpenAIService_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Hello"}}]}`,
			`{"choices":[{"delta":{"content":" world"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	svc, err := NewService(&Config{Provider: "vllm", Model: "m", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	contentCh, statsCh, errCh := svc.ChatStream(context.Background(), []Message{UserMessage("hi")}, nil)

	var got string
	for chunk := range contentCh {
		got += chunk
	}
	if got != "Hello world" {
		t.Errorf("streamed content = %q, want %q", got, "Hello world")
	}

	select {
	case stats := <-statsCh:
		if stats == nil {
			t.Fatal("nil stats")
		}
		if stats.TotalTokens != 5 {
			t.Errorf("total_tokens = %d, want 5", stats.TotalTokens)
		}
	case err := <-errCh:
		if err != nil {
			t.Fatalf("stream error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stats or error within deadline")
	}
}

func TestOpenAIService_ChatStreamFirstTokenBudget(t *testing.T) {
	srv := hangingBackend(t)

	svc, err := NewService(&Config{Provider: "vllm", Model: "m", BaseURL: srv.URL, Timeout: 30, FirstTokenTimeout: 1})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	contentCh, _, errCh := svc.ChatStream(context.Background(), []Message{UserMessage("hi")}, nil)
	expectFirstTokenTimeout(t, contentCh, errCh)
}

func TestAnthropicService_ChatStreamFirstTokenBudget(t *testing.T) {
	srv := hangingBackend(t)

	svc, err := NewService(&Config{Provider: "anthropic", Model: "m", APIKey: "k", BaseURL: srv.URL, Timeout: 30, FirstTokenTimeout: 1})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	contentCh, _, errCh := svc.ChatStream(context.Background(), []Message{UserMessage("hi")}, nil)
	expectFirstTokenTimeout(t, contentCh, errCh)
}

func TestAnthropicService_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"message_start"}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":" there"}}`,
			`{"type":"message_delta","usage":{"output_tokens":2}}`,
			`{"type":"message_stop"}`,
		}
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}))
	defer srv.Close()

	svc, err := NewService(&Config{Provider: "anthropic", Model: "m", APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	contentCh, statsCh, errCh := svc.ChatStream(context.Background(), []Message{
		SystemPrompt("be brief"),
		UserMessage("hi"),
	}, nil)

	var got string
	for chunk := range contentCh {
		got += chunk
	}
	if got != "Hi there" {
		t.Errorf("streamed content = %q, want %q", got, "Hi there")
	}

	select {
	case stats := <-statsCh:
		if stats == nil || stats.CompletionTokens != 2 {
			t.Errorf("stats = %+v, want 2 completion tokens", stats)
		}
	case err := <-errCh:
		if err != nil {
			t.Fatalf("stream error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stats or error within deadline")
	}
}

func TestAnthropicService_ChatCollectsTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":[{"type":"text","text":"answer"}],"usage":{"input_tokens":4,"output_tokens":1}}`)
	}))
	defer srv.Close()

	svc, err := NewService(&Config{Provider: "anthropic", Model: "m", APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	content, stats, err := svc.Chat(context.Background(), []Message{UserMessage("q")}, nil)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if content != "answer" {
		t.Errorf("content = %q", content)
	}
	if stats.TotalTokens != 5 {
		t.Errorf("total_tokens = %d, want 5", stats.TotalTokens)
	}
}
