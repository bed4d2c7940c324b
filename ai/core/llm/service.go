// Package llm abstracts inference backends behind a single streaming
// interface. All providers except anthropic speak the OpenAI-compatible
// protocol and share one client.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// ErrFirstTokenTimeout marks a stream whose backend accepted the request but
// produced no output inside the first-token budget. Retryable: the next
// attempt may land on a less loaded replica.
var ErrFirstTokenTimeout = errors.New("first token timeout")

// Message represents a chat message.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// CallStats carries token usage and timing for a single inference call.
type CallStats struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	FirstTokenMs     int64 `json:"first_token_ms"`
	TotalDurationMs  int64 `json:"total_duration_ms"`
}

// GenParams are per-request generation overrides. Unknown keys in the
// incoming request map are tolerated and dropped before reaching here.
type GenParams struct {
	Temperature *float32
	MaxTokens   *int
	TopP        *float32
	Stop        []string
}

// ParseGenParams extracts the supported overrides from a request-level
// options map. Unknown keys are logged at debug and discarded.
func ParseGenParams(raw map[string]any) *GenParams {
	if len(raw) == 0 {
		return nil
	}
	p := &GenParams{}
	for k, v := range raw {
		switch k {
		case "temperature":
			if f, ok := toFloat32(v); ok {
				p.Temperature = &f
			}
		case "max_tokens":
			if f, ok := toFloat32(v); ok {
				n := int(f)
				p.MaxTokens = &n
			}
		case "top_p":
			if f, ok := toFloat32(v); ok {
				p.TopP = &f
			}
		case "stop":
			if list, ok := v.([]any); ok {
				for _, s := range list {
					if str, ok := s.(string); ok {
						p.Stop = append(p.Stop, str)
					}
				}
			}
		default:
			slog.Debug("llm: ignoring unknown generation param", "key", k)
		}
	}
	return p
}

func toFloat32(v any) (float32, bool) {
	switch n := v.(type) {
	case float64:
		return float32(n), true
	case float32:
		return n, true
	case int:
		return float32(n), true
	}
	return 0, false
}

// Service is the inference client interface.
type Service interface {
	// Chat performs synchronous chat. Returns content, statistics, and error.
	Chat(ctx context.Context, messages []Message, params *GenParams) (string, *CallStats, error)

	// ChatStream performs streaming chat. Returns content channel, stats
	// channel, and error channel. Exactly one of stats or error fires, then
	// all three channels close.
	ChatStream(ctx context.Context, messages []Message, params *GenParams) (<-chan string, <-chan *CallStats, <-chan error)

	// VerifyConnection sends a minimal request to confirm the backend is
	// reachable and the credentials work.
	VerifyConnection(ctx context.Context) error
}

// Config represents one inference backend.
type Config struct {
	Provider          string // openai, ollama, vllm, llamacpp, groq, deepseek, mistral, openrouter, anthropic
	Model             string
	APIKey            string
	BaseURL           string
	MaxTokens         int     // default: 2048
	Temperature       float32 // default: 0.7
	Timeout           int     // total request timeout in seconds (default: 120)
	FirstTokenTimeout int     // seconds until the first streamed token (default: 15)
}

// NewService creates an inference client for the configured provider.
// The provider set is closed; unknown names are a configuration error.
func NewService(cfg *Config) (Service, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120
	}
	if cfg.FirstTokenTimeout <= 0 {
		cfg.FirstTokenTimeout = 15
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}

	switch cfg.Provider {
	case "openai", "ollama", "vllm", "llamacpp", "groq", "deepseek", "mistral", "openrouter":
		return newOpenAIService(cfg)
	case "anthropic":
		return newAnthropicService(cfg)
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}

func newHTTPClient(timeout int) *http.Client {
	return &http.Client{
		Timeout: time.Duration(timeout) * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// SystemPrompt creates a system message.
func SystemPrompt(content string) Message {
	return Message{Role: "system", Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}
