package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
)

// anthropicService speaks the native Anthropic messages API. The system
// prompt travels in a dedicated top-level field rather than the message list.
type anthropicService struct {
	httpClient        *http.Client
	baseURL           string
	apiKey            string
	model             string
	maxTokens         int
	temperature       float32
	timeout           int
	firstTokenTimeout int
}

func newAnthropicService(cfg *Config) (Service, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic provider needs an api key")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &anthropicService{
		httpClient:        newHTTPClient(cfg.Timeout),
		baseURL:           strings.TrimRight(baseURL, "/"),
		apiKey:            cfg.APIKey,
		model:             cfg.Model,
		maxTokens:         cfg.MaxTokens,
		temperature:       cfg.Temperature,
		timeout:           cfg.Timeout,
		firstTokenTimeout: cfg.FirstTokenTimeout,
	}, nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float32            `json:"temperature,omitempty"`
	TopP        float32            `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicEvent covers the SSE event payloads we care about:
// content_block_delta carries text, message_delta carries final usage.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *anthropicService) buildRequest(messages []Message, params *GenParams, stream bool) *anthropicRequest {
	req := &anthropicRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Stream:      stream,
	}
	for _, m := range messages {
		if m.Role == "system" {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	if params != nil {
		if params.Temperature != nil {
			req.Temperature = *params.Temperature
		}
		if params.MaxTokens != nil {
			req.MaxTokens = *params.MaxTokens
		}
		if params.TopP != nil {
			req.TopP = *params.TopP
		}
		if len(params.Stop) > 0 {
			req.Stop = params.Stop
		}
	}
	return req
}

func (s *anthropicService) post(ctx context.Context, body *anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", s.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	return s.httpClient.Do(httpReq)
}

func (s *anthropicService) Chat(ctx context.Context, messages []Message, params *GenParams) (string, *CallStats, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
	defer cancel()

	startTime := time.Now()
	resp, err := s.post(ctx, s.buildRequest(messages, params, false))
	if err != nil {
		return "", nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", nil, fmt.Errorf("anthropic read response: %w", err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", nil, fmt.Errorf("anthropic decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", nil, fmt.Errorf("anthropic status %d: %s", resp.StatusCode, msg)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	totalDuration := time.Since(startTime)
	stats := &CallStats{
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
		TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		FirstTokenMs:     totalDuration.Milliseconds(),
		TotalDurationMs:  totalDuration.Milliseconds(),
	}
	return text.String(), stats, nil
}

func (s *anthropicService) ChatStream(ctx context.Context, messages []Message, params *GenParams) (<-chan string, <-chan *CallStats, <-chan error) {
	contentChan := make(chan string, 10)
	statsChan := make(chan *CallStats, 1)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(statsChan)
		defer close(errChan)

		ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
		defer cancel()

		// Same first-token budget as the OpenAI-compatible client: the body
		// read blocks, so enforcement means cancelling the stream's context
		// when the timer beats the first text delta.
		firstTokenErr := fmt.Errorf("no token from anthropic within %ds: %w", s.firstTokenTimeout, ErrFirstTokenTimeout)
		streamCtx, cancelStream := context.WithCancelCause(ctx)
		defer cancelStream(nil)
		firstTokenTimer := time.AfterFunc(time.Duration(s.firstTokenTimeout)*time.Second, func() {
			cancelStream(firstTokenErr)
		})
		defer firstTokenTimer.Stop()

		startTime := time.Now()
		resp, err := s.post(streamCtx, s.buildRequest(messages, params, true))
		if err != nil {
			if errors.Is(context.Cause(streamCtx), firstTokenErr) {
				err = firstTokenErr
			}
			select {
			case errChan <- fmt.Errorf("anthropic stream request failed: %w", err):
			case <-ctx.Done():
			}
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			select {
			case errChan <- fmt.Errorf("anthropic status %d: %s", resp.StatusCode, string(raw)):
			case <-ctx.Done():
			}
			return
		}

		var firstChunkTime time.Time
		outputTokens := 0
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}

			var ev anthropicEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				slog.Debug("llm: anthropic skipping undecodable event", "error", err)
				continue
			}

			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
					continue
				}
				if firstChunkTime.IsZero() {
					firstChunkTime = time.Now()
					firstTokenTimer.Stop()
				}
				select {
				case contentChan <- ev.Delta.Text:
				case <-ctx.Done():
					select {
					case errChan <- ctx.Err():
					default:
					}
					return
				}
			case "message_delta":
				if ev.Usage.OutputTokens > 0 {
					outputTokens = ev.Usage.OutputTokens
				}
			case "error":
				msg := "stream error"
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				select {
				case errChan <- fmt.Errorf("anthropic stream: %s", msg):
				case <-ctx.Done():
				}
				return
			case "message_stop":
				totalDuration := time.Since(startTime)
				statsChan <- &CallStats{
					CompletionTokens: outputTokens,
					TotalTokens:      outputTokens,
					FirstTokenMs:     sinceMs(startTime, firstChunkTime),
					TotalDurationMs:  totalDuration.Milliseconds(),
				}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(context.Cause(streamCtx), firstTokenErr) {
				err = firstTokenErr
			}
			select {
			case errChan <- fmt.Errorf("anthropic stream read: %w", err):
			case <-ctx.Done():
			}
			return
		}

		// Stream ended without message_stop. Report what we have.
		statsChan <- &CallStats{
			CompletionTokens: outputTokens,
			TotalTokens:      outputTokens,
			FirstTokenMs:     sinceMs(startTime, firstChunkTime),
			TotalDurationMs:  time.Since(startTime).Milliseconds(),
		}
	}()

	return contentChan, statsChan, errChan
}

func (s *anthropicService) VerifyConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req := s.buildRequest([]Message{UserMessage("ping")}, nil, false)
	req.MaxTokens = 1
	resp, err := s.post(ctx, req)
	if err != nil {
		return fmt.Errorf("anthropic unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("anthropic verify status %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}
