package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"
)

type openaiService struct {
	client            *openai.Client
	model             string
	provider          string
	maxTokens         int
	temperature       float32
	timeout           int
	firstTokenTimeout int
}

func newOpenAIService(cfg *Config) (Service, error) {
	httpClient := newHTTPClient(cfg.Timeout)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch cfg.Provider {
		case "ollama":
			baseURL = "http://localhost:11434/v1"
		case "vllm":
			baseURL = "http://localhost:8000/v1"
		case "llamacpp":
			baseURL = "http://localhost:8080/v1"
		case "groq":
			baseURL = "https://api.groq.com/openai/v1"
		case "deepseek":
			baseURL = "https://api.deepseek.com"
		case "mistral":
			baseURL = "https://api.mistral.ai/v1"
		case "openrouter":
			baseURL = "https://openrouter.ai/api/v1"
		}
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	clientConfig.HTTPClient = httpClient

	return &openaiService{
		client:            openai.NewClientWithConfig(clientConfig),
		model:             cfg.Model,
		provider:          cfg.Provider,
		maxTokens:         cfg.MaxTokens,
		temperature:       cfg.Temperature,
		timeout:           cfg.Timeout,
		firstTokenTimeout: cfg.FirstTokenTimeout,
	}, nil
}

func (s *openaiService) request(messages []Message, params *GenParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Messages:    convertMessages(messages),
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

func (s *openaiService) Chat(ctx context.Context, messages []Message, params *GenParams) (string, *CallStats, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
	defer cancel()

	slog.Debug("llm: chat request",
		"provider", s.provider,
		"model", s.model,
		"messages", len(messages),
	)

	startTime := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, s.request(messages, params))
	if err != nil {
		return "", nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("empty response from provider %s", s.provider)
	}

	totalDuration := time.Since(startTime)
	stats := &CallStats{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		FirstTokenMs:     totalDuration.Milliseconds(),
		TotalDurationMs:  totalDuration.Milliseconds(),
	}
	return resp.Choices[0].Message.Content, stats, nil
}

func (s *openaiService) ChatStream(ctx context.Context, messages []Message, params *GenParams) (<-chan string, <-chan *CallStats, <-chan error) {
	contentChan := make(chan string, 10)
	statsChan := make(chan *CallStats, 1)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(statsChan)
		defer close(errChan)

		ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
		defer cancel()

		req := s.request(messages, params)
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

		startTime := time.Now()
		var firstChunkTime time.Time

		// The first token gets its own, tighter deadline. Recv blocks on the
		// wire, so the only way to enforce it is to cancel the stream's
		// context when the timer fires before any output arrived.
		firstTokenErr := fmt.Errorf("no token from %s within %ds: %w", s.provider, s.firstTokenTimeout, ErrFirstTokenTimeout)
		streamCtx, cancelStream := context.WithCancelCause(ctx)
		defer cancelStream(nil)
		firstTokenTimer := time.AfterFunc(time.Duration(s.firstTokenTimeout)*time.Second, func() {
			cancelStream(firstTokenErr)
		})
		defer firstTokenTimer.Stop()

		slog.Debug("llm: stream starting", "provider", s.provider, "model", s.model, "messages", len(messages))
		stream, err := s.client.CreateChatCompletionStream(streamCtx, req)
		if err != nil {
			if errors.Is(context.Cause(streamCtx), firstTokenErr) {
				err = firstTokenErr
			}
			select {
			case errChan <- fmt.Errorf("create stream failed: %w", err):
			case <-ctx.Done():
			}
			return
		}
		defer func() { _ = stream.Close() }()

		chunkCount := 0
		var usage *openai.Usage

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				totalDuration := time.Since(startTime)
				stats := &CallStats{
					FirstTokenMs:    sinceMs(startTime, firstChunkTime),
					TotalDurationMs: totalDuration.Milliseconds(),
				}
				if usage != nil {
					stats.PromptTokens = usage.PromptTokens
					stats.CompletionTokens = usage.CompletionTokens
					stats.TotalTokens = usage.TotalTokens
				}
				slog.Debug("llm: stream completed", "chunks", chunkCount, "duration_ms", totalDuration.Milliseconds())
				statsChan <- stats
				return
			}
			if err != nil {
				if errors.Is(context.Cause(streamCtx), firstTokenErr) {
					err = firstTokenErr
				}
				slog.Error("llm: stream receive error", "provider", s.provider, "error", err, "chunks", chunkCount)
				select {
				case errChan <- fmt.Errorf("stream recv failed: %w", err):
				case <-ctx.Done():
				}
				return
			}

			if response.Usage != nil && response.Usage.TotalTokens > 0 {
				usage = response.Usage
			}
			if len(response.Choices) == 0 {
				continue
			}

			delta := response.Choices[0].Delta.Content
			if delta != "" {
				if firstChunkTime.IsZero() {
					firstChunkTime = time.Now()
					firstTokenTimer.Stop()
				}
				chunkCount++
				select {
				case contentChan <- delta:
				case <-ctx.Done():
					slog.Warn("llm: stream cancelled during send", "chunks", chunkCount)
					select {
					case errChan <- ctx.Err():
					default:
					}
					return
				}
			}
		}
	}()

	return contentChan, statsChan, errChan
}

func (s *openaiService) VerifyConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   1,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
	}
	if _, err := s.client.CreateChatCompletion(ctx, req); err != nil {
		return fmt.Errorf("provider %s unreachable: %w", s.provider, err)
	}
	return nil
}

func sinceMs(start, mark time.Time) int64 {
	if mark.IsZero() {
		return 0
	}
	return mark.Sub(start).Milliseconds()
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case "system":
			role = openai.ChatMessageRoleSystem
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return out
}
