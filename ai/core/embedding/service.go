// Package embedding wraps embedding backends behind a single interface.
// Providers speak the OpenAI-compatible embeddings protocol.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Service produces dense vectors for retrieval queries and documents.
type Service interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// VerifyConnection embeds a short probe to confirm the backend works.
	VerifyConnection(ctx context.Context) error
}

// Config represents one embedding backend.
type Config struct {
	Provider string // openai, ollama, or any OpenAI-compatible endpoint
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  int // seconds, default: 30
}

type service struct {
	client  *openai.Client
	model   string
	timeout int
}

// NewService creates an embedding client.
func NewService(cfg *Config) (Service, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding provider needs a model")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	} else if cfg.Provider == "ollama" {
		clientConfig.BaseURL = "http://localhost:11434/v1"
	}

	return &service{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: timeout,
	}, nil
}

func (s *service) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (s *service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
	defer cancel()

	startTime := time.Now()
	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(s.model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d, got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}

	slog.Debug("embedding: batch complete",
		"model", s.model,
		"texts", len(texts),
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	return vectors, nil
}

func (s *service) VerifyConnection(ctx context.Context) error {
	if _, err := s.Embed(ctx, "ping"); err != nil {
		return fmt.Errorf("embedding backend unreachable: %w", err)
	}
	return nil
}
