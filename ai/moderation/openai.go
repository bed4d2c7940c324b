package moderation

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIModerator checks text against the OpenAI moderation endpoint.
type OpenAIModerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIModerator creates the API-backed moderator.
func NewOpenAIModerator(apiKey, baseURL string) (*OpenAIModerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai moderator needs an api key")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIModerator{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.ModerationOmniLatest,
	}, nil
}

func (m *OpenAIModerator) Name() string { return "openai" }

func (m *OpenAIModerator) Check(ctx context.Context, text string, direction Direction) (*Result, error) {
	resp, err := m.client.Moderations(ctx, openai.ModerationRequest{
		Model: m.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("moderation request failed: %w", err)
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("moderation returned no results")
	}

	result := resp.Results[0]
	if !result.Flagged {
		return &Result{Blocked: false}, nil
	}
	return &Result{Blocked: true, Category: flaggedCategory(result.Categories)}, nil
}

// flaggedCategory picks one representative category for logging. The full
// category set is not surfaced to the client.
func flaggedCategory(c openai.ResultCategories) string {
	switch {
	case c.Hate || c.HateThreatening:
		return "hate"
	case c.Violence || c.ViolenceGraphic:
		return "violence"
	case c.SelfHarm:
		return "self-harm"
	case c.Sexual || c.SexualMinors:
		return "sexual"
	case c.Harassment || c.HarassmentThreatening:
		return "harassment"
	default:
		return "flagged"
	}
}
