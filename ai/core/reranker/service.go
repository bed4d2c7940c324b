// Package reranker rescores retrieved documents against the query with a
// cross-encoder endpoint. Disabled instances pass documents through in their
// original order, so adapters can hold a reranker unconditionally.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Result is one reranked document.
type Result struct {
	Index int     // index into the input slice
	Score float32 // relevance score, higher is better
}

// Service reorders candidate documents by relevance to the query.
type Service interface {
	// Rerank returns up to topN results sorted by descending score.
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error)

	// IsEnabled reports whether real reranking happens.
	IsEnabled() bool
}

// Config represents the reranker endpoint.
type Config struct {
	Model   string
	APIKey  string
	BaseURL string
	Enabled bool
	Timeout int // seconds, default: 30
}

type service struct {
	client  *http.Client
	apiKey  string
	baseURL string
	model   string
	enabled bool
}

// NewService creates a reranker client.
func NewService(cfg *Config) Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30
	}
	return &service{
		enabled: cfg.Enabled,
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (s *service) IsEnabled() bool {
	return s.enabled
}

func (s *service) Rerank(ctx context.Context, query string, documents []string, topN int) ([]Result, error) {
	if !s.enabled {
		results := make([]Result, len(documents))
		for i := range documents {
			results[i] = Result{Index: i, Score: 1.0 - float32(i)*0.01}
		}
		if topN > 0 && topN < len(results) {
			return results[:topN], nil
		}
		return results, nil
	}

	body, err := json.Marshal(map[string]any{
		"model":     s.model,
		"query":     query,
		"documents": documents,
		"top_n":     topN,
	})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(s.baseURL, "/")
	if strings.HasSuffix(endpoint, "/v1") {
		endpoint += "/rerank"
	} else {
		endpoint += "/v1/rerank"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return nil, fmt.Errorf("rerank endpoint error: HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("rerank endpoint error: %s", string(raw))
	}

	var parsed struct {
		Results []struct {
			Index int     `json:"index"`
			Score float32 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	results := make([]Result, len(parsed.Results))
	for i, r := range parsed.Results {
		results[i] = Result{Index: r.Index, Score: r.Score}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}
