package v1

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"
	"github.com/sashabaranov/go-openai"

	"github.com/orbitgw/orbit/ai/core/retrieval"
	"github.com/orbitgw/orbit/ai/pipeline"
)

// handleChatCompletions is the OpenAI-compatible alias over the same
// pipeline. The last user message becomes the query; earlier messages are
// ignored because history lives server-side under X-Session-ID.
func (s *APIV1Service) handleChatCompletions(c echo.Context) error {
	req := &openai.ChatCompletionRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	message := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == openai.ChatMessageRoleUser {
			message = req.Messages[i].Content
			break
		}
	}
	if message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "no user message in request")
	}

	sessionID, err := s.resolveSessionID(c)
	if err != nil {
		return err
	}

	var params map[string]any
	if req.Temperature != 0 || req.MaxTokens != 0 {
		params = map[string]any{}
		if req.Temperature != 0 {
			params["temperature"] = float64(req.Temperature)
		}
		if req.MaxTokens != 0 {
			params["max_tokens"] = float64(req.MaxTokens)
		}
	}

	adapter := adapterFromContext(c)
	pipelineReq := &pipeline.Request{
		Key:       apiKeyFromContext(c),
		Adapter:   adapter,
		SessionID: sessionID,
		Message:   message,
		Params:    params,
	}

	model := req.Model
	if model == "" {
		if pc, ok := s.Config.Providers[adapter.Provider]; ok {
			model = pc.Model
		}
	}
	completionID := "chatcmpl-" + shortuuid.New()

	ctx := c.Request().Context()
	if err := s.streamSemaphore.Acquire(ctx, 1); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "too many concurrent streams")
	}
	defer s.streamSemaphore.Release(1)

	if !req.Stream {
		return s.completionsBuffered(c, pipelineReq, completionID, model)
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().WriteHeader(http.StatusOK)

	sink := &sseSink{
		response:     c.Response(),
		completionID: completionID,
		model:        model,
		created:      time.Now().Unix(),
	}
	if err := s.Gateway.Pipeline.Run(ctx, pipelineReq, sink); err != nil {
		slog.Warn("completions: pipeline error",
			"adapter", adapter.Name,
			"session_id", sessionID,
			"error", err,
		)
	}
	return nil
}

func (s *APIV1Service) completionsBuffered(c echo.Context, req *pipeline.Request, completionID, model string) error {
	sink := &pipeline.BufferSink{}
	if err := s.Gateway.Pipeline.Run(c.Request().Context(), req, sink); err != nil {
		slog.Warn("completions: pipeline error",
			"adapter", req.Adapter.Name,
			"session_id", req.SessionID,
			"error", err,
		)
	}

	finishReason := openai.FinishReasonStop
	if sink.DoneInfo != nil && sink.DoneInfo.Status == "blocked" {
		finishReason = openai.FinishReasonContentFilter
	}

	resp := openai.ChatCompletionResponse{
		ID:      completionID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: sink.Content(),
			},
			FinishReason: finishReason,
		}},
	}
	if sink.DoneInfo != nil {
		resp.Usage = openai.Usage{
			PromptTokens:     sink.DoneInfo.PromptTokens,
			CompletionTokens: sink.DoneInfo.CompletionTokens,
			TotalTokens:      sink.DoneInfo.PromptTokens + sink.DoneInfo.CompletionTokens,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// sseSink renders pipeline events as chat.completion.chunk SSE frames.
// Sources have no OpenAI equivalent and are dropped on this surface.
type sseSink struct {
	response     *echo.Response
	completionID string
	model        string
	created      int64
	blocked      bool
}

func (s *sseSink) writeFrame(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.response, "data: %s\n\n", data); err != nil {
		return err
	}
	s.response.Flush()
	return nil
}

func (s *sseSink) chunk(delta openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      s.completionID,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
}

func (s *sseSink) Sources(docs []retrieval.Document, diagnostics string) error {
	return nil
}

func (s *sseSink) Text(chunk string) error {
	return s.writeFrame(s.chunk(openai.ChatCompletionStreamChoiceDelta{
		Role:    openai.ChatMessageRoleAssistant,
		Content: chunk,
	}, ""))
}

func (s *sseSink) Error(kind pipeline.Kind, message string) error {
	return s.writeFrame(map[string]any{
		"error": map[string]string{
			"type":    string(kind),
			"message": message,
		},
	})
}

func (s *sseSink) Done(info *pipeline.DoneInfo) error {
	finish := openai.FinishReasonStop
	if info != nil && info.Status == "blocked" {
		finish = openai.FinishReasonContentFilter
	}
	if err := s.writeFrame(s.chunk(openai.ChatCompletionStreamChoiceDelta{}, finish)); err != nil {
		return err
	}
	if _, err := fmt.Fprint(s.response, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.response.Flush()
	return nil
}
