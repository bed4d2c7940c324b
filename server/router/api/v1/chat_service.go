package v1

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/orbitgw/orbit/ai/pipeline"
	"github.com/orbitgw/orbit/ai/session"
)

type chatRequest struct {
	Message string         `json:"message"`
	Stream  *bool          `json:"stream,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

type chatResponse struct {
	Response    string             `json:"response"`
	Sources     []sourceView       `json:"sources,omitempty"`
	Diagnostics string             `json:"diagnostics,omitempty"`
	SessionID   string             `json:"session_id"`
	Done        *pipeline.DoneInfo `json:"done,omitempty"`
	Error       string             `json:"error,omitempty"`
}

type sourceView struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
}

// resolveSessionID returns the validated session identifier, minting one
// when the client sent none. It is always echoed as a response header.
func (s *APIV1Service) resolveSessionID(c echo.Context) (string, error) {
	sessionID := c.Request().Header.Get("X-Session-ID")
	if sessionID == "" {
		sessionID = session.NewSessionID()
	} else if err := session.ValidateSessionID(sessionID); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid X-Session-ID header")
	}
	c.Response().Header().Set("X-Session-ID", sessionID)
	return sessionID, nil
}

// handleChat is the primary chat surface. The default response is an NDJSON
// stream; stream=false buffers the pipeline into a single JSON document.
func (s *APIV1Service) handleChat(c echo.Context) error {
	req := &chatRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	// Reject before the response is committed to a stream; once the NDJSON
	// header is out, errors can only travel in-band.
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message must not be empty")
	}

	sessionID, err := s.resolveSessionID(c)
	if err != nil {
		return err
	}

	pipelineReq := &pipeline.Request{
		Key:       apiKeyFromContext(c),
		Adapter:   adapterFromContext(c),
		SessionID: sessionID,
		Message:   req.Message,
		Params:    req.Params,
	}

	ctx := c.Request().Context()
	if err := s.streamSemaphore.Acquire(ctx, 1); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "too many concurrent streams")
	}
	defer s.streamSemaphore.Release(1)

	if req.Stream != nil && !*req.Stream {
		return s.chatBuffered(c, pipelineReq)
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
	c.Response().WriteHeader(http.StatusOK)

	sink := pipeline.NewNDJSONWriter(c.Response(), func() { c.Response().Flush() })
	if err := s.Gateway.Pipeline.Run(ctx, pipelineReq, sink); err != nil {
		// The sink already carried the client-safe rendition.
		slog.Warn("chat: pipeline error",
			"adapter", pipelineReq.Adapter.Name,
			"session_id", sessionID,
			"error", err,
		)
	}
	return nil
}

func (s *APIV1Service) chatBuffered(c echo.Context, req *pipeline.Request) error {
	sink := &pipeline.BufferSink{}
	if err := s.Gateway.Pipeline.Run(c.Request().Context(), req, sink); err != nil {
		slog.Warn("chat: pipeline error",
			"adapter", req.Adapter.Name,
			"session_id", req.SessionID,
			"error", err,
		)
	}

	resp := &chatResponse{
		Response:    sink.Content(),
		Diagnostics: sink.Diagnostics,
		SessionID:   req.SessionID,
		Done:        sink.DoneInfo,
		Error:       sink.ErrMessage,
	}
	for _, doc := range sink.Docs {
		resp.Sources = append(resp.Sources, sourceView{
			Content:  doc.Content,
			Metadata: doc.Metadata,
			Score:    doc.Score,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// handleClearHistory wipes the conversation identified by X-Session-ID.
func (s *APIV1Service) handleClearHistory(c echo.Context) error {
	sessionID := c.Request().Header.Get("X-Session-ID")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing X-Session-ID header")
	}
	if err := session.ValidateSessionID(sessionID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid X-Session-ID header")
	}
	if err := s.Gateway.Sessions.Clear(c.Request().Context(), sessionID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to clear history").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared", "session_id": sessionID})
}
