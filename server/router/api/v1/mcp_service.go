package v1

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/orbitgw/orbit/ai/core/retrieval"
	"github.com/orbitgw/orbit/ai/pipeline"
	"github.com/orbitgw/orbit/ai/session"
	"github.com/orbitgw/orbit/internal/version"
)

const mcpProtocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func rpcResult(id json.RawMessage, result any) *jsonrpcResponse {
	return &jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcError(id json.RawMessage, code int, message string) *jsonrpcResponse {
	return &jsonrpcResponse{JSONRPC: "2.0", ID: id, Error: &jsonrpcError{Code: code, Message: message}}
}

type mcpChatArgs struct {
	Message   string         `json:"message"`
	SessionID string         `json:"session_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// handleMCP speaks the MCP JSON-RPC envelope over a single POST. The chat
// tool maps onto the same pipeline as /chat; chat.stream answers with a
// stream of JSON-RPC notifications terminated by the response for the id.
func (s *APIV1Service) handleMCP(c echo.Context) error {
	req := &jsonrpcRequest{}
	if err := json.NewDecoder(c.Request().Body).Decode(req); err != nil {
		return c.JSON(http.StatusOK, rpcError(nil, codeParseError, "malformed JSON"))
	}
	if req.JSONRPC != "2.0" {
		return c.JSON(http.StatusOK, rpcError(req.ID, codeInvalidRequest, "jsonrpc must be \"2.0\""))
	}

	switch req.Method {
	case "initialize":
		return c.JSON(http.StatusOK, rpcResult(req.ID, map[string]any{
			"protocolVersion": mcpProtocolVersion,
			"serverInfo": map[string]string{
				"name":    "orbit",
				"version": version.GetCurrentVersion(s.Profile.Mode),
			},
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
		}))

	case "tools/list":
		return c.JSON(http.StatusOK, rpcResult(req.ID, map[string]any{
			"tools": []map[string]any{{
				"name":        "chat",
				"description": "Send a message through the gateway chat pipeline and receive the grounded answer.",
				"inputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"message":    map[string]any{"type": "string"},
						"session_id": map[string]any{"type": "string"},
					},
					"required": []string{"message"},
				},
			}},
		}))

	case "tools/call":
		return s.mcpToolsCall(c, req)

	case "chat.stream":
		return s.mcpChatStream(c, req)

	default:
		return c.JSON(http.StatusOK, rpcError(req.ID, codeMethodNotFound, "unknown method "+req.Method))
	}
}

func (s *APIV1Service) mcpChatRequest(c echo.Context, args *mcpChatArgs) (*pipeline.Request, *jsonrpcError) {
	if args.Message == "" {
		return nil, &jsonrpcError{Code: codeInvalidParams, Message: "message is required"}
	}
	sessionID := args.SessionID
	if sessionID == "" {
		sessionID = c.Request().Header.Get("X-Session-ID")
	}
	if sessionID == "" {
		sessionID = session.NewSessionID()
	}
	c.Response().Header().Set("X-Session-ID", sessionID)

	return &pipeline.Request{
		Key:       apiKeyFromContext(c),
		Adapter:   adapterFromContext(c),
		SessionID: sessionID,
		Message:   args.Message,
		Params:    args.Params,
	}, nil
}

func (s *APIV1Service) mcpToolsCall(c echo.Context, req *jsonrpcRequest) error {
	params := struct {
		Name      string      `json:"name"`
		Arguments mcpChatArgs `json:"arguments"`
	}{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return c.JSON(http.StatusOK, rpcError(req.ID, codeInvalidParams, "malformed params"))
	}
	if params.Name != "chat" {
		return c.JSON(http.StatusOK, rpcError(req.ID, codeInvalidParams, "unknown tool "+params.Name))
	}

	pipelineReq, rpcErr := s.mcpChatRequest(c, &params.Arguments)
	if rpcErr != nil {
		return c.JSON(http.StatusOK, &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
	}

	sink := &pipeline.BufferSink{}
	if err := s.Gateway.Pipeline.Run(c.Request().Context(), pipelineReq, sink); err != nil {
		slog.Warn("mcp: pipeline error",
			"adapter", pipelineReq.Adapter.Name,
			"session_id", pipelineReq.SessionID,
			"error", err,
		)
	}

	isError := sink.ErrMessage != ""
	text := sink.Content()
	if isError && text == "" {
		text = sink.ErrMessage
	}
	return c.JSON(http.StatusOK, rpcResult(req.ID, map[string]any{
		"content": []map[string]any{{
			"type": "text",
			"text": text,
		}},
		"isError": isError,
	}))
}

// mcpChatStream emits one chat.event notification per pipeline event as
// newline-delimited JSON, then the terminal response carrying done.
func (s *APIV1Service) mcpChatStream(c echo.Context, req *jsonrpcRequest) error {
	args := &mcpChatArgs{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, args); err != nil {
			return c.JSON(http.StatusOK, rpcError(req.ID, codeInvalidParams, "malformed params"))
		}
	}

	pipelineReq, rpcErr := s.mcpChatRequest(c, args)
	if rpcErr != nil {
		return c.JSON(http.StatusOK, &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
	}

	ctx := c.Request().Context()
	if err := s.streamSemaphore.Acquire(ctx, 1); err != nil {
		return c.JSON(http.StatusOK, rpcError(req.ID, codeInternalError, "too many concurrent streams"))
	}
	defer s.streamSemaphore.Release(1)

	c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
	c.Response().WriteHeader(http.StatusOK)

	sink := &mcpStreamSink{
		enc:   json.NewEncoder(c.Response()),
		flush: func() { c.Response().Flush() },
		id:    req.ID,
	}
	if err := s.Gateway.Pipeline.Run(ctx, pipelineReq, sink); err != nil {
		slog.Warn("mcp: pipeline error",
			"adapter", pipelineReq.Adapter.Name,
			"session_id", pipelineReq.SessionID,
			"error", err,
		)
	}
	return nil
}

// mcpStreamSink frames pipeline events as JSON-RPC notifications. The done
// event becomes the response for the originating request id.
type mcpStreamSink struct {
	enc   *json.Encoder
	flush func()
	id    json.RawMessage
	done  bool
}

func (m *mcpStreamSink) notify(event *pipeline.Event) error {
	if m.done {
		return nil
	}
	err := m.enc.Encode(map[string]any{
		"jsonrpc": "2.0",
		"method":  "chat.event",
		"params":  event,
	})
	if err != nil {
		return err
	}
	m.flush()
	return nil
}

func (m *mcpStreamSink) Sources(docs []retrieval.Document, diagnostics string) error {
	return m.notify(&pipeline.Event{Type: pipeline.EventSources, Sources: docs, Diagnostics: diagnostics})
}

func (m *mcpStreamSink) Text(chunk string) error {
	return m.notify(&pipeline.Event{Type: pipeline.EventText, Content: chunk})
}

func (m *mcpStreamSink) Error(kind pipeline.Kind, message string) error {
	return m.notify(&pipeline.Event{Type: pipeline.EventError, Content: message, Code: string(kind)})
}

func (m *mcpStreamSink) Done(info *pipeline.DoneInfo) error {
	if m.done {
		return nil
	}
	m.done = true
	if err := m.enc.Encode(rpcResult(m.id, map[string]any{"done": info})); err != nil {
		return err
	}
	m.flush()
	return nil
}
