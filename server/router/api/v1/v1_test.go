package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/orbitgw/orbit/ai/breaker"
	"github.com/orbitgw/orbit/ai/config"
	"github.com/orbitgw/orbit/ai/core/llm"
	"github.com/orbitgw/orbit/ai/core/retrieval"
	"github.com/orbitgw/orbit/ai/moderation"
	"github.com/orbitgw/orbit/ai/pipeline"
	"github.com/orbitgw/orbit/ai/session"
	"github.com/orbitgw/orbit/internal/profile"
	"github.com/orbitgw/orbit/store"
	"github.com/orbitgw/orbit/store/db/sqlite"
)

// fakeLLM scripts a streamed answer.
type fakeLLM struct {
	chunks []string
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message, params *llm.GenParams) (string, *llm.CallStats, error) {
	return strings.Join(f.chunks, ""), &llm.CallStats{}, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, messages []llm.Message, params *llm.GenParams) (<-chan string, <-chan *llm.CallStats, <-chan error) {
	contentCh := make(chan string, len(f.chunks))
	statsCh := make(chan *llm.CallStats, 1)
	errCh := make(chan error, 1)
	go func() {
		defer close(contentCh)
		defer close(statsCh)
		defer close(errCh)
		for _, c := range f.chunks {
			contentCh <- c
		}
		statsCh <- &llm.CallStats{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}
	}()
	return contentCh, statsCh, errCh
}

func (f *fakeLLM) VerifyConnection(ctx context.Context) error { return nil }

type testServer struct {
	server  *httptest.Server
	store   *store.Store
	service *APIV1Service
}

func newTestServer(t *testing.T, authDisabled bool, mutate func(cfg *config.Config)) *testServer {
	t.Helper()

	p := &profile.Profile{
		Mode:         "dev",
		Driver:       "sqlite",
		DSN:          filepath.Join(t.TempDir(), "orbit_test.db"),
		Secret:       "test-secret",
		AuthDisabled: authDisabled,
	}
	driver, err := sqlite.NewDB(p)
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	if err := driver.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	st := store.New(driver, p)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{"main": {Provider: "openai", Model: "test-model"}},
		Adapters: []config.AdapterConfig{{
			Name:     "assistant",
			Kind:     "passthrough",
			Provider: "main",
		}},
		Session:    config.SessionConfig{HistoryLimit: 20, MaxMessages: 200, NumCtx: 8192, ReservedOutput: 1024},
		Breaker:    config.BreakerConfig{FailureThreshold: 3, MaxRetries: 1, BaseBackoffMs: 1, MaxBackoffMs: 2},
		Moderation: config.ModerationConfig{RefusalMessage: "I can't help with that request."},
	}
	if mutate != nil {
		mutate(cfg)
	}

	sessions := session.NewService(st, session.Config{HistoryLimit: 20, MaxMessages: 200})
	registry := retrieval.NewRegistry()
	chain := moderation.NewChain(nil)
	breakers := breaker.NewGroup(breaker.Config{FailureThreshold: 3})
	llms := map[string]llm.Service{"main": &fakeLLM{chunks: []string{"Hello", " world"}}}

	pl := pipeline.New(pipeline.Deps{
		Config:     cfg,
		Sessions:   sessions,
		Prompts:    st,
		Registry:   registry,
		Moderation: chain,
		LLMs:       llms,
		Breakers:   breakers,
	})

	svc := NewAPIV1Service(p, st, cfg, &GatewayServices{
		Pipeline:   pl,
		Sessions:   sessions,
		Registry:   registry,
		Breakers:   breakers,
		LLMs:       llms,
		Moderation: chain,
	})

	e := echo.New()
	e.HideBanner = true
	svc.Register(e)

	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	return &testServer{server: ts, store: st, service: svc}
}

func (ts *testServer) createKey(t *testing.T, adapterName string) *store.APIKey {
	t.Helper()
	key, err := ts.store.CreateAPIKey(context.Background(), &store.APIKey{
		Token:       "orbit_test_" + adapterName,
		ClientName:  "test-client",
		AdapterName: adapterName,
		Active:      true,
	})
	if err != nil {
		t.Fatalf("CreateAPIKey() error = %v", err)
	}
	return key
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestChat_NDJSONStream(t *testing.T) {
	ts := newTestServer(t, false, nil)
	key := ts.createKey(t, "assistant")

	resp := postJSON(t, ts.server.URL+"/chat", map[string]any{"message": "hi"}, map[string]string{
		"X-API-Key": key.Token,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/x-ndjson") {
		t.Errorf("content type = %q", ct)
	}
	if resp.Header.Get("X-Session-ID") == "" {
		t.Error("X-Session-ID header must be echoed")
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")

	doneCount := 0
	var text strings.Builder
	for i, line := range lines {
		var ev pipeline.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		switch ev.Type {
		case pipeline.EventText:
			text.WriteString(ev.Content)
		case pipeline.EventDone:
			doneCount++
			if i != len(lines)-1 {
				t.Error("done must be the last event")
			}
			if ev.Done == nil || ev.Done.Status != "success" {
				t.Errorf("done payload = %+v", ev.Done)
			}
		}
	}
	if doneCount != 1 {
		t.Errorf("done events = %d, want exactly 1", doneCount)
	}
	if text.String() != "Hello world" {
		t.Errorf("text = %q", text.String())
	}
}

func TestChat_EmptyMessageRejectedBeforeStreaming(t *testing.T) {
	ts := newTestServer(t, false, nil)
	key := ts.createKey(t, "assistant")

	for _, message := range []string{"", "   "} {
		resp := postJSON(t, ts.server.URL+"/chat", map[string]any{"message": message}, map[string]string{
			"X-API-Key": key.Token,
		})
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("message %q: status = %d, want 400", message, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "application/x-ndjson") {
			t.Errorf("message %q: validation must fail before the stream begins, got %q", message, ct)
		}
	}
}

func TestChat_NonStreaming(t *testing.T) {
	ts := newTestServer(t, false, nil)
	key := ts.createKey(t, "assistant")

	stream := false
	resp := postJSON(t, ts.server.URL+"/chat", chatRequest{Message: "hi", Stream: &stream}, map[string]string{
		"X-API-Key": key.Token,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Response != "Hello world" {
		t.Errorf("response = %q", body.Response)
	}
	if body.Done == nil || body.Done.Status != "success" {
		t.Errorf("done = %+v", body.Done)
	}
	if body.SessionID == "" {
		t.Error("session_id must be set")
	}
}

func TestChat_AuthFailures(t *testing.T) {
	ts := newTestServer(t, false, nil)
	key := ts.createKey(t, "assistant")

	inactive := false
	if _, err := ts.store.UpdateAPIKey(context.Background(), &store.UpdateAPIKey{ID: key.ID, Active: &inactive}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing key", "", http.StatusUnauthorized},
		{"unknown key", "orbit_nope", http.StatusUnauthorized},
		{"deactivated key", key.Token, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.token != "" {
				headers["X-API-Key"] = tt.token
			}
			resp := postJSON(t, ts.server.URL+"/chat", map[string]any{"message": "hi"}, headers)
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestChat_AuthDisabledUsesDefaultAdapter(t *testing.T) {
	ts := newTestServer(t, true, nil)

	stream := false
	resp := postJSON(t, ts.server.URL+"/chat", chatRequest{Message: "hi", Stream: &stream}, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Response != "Hello world" {
		t.Errorf("response = %q", body.Response)
	}
}

func TestChat_ClearHistory(t *testing.T) {
	ts := newTestServer(t, false, nil)
	key := ts.createKey(t, "assistant")

	stream := false
	resp := postJSON(t, ts.server.URL+"/chat", chatRequest{Message: "hi", Stream: &stream}, map[string]string{
		"X-API-Key":    key.Token,
		"X-Session-ID": "sess-clear",
	})
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.server.URL+"/chat/history", nil)
	req.Header.Set("X-API-Key", key.Token)
	req.Header.Set("X-Session-ID", "sess-clear")
	clearResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer clearResp.Body.Close()
	if clearResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", clearResp.StatusCode)
	}

	messages, err := ts.store.ListMessages(context.Background(), &store.FindMessage{SessionID: "sess-clear"})
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 0 {
		t.Errorf("messages after clear = %d, want 0", len(messages))
	}
}

func TestChatCompletions_NonStream(t *testing.T) {
	ts := newTestServer(t, false, nil)
	key := ts.createKey(t, "assistant")

	resp := postJSON(t, ts.server.URL+"/v1/chat/completions", map[string]any{
		"model":    "test-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}, map[string]string{"X-API-Key": key.Token})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Object != "chat.completion" {
		t.Errorf("object = %q", body.Object)
	}
	if len(body.Choices) != 1 || body.Choices[0].Message.Content != "Hello world" {
		t.Errorf("choices = %+v", body.Choices)
	}
	if body.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", body.Choices[0].FinishReason)
	}
}

func TestChatCompletions_SSEStream(t *testing.T) {
	ts := newTestServer(t, false, nil)
	key := ts.createKey(t, "assistant")

	resp := postJSON(t, ts.server.URL+"/v1/chat/completions", map[string]any{
		"model":    "test-model",
		"stream":   true,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}, map[string]string{"X-API-Key": key.Token})
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	frames := strings.Split(strings.TrimSpace(buf.String()), "\n\n")
	if len(frames) < 2 {
		t.Fatalf("frames = %d, want at least a chunk and [DONE]", len(frames))
	}
	if frames[len(frames)-1] != "data: [DONE]" {
		t.Errorf("last frame = %q, want data: [DONE]", frames[len(frames)-1])
	}

	var text strings.Builder
	for _, frame := range frames[:len(frames)-1] {
		payload := strings.TrimPrefix(frame, "data: ")
		var chunk struct {
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("frame %q is not valid JSON: %v", frame, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Errorf("object = %q", chunk.Object)
		}
		for _, c := range chunk.Choices {
			text.WriteString(c.Delta.Content)
		}
	}
	if text.String() != "Hello world" {
		t.Errorf("streamed text = %q", text.String())
	}
}

func TestMCP_InitializeAndToolsList(t *testing.T) {
	ts := newTestServer(t, false, nil)
	key := ts.createKey(t, "assistant")
	headers := map[string]string{"X-API-Key": key.Token}

	resp := postJSON(t, ts.server.URL+"/mcp", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
	}, headers)
	defer resp.Body.Close()

	var initResult struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&initResult); err != nil {
		t.Fatal(err)
	}
	if initResult.Result.ServerInfo.Name != "orbit" {
		t.Errorf("server name = %q", initResult.Result.ServerInfo.Name)
	}
	if initResult.Result.ProtocolVersion == "" {
		t.Error("protocolVersion must be set")
	}

	listResp := postJSON(t, ts.server.URL+"/mcp", map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/list",
	}, headers)
	defer listResp.Body.Close()

	var listResult struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listResult); err != nil {
		t.Fatal(err)
	}
	if len(listResult.Result.Tools) != 1 || listResult.Result.Tools[0].Name != "chat" {
		t.Errorf("tools = %+v", listResult.Result.Tools)
	}
}

func TestMCP_ToolsCallChat(t *testing.T) {
	ts := newTestServer(t, false, nil)
	key := ts.createKey(t, "assistant")

	resp := postJSON(t, ts.server.URL+"/mcp", map[string]any{
		"jsonrpc": "2.0", "id": 3, "method": "tools/call",
		"params": map[string]any{
			"name":      "chat",
			"arguments": map[string]any{"message": "hi"},
		},
	}, map[string]string{"X-API-Key": key.Token})
	defer resp.Body.Close()

	var body struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *jsonrpcError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error != nil {
		t.Fatalf("rpc error = %+v", body.Error)
	}
	if body.Result.IsError {
		t.Error("isError must be false")
	}
	if len(body.Result.Content) != 1 || body.Result.Content[0].Text != "Hello world" {
		t.Errorf("content = %+v", body.Result.Content)
	}
}

func TestMCP_UnknownMethod(t *testing.T) {
	ts := newTestServer(t, false, nil)
	key := ts.createKey(t, "assistant")

	resp := postJSON(t, ts.server.URL+"/mcp", map[string]any{
		"jsonrpc": "2.0", "id": 4, "method": "resources/list",
	}, map[string]string{"X-API-Key": key.Token})
	defer resp.Body.Close()

	var body struct {
		Error *jsonrpcError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error == nil || body.Error.Code != codeMethodNotFound {
		t.Errorf("error = %+v, want method-not-found", body.Error)
	}
}

func TestAuth_RegisterLoginAdminGate(t *testing.T) {
	ts := newTestServer(t, false, nil)

	// First registered user becomes admin.
	regResp := postJSON(t, ts.server.URL+"/auth/register", credentialsRequest{
		Username: "alice", Password: "correct-horse",
	}, nil)
	defer regResp.Body.Close()
	if regResp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", regResp.StatusCode)
	}

	// Admin plane rejects anonymous callers.
	anon, err := http.Get(ts.server.URL + "/admin/prompts")
	if err != nil {
		t.Fatal(err)
	}
	anon.Body.Close()
	if anon.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous admin status = %d, want 401", anon.StatusCode)
	}

	loginResp := postJSON(t, ts.server.URL+"/auth/login", credentialsRequest{
		Username: "alice", Password: "correct-horse",
	}, nil)
	defer loginResp.Body.Close()
	if loginResp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", loginResp.StatusCode)
	}
	var login struct {
		AccessToken string `json:"access_token"`
		Role        string `json:"role"`
	}
	if err := json.NewDecoder(loginResp.Body).Decode(&login); err != nil {
		t.Fatal(err)
	}
	if login.Role != "admin" {
		t.Errorf("role = %q, want admin (first user)", login.Role)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.server.URL+"/admin/prompts", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Errorf("authed admin status = %d, want 200", authed.StatusCode)
	}

	// Wrong password is rejected.
	badResp := postJSON(t, ts.server.URL+"/auth/login", credentialsRequest{
		Username: "alice", Password: "wrong-password",
	}, nil)
	defer badResp.Body.Close()
	if badResp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", badResp.StatusCode)
	}
}

func TestAdmin_APIKeyLifecycle(t *testing.T) {
	ts := newTestServer(t, true, nil)

	createResp := postJSON(t, ts.server.URL+"/admin/api-keys", map[string]any{
		"client_name":  "widget",
		"adapter_name": "assistant",
	}, nil)
	defer createResp.Body.Close()
	if createResp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", createResp.StatusCode)
	}
	var created apiKeyView
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(created.Token, "orbit_") {
		t.Errorf("token = %q, want orbit_ prefix", created.Token)
	}
	if !created.Active {
		t.Error("new key must be active")
	}

	// Unknown adapter is rejected.
	badResp := postJSON(t, ts.server.URL+"/admin/api-keys", map[string]any{
		"client_name":  "widget",
		"adapter_name": "nope",
	}, nil)
	defer badResp.Body.Close()
	if badResp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown adapter status = %d, want 400", badResp.StatusCode)
	}

	// Status omits the token.
	getResp, err := http.Get(ts.server.URL + "/admin/api-keys/" + created.Token)
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	var fetched apiKeyView
	if err := json.NewDecoder(getResp.Body).Decode(&fetched); err != nil {
		t.Fatal(err)
	}
	if fetched.Token != "" {
		t.Error("get must not return the token")
	}

	deactivateResp := postJSON(t, ts.server.URL+"/admin/api-keys/"+created.Token+"/deactivate", nil, nil)
	defer deactivateResp.Body.Close()
	var deactivated apiKeyView
	if err := json.NewDecoder(deactivateResp.Body).Decode(&deactivated); err != nil {
		t.Fatal(err)
	}
	if deactivated.Active {
		t.Error("key must be inactive after deactivate")
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.server.URL+"/admin/api-keys/"+created.Token, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", delResp.StatusCode)
	}
}

func TestAdmin_PromptLifecycle(t *testing.T) {
	ts := newTestServer(t, true, nil)

	createResp := postJSON(t, ts.server.URL+"/admin/prompts", map[string]any{
		"name": "support",
		"text": "You are a support agent.",
	}, nil)
	defer createResp.Body.Close()
	if createResp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", createResp.StatusCode)
	}
	var created promptView
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.Version != 1 {
		t.Errorf("version = %d, want 1", created.Version)
	}

	updateBody, _ := json.Marshal(map[string]any{"text": "You are a helpful support agent."})
	req, _ := http.NewRequest(http.MethodPut, fmt.Sprintf("%s/admin/prompts/%d", ts.server.URL, created.ID), bytes.NewReader(updateBody))
	req.Header.Set("Content-Type", "application/json")
	updateResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer updateResp.Body.Close()
	var updated promptView
	if err := json.NewDecoder(updateResp.Body).Decode(&updated); err != nil {
		t.Fatal(err)
	}
	if updated.Version != 2 {
		t.Errorf("version after update = %d, want 2", updated.Version)
	}

	missingResp, err := http.Get(ts.server.URL + "/admin/prompts/9999")
	if err != nil {
		t.Fatal(err)
	}
	missingResp.Body.Close()
	if missingResp.StatusCode != http.StatusNotFound {
		t.Errorf("missing prompt status = %d, want 404", missingResp.StatusCode)
	}
}

func TestAdmin_SystemStatus(t *testing.T) {
	ts := newTestServer(t, true, nil)

	resp, err := http.Get(ts.server.URL + "/admin/system-status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Mode      string   `json:"mode"`
		Providers []string `json:"providers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Mode != "dev" {
		t.Errorf("mode = %q", body.Mode)
	}
	if len(body.Providers) != 1 || body.Providers[0] != "main" {
		t.Errorf("providers = %v", body.Providers)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, false, func(cfg *config.Config) {
		cfg.Server.RateLimitRPS = 1
		cfg.Server.RateLimitBurst = 1
	})
	key := ts.createKey(t, "assistant")
	headers := map[string]string{"X-API-Key": key.Token}

	stream := false
	first := postJSON(t, ts.server.URL+"/chat", chatRequest{Message: "hi", Stream: &stream}, headers)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d, want 200", first.StatusCode)
	}

	second := postJSON(t, ts.server.URL+"/chat", chatRequest{Message: "hi again", Stream: &stream}, headers)
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", second.StatusCode)
	}
}
