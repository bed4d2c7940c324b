package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/orbitgw/orbit/ai/breaker"
	"github.com/orbitgw/orbit/ai/config"
	"github.com/orbitgw/orbit/ai/core/llm"
	"github.com/orbitgw/orbit/ai/core/retrieval"
	"github.com/orbitgw/orbit/ai/metrics"
	"github.com/orbitgw/orbit/ai/moderation"
	"github.com/orbitgw/orbit/ai/session"
	"github.com/orbitgw/orbit/store"
)

// PromptStore resolves the system prompt bound to an API key.
type PromptStore interface {
	GetSystemPrompt(ctx context.Context, id int32) (*store.SystemPrompt, error)
}

// Deps are the services the pipeline orchestrates.
type Deps struct {
	Config     *config.Config
	Sessions   *session.Service
	Prompts    PromptStore
	Registry   *retrieval.Registry
	Moderation *moderation.Chain
	// LLMs maps provider name to its inference client.
	LLMs     map[string]llm.Service
	Breakers *breaker.Group
	Metrics  *metrics.PrometheusExporter
}

// Pipeline runs chat requests through the full stage machine.
type Pipeline struct {
	deps    Deps
	refusal string
	retry   breaker.RetryConfig
}

// New creates the pipeline.
func New(deps Deps) *Pipeline {
	b := deps.Config.Breaker
	return &Pipeline{
		deps:    deps,
		refusal: deps.Config.Moderation.RefusalMessage,
		retry: breaker.RetryConfig{
			MaxRetries:  b.MaxRetries,
			BaseBackoff: time.Duration(b.BaseBackoffMs) * time.Millisecond,
			MaxBackoff:  time.Duration(b.MaxBackoffMs) * time.Millisecond,
			Classify:    func(err error) string { return string(Classify(err)) },
		},
	}
}

// Request is one chat invocation, already authenticated and bound to an
// adapter by the transport layer.
type Request struct {
	Key       *store.APIKey
	Adapter   *config.AdapterConfig
	SessionID string
	Message   string
	// Params are client generation overrides; unknown keys are dropped.
	Params map[string]any
}

// Run executes the stage machine, emitting events into sink. The sink
// always receives exactly one done event unless the client disconnected.
// The returned error is for logging; client-safe messages already went to
// the sink.
func (p *Pipeline) Run(ctx context.Context, req *Request, sink Sink) error {
	start := time.Now()
	adapterName := req.Adapter.Name
	status := "error"
	if p.deps.Metrics != nil {
		p.deps.Metrics.StreamStarted()
	}
	defer func() {
		if p.deps.Metrics != nil {
			p.deps.Metrics.StreamEnded()
			p.deps.Metrics.RecordChat(adapterName, status, time.Since(start))
		}
	}()

	if err := p.validate(req); err != nil {
		_ = sink.Error(KindValidation, err.Message)
		_ = sink.Done(p.doneInfo(req, "error", start, nil))
		return err
	}

	// Input moderation.
	if blocked, err := p.screenInput(ctx, req); err != nil || blocked {
		if err != nil && !blocked {
			_ = sink.Error(KindUpstreamTransient, "moderation unavailable")
			_ = sink.Done(p.doneInfo(req, "error", start, nil))
			return err
		}
		status = "blocked"
		p.persistUserTurn(ctx, req, true)
		_ = sink.Error(KindBlocked, p.refusal)
		_ = sink.Done(p.doneInfo(req, "blocked", start, nil))
		return nil
	}

	// Retrieval. A retrieval failure degrades to inference without context;
	// the client learns about it through the sources diagnostics. The event
	// is emitted only when there is something to say: documents, or a
	// degradation warning.
	docs, diagnostics := p.retrieve(ctx, req)
	if req.Adapter.Kind == "retriever" && (len(docs) > 0 || diagnostics != "") {
		_ = sink.Sources(docs, diagnostics)
	}

	// Direct answer bypass: a high-confidence curated answer skips inference.
	if answer, ok := retrieval.DirectAnswer(docs, req.Adapter.Config.ConfidenceThreshold); ok {
		return p.finish(ctx, req, sink, answer, "direct_answer", start, nil, &status)
	}

	messages, err := p.assemble(ctx, req, docs)
	if err != nil {
		_ = sink.Error(Classify(err), "prompt assembly failed")
		_ = sink.Done(p.doneInfo(req, "error", start, nil))
		return err
	}

	// Inference under the per-provider circuit breaker. When output
	// moderation is on, chunks buffer until the screen passes; otherwise
	// they stream straight through.
	streamThrough := !p.deps.Moderation.Enabled()
	answer, stats, emitted, err := p.infer(ctx, req, messages, sink, streamThrough)
	if err != nil {
		// The assistant turn is lost either way; the user turn still
		// belongs in history.
		p.persistUserTurn(ctx, req, false)
		if ctx.Err() != nil {
			// Client disconnect: nothing left to emit.
			status = "cancelled"
			return Wrap(KindCancelled, ctx.Err(), "client disconnected")
		}
		kind := Classify(err)
		_ = sink.Error(kind, clientMessage(kind))
		_ = sink.Done(p.doneInfo(req, "error", start, nil))
		return err
	}

	if ctx.Err() != nil {
		status = "cancelled"
		p.persistUserTurn(ctx, req, false)
		return Wrap(KindCancelled, ctx.Err(), "client disconnected")
	}

	finalStatus := "success"
	if emitted {
		// Raw chunks already reached the client; only persistence and the
		// terminal event remain.
		p.persist(ctx, req, answer, false, stats)
		status = finalStatus
		_ = sink.Done(p.doneInfo(req, finalStatus, start, stats))
		return nil
	}
	return p.finish(ctx, req, sink, answer, finalStatus, start, stats, &status)
}

func (p *Pipeline) validate(req *Request) *Error {
	if strings.TrimSpace(req.Message) == "" {
		return NewError(KindValidation, "message must not be empty")
	}
	if err := session.ValidateSessionID(req.SessionID); err != nil {
		return NewError(KindValidation, "invalid session id")
	}
	return nil
}

// screenInput returns (blocked, err). A moderator failure fails closed and
// reports both.
func (p *Pipeline) screenInput(ctx context.Context, req *Request) (bool, error) {
	if !p.deps.Moderation.Enabled() {
		return false, nil
	}
	result, err := p.deps.Moderation.Check(ctx, req.Message, moderation.DirectionIn)
	if err != nil {
		return result != nil && result.Blocked, err
	}
	if result.Blocked {
		if p.deps.Metrics != nil {
			p.deps.Metrics.RecordModerationBlock("in", result.Moderator)
		}
		return true, nil
	}
	return false, nil
}

func (p *Pipeline) retrieve(ctx context.Context, req *Request) ([]retrieval.Document, string) {
	if req.Adapter.Kind != "retriever" {
		return nil, ""
	}
	retriever, ok := p.deps.Registry.Get(req.Adapter.Name)
	if !ok {
		slog.Error("pipeline: adapter has no registered retriever", "adapter", req.Adapter.Name)
		return nil, "retrieval unavailable; answering without context"
	}

	// Datasources sit under the supervisor like inference backends do: a
	// flapping retriever opens its circuit and is skipped fast instead of
	// stalling every request.
	b := p.deps.Breakers.Get("retriever:" + req.Adapter.Name)
	retryCfg := p.retry
	retryCfg.IsTransient = IsTransient

	var docs []retrieval.Document
	retrievalStart := time.Now()
	err := breaker.Do(ctx, b, retryCfg, func(ctx context.Context) error {
		var callErr error
		docs, callErr = retriever.GetRelevantDocuments(ctx, req.Message)
		return callErr
	})
	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordRetrieval(req.Adapter.Name, time.Since(retrievalStart), len(docs))
	}
	if err != nil {
		slog.Warn("pipeline: retrieval failed, continuing without context",
			"adapter", req.Adapter.Name,
			"error", err,
		)
		return nil, "retrieval unavailable; answering without context"
	}
	return docs, ""
}

func (p *Pipeline) assemble(ctx context.Context, req *Request, docs []retrieval.Document) ([]llm.Message, error) {
	systemPrompt := ""
	if req.Key != nil && req.Key.SystemPromptID != nil {
		prompt, err := p.deps.Prompts.GetSystemPrompt(ctx, *req.Key.SystemPromptID)
		if err != nil {
			return nil, Wrap(KindConfig, err, "system prompt lookup failed")
		}
		if prompt != nil {
			systemPrompt = prompt.Text
		}
	}

	history, err := p.deps.Sessions.Recent(ctx, req.SessionID)
	if err != nil {
		slog.Warn("pipeline: history fetch failed, assembling without it",
			"session_id", req.SessionID,
			"error", err,
		)
		history = nil
	}

	budget := PromptBudget{
		NumCtx:         p.deps.Config.Session.NumCtx,
		ReservedOutput: p.deps.Config.Session.ReservedOutput,
	}
	return AssemblePrompt(systemPrompt, history, docs, req.Message, budget), nil
}

// infer runs the supervised streaming call. Returns the full answer, the
// call stats, and whether chunks already reached the sink.
func (p *Pipeline) infer(ctx context.Context, req *Request, messages []llm.Message, sink Sink, streamThrough bool) (string, *llm.CallStats, bool, error) {
	providerName := req.Adapter.Provider
	svc, ok := p.deps.LLMs[providerName]
	if !ok {
		return "", nil, false, NewError(KindConfig, fmt.Sprintf("provider %q not built", providerName))
	}

	genParams := llm.ParseGenParams(req.Params)
	b := p.deps.Breakers.Get("llm:" + providerName)

	var answer strings.Builder
	var stats *llm.CallStats
	emitted := false
	firstToken := false

	retryCfg := p.retry
	// A stream that already sent chunks downstream cannot be retried.
	retryCfg.IsTransient = func(err error) bool {
		return !emitted && answer.Len() == 0 && IsTransient(err)
	}

	callStart := time.Now()
	err := breaker.Do(ctx, b, retryCfg, func(ctx context.Context) error {
		answer.Reset()
		contentCh, statsCh, errCh := svc.ChatStream(ctx, messages, genParams)

		for chunk := range contentCh {
			if !firstToken {
				firstToken = true
				if p.deps.Metrics != nil {
					p.deps.Metrics.RecordFirstToken(req.Adapter.Name, time.Since(callStart))
				}
			}
			answer.WriteString(chunk)
			if streamThrough {
				if err := sink.Text(chunk); err != nil {
					return Wrap(KindCancelled, err, "client write failed")
				}
				emitted = true
			}
		}

		if err, ok := <-errCh; ok && err != nil {
			return err
		}
		stats = <-statsCh
		return nil
	})
	if err != nil {
		return "", nil, emitted, err
	}

	if p.deps.Metrics != nil && stats != nil {
		p.deps.Metrics.RecordLLMUsage(providerName, stats.PromptTokens, stats.CompletionTokens, time.Since(callStart))
	}
	return answer.String(), stats, emitted, nil
}

// finish screens the buffered answer, persists the exchange, and emits the
// remaining events.
func (p *Pipeline) finish(ctx context.Context, req *Request, sink Sink, answer, successStatus string, start time.Time, stats *llm.CallStats, status *string) error {
	if p.deps.Moderation.Enabled() {
		result, err := p.deps.Moderation.Check(ctx, answer, moderation.DirectionOut)
		if err != nil || result.Blocked {
			if p.deps.Metrics != nil && result != nil {
				p.deps.Metrics.RecordModerationBlock("out", result.Moderator)
			}
			// The raw model output is withheld from the client and from
			// history; keep it at debug verbosity only.
			slog.Debug("pipeline: output blocked", "adapter", req.Adapter.Name, "raw_output", answer)
			*status = "blocked"
			p.persist(ctx, req, p.refusal, true, stats)
			_ = sink.Error(KindBlocked, p.refusal)
			_ = sink.Done(p.doneInfo(req, "blocked", start, stats))
			return nil
		}
	}

	p.persist(ctx, req, answer, false, stats)
	*status = successStatus
	_ = sink.Text(answer)
	_ = sink.Done(p.doneInfo(req, successStatus, start, stats))
	return nil
}

// persist stores the exchange unless the client already went away. The
// write itself runs detached from the request context so a late cancel
// cannot tear a half-written exchange.
func (p *Pipeline) persist(ctx context.Context, req *Request, assistantContent string, blocked bool, stats *llm.CallStats) {
	if ctx.Err() != nil {
		return
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	completionTokens := EstimateTokens(assistantContent)
	if stats != nil && stats.CompletionTokens > 0 {
		completionTokens = stats.CompletionTokens
	}
	err := p.deps.Sessions.AppendExchange(persistCtx, req.SessionID, &session.Exchange{
		UserContent:      req.Message,
		UserTokens:       int32(EstimateTokens(req.Message)),
		AssistantContent: assistantContent,
		AssistantTokens:  int32(completionTokens),
		Blocked:          blocked,
	})
	if err != nil {
		slog.Error("pipeline: failed to persist exchange",
			"session_id", req.SessionID,
			"error", err,
		)
	}
}

// persistUserTurn stores the user message alone: blocked input, inference
// failure, client disconnect. Disconnect is one of the triggers, so the write
// always runs detached from the request context.
func (p *Pipeline) persistUserTurn(ctx context.Context, req *Request, blocked bool) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := p.deps.Sessions.AppendUserTurn(persistCtx, req.SessionID, req.Message, int32(EstimateTokens(req.Message)), blocked)
	if err != nil {
		slog.Error("pipeline: failed to persist user turn",
			"session_id", req.SessionID,
			"error", err,
		)
	}
}

func (p *Pipeline) doneInfo(req *Request, status string, start time.Time, stats *llm.CallStats) *DoneInfo {
	info := &DoneInfo{
		Status:     status,
		SessionID:  req.SessionID,
		Adapter:    req.Adapter.Name,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if stats != nil {
		info.PromptTokens = stats.PromptTokens
		info.CompletionTokens = stats.CompletionTokens
	}
	return info
}

// clientMessage maps an error kind to a safe, generic client string.
// Upstream detail stays in the logs.
func clientMessage(kind Kind) string {
	switch kind {
	case KindUpstreamTransient:
		return "the inference backend is temporarily unavailable"
	case KindUpstreamPermanent:
		return "the inference backend rejected the request"
	case KindConfig:
		return "gateway misconfiguration"
	case KindValidation:
		return "invalid request"
	default:
		return "request failed"
	}
}
