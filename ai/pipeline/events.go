package pipeline

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/orbitgw/orbit/ai/core/retrieval"
)

// Event is one NDJSON envelope on the chat stream. Content carries the
// payload string for text and error events; error events additionally carry
// a machine-readable code.
type Event struct {
	Type        string               `json:"type"` // sources, text, audio, error, done
	Content     string               `json:"content,omitempty"`
	Sources     []retrieval.Document `json:"sources,omitempty"`
	Diagnostics string               `json:"diagnostics,omitempty"`
	Code        string               `json:"code,omitempty"`
	Done        *DoneInfo            `json:"done,omitempty"`
}

const (
	EventSources = "sources"
	EventText    = "text"
	EventAudio   = "audio"
	EventError   = "error"
	EventDone    = "done"
)

// DoneInfo is the terminal event payload.
type DoneInfo struct {
	Status           string `json:"status"` // success, blocked, direct_answer, error
	SessionID        string `json:"session_id"`
	Adapter          string `json:"adapter,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	DurationMs       int64  `json:"duration_ms"`
}

// Sink receives pipeline events. Implementations must tolerate calls from a
// single goroutine only; the pipeline never writes concurrently.
type Sink interface {
	Sources(docs []retrieval.Document, diagnostics string) error
	Text(chunk string) error
	Error(kind Kind, message string) error
	Done(info *DoneInfo) error
}

// NDJSONWriter streams events as newline-delimited JSON. It enforces the
// stream contract: exactly one done event, and nothing after it.
type NDJSONWriter struct {
	mu    sync.Mutex
	enc   *json.Encoder
	flush func()
	done  bool
}

// NewNDJSONWriter wraps a response writer. flush may be nil.
func NewNDJSONWriter(w io.Writer, flush func()) *NDJSONWriter {
	return &NDJSONWriter{enc: json.NewEncoder(w), flush: flush}
}

func (n *NDJSONWriter) write(ev *Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done {
		return nil
	}
	if ev.Type == EventDone {
		n.done = true
	}
	if err := n.enc.Encode(ev); err != nil {
		return err
	}
	if n.flush != nil {
		n.flush()
	}
	return nil
}

func (n *NDJSONWriter) Sources(docs []retrieval.Document, diagnostics string) error {
	return n.write(&Event{Type: EventSources, Sources: docs, Diagnostics: diagnostics})
}

func (n *NDJSONWriter) Text(chunk string) error {
	return n.write(&Event{Type: EventText, Content: chunk})
}

func (n *NDJSONWriter) Error(kind Kind, message string) error {
	return n.write(&Event{Type: EventError, Content: message, Code: string(kind)})
}

func (n *NDJSONWriter) Done(info *DoneInfo) error {
	return n.write(&Event{Type: EventDone, Done: info})
}

// BufferSink accumulates the stream for non-streaming surfaces: the full
// text, the sources, and the terminal payload.
type BufferSink struct {
	ContentParts []string
	Docs         []retrieval.Document
	Diagnostics  string
	ErrKind      Kind
	ErrMessage   string
	DoneInfo     *DoneInfo
}

func (b *BufferSink) Sources(docs []retrieval.Document, diagnostics string) error {
	b.Docs = docs
	b.Diagnostics = diagnostics
	return nil
}

func (b *BufferSink) Text(chunk string) error {
	b.ContentParts = append(b.ContentParts, chunk)
	return nil
}

func (b *BufferSink) Error(kind Kind, message string) error {
	b.ErrKind = kind
	b.ErrMessage = message
	return nil
}

func (b *BufferSink) Done(info *DoneInfo) error {
	if b.DoneInfo == nil {
		b.DoneInfo = info
	}
	return nil
}

// Content joins the accumulated text chunks.
func (b *BufferSink) Content() string {
	total := 0
	for _, p := range b.ContentParts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range b.ContentParts {
		out = append(out, p...)
	}
	return string(out)
}
