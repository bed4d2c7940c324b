// Package pipeline orchestrates a chat request end to end: moderation,
// retrieval, prompt assembly, supervised inference, output screening, and
// history persistence, emitting a typed event stream along the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sashabaranov/go-openai"

	"github.com/orbitgw/orbit/ai/breaker"
	"github.com/orbitgw/orbit/ai/core/llm"
)

// Kind classifies a pipeline failure. Every error leaving the pipeline
// carries exactly one kind; the transport layers map kinds to status codes.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuth              Kind = "auth"
	KindConfig            Kind = "config"
	KindUpstreamTransient Kind = "upstream_transient"
	KindUpstreamPermanent Kind = "upstream_permanent"
	KindBlocked           Kind = "blocked"
	KindCancelled         Kind = "cancelled"
)

// Error is a classified pipeline error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Classify maps any error to a kind. Unrecognized errors are treated as
// permanent so they never feed retry loops.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	if errors.Is(err, breaker.ErrOpen) || errors.Is(err, llm.ErrFirstTokenTimeout) {
		return KindUpstreamTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindUpstreamTransient
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return KindUpstreamTransient
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return KindConfig // misconfigured upstream credentials, not the client's auth
		default:
			return KindUpstreamPermanent
		}
	}

	return KindUpstreamPermanent
}

// IsTransient reports whether a retry could help.
func IsTransient(err error) bool {
	return Classify(err) == KindUpstreamTransient
}
