// Package llm defines the single-call contract the generation core uses to talk to a language model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed generation call.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindRateLimited     Kind = "rate_limited"
	KindInvalidResponse Kind = "invalid_response"
	KindUnknown         Kind = "unknown"
)

// Transient reports whether a new attempt may succeed.
func (k Kind) Transient() bool {
	return k == KindTimeout || k == KindRateLimited
}

// Error is a classified adapter failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf classifies any error. Deadline expiry is a timeout, anything unclassified is unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Request is one generation call.
type Request struct {
	System string
	Prompt string
	// Timeout bounds the call. Zero leaves the bound to the caller's context.
	Timeout time.Duration
}

// Content is a successful generation.
type Content struct {
	Text     string
	Provider string
	Model    string
}

// Adapter wraps exactly one external call per Generate. Implementations must not retry.
type Adapter interface {
	Generate(ctx context.Context, req Request) (*Content, error)
	Provider() string
	Model() string
}

// WithTimeout applies the request bound to ctx.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, req Request) (*Content, error)

func (f AdapterFunc) Generate(ctx context.Context, req Request) (*Content, error) { return f(ctx, req) }
func (f AdapterFunc) Provider() string                                             { return "func" }
func (f AdapterFunc) Model() string                                                { return "" }
