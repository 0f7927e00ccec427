// Package middleware implements the four composable pipeline units of
// spec.md §4.3 as plain function values — no middleware objects or
// inheritance, per spec.md §9 ("reimplement as function values (closures)
// composed by the processor").
package middleware

import (
	"time"

	"github.com/meridian-erp/eventrt/envelope"
	"github.com/meridian-erp/eventrt/errs"
)

// RawMessage is the broker delivery as seen before deserialization.
type RawMessage struct {
	Content     []byte
	ContentType string
	Headers     map[string]any
}

// Context is spec.md §3's ProcessingContext: a per-message, mutable
// struct created by the consumer for each delivery and discarded after
// ack/nack. It is not safe for concurrent use by more than one goroutine
// — one Context belongs to exactly one in-flight delivery.
type Context struct {
	Raw      RawMessage
	Envelope *envelope.Envelope

	CorrelationID string
	TraceID       string
	SpanID        string

	StartTime    time.Time
	RetryAttempt int

	SkipRemaining bool
	ShouldReject  bool

	Err *errs.ClassifiedError

	Metadata map[string]any
}

// NewContext creates a Context for a single delivery attempt.
func NewContext(raw RawMessage, retryAttempt int) *Context {
	return &Context{
		Raw:          raw,
		StartTime:    time.Now(),
		RetryAttempt: retryAttempt,
		Metadata:     make(map[string]any),
	}
}

// Next invokes the remainder of the pipeline. Middleware call it exactly
// once (or not at all, to short-circuit).
type Next func() error

// Middleware is the composable pipeline step of spec.md §4.3: "a function
// (ctx, next) -> ()". Ours returns an error instead of throwing, which is
// the idiomatic Go equivalent of the spec's "or throw" escape hatch.
type Middleware func(ctx *Context, next Next) error
