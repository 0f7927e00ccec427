package middleware

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// CorrelationConfig names the broker headers checked before the envelope
// fields, per spec.md §4.3.2's priority order.
type CorrelationConfig struct {
	CorrelationIDHeader string
	TraceIDHeader       string
	CausationIDHeader   string
	GenerateTraceID     bool
}

// DefaultCorrelationConfig mirrors the headers Tim275-oms's broker package
// reserves for trace propagation (x-correlation-id, x-trace-id,
// x-causation-id — see common/broker/tracing.go's carrier).
func DefaultCorrelationConfig() CorrelationConfig {
	return CorrelationConfig{
		CorrelationIDHeader: "x-correlation-id",
		TraceIDHeader:       "x-trace-id",
		CausationIDHeader:   "x-causation-id",
		GenerateTraceID:     true,
	}
}

var spanCounter uint64

// NewCorrelationHandler builds the second pipeline unit, spec.md §4.3.2.
// correlation_id resolves header -> envelope field -> generated UUID and is
// regenerated when it is not a valid UUID. trace_id and causation_id come
// from their header, else the envelope field: trace_id falls back to the
// correlation id when invalid, or when absent and GenerateTraceID is set;
// an invalid causation_id is replaced by a fresh UUID, an absent one stays
// empty. parent_event_id is read from the envelope only and cleared when it
// is not a valid UUID. The resolved ids are backfilled into the envelope
// (the only mutation the spec permits after deserialization), and a
// per-invocation span_id is stamped.
func NewCorrelationHandler(cfg CorrelationConfig) Middleware {
	pid := os.Getpid()

	return func(ctx *Context, next Next) error {
		env := ctx.Envelope

		correlationID := resolve(headerString(ctx.Raw.Headers, cfg.CorrelationIDHeader), env.CorrelationID)
		if !validUUID(correlationID) {
			correlationID = uuid.NewString()
		}

		traceID := resolve(headerString(ctx.Raw.Headers, cfg.TraceIDHeader), env.TraceID)
		if traceID == "" && cfg.GenerateTraceID {
			traceID = correlationID
		}
		if traceID != "" && !validUUID(traceID) {
			traceID = correlationID
		}

		causationID := resolve(headerString(ctx.Raw.Headers, cfg.CausationIDHeader), env.CausationID)
		if causationID != "" && !validUUID(causationID) {
			causationID = uuid.NewString()
		}

		parentEventID := env.ParentEventID
		if parentEventID != "" && !validUUID(parentEventID) {
			parentEventID = ""
		}

		env.CorrelationID = correlationID
		env.TraceID = traceID
		env.CausationID = causationID
		env.ParentEventID = parentEventID

		ctx.CorrelationID = correlationID
		ctx.TraceID = traceID
		ctx.SpanID = newSpanID(pid)

		ctx.Metadata["correlation_id"] = correlationID
		ctx.Metadata["trace_id"] = traceID
		ctx.Metadata["causation_id"] = causationID
		ctx.Metadata["parent_event_id"] = parentEventID
		ctx.Metadata["span_id"] = ctx.SpanID

		return next()
	}
}

func resolve(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func headerString(headers map[string]any, key string) string {
	if headers == nil {
		return ""
	}
	v, ok := headers[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return ""
	}
}

func validUUID(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// newSpanID builds "<pid>-<unix_ms>-<monotonic>", per spec.md §4.3.2.
func newSpanID(pid int) string {
	seq := atomic.AddUint64(&spanCounter, 1)
	return fmt.Sprintf("%d-%d-%d", pid, time.Now().UnixMilli(), seq)
}
