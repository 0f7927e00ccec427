package middleware

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridian-erp/eventrt/envelope"
	"github.com/meridian-erp/eventrt/errs"
	"github.com/meridian-erp/eventrt/internal/logger"
)

// DefaultMaxSizeBytes is spec.md §4.3.1's default max_size_bytes (10 MiB).
const DefaultMaxSizeBytes = 10 * 1024 * 1024

// DeserializerConfig configures the deserializer middleware.
type DeserializerConfig struct {
	MaxSizeBytes       int
	EnforceContentType bool
}

// DefaultDeserializerConfig mirrors spec.md §4.3.1's defaults.
func DefaultDeserializerConfig() DeserializerConfig {
	return DeserializerConfig{
		MaxSizeBytes:       DefaultMaxSizeBytes,
		EnforceContentType: true,
	}
}

// NewDeserializer builds the first pipeline unit, spec.md §4.3.1: reject
// oversized payloads, optionally enforce content-type, parse JSON into an
// envelope, requiring non-empty event_id/event_type/payload.
func NewDeserializer(cfg DeserializerConfig, log logger.Logger) Middleware {
	maxSize := cfg.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = DefaultMaxSizeBytes
	}

	return func(ctx *Context, next Next) error {
		if len(ctx.Raw.Content) > maxSize {
			ctx.Err = errs.New(errs.Validation, errs.SeverityMedium,
				fmt.Errorf("message size %d exceeds max_size_bytes %d", len(ctx.Raw.Content), maxSize))
			ctx.ShouldReject = true
			return ctx.Err
		}

		if cfg.EnforceContentType {
			base := baseContentType(ctx.Raw.ContentType)
			if base != "application/json" {
				ctx.Err = errs.New(errs.Validation, errs.SeverityMedium,
					fmt.Errorf("unsupported content_type %q", ctx.Raw.ContentType)).
					WithContext("content_type", ctx.Raw.ContentType)
				ctx.ShouldReject = true
				return ctx.Err
			}
		} else if baseContentType(ctx.Raw.ContentType) != "application/json" {
			log.Warn("received non-json content_type", "content_type", ctx.Raw.ContentType)
		}

		var raw map[string]any
		if err := json.Unmarshal(ctx.Raw.Content, &raw); err != nil {
			ctx.Err = errs.New(errs.Validation, errs.SeverityMedium, fmt.Errorf("invalid json: %w", err))
			ctx.ShouldReject = true
			return ctx.Err
		}

		var env envelope.Envelope
		if err := json.Unmarshal(ctx.Raw.Content, &env); err != nil {
			ctx.Err = errs.New(errs.Validation, errs.SeverityMedium, fmt.Errorf("invalid envelope: %w", err))
			ctx.ShouldReject = true
			return ctx.Err
		}

		if env.EventID == "" || env.EventType == "" || env.Payload == nil {
			ctx.Err = errs.New(errs.Validation, errs.SeverityMedium,
				fmt.Errorf("envelope missing required fields (event_id, event_type, payload)"))
			ctx.ShouldReject = true
			return ctx.Err
		}

		ctx.Envelope = &env
		return next()
	}
}

// baseContentType strips any parameters (e.g. ";charset=utf-8") from a
// content-type header, per spec.md §4.3.1 ("charset ignored").
func baseContentType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(strings.ToLower(contentType))
}
