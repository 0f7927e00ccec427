package middleware

import (
	"encoding/json"
	"fmt"

	"github.com/meridian-erp/eventrt/errs"
	"github.com/meridian-erp/eventrt/internal/logger"
	"github.com/meridian-erp/eventrt/schema"
)

// SchemaValidatorConfig mirrors spec.md §4.3.3's independent toggles.
type SchemaValidatorConfig struct {
	Enabled         bool
	ThrowOnError    bool
	ValidateEnvelope bool
	ValidatePayload  bool
}

// DefaultSchemaValidatorConfig enables both envelope and payload
// validation and treats failures as pipeline-stopping errors.
func DefaultSchemaValidatorConfig() SchemaValidatorConfig {
	return SchemaValidatorConfig{
		Enabled:          true,
		ThrowOnError:     true,
		ValidateEnvelope: true,
		ValidatePayload:  true,
	}
}

// NewSchemaValidator builds the third pipeline unit, spec.md §4.3.3: the
// fixed envelope schema plus a payload schema resolved from the registry.
// Grounded on sqsrouter's coreRoute, which validates the envelope first,
// then resolves and validates a per-type payload schema before dispatch.
func NewSchemaValidator(cfg SchemaValidatorConfig, registry *schema.Registry, log logger.Logger) Middleware {
	return func(ctx *Context, next Next) error {
		if !cfg.Enabled {
			return next()
		}

		env := ctx.Envelope

		if cfg.ValidateEnvelope {
			raw, err := json.Marshal(env)
			if err != nil {
				return classifyAndMaybeThrow(ctx, cfg, log, fmt.Errorf("marshaling envelope for validation: %w", err))
			}
			if err := registry.ValidateEnvelope(raw); err != nil {
				if stop := classifyAndMaybeThrow(ctx, cfg, log, err); stop != nil {
					return stop
				}
			}
		}

		if cfg.ValidatePayload {
			if err := registry.ValidatePayload(env.EventType, env.EventVersion, env.Payload); err != nil {
				if stop := classifyAndMaybeThrow(ctx, cfg, log, err); stop != nil {
					return stop
				}
			}
		}

		return next()
	}
}

// classifyAndMaybeThrow records a schema_validation ClassifiedError on ctx
// and, when throw_on_error is true, marks the message for rejection and
// returns the error to stop the pipeline. When throw_on_error is false the
// error is recorded for visibility but the pipeline continues, per
// spec.md §4.3.3's "record and continue" config flag.
func classifyAndMaybeThrow(ctx *Context, cfg SchemaValidatorConfig, log logger.Logger, err error) error {
	ce := errs.New(errs.SchemaValidation, errs.SeverityMedium, err)
	ctx.Err = ce
	if !cfg.ThrowOnError {
		log.Warn("schema validation failed, continuing", "error", err.Error())
		return nil
	}
	ctx.ShouldReject = true
	return ce
}
