package middleware

import (
	"fmt"
	"testing"

	"github.com/xeipuuv/gojsonschema"

	"github.com/meridian-erp/eventrt/envelope"
	"github.com/meridian-erp/eventrt/internal/logger"
	"github.com/meridian-erp/eventrt/schema"
)

type fakeSchemaLoader map[string]string

func (f fakeSchemaLoader) Load(key string) (gojsonschema.JSONLoader, error) {
	raw, ok := f[key]
	if !ok {
		return nil, fmt.Errorf("no schema for %s", key)
	}
	return gojsonschema.NewStringLoader(raw), nil
}

const orderCreatedSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": { "order_id": { "type": "string" } },
	"required": ["order_id"]
}`

func newTestRegistry(t *testing.T, loader fakeSchemaLoader) *schema.Registry {
	t.Helper()
	reg, err := schema.NewRegistry(loader)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func runSchemaValidator(cfg SchemaValidatorConfig, registry *schema.Registry, env *envelope.Envelope) (*Context, error) {
	mw := NewSchemaValidator(cfg, registry, logger.Nop())
	ctx := NewContext(RawMessage{}, 0)
	ctx.Envelope = env
	err := mw(ctx, func() error { return nil })
	return ctx, err
}

func TestSchemaValidatorDisabledPassesThrough(t *testing.T) {
	registry := newTestRegistry(t, fakeSchemaLoader{})
	cfg := SchemaValidatorConfig{Enabled: false}
	_, err := runSchemaValidator(cfg, registry, &envelope.Envelope{EventID: "e-1", EventType: "orders.created", EventVersion: "v1", Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("expected no error when disabled, got %v", err)
	}
}

func TestSchemaValidatorAcceptsWellFormedEnvelopeAndPayload(t *testing.T) {
	registry := newTestRegistry(t, fakeSchemaLoader{"events/orders/created-v1": orderCreatedSchema})
	cfg := DefaultSchemaValidatorConfig()
	env := &envelope.Envelope{EventID: "e-1", EventType: "orders.created", EventVersion: "v1", Payload: map[string]any{"order_id": "o-1"}}

	ctx, err := runSchemaValidator(cfg, registry, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.ShouldReject {
		t.Fatal("expected ShouldReject to stay false for a valid message")
	}
}

func TestSchemaValidatorPayloadValidationIsOptInWhenNoSchemaRegistered(t *testing.T) {
	registry := newTestRegistry(t, fakeSchemaLoader{})
	cfg := DefaultSchemaValidatorConfig()
	env := &envelope.Envelope{EventID: "e-1", EventType: "orders.created", EventVersion: "v1", Payload: map[string]any{"anything": true}}

	_, err := runSchemaValidator(cfg, registry, env)
	if err != nil {
		t.Fatalf("expected no error when no payload schema is registered for this type, got %v", err)
	}
}

func TestSchemaValidatorThrowOnErrorStopsThePipeline(t *testing.T) {
	registry := newTestRegistry(t, fakeSchemaLoader{"events/orders/created-v1": orderCreatedSchema})
	cfg := DefaultSchemaValidatorConfig()
	cfg.ThrowOnError = true
	env := &envelope.Envelope{EventID: "e-1", EventType: "orders.created", EventVersion: "v1", Payload: map[string]any{}}

	ctx, err := runSchemaValidator(cfg, registry, env)
	if err == nil {
		t.Fatal("expected an error for a payload missing the required order_id field")
	}
	if !ctx.ShouldReject {
		t.Fatal("expected ShouldReject to be set when throw_on_error is true")
	}
	if ctx.Err == nil {
		t.Fatal("expected a classified error to be recorded on the context")
	}
}

func TestSchemaValidatorRecordAndContinueWhenThrowOnErrorIsFalse(t *testing.T) {
	registry := newTestRegistry(t, fakeSchemaLoader{"events/orders/created-v1": orderCreatedSchema})
	cfg := DefaultSchemaValidatorConfig()
	cfg.ThrowOnError = false
	env := &envelope.Envelope{EventID: "e-1", EventType: "orders.created", EventVersion: "v1", Payload: map[string]any{}}

	ctx, err := runSchemaValidator(cfg, registry, env)
	if err != nil {
		t.Fatalf("expected the pipeline to continue when throw_on_error is false, got %v", err)
	}
	if ctx.ShouldReject {
		t.Fatal("expected ShouldReject to stay false when recording-and-continuing")
	}
	if ctx.Err == nil {
		t.Fatal("expected the validation failure to still be recorded on the context")
	}
}

func TestSchemaValidatorValidateEnvelopeOnlyWhenPayloadValidationDisabled(t *testing.T) {
	registry := newTestRegistry(t, fakeSchemaLoader{"events/orders/created-v1": orderCreatedSchema})
	cfg := SchemaValidatorConfig{Enabled: true, ThrowOnError: true, ValidateEnvelope: true, ValidatePayload: false}
	env := &envelope.Envelope{EventID: "e-1", EventType: "orders.created", EventVersion: "v1", Payload: map[string]any{}}

	_, err := runSchemaValidator(cfg, registry, env)
	if err != nil {
		t.Fatalf("expected payload validation to be skipped, got %v", err)
	}
}
