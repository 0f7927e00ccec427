// Package schema implements the schema registry of spec.md §4.3.3: a
// read-only lookup from (event_type, event_version) to a compiled
// JSON-Schema validator, plus the fixed envelope schema.
//
// Grounded on other_examples/9cc8e6f5_HatsuneMiku3939-sqsrouter__router.go.go,
// which validates an envelope and then a payload with
// github.com/xeipuuv/gojsonschema before dispatching to a handler — the
// same two-level compile-then-validate shape spec.md §4.3.3 describes.
package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// EnvelopeSchema is the fixed, hard-coded schema enforcing the structural
// invariants of spec.md §3: field presence, event_type/event_version
// patterns, and the priority enum. The id fields (event_id, correlation,
// causation, parent and trace ids) are checked as strings only; their UUID
// format is not checked here.
const EnvelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "event_id": { "type": "string", "minLength": 1 },
    "event_type": { "type": "string", "pattern": "^[a-z][a-z0-9-]*\\.[a-z][a-z0-9-]*$" },
    "event_version": { "type": "string", "pattern": "^v[0-9]+$" },
    "occurred_at": { "type": "string" },
    "producer": { "type": "string" },
    "correlation_id": { "type": "string" },
    "causation_id": { "type": "string" },
    "parent_event_id": { "type": "string" },
    "trace_id": { "type": "string" },
    "routing_key": { "type": "string" },
    "priority": { "type": "string", "enum": ["low", "normal", "high", "critical"] },
    "payload": { "type": "object" },
    "metadata": { "type": "object" }
  },
  "required": ["event_id", "event_type", "event_version", "payload"]
}`

// FieldError describes one failing JSON path. Expected and actual values
// are not separate fields; they appear only as far as gojsonschema's
// Description text states them.
type FieldError struct {
	Path        string
	Description string
}

// ValidationError aggregates every FieldError from a single validation
// pass.
type ValidationError struct {
	Fields []FieldError
}

func (v *ValidationError) Error() string {
	if len(v.Fields) == 0 {
		return "schema validation failed"
	}
	return fmt.Sprintf("schema validation failed: %s: %s", v.Fields[0].Path, v.Fields[0].Description)
}

// Key builds the registry lookup key spec.md §4.3.3 specifies:
// "events/<domain>/<action>-v<N>".
func Key(eventType, eventVersion string) string {
	domain, action := splitEventType(eventType)
	return fmt.Sprintf("events/%s/%s-%s", domain, action, eventVersion)
}

func splitEventType(eventType string) (domain, action string) {
	for i := 0; i < len(eventType); i++ {
		if eventType[i] == '.' {
			return eventType[:i], eventType[i+1:]
		}
	}
	return eventType, ""
}

// Loader resolves the raw JSON-Schema document for a registry key. It may
// dereference $ref (the directory-backed FileLoader does, via
// gojsonschema's own $ref resolution over file:// URIs).
type Loader interface {
	Load(key string) (gojsonschema.JSONLoader, error)
}

// FileLoader loads "<dir>/<key>.json" from disk. Schemas may use relative
// $ref to sibling files in dir; gojsonschema resolves these itself once
// handed a file:// reference loader.
type FileLoader struct {
	Dir string
}

func (f *FileLoader) Load(key string) (gojsonschema.JSONLoader, error) {
	path := filepath.Join(f.Dir, key+".json")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("schema %s: %w", key, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", key, err)
	}
	return gojsonschema.NewReferenceLoader("file://" + abs), nil
}

// Registry compiles and caches validators keyed by registry key, per
// spec.md §9 ("keep a compiled-validator cache keyed by schema id; do not
// hold file handles").
type Registry struct {
	loader Loader

	mu        sync.RWMutex
	compiled  map[string]*gojsonschema.Schema
	envelope  *gojsonschema.Schema
}

// NewRegistry builds a Registry backed by loader for payload schemas. The
// envelope schema is compiled immediately since it's fixed and always
// needed.
func NewRegistry(loader Loader) (*Registry, error) {
	envelopeSchema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(EnvelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("compiling envelope schema: %w", err)
	}
	return &Registry{
		loader:   loader,
		compiled: make(map[string]*gojsonschema.Schema),
		envelope: envelopeSchema,
	}, nil
}

// ValidateEnvelope validates raw envelope JSON bytes against the fixed
// envelope schema.
func (r *Registry) ValidateEnvelope(raw []byte) error {
	return validate(r.envelope, gojsonschema.NewBytesLoader(raw))
}

// ValidatePayload validates a payload document against the schema
// registered for (eventType, eventVersion), compiling and caching it on
// first use. Returns nil (no error, no-op) if no schema is registered for
// that key — payload schemas are opt-in per event type.
func (r *Registry) ValidatePayload(eventType, eventVersion string, payload map[string]any) error {
	key := Key(eventType, eventVersion)

	validator, err := r.compiledFor(key)
	if err != nil {
		return err
	}
	if validator == nil {
		return nil
	}

	doc := gojsonschema.NewGoLoader(payload)
	return validate(validator, doc)
}

func (r *Registry) compiledFor(key string) (*gojsonschema.Schema, error) {
	r.mu.RLock()
	if v, ok := r.compiled[key]; ok {
		r.mu.RUnlock()
		return v, nil
	}
	r.mu.RUnlock()

	loader, err := r.loader.Load(key)
	if err != nil {
		// No schema registered for this key: validation is skipped, not an error.
		return nil, nil
	}

	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("compiling schema %s: %w", key, err)
	}

	r.mu.Lock()
	r.compiled[key] = compiled
	r.mu.Unlock()
	return compiled, nil
}

func validate(schema *gojsonschema.Schema, doc gojsonschema.JSONLoader) error {
	result, err := schema.Validate(doc)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	fields := make([]FieldError, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		fields = append(fields, FieldError{
			Path:        e.Field(),
			Description: e.Description(),
		})
	}
	return &ValidationError{Fields: fields}
}
