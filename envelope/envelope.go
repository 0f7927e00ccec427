// Package envelope defines the wire-level EventEnvelope and the few
// invariants the runtime enforces on it before a handler ever sees it.
package envelope

import (
	"regexp"
	"time"
)

// Priority is one of the four broker-routing priority bands spec.md §3
// defines for an envelope.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var validPriorities = map[Priority]bool{
	PriorityLow:      true,
	PriorityNormal:   true,
	PriorityHigh:     true,
	PriorityCritical: true,
}

// EventTypePattern and VersionPattern implement spec.md §3's invariants:
// event_type matches "<domain>.<action>", event_version matches "v<N>".
var (
	EventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*\.[a-z][a-z0-9-]*$`)
	VersionPattern   = regexp.MustCompile(`^v\d+$`)
)

// Envelope is the immutable (save for correlation-backfill) transport
// wrapper carrying event metadata and payload, per spec.md §3.
type Envelope struct {
	EventID           string         `json:"event_id"`
	EventType         string         `json:"event_type"`
	EventVersion      string         `json:"event_version"`
	OccurredAt        time.Time      `json:"occurred_at"`
	Producer          string         `json:"producer"`
	ProducerVersion   string         `json:"producer_version,omitempty"`
	ProducerInstance  string         `json:"producer_instance,omitempty"`
	CorrelationID     string         `json:"correlation_id"`
	CausationID       string         `json:"causation_id,omitempty"`
	ParentEventID     string         `json:"parent_event_id,omitempty"`
	TraceID           string         `json:"trace_id,omitempty"`
	RoutingKey        string         `json:"routing_key,omitempty"`
	Priority          Priority       `json:"priority,omitempty"`
	Payload           map[string]any `json:"payload"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Validate checks the structural invariants spec.md §3 lists, independent
// of JSON-Schema validation (which is a separate, configurable middleware
// step). It does NOT require correlation_id to be present — that's filled
// in downstream by the correlation handler.
func (e *Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return errMissing("event_id")
	case e.EventType == "":
		return errMissing("event_type")
	case !EventTypePattern.MatchString(e.EventType):
		return errInvalid("event_type", e.EventType)
	case e.EventVersion == "":
		return errMissing("event_version")
	case !VersionPattern.MatchString(e.EventVersion):
		return errInvalid("event_version", e.EventVersion)
	case e.Payload == nil:
		return errMissing("payload")
	case e.Priority != "" && !validPriorities[e.Priority]:
		return errInvalid("priority", string(e.Priority))
	}
	return nil
}

type validationError struct {
	field  string
	reason string
}

func (v *validationError) Error() string {
	return "envelope." + v.field + ": " + v.reason
}

func errMissing(field string) error {
	return &validationError{field: field, reason: "required and empty"}
}

func errInvalid(field, value string) error {
	return &validationError{field: field, reason: "invalid value " + value}
}
