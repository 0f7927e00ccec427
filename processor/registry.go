// Package processor implements spec.md §4.3.5 (handler dispatch) and §4.4
// (the EventProcessor that runs middleware, dispatches a handler, and
// produces a ProcessingResult).
package processor

import (
	"sort"
	"sync"

	"github.com/meridian-erp/eventrt/middleware"
)

// Handler is the business-logic function bound to (event_type,
// event_version) by a HandlerRegistration.
type Handler func(ctx *middleware.Context) error

// Registration is spec.md §3's HandlerRegistration.
type Registration struct {
	EventType    string
	EventVersion string // empty means "unversioned fallback"
	ConsumerName string
	Handler      Handler
	Metadata     map[string]any
}

// HandlerRegistry holds registrations keyed by event_type, with a
// secondary list sorted so version-specific entries precede the
// unversioned fallback, per spec.md §4.3.5.
type HandlerRegistry struct {
	mu      sync.RWMutex
	started bool
	byType  map[string][]Registration
}

// NewHandlerRegistry builds an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{byType: make(map[string][]Registration)}
}

// Register adds a handler registration. Per spec.md §9, registration
// after the consumer has started is an error — the registry is
// write-once-at-setup, read-only at steady state.
func (r *HandlerRegistry) Register(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errAlreadyStarted
	}

	list := append(r.byType[reg.EventType], reg)
	sort.SliceStable(list, func(i, j int) bool {
		// Versioned entries precede the unversioned fallback.
		return list[i].EventVersion != "" && list[j].EventVersion == ""
	})
	r.byType[reg.EventType] = list
	return nil
}

// Start freezes the registry against further registration, per spec.md §9.
func (r *HandlerRegistry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
}

// Resolve implements spec.md §4.3.5's selection rule: the first entry
// whose event_version equals the envelope's, else the unversioned
// fallback, else (false) — no handler is registered for this event.
func (r *HandlerRegistry) Resolve(eventType, eventVersion string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var fallback *Registration
	for i, reg := range r.byType[eventType] {
		if reg.EventVersion == eventVersion {
			return reg, true
		}
		if reg.EventVersion == "" && fallback == nil {
			fallback = &r.byType[eventType][i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Registration{}, false
}

type registryError string

func (e registryError) Error() string { return string(e) }

const errAlreadyStarted = registryError("handler registry: cannot register after consumption has started")
