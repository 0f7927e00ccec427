package processor

import (
	"errors"
	"testing"

	"github.com/meridian-erp/eventrt/envelope"
	"github.com/meridian-erp/eventrt/errs"
	"github.com/meridian-erp/eventrt/internal/logger"
	"github.com/meridian-erp/eventrt/middleware"
)

func newTestContext() *middleware.Context {
	ctx := middleware.NewContext(middleware.RawMessage{}, 0)
	ctx.Envelope = &envelope.Envelope{EventID: "e-1", EventType: "orders.created", EventVersion: "v1"}
	return ctx
}

func TestProcessRunsMiddlewareInRegistrationOrder(t *testing.T) {
	var order []string
	mw1 := func(ctx *middleware.Context, next middleware.Next) error {
		order = append(order, "mw1")
		return next()
	}
	mw2 := func(ctx *middleware.Context, next middleware.Next) error {
		order = append(order, "mw2")
		return next()
	}

	registry := NewHandlerRegistry()
	_ = registry.Register(Registration{EventType: "orders.created", EventVersion: "v1", Handler: func(ctx *middleware.Context) error {
		order = append(order, "handler")
		return nil
	}})

	p := NewEventProcessor([]middleware.Middleware{mw1, mw2}, registry, Hooks{}, logger.Nop(), nil)
	p.Start()
	result := p.Process(newTestContext())

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	expected := []string{"mw1", "mw2", "handler"}
	if len(order) != len(expected) {
		t.Fatalf("expected order %v, got %v", expected, order)
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Fatalf("expected order %v, got %v", expected, order)
		}
	}
}

func TestProcessSkipRemainingShortCircuitsHandler(t *testing.T) {
	mw := func(ctx *middleware.Context, next middleware.Next) error {
		ctx.SkipRemaining = true
		return next()
	}
	handlerCalled := false
	registry := NewHandlerRegistry()
	_ = registry.Register(Registration{EventType: "orders.created", EventVersion: "v1", Handler: func(ctx *middleware.Context) error {
		handlerCalled = true
		return nil
	}})

	p := NewEventProcessor([]middleware.Middleware{mw}, registry, Hooks{}, logger.Nop(), nil)
	p.Start()
	result := p.Process(newTestContext())

	if handlerCalled {
		t.Fatal("expected handler dispatch to be skipped when SkipRemaining is set")
	}
	if !result.Success {
		t.Fatalf("expected a skip to still report success, got %+v", result)
	}
}

func TestProcessMissingHandlerIsNotAnError(t *testing.T) {
	registry := NewHandlerRegistry()
	p := NewEventProcessor(nil, registry, Hooks{}, logger.Nop(), nil)
	p.Start()
	result := p.Process(newTestContext())

	if !result.Success {
		t.Fatalf("expected a missing handler to still be acked as success, got %+v", result)
	}
	if result.Error != nil {
		t.Fatalf("expected no classified error for a missing handler, got %v", result.Error)
	}
}

func TestProcessClassifiesHandlerErrorAndFiresOnError(t *testing.T) {
	registry := NewHandlerRegistry()
	_ = registry.Register(Registration{EventType: "orders.created", EventVersion: "v1", Handler: func(ctx *middleware.Context) error {
		return errors.New("boom")
	}})

	var hookResult *ProcessingResult
	hooks := Hooks{OnError: func(ctx *middleware.Context, result ProcessingResult) { hookResult = &result }}

	p := NewEventProcessor(nil, registry, hooks, logger.Nop(), nil)
	p.Start()
	result := p.Process(newTestContext())

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Error == nil {
		t.Fatal("expected a classified error")
	}
	if hookResult == nil {
		t.Fatal("expected OnError hook to fire")
	}
}

func TestProcessFiresOnSuccessHook(t *testing.T) {
	registry := NewHandlerRegistry()
	_ = registry.Register(Registration{EventType: "orders.created", EventVersion: "v1", Handler: func(ctx *middleware.Context) error {
		return nil
	}})

	fired := false
	hooks := Hooks{OnSuccess: func(ctx *middleware.Context, result ProcessingResult) { fired = true }}

	p := NewEventProcessor(nil, registry, hooks, logger.Nop(), nil)
	p.Start()
	p.Process(newTestContext())

	if !fired {
		t.Fatal("expected OnSuccess hook to fire")
	}
}

func TestProcessMarksDuplicateResultFromIdempotencyGuard(t *testing.T) {
	dupMw := func(ctx *middleware.Context, next middleware.Next) error {
		ctx.Err = errs.New(errs.DuplicateEvent, errs.SeverityLow, nil)
		ctx.SkipRemaining = true
		return next()
	}
	registry := NewHandlerRegistry()
	p := NewEventProcessor([]middleware.Middleware{dupMw}, registry, Hooks{}, logger.Nop(), nil)
	p.Start()
	result := p.Process(newTestContext())

	if !result.Success {
		t.Fatalf("expected a duplicate to be acked as success, got %+v", result)
	}
	if result.Error == nil || result.Error.Tag != errs.DuplicateEvent {
		t.Fatalf("expected the duplicate_event classified error to surface on the result, got %v", result.Error)
	}
}

func TestStatsSnapshotTracksProcessedWithoutFailures(t *testing.T) {
	registry := NewHandlerRegistry()
	_ = registry.Register(Registration{EventType: "orders.created", EventVersion: "v1", Handler: func(ctx *middleware.Context) error {
		return nil
	}})
	p := NewEventProcessor(nil, registry, Hooks{}, logger.Nop(), nil)
	p.Start()

	p.Process(newTestContext())
	p.Process(newTestContext())

	snap := p.Stats()
	if snap.Processed != 2 {
		t.Fatalf("expected Processed=2, got %d", snap.Processed)
	}
	if snap.Failed != 0 {
		t.Fatalf("expected Failed=0, got %d", snap.Failed)
	}
}

func TestStatsSnapshotTracksFailedAndRetried(t *testing.T) {
	registry := NewHandlerRegistry()
	_ = registry.Register(Registration{EventType: "orders.created", EventVersion: "v1", Handler: func(ctx *middleware.Context) error {
		return errors.New("boom")
	}})
	p := NewEventProcessor(nil, registry, Hooks{}, logger.Nop(), nil)
	p.Start()

	retryCtx := middleware.NewContext(middleware.RawMessage{}, 2)
	retryCtx.Envelope = &envelope.Envelope{EventID: "e-2", EventType: "orders.created", EventVersion: "v1"}
	p.Process(retryCtx)

	snap := p.Stats()
	if snap.Failed != 1 {
		t.Fatalf("expected Failed=1, got %d", snap.Failed)
	}
	if snap.Retried != 1 {
		t.Fatalf("expected Retried=1 since RetryAttempt>0, got %d", snap.Retried)
	}
}
