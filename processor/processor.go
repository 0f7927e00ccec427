package processor

import (
	"sync"
	"time"

	"github.com/meridian-erp/eventrt/errs"
	"github.com/meridian-erp/eventrt/internal/logger"
	"github.com/meridian-erp/eventrt/internal/metrics"
	"github.com/meridian-erp/eventrt/middleware"
)

// ProcessingResult is spec.md §4.4's output of one Process call.
type ProcessingResult struct {
	Success      bool
	Acknowledged bool
	DurationMs   int64
	RetryCount   int
	Error        *errs.ClassifiedError
	Data         any
}

// Hooks are the lifecycle callbacks spec.md §4.4 calls for ("emit
// lifecycle hooks (on_success, on_error)").
type Hooks struct {
	OnSuccess func(ctx *middleware.Context, result ProcessingResult)
	OnError   func(ctx *middleware.Context, result ProcessingResult)
}

// Stats are the cumulative counters spec.md §4.4 requires, updated with
// atomic/mutex synchronization per spec.md §5.
type Stats struct {
	mu               sync.Mutex
	Processed        int64
	Failed           int64
	Retried          int64
	Duplicates       int64
	cumulativeMs     int64
	recentDurations  []int64 // sliding window, most-recent last
}

const statsWindowSize = 1000

// Snapshot is a point-in-time read of Stats.
type Snapshot struct {
	Processed         int64
	Failed            int64
	Retried           int64
	Duplicates        int64
	AverageLatencyMs  float64
}

func (s *Stats) recordSuccess(durationMs int64, duplicate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Processed++
	if duplicate {
		s.Duplicates++
	}
	s.pushDuration(durationMs)
}

func (s *Stats) recordFailure(durationMs int64, retried bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Failed++
	if retried {
		s.Retried++
	}
	s.pushDuration(durationMs)
}

func (s *Stats) pushDuration(durationMs int64) {
	s.cumulativeMs += durationMs
	s.recentDurations = append(s.recentDurations, durationMs)
	if len(s.recentDurations) > statsWindowSize {
		s.recentDurations = s.recentDurations[len(s.recentDurations)-statsWindowSize:]
	}
}

// Snapshot returns a consistent read of the current statistics, including
// a moving average latency over the sliding window of the last 1000
// durations, per spec.md §4.4.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var avg float64
	if n := len(s.recentDurations); n > 0 {
		var sum int64
		for _, d := range s.recentDurations {
			sum += d
		}
		avg = float64(sum) / float64(n)
	}
	return Snapshot{
		Processed:        s.Processed,
		Failed:           s.Failed,
		Retried:          s.Retried,
		Duplicates:       s.Duplicates,
		AverageLatencyMs: avg,
	}
}

// EventProcessor is spec.md §4.4: it runs the middleware chain in
// registration order, dispatches to a registered handler, records the
// outcome, and returns a ProcessingResult.
type EventProcessor struct {
	middlewares []middleware.Middleware
	registry    *HandlerRegistry
	hooks       Hooks
	stats       Stats
	log         logger.Logger
	metrics     *metrics.EventMetrics

	mu      sync.Mutex
	started bool
}

// NewEventProcessor builds a processor over an ordered middleware chain
// and handler registry. metrics may be nil, in which case Prometheus
// recording is skipped and only the in-process Stats snapshot is kept.
func NewEventProcessor(middlewares []middleware.Middleware, registry *HandlerRegistry, hooks Hooks, log logger.Logger, m *metrics.EventMetrics) *EventProcessor {
	return &EventProcessor{
		middlewares: middlewares,
		registry:    registry,
		hooks:       hooks,
		log:         log,
		metrics:     m,
	}
}

// Start freezes the processor's handler registry against further
// registration and marks the processor ready to consume, per spec.md §9.
func (p *EventProcessor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.registry.Start()
}

// Stats returns a snapshot of the processor's cumulative statistics.
func (p *EventProcessor) Stats() Snapshot {
	return p.stats.Snapshot()
}

// Process runs the full pipeline for one delivery: middleware in
// registration order, then handler dispatch, per spec.md §4.3-§4.4.
func (p *EventProcessor) Process(ctx *middleware.Context) ProcessingResult {
	chain := p.buildChain()
	err := chain(ctx)

	duration := time.Since(ctx.StartTime)
	durationMs := duration.Milliseconds()
	eventType, eventVersion := envelopeLabels(ctx)

	if err != nil {
		ce := errs.Classify(err)
		result := ProcessingResult{
			Success:      false,
			Acknowledged: false,
			DurationMs:   durationMs,
			RetryCount:   ctx.RetryAttempt,
			Error:        ce,
		}
		p.stats.recordFailure(durationMs, ctx.RetryAttempt > 0)
		if p.metrics != nil {
			p.metrics.RecordFailure(eventType, eventVersion, string(ce.Tag), duration)
			if ctx.RetryAttempt > 0 {
				p.metrics.RecordRetry(eventType, eventVersion)
			}
		}
		if p.hooks.OnError != nil {
			p.hooks.OnError(ctx, result)
		}
		return result
	}

	duplicate := ctx.Err != nil && ctx.Err.Tag == errs.DuplicateEvent
	result := ProcessingResult{
		Success:      true,
		Acknowledged: !ctx.ShouldReject,
		DurationMs:   durationMs,
		RetryCount:   ctx.RetryAttempt,
		Error:        ctx.Err,
	}
	p.stats.recordSuccess(durationMs, duplicate)
	if p.metrics != nil {
		p.metrics.RecordSuccess(eventType, eventVersion, duration)
		if duplicate {
			p.metrics.RecordDuplicate(eventType, eventVersion)
		}
	}
	if p.hooks.OnSuccess != nil {
		p.hooks.OnSuccess(ctx, result)
	}
	return result
}

func envelopeLabels(ctx *middleware.Context) (eventType, eventVersion string) {
	if ctx.Envelope == nil {
		return "unknown", "unknown"
	}
	return ctx.Envelope.EventType, ctx.Envelope.EventVersion
}

// buildChain composes the middleware list and the handler-dispatch step
// into a single function, innermost (handler dispatch) wrapped first so
// middleware run in registration order.
func (p *EventProcessor) buildChain() func(*middleware.Context) error {
	final := func(ctx *middleware.Context) error {
		if ctx.SkipRemaining {
			return nil
		}
		return p.dispatch(ctx)
	}

	chain := final
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		mw := p.middlewares[i]
		next := chain
		chain = func(ctx *middleware.Context) error {
			if ctx.SkipRemaining {
				return nil
			}
			return mw(ctx, func() error { return next(ctx) })
		}
	}
	return chain
}

// dispatch implements spec.md §4.3.5: resolve a handler for
// (event_type, event_version), invoke it, classify any error it returns.
// A missing handler is not an error — the event is acked with a warning.
func (p *EventProcessor) dispatch(ctx *middleware.Context) error {
	reg, ok := p.registry.Resolve(ctx.Envelope.EventType, ctx.Envelope.EventVersion)
	if !ok {
		p.log.Warn("no handler registered, acking without dispatch",
			"event_type", ctx.Envelope.EventType, "event_version", ctx.Envelope.EventVersion)
		if p.metrics != nil {
			p.metrics.RecordUnhandled(ctx.Envelope.EventType, ctx.Envelope.EventVersion)
		}
		return nil
	}

	if err := reg.Handler(ctx); err != nil {
		return errs.Classify(err)
	}
	return nil
}
