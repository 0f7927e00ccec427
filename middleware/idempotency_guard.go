package middleware

import (
	"sync/atomic"
	"time"

	"github.com/meridian-erp/eventrt/errs"
	"github.com/meridian-erp/eventrt/idempotency"
	"github.com/meridian-erp/eventrt/internal/logger"
)

// IdempotencyConfig configures the fourth pipeline unit.
type IdempotencyConfig struct {
	Enabled       bool
	ConsumerName  string
	TTL           time.Duration
	PruneEvery    int // best-effort: prune roughly every N record-outcome calls
}

// NewIdempotencyGuard builds spec.md §4.3.4: cache check -> store check;
// on hit, short-circuit with a duplicate_event error; on miss, mark
// in_progress, run the rest of the pipeline, and record the terminal
// outcome. Store failures fail open (process the event) per spec.md §4.2.
func NewIdempotencyGuard(cfg IdempotencyConfig, store idempotency.Store, cache *idempotency.Cache, log logger.Logger) Middleware {
	var calls int64

	return func(ctx *Context, next Next) error {
		if !cfg.Enabled {
			return next()
		}

		eventID := ctx.Envelope.EventID
		consumer := cfg.ConsumerName

		if cache.Seen(consumer, eventID) {
			return duplicate(ctx)
		}

		check, err := store.Check(consumer, eventID)
		if err != nil {
			// Fail-open: a store outage must not hide behind broker-side
			// availability. Log and let the event through, per spec.md §4.2.
			log.Error("idempotency store check failed, failing open", "error", err.Error(), "event_id", eventID)
		} else if check.Processed {
			cache.MarkSeen(consumer, eventID)
			return duplicate(ctx)
		} else {
			// check.Attempts is the processed-events store's record of how
			// many times this event has already been handed to the handler
			// (spec.md §4.5). The consumer reads this back off ctx after
			// Process returns to decide whether a retryable failure still
			// has attempts remaining and what delay_for(attempt) to use.
			ctx.RetryAttempt = check.Attempts
		}

		if err := store.MarkInProgress(consumer, eventID, ctx.Envelope.EventType); err != nil {
			log.Error("idempotency mark-in-progress failed, failing open", "error", err.Error(), "event_id", eventID)
		}

		start := time.Now()
		nextErr := next()
		duration := time.Since(start).Milliseconds()

		outcome := idempotency.Outcome{
			Status:     idempotency.StatusCompleted,
			DurationMs: duration,
			Result:     idempotency.ResultSuccess,
		}
		if nextErr != nil {
			outcome.Status = idempotency.StatusFailed
			outcome.Result = idempotency.ResultFailed
			outcome.ErrorMessage = nextErr.Error()
			if ce, ok := nextErr.(*errs.ClassifiedError); ok {
				outcome.ErrorCode = string(ce.Tag)
			}
		}

		if err := store.RecordOutcome(consumer, eventID, outcome); err != nil {
			log.Error("idempotency record-outcome failed", "error", err.Error(), "event_id", eventID)
		} else if nextErr == nil {
			cache.MarkSeen(consumer, eventID)
		}

		maybePrune(cfg, store, log, &calls)

		return nextErr
	}
}

func duplicate(ctx *Context) error {
	ctx.SkipRemaining = true
	ce := errs.New(errs.DuplicateEvent, errs.SeverityLow, nil).WithRetryable(false)
	ctx.Err = ce
	ctx.Metadata["idempotency_skipped"] = true
	return nil
}

// maybePrune invokes Store.Prune best-effort every PruneEvery calls, per
// spec.md §4.3.4 ("TTL-driven prune is invoked best-effort from this
// middleware's record-outcome path; failure to prune is non-fatal").
func maybePrune(cfg IdempotencyConfig, store idempotency.Store, log logger.Logger, calls *int64) {
	if cfg.TTL <= 0 {
		return
	}
	every := cfg.PruneEvery
	if every <= 0 {
		every = 100
	}
	if atomic.AddInt64(calls, 1)%int64(every) != 0 {
		return
	}
	if _, err := store.Prune(cfg.ConsumerName, time.Now().Add(-cfg.TTL)); err != nil {
		log.Warn("idempotency prune failed, continuing", "error", err.Error())
	}
}
