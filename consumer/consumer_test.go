package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/meridian-erp/eventrt/errs"
	"github.com/meridian-erp/eventrt/idempotency"
	"github.com/meridian-erp/eventrt/internal/logger"
	"github.com/meridian-erp/eventrt/middleware"
	"github.com/meridian-erp/eventrt/processor"
	"github.com/meridian-erp/eventrt/retry"
)

// End-to-end scenario tests per spec.md §8, exercising EventConsumer against
// the real idempotency.PostgresStore (backed by sqlmock, grounded on
// jordigilh-kubernaut/test/unit/datastorage/workflow_repository_test.go's
// sqlmock.New()-then-inject shape) and a fake amqp.Acknowledger in place of
// a live broker connection.

// ackCall records one Ack/Nack/Reject invocation.
type ackCall struct {
	kind    string
	requeue bool
}

// fakeAcknowledger implements amqp091-go's Acknowledger interface so
// handleDelivery/finalize/scheduleNack can be driven without a live channel.
type fakeAcknowledger struct {
	mu    sync.Mutex
	calls []ackCall
	notif chan struct{}
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{notif: make(chan struct{}, 16)}
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	return f.record(ackCall{kind: "ack"})
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	return f.record(ackCall{kind: "nack", requeue: requeue})
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.record(ackCall{kind: "reject", requeue: requeue})
}

func (f *fakeAcknowledger) record(c ackCall) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	f.notif <- struct{}{}
	return nil
}

func (f *fakeAcknowledger) waitForCall(t *testing.T) {
	t.Helper()
	select {
	case <-f.notif:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack/nack/reject")
	}
}

func (f *fakeAcknowledger) last() ackCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeAcknowledger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// newMockStore backs a real PostgresStore with sqlmock instead of a live
// database, per idempotency.NewPostgresStoreWithDB's test seam.
func newMockStore(t *testing.T) (*idempotency.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return idempotency.NewPostgresStoreWithDB(db, idempotency.PostgresConfig{}), mock
}

// buildTestConsumer wires the real Deserializer + IdempotencyGuard
// middleware and a single "orders.created"/v1 handler registration around
// store, without ever dialing a broker (Start/connect are never called).
func buildTestConsumer(t *testing.T, store idempotency.Store, consumerName string, handler processor.Handler) *EventConsumer {
	t.Helper()

	cache, err := idempotency.NewCache(10)
	if err != nil {
		t.Fatalf("idempotency.NewCache: %v", err)
	}

	guard := middleware.NewIdempotencyGuard(middleware.IdempotencyConfig{
		Enabled:      true,
		ConsumerName: consumerName,
	}, store, cache, logger.Nop())
	deserializer := middleware.NewDeserializer(middleware.DefaultDeserializerConfig(), logger.Nop())

	registry := processor.NewHandlerRegistry()
	if err := registry.Register(processor.Registration{
		EventType:    "orders.created",
		EventVersion: "v1",
		ConsumerName: consumerName,
		Handler:      handler,
	}); err != nil {
		t.Fatalf("registry.Register: %v", err)
	}

	proc := processor.NewEventProcessor([]middleware.Middleware{deserializer, guard}, registry, processor.Hooks{}, logger.Nop(), nil)
	proc.Start()

	cfg := DefaultConfig()
	cfg.ConsumerName = consumerName
	cfg.QueueName = "test.queue"
	cfg.RetryPolicy = retry.Config{
		Policy:       retry.PolicyFixed,
		MaxAttempts:  2,
		InitialDelay: 15 * time.Millisecond,
	}

	return &EventConsumer{
		cfg:    cfg.withDefaults(),
		proc:   proc,
		log:    logger.Nop(),
		closed: make(chan struct{}),
	}
}

func envelopeJSON(t *testing.T, eventID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event_id":      eventID,
		"event_type":    "orders.created",
		"event_version": "v1",
		"producer":      "test-producer",
		"priority":      "normal",
		"payload":       map[string]any{"order_id": "o-1"},
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func newDelivery(t *testing.T, ack *fakeAcknowledger, tag uint64, eventID string, redelivered bool) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		Redelivered:  redelivered,
		ContentType:  "application/json",
		Headers:      amqp.Table{},
		Body:         envelopeJSON(t, eventID),
	}
}

// S1: happy path. A brand-new event is handed to the handler exactly once
// and acked.
func TestConsumerHappyPathAcksOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT status, processed_at, processing_attempts, output").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO public.processed_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE public.processed_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	var handlerCalls int
	c := buildTestConsumer(t, store, "consumer-s1", func(ctx *middleware.Context) error {
		handlerCalls++
		return nil
	})

	ack := newFakeAcknowledger()
	c.handleDelivery(newDelivery(t, ack, 1, "evt-s1", false))

	if handlerCalls != 1 {
		t.Fatalf("expected handler to run exactly once, ran %d times", handlerCalls)
	}
	if ack.count() != 1 || ack.last().kind != "ack" {
		t.Fatalf("expected a single ack, got %#v", ack.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

// S2: duplicate. A second delivery of an already-completed event_id is
// acked without ever reaching the handler.
func TestConsumerDuplicateEventSkipsHandlerAndAcks(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"status", "processed_at", "processing_attempts", "output"}).
		AddRow("completed", time.Now(), 1, []byte(nil))
	mock.ExpectQuery("SELECT status, processed_at, processing_attempts, output").
		WillReturnRows(rows)

	var handlerCalls int
	c := buildTestConsumer(t, store, "consumer-s2", func(ctx *middleware.Context) error {
		handlerCalls++
		return nil
	})

	ack := newFakeAcknowledger()
	c.handleDelivery(newDelivery(t, ack, 1, "evt-s2", false))

	if handlerCalls != 0 {
		t.Fatalf("expected handler not to run for a duplicate, ran %d times", handlerCalls)
	}
	if ack.count() != 1 || ack.last().kind != "ack" {
		t.Fatalf("expected the duplicate to still be acked, got %#v", ack.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

// S4: transient failure then success on redelivery. This is the scenario
// the Processed check in idempotency.PostgresStore.Check directly protects: a
// failed row must not be reported as Processed, or the second delivery
// would be short-circuited as a duplicate instead of reaching the handler.
func TestConsumerRetriesTransientFailureThenSucceeds(t *testing.T) {
	store, mock := newMockStore(t)

	// First delivery: no prior record, handler fails with a retryable error.
	mock.ExpectQuery("SELECT status, processed_at, processing_attempts, output").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO public.processed_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE public.processed_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Second delivery: the store now holds a failed row with one recorded
	// attempt. Processed must read false so the handler runs again.
	retryRows := sqlmock.NewRows([]string{"status", "processed_at", "processing_attempts", "output"}).
		AddRow("failed", time.Now(), 1, []byte(nil))
	mock.ExpectQuery("SELECT status, processed_at, processing_attempts, output").
		WillReturnRows(retryRows)
	mock.ExpectExec("INSERT INTO public.processed_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE public.processed_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	var handlerCalls int
	c := buildTestConsumer(t, store, "consumer-s4", func(ctx *middleware.Context) error {
		handlerCalls++
		if handlerCalls == 1 {
			return errs.New(errs.Transient, errs.SeverityMedium, nil)
		}
		return nil
	})

	ack1 := newFakeAcknowledger()
	c.handleDelivery(newDelivery(t, ack1, 1, "evt-s4", false))
	ack1.waitForCall(t)
	if got := ack1.last(); got.kind != "nack" || !got.requeue {
		t.Fatalf("expected nack(requeue=true) on first failure, got %#v", got)
	}

	ack2 := newFakeAcknowledger()
	c.handleDelivery(newDelivery(t, ack2, 2, "evt-s4", true))
	if ack2.count() != 1 || ack2.last().kind != "ack" {
		t.Fatalf("expected the redelivered event to be acked on success, got %#v", ack2.calls)
	}
	if handlerCalls != 2 {
		t.Fatalf("expected the handler to run twice (fail then succeed), ran %d times", handlerCalls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

// S6: graceful shutdown waits for an in-flight handler to finish (and ack)
// before returning, per spec.md §4.5's shutdown ordering.
func TestConsumerShutdownWaitsForInFlightHandler(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT status, processed_at, processing_attempts, output").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO public.processed_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE public.processed_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	started := make(chan struct{})
	unblock := make(chan struct{})
	c := buildTestConsumer(t, store, "consumer-s6", func(ctx *middleware.Context) error {
		close(started)
		<-unblock
		return nil
	})
	c.cfg.ShutdownGrace = time.Millisecond
	c.cfg.ShutdownTimeout = 2 * time.Second

	ack := newFakeAcknowledger()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.handleDelivery(newDelivery(t, ack, 1, "evt-s6", false))
	}()
	<-started

	shutdownDone := make(chan struct{})
	go func() {
		_ = c.Shutdown(context.Background())
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		t.Fatal("expected Shutdown to block while the handler is still in flight")
	case <-time.After(50 * time.Millisecond):
	}
	if ack.count() != 0 {
		t.Fatalf("expected no ack yet while the handler is blocked, got %#v", ack.calls)
	}

	close(unblock)
	ack.waitForCall(t)

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Shutdown to return after the handler finished")
	}
	if ack.last().kind != "ack" {
		t.Fatalf("expected the in-flight delivery to be acked, got %#v", ack.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
