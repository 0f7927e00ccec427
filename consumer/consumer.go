// Package consumer implements spec.md §4.5's EventConsumer: the state
// machine that owns the broker connection, subscribes to a queue, feeds
// each delivery through an EventProcessor, and decides ack/nack/retry
// behavior from the resulting ProcessingResult.
//
// Grounded on Tim275-oms/orders/consumer.go (Consume loop, manual Ack/Nack)
// and Tim275-oms/orders/app.go (connect-then-serve-until-signalled shape),
// generalized with reconnect and graceful shutdown per spec.md §4.5.
package consumer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/meridian-erp/eventrt/internal/amqpbroker"
	"github.com/meridian-erp/eventrt/internal/logger"
	"github.com/meridian-erp/eventrt/middleware"
	"github.com/meridian-erp/eventrt/processor"
)

// EventConsumer is spec.md §4.5's consumer. One instance owns one broker
// connection, one channel, and one queue subscription.
type EventConsumer struct {
	cfg     Config
	connCfg amqpbroker.ConnectionConfig
	proc    *processor.EventProcessor
	log     logger.Logger

	mu         sync.Mutex
	state      State
	conn       *amqpbroker.Connection
	tagSeq     int
	activeTags []string
	closed     chan struct{}
	wg         sync.WaitGroup
}

// New builds an EventConsumer. It does not connect until Start is called.
func New(connCfg amqpbroker.ConnectionConfig, cfg Config, proc *processor.EventProcessor, log logger.Logger) *EventConsumer {
	return &EventConsumer{
		cfg:     cfg.withDefaults(),
		connCfg: connCfg,
		proc:    proc,
		log:     log,
		closed:  make(chan struct{}),
	}
}

// State returns the consumer's current lifecycle state.
func (c *EventConsumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start freezes the processor's handler registry, connects to the broker,
// asserts topology, and begins consuming. It returns once the first
// connection attempt either succeeds or fails; reconnects after that point
// happen in the background.
func (c *EventConsumer) Start(ctx context.Context) error {
	c.proc.Start()
	if err := c.connect(); err != nil {
		return fmt.Errorf("consumer start: %w", err)
	}
	return nil
}

// connect dials the broker, asserts topology, opens a consumer, and spawns
// the delivery loop plus a watcher for unexpected channel closure.
func (c *EventConsumer) connect() error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := amqpbroker.Connect(c.connCfg, c.cfg.Prefetch)
	if err != nil {
		return err
	}
	if err := amqpbroker.AssertTopology(conn.Channel, c.cfg.Topology); err != nil {
		conn.Close()
		return fmt.Errorf("asserting topology: %w", err)
	}

	c.mu.Lock()
	c.tagSeq++
	tag := fmt.Sprintf("%s-%d-%d", c.cfg.ConsumerName, os.Getpid(), c.tagSeq)
	c.mu.Unlock()

	msgs, err := conn.Channel.Consume(c.cfg.QueueName, tag, false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("starting consume on %s: %w", c.cfg.QueueName, err)
	}

	closeCh := conn.Conn.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	c.conn = conn
	c.activeTags = append(c.activeTags, tag)
	c.state = StateConnected
	c.mu.Unlock()

	c.wg.Add(2)
	go c.deliveryLoop(msgs)
	go c.watchClose(closeCh)

	c.log.Info("consumer connected", "queue", c.cfg.QueueName, "consumer_tag", tag)
	return nil
}

func (c *EventConsumer) deliveryLoop(msgs <-chan amqp.Delivery) {
	defer c.wg.Done()
	for d := range msgs {
		c.wg.Add(1)
		go func(d amqp.Delivery) {
			defer c.wg.Done()
			c.handleDelivery(d)
		}(d)
	}
}

func (c *EventConsumer) handleDelivery(d amqp.Delivery) {
	raw := middleware.RawMessage{
		Content:     d.Body,
		ContentType: d.ContentType,
		Headers:     d.Headers,
	}
	ctx := middleware.NewContext(raw, 0)

	// Extract the producer's trace context from the delivery headers and
	// start a span for this delivery's processing, per
	// Tim275-oms/orders/consumer.go's ExtractTraceContext-then-tracer.Start
	// shape.
	traceCtx := amqpbroker.ExtractTraceContext(context.Background(), d.Headers)
	_, span := otel.Tracer("eventrt/consumer").Start(traceCtx, "AMQP - consume - "+c.cfg.QueueName)
	defer span.End()

	result := c.proc.Process(ctx)

	if ctx.Envelope != nil {
		span.SetAttributes(
			attribute.String("event_id", ctx.Envelope.EventID),
			attribute.String("event_type", ctx.Envelope.EventType),
			attribute.String("event_version", ctx.Envelope.EventVersion),
		)
	}
	if !result.Success && result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, result.Error.Error())
	}

	c.finalize(d, ctx, result)
}

// finalize implements spec.md §4.5's ack/nack decision: ack on success;
// on a retryable failure with attempts remaining, nack(requeue=true) after
// sleeping delay_for(attempt) so the broker redelivers the same message;
// otherwise nack(requeue=false) so the queue's configured dead-letter
// routing takes over. The attempt count used for delay_for/can_retry comes
// from ctx.RetryAttempt, which the idempotency guard middleware populates
// from the processed-events store's processing_attempts column — not from
// a message header — so it survives the plain requeue this uses.
func (c *EventConsumer) finalize(d amqp.Delivery, ctx *middleware.Context, result processor.ProcessingResult) {
	if result.Success {
		if err := d.Ack(false); err != nil {
			c.log.Error("ack failed", "err", err)
		}
		return
	}

	attempt := ctx.RetryAttempt + 1
	ce := result.Error
	if ce != nil && c.cfg.RetryPolicy.IsRetryable(ce) && c.cfg.RetryPolicy.CanRetry(attempt+1) {
		delay := c.cfg.RetryPolicy.DelayFor(attempt)
		c.scheduleNack(d, delay, true)
		return
	}

	c.scheduleNack(d, 0, false)
}

// scheduleNack nacks d once delay has elapsed (immediately, if delay <= 0).
// requeue=true redelivers the same message to the same queue it was
// consumed from; requeue=false hands it to the queue's dead-letter routing.
// This replaces an earlier republish-to-exchange scheme: republishing
// through the original exchange/routing key would fan a retry out to every
// queue bound to that key, duplicating it into queues that never saw the
// original failure, and it re-delivered the message under the same
// event_id in a way that raced the idempotency store's own attempt
// tracking. A plain requeue has neither problem.
func (c *EventConsumer) scheduleNack(d amqp.Delivery, delay time.Duration, requeue bool) {
	if delay <= 0 {
		if err := d.Nack(false, requeue); err != nil {
			c.log.Error("nack failed", "err", err)
		}
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.closed:
			timer.Stop()
		}

		if err := d.Nack(false, requeue); err != nil {
			c.log.Error("nack failed", "err", err)
		}
	}()
}

// watchClose reacts to an unexpected connection closure by entering the
// reconnect loop. A nil error on a closed channel means the closure was
// requested by Shutdown, so no reconnect is attempted.
func (c *EventConsumer) watchClose(errCh chan *amqp.Error) {
	defer c.wg.Done()
	err, ok := <-errCh
	if !ok || err == nil {
		return
	}

	c.mu.Lock()
	closing := c.state == StateClosing || c.state == StateClosed
	c.mu.Unlock()
	if closing {
		return
	}

	c.log.Warn("connection closed unexpectedly, reconnecting", "err", err)
	c.reconnectLoop()
}

// reconnectLoop retries Connect with exponential backoff (no jitter), per
// spec.md §4.5: delay = min(initial * 2^attempts, max), bounded by
// MaxReconnectAttempts. Each reconnect gets a fresh consumer tag (assigned
// in connect) rather than reusing the old one, since the old channel and
// its consumer are already gone.
func (c *EventConsumer) reconnectLoop() {
	c.mu.Lock()
	c.state = StateReconnecting
	c.mu.Unlock()

	backoffCfg := struct {
		initial time.Duration
		max     time.Duration
		mult    float64
	}{c.cfg.ReconnectInitialDelay, 30 * time.Second, 2.0}

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.closed:
			return
		default:
		}

		if err := c.connect(); err == nil {
			c.log.Info("reconnected", "attempt", attempt)
			return
		} else {
			delay := backoffCfg.initial
			for i := 1; i < attempt; i++ {
				delay *= time.Duration(backoffCfg.mult)
				if delay > backoffCfg.max {
					delay = backoffCfg.max
					break
				}
			}
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "err", err, "next_delay", delay)
			select {
			case <-time.After(delay):
			case <-c.closed:
				return
			}
		}
	}

	c.log.Error("exhausted reconnect attempts, giving up", "max_attempts", c.cfg.MaxReconnectAttempts)
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// Shutdown implements spec.md §4.5's graceful shutdown ordering: stop
// accepting new messages (prefetch 0), wait a grace period for in-flight
// handlers, cancel consumers, then close the channel and connection.
func (c *EventConsumer) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	conn := c.conn
	tags := append([]string(nil), c.activeTags...)
	c.mu.Unlock()

	close(c.closed)

	if conn != nil {
		if err := conn.SetPrefetch(0); err != nil {
			c.log.Warn("failed to drop prefetch during shutdown", "err", err)
		}
	}

	select {
	case <-time.After(c.cfg.ShutdownGrace):
	case <-ctx.Done():
	}

	if conn != nil {
		for _, tag := range tags {
			if err := conn.Channel.Cancel(tag, false); err != nil {
				c.log.Warn("failed to cancel consumer", "consumer_tag", tag, "err", err)
			}
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.cfg.ShutdownTimeout):
		c.log.Warn("shutdown timeout exceeded, forcing close with handlers still in flight")
	case <-ctx.Done():
		c.log.Warn("shutdown context cancelled, forcing close")
	}

	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	return closeErr
}
