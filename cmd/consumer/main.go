// Command consumer is a runnable example wiring of the eventrt runtime:
// it declares one topology, registers one handler for orders.created-v1,
// and runs until SIGINT/SIGTERM. Grounded on Tim275-oms/orders/main.go's
// load-config / connect / signal-handle / graceful-shutdown shape.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/meridian-erp/eventrt/internal/amqpbroker"
	internalconfig "github.com/meridian-erp/eventrt/internal/config"
	"github.com/meridian-erp/eventrt/internal/logger"
	"github.com/meridian-erp/eventrt/middleware"
	"github.com/meridian-erp/eventrt/processor"
	"github.com/meridian-erp/eventrt/schema"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// no .env file: defaults and real environment variables still apply
	}

	cfg := internalconfig.Load()
	log := logger.New(cfg.ServiceName, cfg.LogLevel)

	registry := processor.NewHandlerRegistry()
	if err := registry.Register(processor.Registration{
		EventType:    "orders.created",
		EventVersion: "v1",
		ConsumerName: cfg.Consumer.ConsumerName,
		Handler:      handleOrderCreated(log),
	}); err != nil {
		log.Error("failed to register handler", "error", err.Error())
		os.Exit(1)
	}

	topology := amqpbroker.Topology{
		Exchanges: []amqpbroker.ExchangeConfig{
			{Name: "orders.events", Type: amqpbroker.ExchangeTopic, Durable: true},
			{Name: "orders.events.dlx", Type: amqpbroker.ExchangeFanout, Durable: true},
		},
		Queues: []amqpbroker.QueueConfig{
			{
				Name:    cfg.Consumer.QueueName,
				Durable: true,
				DeadLetter: &amqpbroker.DeadLetterConfig{
					Exchange: "orders.events.dlx",
				},
			},
			{Name: cfg.Consumer.QueueName + ".dead", Durable: true},
		},
		Bindings: []amqpbroker.BindingConfig{
			{Queue: cfg.Consumer.QueueName, Exchange: "orders.events", RoutingKey: "orders.created.#"},
			{Queue: cfg.Consumer.QueueName + ".dead", Exchange: "orders.events.dlx", RoutingKey: "#"},
		},
	}

	schemaLoader := &schema.FileLoader{Dir: internalconfig.GetEnv("SCHEMA_DIR", "schemas")}

	app, err := NewApp(cfg, registry, topology, schemaLoader)
	if err != nil {
		log.Error("failed to build app", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		if err := app.Shutdown(ctx); err != nil {
			log.Error("error during shutdown", "error", err.Error())
		}
		cancel()
	}()

	if err := app.Start(ctx); err != nil {
		log.Error("failed to start app", "error", err.Error())
		os.Exit(1)
	}

	<-ctx.Done()
}

// handleOrderCreated is a stand-in business handler: it logs the payload.
// Real consumers register their own processor.Handler functions the same
// way.
func handleOrderCreated(log logger.Logger) processor.Handler {
	return func(ctx *middleware.Context) error {
		log.Info("order created",
			"event_id", ctx.Envelope.EventID,
			"correlation_id", ctx.CorrelationID,
		)
		return nil
	}
}
