package amqpbroker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// HeadersCarrier adapts amqp.Table to propagation.TextMapCarrier so an
// OpenTelemetry span context can ride in AMQP message headers. Grounded
// on Tim275-oms/common/broker/tracing.go's AMQPHeadersCarrier.
type HeadersCarrier struct {
	headers amqp.Table
}

func (c *HeadersCarrier) Get(key string) string {
	if v, ok := c.headers[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (c *HeadersCarrier) Set(key, value string) {
	c.headers[key] = value
}

func (c *HeadersCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}

// ExtractTraceContext recovers a span context from delivery headers and
// attaches it to ctx, so a handler's span continues the producer's trace.
func ExtractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, &HeadersCarrier{headers: headers})
}
