// Package amqpbroker owns the AMQP 0-9-1 wire-level concerns of spec.md
// §4.5/§6: connecting, asserting topology, and extracting trace context
// from delivery headers. It has no publish helpers.
//
// Grounded on Tim275-oms/common/broker/broker.go (Connect, exchange/DLQ
// declaration) and Tim275-oms/common/broker/tracing.go (AMQP header
// carrier for trace propagation).
package amqpbroker

// ExchangeType is one of the four AMQP 0-9-1 exchange kinds spec.md §3
// allows.
type ExchangeType string

const (
	ExchangeDirect  ExchangeType = "direct"
	ExchangeFanout  ExchangeType = "fanout"
	ExchangeTopic   ExchangeType = "topic"
	ExchangeHeaders ExchangeType = "headers"
)

// ExchangeConfig is spec.md §3's ExchangeConfig.
type ExchangeConfig struct {
	Name       string
	Type       ExchangeType
	Durable    bool
	AutoDelete bool
}

// DeadLetterConfig translates to the x-dead-letter-* queue arguments of
// spec.md §4.5.
type DeadLetterConfig struct {
	Exchange     string
	RoutingKey   string
	MessageTTLMs int64
}

// QueueConfig is spec.md §3's QueueConfig.
type QueueConfig struct {
	Name         string
	Durable      bool
	Exclusive    bool
	AutoDelete   bool
	MessageTTLMs int64
	MaxLength    int64
	DeadLetter   *DeadLetterConfig
}

// BindingConfig is spec.md §3's BindingConfig.
type BindingConfig struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Args       map[string]any
}

// Topology bundles everything the consumer asserts on connect/reconnect.
type Topology struct {
	Exchanges []ExchangeConfig
	Queues    []QueueConfig
	Bindings  []BindingConfig
}
