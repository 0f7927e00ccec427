package amqpbroker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AssertTopology declares every exchange, queue, and binding in t against
// ch, in that order (exchanges and queues must exist before bindings can
// reference them), per spec.md §4.5. It is idempotent: re-asserting the
// same topology on reconnect is a no-op on the broker side.
func AssertTopology(ch *amqp.Channel, t Topology) error {
	for _, ex := range t.Exchanges {
		if err := assertExchange(ch, ex); err != nil {
			return err
		}
	}
	for _, q := range t.Queues {
		if _, err := AssertQueue(ch, q); err != nil {
			return err
		}
	}
	for _, b := range t.Bindings {
		if err := assertBinding(ch, b); err != nil {
			return err
		}
	}
	return nil
}

func assertExchange(ch *amqp.Channel, ex ExchangeConfig) error {
	err := ch.ExchangeDeclare(
		ex.Name,
		string(ex.Type),
		ex.Durable,
		ex.AutoDelete,
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declaring exchange %s: %w", ex.Name, err)
	}
	return nil
}

// AssertQueue declares one queue, translating its DeadLetter block into
// the x-dead-letter-exchange/x-dead-letter-routing-key/x-message-ttl
// broker arguments, and passing through message_ttl/max_length, per
// spec.md §4.5. Grounded on Tim275-oms/orders/consumer.go's QueueDeclare
// call with an x-dead-letter-exchange argument.
func AssertQueue(ch *amqp.Channel, q QueueConfig) (amqp.Queue, error) {
	args := amqp.Table{}

	if q.DeadLetter != nil {
		args["x-dead-letter-exchange"] = q.DeadLetter.Exchange
		if q.DeadLetter.RoutingKey != "" {
			args["x-dead-letter-routing-key"] = q.DeadLetter.RoutingKey
		}
		if q.DeadLetter.MessageTTLMs > 0 {
			args["x-message-ttl"] = q.DeadLetter.MessageTTLMs
		}
	}
	if q.MessageTTLMs > 0 {
		args["x-message-ttl"] = q.MessageTTLMs
	}
	if q.MaxLength > 0 {
		args["x-max-length"] = q.MaxLength
	}
	if len(args) == 0 {
		args = nil
	}

	declared, err := ch.QueueDeclare(
		q.Name,
		q.Durable,
		q.AutoDelete,
		q.Exclusive,
		false, // no-wait
		args,
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("declaring queue %s: %w", q.Name, err)
	}
	return declared, nil
}

func assertBinding(ch *amqp.Channel, b BindingConfig) error {
	args := amqp.Table{}
	for k, v := range b.Args {
		args[k] = v
	}
	err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, args)
	if err != nil {
		return fmt.Errorf("binding queue %s to exchange %s: %w", b.Queue, b.Exchange, err)
	}
	return nil
}
