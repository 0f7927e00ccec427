package consumer

import (
	"time"

	"github.com/meridian-erp/eventrt/internal/amqpbroker"
	"github.com/meridian-erp/eventrt/retry"
)

// Config is spec.md §6's consumer configuration group.
type Config struct {
	ConsumerName string
	QueueName    string
	Prefetch     int

	Topology amqpbroker.Topology

	// RetryPolicy decides retryability and delay for failed deliveries.
	RetryPolicy retry.Config

	// ShutdownGrace is how long Shutdown waits, after dropping prefetch to
	// zero, before cancelling consumers — the window for in-flight handlers
	// to finish, per spec.md §4.5.
	ShutdownGrace time.Duration
	// ShutdownTimeout bounds how long Shutdown waits, after the grace
	// period and consumer cancellation, for in-flight deliveries before
	// forcing the connection closed.
	ShutdownTimeout time.Duration

	// MaxReconnectAttempts bounds the reconnect loop; 0 means use the
	// default of 10, per spec.md §4.5's reconnect policy.
	MaxReconnectAttempts int
	// ReconnectInitialDelay seeds the reconnect backoff; 0 means 1s.
	ReconnectInitialDelay time.Duration
}

// DefaultConfig fills in spec.md §5's defaults for the fields a caller
// typically leaves zero.
func DefaultConfig() Config {
	return Config{
		Prefetch:              10,
		ShutdownGrace:         1 * time.Second,
		ShutdownTimeout:       30 * time.Second,
		MaxReconnectAttempts:  10,
		ReconnectInitialDelay: 1 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 1 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = 1 * time.Second
	}
	return c
}
