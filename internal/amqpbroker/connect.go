package amqpbroker

import (
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionConfig is spec.md §6's connection configuration group.
type ConnectionConfig struct {
	URL              string // when set, takes precedence over the discrete fields below
	Hostname         string
	Port             int
	Username         string
	Password         string
	Vhost            string
	Heartbeat        time.Duration
	Timeout          time.Duration
	ConnectionName   string
}

// DefaultTimeout is spec.md §5's default connection-establishment timeout.
const DefaultTimeout = 10 * time.Second

// BuildURL assembles an amqp:// URL from discrete fields, URL-encoding
// vhost and password per spec.md §4.5. Grounded on Tim275-oms/common/
// broker/broker.go's fmt.Sprintf-based address construction, generalized
// to escape reserved characters safely.
func (c ConnectionConfig) BuildURL() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:  "amqp",
		User:    url.UserPassword(c.Username, c.Password),
		Host:    fmt.Sprintf("%s:%d", c.Hostname, c.Port),
		Path:    "/" + c.Vhost,
		RawPath: "/" + url.PathEscape(c.Vhost),
	}
	return u.String()
}

// Connection wraps an amqp.Connection and its single owned Channel, per
// spec.md §4.5 ("create a single channel").
type Connection struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
}

// Connect dials the broker, opens one channel, and sets prefetch. It does
// not assert topology — callers call AssertTopology explicitly so
// reconnects can re-run it independently of the initial dial.
func Connect(cfg ConnectionConfig, prefetch int) (*Connection, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	amqpCfg := amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Properties: amqp.Table{
			"connection_name": cfg.ConnectionName,
		},
		Dial: amqp.DefaultDial(timeout),
	}
	if amqpCfg.Heartbeat == 0 {
		amqpCfg.Heartbeat = 10 * time.Second
	}

	conn, err := amqp.DialConfig(cfg.BuildURL(), amqpCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if prefetch <= 0 {
		prefetch = 10
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	return &Connection{Conn: conn, Channel: ch}, nil
}

// Close closes the channel then the connection, in that order, mirroring
// Tim275-oms/common/broker/broker.go's Connect close function.
func (c *Connection) Close() error {
	if c.Channel != nil {
		if err := c.Channel.Close(); err != nil {
			return err
		}
	}
	if c.Conn != nil {
		return c.Conn.Close()
	}
	return nil
}

// SetPrefetch updates the channel's QoS, used by graceful shutdown to set
// prefetch to 0 (stop new messages) per spec.md §4.5.
func (c *Connection) SetPrefetch(prefetch int) error {
	return c.Channel.Qos(prefetch, 0, false)
}
