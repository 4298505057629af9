// Package bus wraps the AMQP message bus connecting the matcher, ingest
// validator, and project validator stages (spec §4, §6 "Message bus"). It
// uses durable queues and manual acknowledgement throughout: a message is
// only acked once its stage has durably recorded the outcome, so a crash
// mid-processing leaves the message for redelivery rather than losing it.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/climb-tre/roz/internal/config"
)

// ErrClosed is returned by Publish/Consume once Close has been called.
var ErrClosed = errors.New("bus: connection closed")

// ErrNoConnection is returned by NewConnection when url is empty.
var ErrNoConnection = errors.New("bus: amqp URL must not be empty")

const defaultPrefetchCount = 1

// Delivery is the subset of amqp.Delivery consumers need: the message body
// plus the ack/nack/requeue operations invoked once a stage has decided the
// outcome of processing it.
type Delivery struct {
	Body []byte

	ack    func() error
	nack   func(requeue bool) error
	reject func(requeue bool) error
}

// Ack acknowledges successful, durable processing of the message.
func (d Delivery) Ack() error { return d.ack() }

// Nack signals the message was not processed; requeue controls whether the
// broker redelivers it or routes it to a dead-letter exchange (spec §7:
// Transient errors requeue, everything else does not).
func (d Delivery) Nack(requeue bool) error { return d.nack(requeue) }

// Reject is equivalent to Nack for brokers that distinguish the two; kept
// for parity with amqp's vocabulary.
func (d Delivery) Reject(requeue bool) error { return d.reject(requeue) }

// Connection manages a single AMQP connection and channel, exposing durable
// publish and consume operations. It is safe for concurrent Publish calls;
// each Consume call should run in its own goroutine, matching the
// connection-per-process, channel-per-consumer convention AMQP clients use.
type Connection struct {
	url string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection dials url and opens a channel. url is typically read from
// the ROZ_AMQP_URL environment variable by callers.
func NewConnection(url string) (*Connection, error) {
	if url == "" {
		return nil, ErrNoConnection
	}

	c := &Connection{
		url: url,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		closed: make(chan struct{}),
	}

	if err := c.connect(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Connection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("bus: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return fmt.Errorf("bus: open channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	return nil
}

// DeclareQueue declares a durable, non-exclusive queue bound to exchange
// with routingKey, creating exchange as a durable topic exchange if it
// doesn't already exist. Both exchange and queue survive broker restarts,
// matching the pipeline's requirement that no in-flight submission state be
// lost across a broker bounce.
func (c *Connection) DeclareQueue(exchange, queue, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel == nil {
		return ErrClosed
	}

	if err := c.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare exchange %s: %w", exchange, err)
	}

	if _, err := c.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare queue %s: %w", queue, err)
	}

	if err := c.channel.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("bus: bind queue %s to %s: %w", queue, exchange, err)
	}

	return nil
}

// Publish publishes body to exchange under routingKey as a persistent
// message, so the broker writes it to disk before acking the publish.
func (c *Connection) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel == nil {
		return ErrClosed
	}

	return c.channel.Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Consume starts consuming from queue with the given prefetch count
// (spec §5 "per-consumer prefetch") and delivers each message to handler.
// Consume blocks until ctx is cancelled or the connection is closed; it
// does not retry internally; callers that need reconnection on broker
// failure should wrap Consume in their own restart loop.
func (c *Connection) Consume(ctx context.Context, queue string, prefetch int, handler func(Delivery)) error {
	if prefetch <= 0 {
		prefetch = defaultPrefetchCount
	}

	c.mu.Lock()
	if c.channel == nil {
		c.mu.Unlock()

		return ErrClosed
	}

	if err := c.channel.Qos(prefetch, 0, false); err != nil {
		c.mu.Unlock()

		return fmt.Errorf("bus: set QoS: %w", err)
	}

	deliveries, err := c.channel.Consume(queue, "", false, false, false, false, nil)
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("bus: consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrClosed
		case d, ok := <-deliveries:
			if !ok {
				return ErrClosed
			}

			handler(wrapDelivery(d))
		}
	}
}

func wrapDelivery(d amqp.Delivery) Delivery {
	return Delivery{
		Body:   d.Body,
		ack:    func() error { return d.Ack(false) },
		nack:   func(requeue bool) error { return d.Nack(false, requeue) },
		reject: func(requeue bool) error { return d.Reject(requeue) },
	}
}

// Close shuts down the channel and connection. Safe to call more than once.
func (c *Connection) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.channel != nil {
			if cerr := c.channel.Close(); cerr != nil {
				err = cerr
			}
		}

		if c.conn != nil {
			if cerr := c.conn.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})

	return err
}
