// Package rabbit binds a pipeline stage to its AMQP exchanges and queues.
//
// Every stage owns one durable direct exchange named after the stage, with a
// service queue (new jobs) and a listener queue (previous stage results).
// Credential requests go to the shared "credentials" exchange with routing
// key "request.<stage>"; responses come back on a stage-private queue bound
// to "response.<stage>".
package rabbit

import (
	"context"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stratopipe/stratopipe/internal/domain"
)

// CredentialsExchange is the shared exchange of the credential service.
const CredentialsExchange = "credentials"

const (
	keyService  = "service"
	keyListener = "listener"
)

// RequestKey is the routing key for a stage's credential requests.
func RequestKey(stage string) string { return "request." + stage }

// ResponseKey is the routing key of credential responses for a stage.
func ResponseKey(stage string) string { return "response." + stage }

// ServiceQueue, ListenerQueue and CredentialsQueue name a stage's queues.
func ServiceQueue(stage string) string     { return stage + ".service" }
func ListenerQueue(stage string) string    { return stage + ".listener" }
func CredentialsQueue(stage string) string { return stage + ".credentials" }

// Connection wraps one AMQP connection and channel for a stage.
type Connection struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to the broker.
func Dial(url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	// One unacknowledged message at a time per queue keeps handler order
	// aligned with receipt order.
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &Connection{conn: conn, ch: ch}, nil
}

// Close shuts the channel and connection down.
func (c *Connection) Close() error {
	if c.ch != nil {
		c.ch.Close()
	}
	return c.conn.Close()
}

// DeclareStage declares the stage's exchange and queues and their bindings.
// Declarations are idempotent on the broker side.
func (c *Connection) DeclareStage(stage string) error {
	for _, exchange := range []string{stage, CredentialsExchange} {
		if err := c.ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}

	bindings := []struct {
		queue    string
		key      string
		exchange string
	}{
		{ServiceQueue(stage), keyService, stage},
		{ListenerQueue(stage), keyListener, stage},
		{CredentialsQueue(stage), ResponseKey(stage), CredentialsExchange},
	}
	for _, b := range bindings {
		if _, err := c.ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.queue, err)
		}
		if err := c.ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", b.queue, err)
		}
	}
	return nil
}

// Publish sends a persistent JSON message.
func (c *Connection) Publish(ctx context.Context, exchange, key string, body []byte) error {
	err := c.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, key, err)
	}
	return nil
}

// PublishListener sends a status message to the named stage's listener queue.
func (c *Connection) PublishListener(ctx context.Context, stage string, body []byte) error {
	return c.Publish(ctx, stage, keyListener, body)
}

// PublishCredentialsRequest sends a credential request token to the shared
// credentials exchange on behalf of the named stage.
func (c *Connection) PublishCredentialsRequest(ctx context.Context, stage string, body []byte) error {
	return c.Publish(ctx, CredentialsExchange, RequestKey(stage), body)
}

// Consume starts one consumer per stage queue and merges their messages into
// a single channel, preserving per-queue receipt order. The channel closes
// after ctx is cancelled and the broker consumers are torn down.
func (c *Connection) Consume(ctx context.Context, stage string) (<-chan domain.Delivery, error) {
	sources := []struct {
		queue string
		kind  domain.QueueKind
	}{
		{ServiceQueue(stage), domain.QueueService},
		{ListenerQueue(stage), domain.QueueListener},
		{CredentialsQueue(stage), domain.QueueCredentials},
	}

	out := make(chan domain.Delivery)
	for _, src := range sources {
		msgs, err := c.ch.Consume(src.queue, "", false, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("consume %s: %w", src.queue, err)
		}

		kind := src.kind
		queue := src.queue
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						log.Printf("rabbit: consumer for %s closed", queue)
						return
					}
					d := domain.Delivery{
						Queue: kind,
						Body:  msg.Body,
						Ack:   func() error { return msg.Ack(false) },
					}
					select {
					case out <- d:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	return out, nil
}
