package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	deadLetterExchange = "dnc.propagation.dlx"
	connectionName     = "dnc-propagation"
	dialTimeout        = 15 * time.Second
	heartbeat          = 10 * time.Second
)

// RabbitMQ holds one AMQP connection and redials it on demand. The provider
// topology is declared once per connection.
type RabbitMQ struct {
	url string

	mu       sync.Mutex
	conn     *amqp.Connection
	declared bool
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url}
	if err := r.Ping(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.declared = false
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// Ping opens and closes a channel, dialing first when the connection is gone.
func (r *RabbitMQ) Ping(ctx context.Context) error {
	ch, err := r.channel(ctx)
	if err != nil {
		return err
	}
	return ch.Close()
}

// channel returns a fresh channel on a live connection. A failed dial is
// returned to the caller; the consumer loop owns retry pacing.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil || r.conn.IsClosed() {
		conn, err := amqp.DialConfig(r.url, amqp.Config{
			Heartbeat:  heartbeat,
			Dial:       amqp.DefaultDial(dialTimeout),
			Properties: amqp.Table{"connection_name": connectionName},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		r.conn = conn
		r.declared = false
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if !r.declared {
		if err := declareTopology(ch); err != nil {
			_ = ch.Close()
			return nil, err
		}
		r.declared = true
	}
	return ch, nil
}

// queueDeclaration is one durable queue of the provider topology.
type queueDeclaration struct {
	Name string
	Args amqp.Table
	// BindKey binds the queue to the dead-letter exchange when set.
	BindKey string
}

// providerTopology lists the dead-letter queue and work queue of one provider.
// Work queues dead-letter to their provider DLQ and honor message priority.
func providerTopology(key domain.ServiceKey) []queueDeclaration {
	routingKey := strings.ToLower(key.String())
	return []queueDeclaration{
		{Name: DLQName(key), BindKey: routingKey},
		{
			Name: QueueName(key),
			Args: amqp.Table{
				"x-dead-letter-exchange":    deadLetterExchange,
				"x-dead-letter-routing-key": routingKey,
				"x-max-priority":            queueMaxPriority,
			},
		},
	}
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(deadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}

	for _, key := range domain.AllServiceKeys {
		for _, q := range providerTopology(key) {
			if _, err := ch.QueueDeclare(q.Name, true, false, false, false, q.Args); err != nil {
				return fmt.Errorf("failed to declare queue %q: %w", q.Name, err)
			}
			if q.BindKey == "" {
				continue
			}
			if err := ch.QueueBind(q.Name, q.BindKey, deadLetterExchange, false, nil); err != nil {
				return fmt.Errorf("failed to bind queue %q: %w", q.Name, err)
			}
		}
	}
	return nil
}
