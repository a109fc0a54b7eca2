package queue

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
)

// Publisher publishes propagation messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg PropagationMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg PropagationMessage) error

// Consumer consumes propagation messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// Priority orders work inside one provider queue.
type Priority string

const (
	// PriorityInteractive is used for decisions and explicit retries.
	PriorityInteractive Priority = "interactive"
	// PriorityBulk is used for push-remaining runs.
	PriorityBulk Priority = "bulk"
)

func (p Priority) IsValid() bool {
	return p == PriorityInteractive || p == PriorityBulk
}

// queueMaxPriority is the RabbitMQ x-max-priority value for work queues.
const queueMaxPriority int32 = 2

// QueueName returns the provider work queue name, e.g. propagation.convoso.
func QueueName(key domain.ServiceKey) string {
	return fmt.Sprintf("propagation.%s", key)
}

// DLQName returns the dead-letter queue for a provider, e.g. dlq.propagation.convoso.
func DLQName(key domain.ServiceKey) string {
	return fmt.Sprintf("dlq.%s", QueueName(key))
}

// WorkQueueNames returns the work queues for keys, or for every provider when
// keys is empty.
func WorkQueueNames(keys ...domain.ServiceKey) []string {
	if len(keys) == 0 {
		keys = domain.AllServiceKeys
	}
	queues := make([]string, 0, len(keys))
	for _, key := range keys {
		queues = append(queues, QueueName(key))
	}
	return queues
}

// DLQNames returns the dead-letter queue of every provider.
func DLQNames() []string {
	queues := make([]string, 0, len(domain.AllServiceKeys))
	for _, key := range domain.AllServiceKeys {
		queues = append(queues, DLQName(key))
	}
	return queues
}

// PriorityValue maps a message priority to RabbitMQ message priority.
func PriorityValue(priority Priority) uint8 {
	switch priority {
	case PriorityInteractive, "":
		return 2
	case PriorityBulk:
		return 1
	default:
		return 0
	}
}
