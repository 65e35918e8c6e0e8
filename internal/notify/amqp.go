package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

// ExchangeName is the topic exchange notifications are published to.
const ExchangeName = "mailguard.events"

// AMQPNotifier publishes notifications to a RabbitMQ topic exchange.
// The routing key is "<category>.<userID>"; the full topic travels in the "topic" header
// because mailbox addresses contain dots.
type AMQPNotifier struct {
	conn    *amqp091.Connection
	mu      sync.Mutex
	channel *amqp091.Channel
}

// NewAMQPNotifier dials RabbitMQ and declares the exchange.
func NewAMQPNotifier(url string) (*AMQPNotifier, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AMQPNotifier{conn: conn, channel: ch}, nil
}

// RoutingKey maps a topic to its routing key.
func RoutingKey(topic string) string {
	category, _, userID, ok := ParseTopic(topic)
	if !ok {
		return topic
	}
	return string(category) + "." + userID
}

// Publish implements Notifier.
func (n *AMQPNotifier) Publish(ctx context.Context, topic string, payload any) error {
	body, err := encode(topic, payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	// amqp091 channels are not safe for concurrent publishing.
	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.channel.PublishWithContext(ctx, ExchangeName, RoutingKey(topic), false, false, amqp091.Publishing{
		ContentType: "application/json",
		Headers:     amqp091.Table{"topic": topic},
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is still open.
func (n *AMQPNotifier) IsConnected() bool {
	return n.conn != nil && !n.conn.IsClosed()
}

// Close closes the channel and the connection.
func (n *AMQPNotifier) Close() {
	if n.channel != nil {
		_ = n.channel.Close()
	}
	if n.conn != nil {
		_ = n.conn.Close()
	}
}
