package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event routing keys published on the credential lifecycle exchange.
const (
	CredentialLinked  = "credential.linked"
	CredentialUpdated = "credential.updated"
	TokenRevoked      = "token.revoked"
)

const exchangeName = "trading.credentials"

// Publisher emits credential lifecycle events to RabbitMQ so downstream
// systems (audit, notifications) can react. A nil Publisher drops events,
// which keeps the server runnable without a broker.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisherFromEnv connects to the broker named by AMQP_URL. Returns nil
// without error when the variable is unset.
func NewPublisherFromEnv() (*Publisher, error) {
	amqpURL := os.Getenv("AMQP_URL")
	if amqpURL == "" {
		return nil, nil
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{conn: conn, channel: channel}, nil
}

// Publish emits one event. Payloads are JSON with a timestamp added.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload map[string]any) error {
	if p == nil {
		return nil
	}

	body := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["event"] = routingKey
	body["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	return p.channel.PublishWithContext(ctx, exchangeName, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         data,
	})
}

// Close shuts down the channel and connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
