// Package messaging publishes security events to a RabbitMQ topic exchange
// so that alerting and analytics can consume them without touching the
// auth database.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/observability"
	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange security events are published to.
const DefaultExchange = "auth.events"

// Publisher emits security events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event *models.SecurityEvent) error
	Close() error
}

// RabbitMQPublisher publishes JSON events with the event type as routing key.
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// NewRabbitMQPublisher dials url and declares a durable topic exchange.
func NewRabbitMQPublisher(url, exchange string, logger *slog.Logger) (*RabbitMQPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	logger.Info("event publisher connected", slog.String("exchange", exchange))

	return &RabbitMQPublisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// Publish fills in ID and OccurredAt when unset and sends the event.
func (p *RabbitMQPublisher) Publish(ctx context.Context, event *models.SecurityEvent) error {
	prepare(event)

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		event.Type,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    event.ID,
			Timestamp:    event.OccurredAt,
			Type:         event.Type,
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	p.mu.Unlock()

	if err != nil {
		observability.EventsPublished.WithLabelValues(event.Type, "error").Inc()
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}

	observability.EventsPublished.WithLabelValues(event.Type, "ok").Inc()
	return nil
}

// IsClosed reports whether the broker connection has gone away.
func (p *RabbitMQPublisher) IsClosed() bool {
	return p.conn == nil || p.conn.IsClosed()
}

func (p *RabbitMQPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NoopPublisher drops events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, event *models.SecurityEvent) error {
	prepare(event)
	observability.EventsPublished.WithLabelValues(event.Type, "dropped").Inc()
	return nil
}

func (NoopPublisher) Close() error { return nil }

func prepare(event *models.SecurityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = ulid.MustNew(ulid.Timestamp(event.OccurredAt), ulid.DefaultEntropy()).String()
	}
}
