/**
 * @description
 * This package provides a producer for publishing messages to RabbitMQ and a
 * consumer for binding queues to a topic exchange. The producer declares the
 * durable topic exchange it publishes to and retries once over a reopened
 * channel before giving up, which is enough because the outbox dispatcher owns
 * the durable retry loop.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// NoopPublisher is a fallback used when RabbitMQ is unavailable at startup.
// Publishing through it only logs; the outbox keeps the events durable until a
// real producer can be constructed.
type NoopPublisher struct{}

func (p *NoopPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return errors.New("rabbitmq unavailable")
}

func (p *NoopPublisher) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Bounded dial timeout so startup does not hang indefinitely.
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to a durable topic exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		if reopenErr := p.reopenChannel(exchange); reopenErr != nil {
			return reopenErr
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" routing_key=%s err=%v", routingKey, err)
		return err
	}

	publishing := amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        jsonBody,
	}

	err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" routing_key=%s err=%v", routingKey, err)
		if reopenErr := p.reopenChannel(exchange); reopenErr != nil {
			return err
		}
		return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing)
	}
	return nil
}

func (p *EventProducer) reopenChannel(exchange string) error {
	if p.conn == nil {
		return errors.New("no rabbitmq connection")
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	return p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
