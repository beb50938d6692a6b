package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"detection-relay/internal/session"

	amqp "github.com/rabbitmq/amqp091-go"
)

// EventSessionEnded is the event name carried by published summaries.
const EventSessionEnded = "session.ended"

// Event is the message body published for every ended session.
type Event struct {
	Event      string          `json:"event"`
	OccurredAt time.Time       `json:"occurred_at"`
	Summary    session.Summary `json:"summary"`
}

// Publisher emits session summaries to a RabbitMQ topic exchange.
type Publisher struct {
	conn       *amqp.Connection
	mu         sync.Mutex
	ch         *amqp.Channel
	exchange   string
	routingKey string
}

// DialPublisher connects to url and declares a durable topic exchange.
func DialPublisher(url, exchange, routingKey string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &Publisher{conn: conn, ch: ch, exchange: exchange, routingKey: routingKey}, nil
}

// Save publishes the summary as a persistent JSON message.
func (p *Publisher) Save(ctx context.Context, sum session.Summary) error {
	body, err := encodeEvent(sum, time.Now())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx,
		p.exchange,   // exchange
		p.routingKey, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			MessageId:    sum.SessionID,
			Type:         EventSessionEnded,
		},
	)
	if err != nil {
		return fmt.Errorf("publish summary %s: %w", sum.SessionID, err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	return p.conn.Close()
}

func encodeEvent(sum session.Summary, at time.Time) ([]byte, error) {
	body, err := json.Marshal(Event{Event: EventSessionEnded, OccurredAt: at.UTC(), Summary: sum})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return body, nil
}
