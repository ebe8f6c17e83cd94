// Package notify publishes run-finished events to RabbitMQ.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event describes one finished run.
type Event struct {
	RunKey     string    `json:"run_key"`
	AttemptID  string    `json:"attempt_id"`
	Status     string    `json:"status"`
	Loaded     int       `json:"loaded"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Publisher sends events to a durable queue. It dials per event; runs are
// daily, so a long-lived connection would mostly sit idle.
type Publisher struct {
	url   string
	queue string
	dial  func(url string) (*amqp.Connection, error)
}

func NewPublisher(url, queue string) *Publisher {
	return &Publisher{url: url, queue: queue, dial: amqp.Dial}
}

// Publish declares the queue and sends ev as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	conn, err := p.dial(p.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare %s: %w", p.queue, err)
	}

	if err := ch.PublishWithContext(
		ctx,
		"",
		p.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: ev.AttemptID,
			Timestamp:     ev.FinishedAt,
			Type:          "weather-etl.run." + ev.Status,
			Body:          body,
		},
	); err != nil {
		return fmt.Errorf("publish to %s: %w", p.queue, err)
	}
	return nil
}
