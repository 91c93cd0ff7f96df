package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"inkpad/internal/app"
)

// EventPublisher pushes embed jobs and post events onto their queues. It
// satisfies app.EventPublisher.
type EventPublisher struct {
	conn       *amqp.Connection
	embedQueue string
	eventQueue string
}

func NewEventPublisher(conn *amqp.Connection, embedQueue, eventQueue string) *EventPublisher {
	return &EventPublisher{
		conn:       conn,
		embedQueue: embedQueue,
		eventQueue: eventQueue,
	}
}

func (p *EventPublisher) PublishEmbedJob(ctx context.Context, job app.EmbedJob) error {
	return p.publish(ctx, p.embedQueue, job)
}

func (p *EventPublisher) PublishPostEvent(ctx context.Context, ev app.PostEvent) error {
	return p.publish(ctx, p.eventQueue, ev)
}

func (p *EventPublisher) publish(ctx context.Context, queueName string, payload any) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue failed: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload failed: %w", err)
	}

	if err := ch.PublishWithContext(
		ctx,
		"",
		queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	); err != nil {
		return fmt.Errorf("publish event failed: %w", err)
	}
	return nil
}
