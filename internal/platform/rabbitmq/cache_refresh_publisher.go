package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// CacheRefreshEvent asks the projection worker to rebuild a conversation's
// denormalized turn cache from the messages table.
type CacheRefreshEvent struct {
	ConversationID uint `json:"conversation_id"`
}

type CacheRefreshPublisher struct {
	conn      *amqp.Connection
	queueName string
}

func NewCacheRefreshPublisher(conn *amqp.Connection, queueName string) *CacheRefreshPublisher {
	return &CacheRefreshPublisher{
		conn:      conn,
		queueName: queueName,
	}
}

func (p *CacheRefreshPublisher) Publish(ctx context.Context, event CacheRefreshEvent) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclare(
		p.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue failed: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal cache refresh event failed: %w", err)
	}

	if err := ch.PublishWithContext(
		ctx,
		"",
		p.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
		},
	); err != nil {
		return fmt.Errorf("publish cache refresh event failed: %w", err)
	}
	return nil
}
