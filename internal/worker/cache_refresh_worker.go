package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"bookchat/internal/model"
	"bookchat/internal/platform/rabbitmq"
	"bookchat/internal/repository"
)

// CacheRefreshWorker rebuilds a conversation's denormalized turn cache from
// the messages table whenever an exchange lands. The projection is best
// effort; the messages table stays authoritative.
type CacheRefreshWorker struct {
	conn      *amqp.Connection
	convRepo  *repository.ConversationRepository
	msgRepo   *repository.MessageRepository
	queueName string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCacheRefreshWorker(
	conn *amqp.Connection,
	convRepo *repository.ConversationRepository,
	msgRepo *repository.MessageRepository,
	queueName string,
) *CacheRefreshWorker {
	return &CacheRefreshWorker{
		conn:      conn,
		convRepo:  convRepo,
		msgRepo:   msgRepo,
		queueName: queueName,
	}
}

func (w *CacheRefreshWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}

				var event rabbitmq.CacheRefreshEvent
				if err := json.Unmarshal(d.Body, &event); err != nil {
					log.Printf("worker decode cache refresh event failed: %v", err)
					_ = d.Nack(false, false)
					continue
				}

				if err := w.refresh(workerCtx, event.ConversationID); err != nil {
					log.Printf("worker refresh turn cache for conversation %d failed: %v", event.ConversationID, err)
					_ = d.Nack(false, false)
					continue
				}

				_ = d.Ack(false)
			}
		}
	}()

	return nil
}

func (w *CacheRefreshWorker) refresh(ctx context.Context, conversationID uint) error {
	messages, err := w.msgRepo.ListAllByConversationID(ctx, conversationID)
	if err != nil {
		return err
	}

	turns := make([]model.CachedTurn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, model.CachedTurn{Role: m.Role, Content: m.Content})
	}

	var conv model.Conversation
	conv.SetCachedTurns(turns)
	return w.convRepo.UpdateTurnCache(ctx, conversationID, conv.TurnCache)
}

func (w *CacheRefreshWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
