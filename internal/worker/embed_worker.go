package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"inkpad/internal/app"
)

// Reindexer re-embeds one post's chunks.
type Reindexer interface {
	ReindexPost(ctx context.Context, postID uint) (int, error)
}

// EmbedWorker consumes embed jobs and runs them through the index service.
// Jobs arrive whenever a post is created or edited; failures are nacked
// without requeue so a poisoned job cannot loop forever.
type EmbedWorker struct {
	conn      *amqp.Connection
	indexer   Reindexer
	queueName string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEmbedWorker(conn *amqp.Connection, indexer Reindexer, queueName string) *EmbedWorker {
	return &EmbedWorker{
		conn:      conn,
		indexer:   indexer,
		queueName: queueName,
	}
}

func (w *EmbedWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	deliveries, ch, err := consume(w.conn, w.queueName)
	if err != nil {
		cancel()
		return err
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

				var job app.EmbedJob
				if err := json.Unmarshal(d.Body, &job); err != nil {
					log.Printf("worker decode embed job failed: %v", err)
					_ = d.Nack(false, false)
					continue
				}

				n, err := w.indexer.ReindexPost(workerCtx, job.PostID)
				if err != nil {
					log.Printf("worker reindex post %d failed: %v", job.PostID, err)
					_ = d.Nack(false, false)
					continue
				}

				log.Printf("worker reindexed post %d: %d chunks", job.PostID, n)
				_ = d.Ack(false)
			}
		}
	}()

	return nil
}

func (w *EmbedWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func consume(conn *amqp.Connection, queueName string) (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("declare worker queue failed: %w", err)
	}

	deliveries, err := ch.Consume(
		queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume queue failed: %w", err)
	}
	return deliveries, ch, nil
}
