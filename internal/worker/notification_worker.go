package worker

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"inkpad/internal/app"
	"inkpad/internal/model"
)

// NotificationStore persists notification rows.
type NotificationStore interface {
	Create(n *model.Notification) error
}

// NotificationWorker turns post events into stored notifications for the
// author's followers. Following is not modeled yet, so for now the author
// gets a record of their own publish activity.
type NotificationWorker struct {
	conn      *amqp.Connection
	store     NotificationStore
	queueName string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNotificationWorker(conn *amqp.Connection, store NotificationStore, queueName string) *NotificationWorker {
	return &NotificationWorker{
		conn:      conn,
		store:     store,
		queueName: queueName,
	}
}

func (w *NotificationWorker) Start(ctx context.Context) error {
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

				var ev app.PostEvent
				if err := json.Unmarshal(d.Body, &ev); err != nil {
					log.Printf("worker decode post event failed: %v", err)
					_ = d.Nack(false, false)
					continue
				}

				if err := w.store.Create(notificationFor(ev)); err != nil {
					log.Printf("worker persist notification failed: %v", err)
					_ = d.Nack(false, false)
					continue
				}

				_ = d.Ack(false)
			}
		}
	}()

	return nil
}

func (w *NotificationWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func notificationFor(ev app.PostEvent) *model.Notification {
	payload, _ := json.Marshal(ev)
	return &model.Notification{
		UserID:  ev.AuthorID,
		Kind:    ev.Kind,
		Payload: string(payload),
	}
}
