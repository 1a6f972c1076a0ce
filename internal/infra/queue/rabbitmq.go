package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"famdigest/internal/domain"
	"famdigest/internal/infra/metrics"
)

// RabbitNotifications — очередь сервисных уведомлений поверх AMQP.
// Публикующая сторона реализует domain.Notifier, потребляющая — воркер
// cmd/notifier.
type RabbitNotifications struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitNotifications подключается к брокеру и объявляет очередь.
func NewRabbitNotifications(url, queue string) (*RabbitNotifications, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("подключение к amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("открытие канала: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("объявление очереди: %w", err)
	}
	return &RabbitNotifications{conn: conn, ch: ch, queue: queue}, nil
}

var _ domain.Notifier = (*RabbitNotifications)(nil)

// Notify публикует уведомление в очередь.
func (q *RabbitNotifications) Notify(ctx context.Context, n domain.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.Key,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Consume запускает обработку уведомлений до отмены контекста. Успешно
// обработанные сообщения подтверждаются, ошибочные возвращаются в очередь.
func (q *RabbitNotifications) Consume(ctx context.Context, handle func(ctx context.Context, n domain.Notification) error) error {
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return errors.New("amqp: delivery channel closed")
			}
			var n domain.Notification
			if err := json.Unmarshal(msg.Body, &n); err != nil {
				// Нечитаемое сообщение повторять бессмысленно.
				_ = msg.Nack(false, false)
				continue
			}
			if err := handle(ctx, n); err != nil {
				_ = msg.Nack(false, true)
				continue
			}
			_ = msg.Ack(false)
		}
	}
}

// Close закрывает канал и соединение.
func (q *RabbitNotifications) Close() error {
	if err := q.ch.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
