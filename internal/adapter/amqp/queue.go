// Package amqp publishes stream events onto a durable RabbitMQ queue.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

var ErrConnectionClosed = errors.New("amqp connection closed")

// channel is the subset of *amqp091.Channel the queue uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	IsClosed() bool
	Close() error
}

type connection interface {
	Channel() (*amqp091.Channel, error)
	IsClosed() bool
	Close() error
}

// Queue publishes persistent messages to a durable queue through the default exchange.
// A closed channel is reopened on the next publish.
type Queue struct {
	conn connection
	name string

	mu   sync.Mutex
	ch   channel
	open func() (channel, error)
}

// Dial connects to the broker and declares the queue.
func Dial(url, queue string) (*Queue, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}

	q := &Queue{conn: conn, name: queue}
	q.open = q.openChannel
	if _, err := q.channel(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	slog.Info("Connected to AMQP broker", "queue", queue)
	return q, nil
}

func (q *Queue) openChannel() (channel, error) {
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", q.name, err)
	}
	return ch, nil
}

func (q *Queue) channel() (channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ch != nil && !q.ch.IsClosed() {
		return q.ch, nil
	}
	ch, err := q.open()
	if err != nil {
		return nil, err
	}
	q.ch = ch
	return ch, nil
}

func (q *Queue) Publish(ctx context.Context, body []byte) error {
	ch, err := q.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", q.name, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", q.name, err)
	}
	return nil
}

func (q *Queue) Name() string { return "amqp:" + q.name }

// Ping reports whether the broker connection is usable. A closed channel is
// reopened; a closed connection is not, since amqp091 never redials.
func (q *Queue) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.conn != nil && q.conn.IsClosed() {
		return ErrConnectionClosed
	}
	_, err := q.channel()
	return err
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var errs []error
	if q.ch != nil && !q.ch.IsClosed() {
		errs = append(errs, q.ch.Close())
	}
	if q.conn != nil && !q.conn.IsClosed() {
		errs = append(errs, q.conn.Close())
	}
	return errors.Join(errs...)
}
