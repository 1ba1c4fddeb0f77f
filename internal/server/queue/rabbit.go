// Package queue implements the processing-task publisher over RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// seams for tests
var (
	dialAMQP = func(url string) (*amqp.Connection, error) {
		return amqp.Dial(url)
	}
	openChannel = func(conn *amqp.Connection) (amqpChannel, error) {
		return conn.Channel()
	}
)

// amqpChannel is the subset of *amqp.Channel the publisher uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ProcessingTask is the message body sent to the transcoder workers.
type ProcessingTask struct {
	VideoID    string `json:"videoId"`
	StorageKey string `json:"storageKey"`
}

// RabbitPublisher publishes processing tasks to a durable queue. A channel is
// opened per publish; the underlying connection is shared and long-lived.
type RabbitPublisher struct {
	conn      *amqp.Connection
	queueName string
}

// NewRabbitPublisher dials the broker and returns a publisher bound to the
// given queue name.
func NewRabbitPublisher(url, queueName string) (*RabbitPublisher, error) {
	conn, err := dialAMQP(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	return &RabbitPublisher{conn: conn, queueName: queueName}, nil
}

// Publish sends a {videoId, storageKey} task. The queue is declared durable on
// every publish so the broker recreates it after restarts.
func (p *RabbitPublisher) Publish(ctx context.Context, videoID, storageKey string) error {
	body, err := json.Marshal(ProcessingTask{VideoID: videoID, StorageKey: storageKey})
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	ch, err := openChannel(p.conn)
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		p.queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	if err := ch.PublishWithContext(ctx, "", q.Name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Ping reports whether the broker connection is still open.
func (p *RabbitPublisher) Ping(ctx context.Context) error {
	if p.conn == nil || p.conn.IsClosed() {
		return fmt.Errorf("amqp connection closed")
	}
	return nil
}

// Close closes the broker connection.
func (p *RabbitPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
