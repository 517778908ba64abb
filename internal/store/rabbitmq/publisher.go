package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// RunMessage dispatches one run pipeline to the worker. Retries counts the
// transient redeliveries already consumed by this run.
type RunMessage struct {
	EventID string `json:"event_id"`
	Retries int    `json:"retries"`
}

// retryDelay is how long a transiently failed run waits in the retry queue
// before being dead-lettered back to the main queue.
const retryDelay = 5 * time.Second

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// DeclareTopology declares the main queue plus its retry and DLQ
// companions. The retry queue has no consumer: messages published there
// expire and dead-letter back to the main queue, which is what turns a
// nacked transient failure into a delayed redelivery.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	mainQ := queue
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	if _, err := ch.QueueDeclare(
		dlqQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(
		retryQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": mainQ,
		},
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	if _, err := ch.QueueDeclare(
		mainQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqQ,
		},
	); err != nil {
		return err
	}

	return nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishRun enqueues a fresh run pipeline.
func (p *Publisher) PublishRun(ctx context.Context, eventID string) error {
	return p.publish(ctx, p.queue, RunMessage{EventID: eventID}, 0)
}

// PublishRetry parks a transiently failed run in the retry queue; it comes
// back to the main queue after retryDelay.
func (p *Publisher) PublishRetry(ctx context.Context, eventID string, retries int) error {
	return p.publish(ctx, p.queue+".retry", RunMessage{EventID: eventID, Retries: retries}, retryDelay)
}

func (p *Publisher) publish(ctx context.Context, queue string, msg RunMessage, expiration time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	}
	if expiration > 0 {
		pub.Expiration = strconv.FormatInt(expiration.Milliseconds(), 10)
	}

	return p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		pub,
	)
}
