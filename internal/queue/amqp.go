package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

const retryHeader = "x-retry-count"

// AMQPQueue publishes to and consumes from durable RabbitMQ queues named
// after the topic. Failed deliveries are republished with an incremented
// retry header and acked, so a poison message cannot block the queue head.
type AMQPQueue struct {
	MaxRetries int

	conn   *amqp.Connection
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex // guards pub and declared
	pub      *amqp.Channel
	declared map[string]bool
	wg       sync.WaitGroup
}

func DialAMQP(url string, log zerolog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open a channel: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AMQPQueue{
		MaxRetries: DefaultMaxRetries,
		conn:       conn,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		pub:        ch,
		declared:   make(map[string]bool),
	}, nil
}

func declare(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	return nil
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := encode(payload)
	if err != nil {
		return err
	}
	return q.publish(topic, body, nil)
}

func (q *AMQPQueue) publish(topic string, body []byte, headers amqp.Table) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.declared[topic] {
		if err := declare(q.pub, topic); err != nil {
			return err
		}
		q.declared[topic] = true
	}
	return q.pub.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         body,
	})
}

// Subscribe opens a dedicated channel and consumes topic with manual acks
// until Close.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	if handler == nil {
		return errors.New("handler must not be nil")
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open a channel: %w", err)
	}
	if err := declare(ch, topic); err != nil {
		ch.Close()
		return err
	}
	if err := ch.Qos(16, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(
		topic,
		"",
		false, // autoAck
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("register consumer: %w", err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer ch.Close()
		for {
			select {
			case <-q.ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					q.log.Warn().Str("topic", topic).Msg("delivery channel closed")
					return
				}
				q.handle(topic, handler, d)
			}
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, handler Handler, d amqp.Delivery) {
	err := handler(q.ctx, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	log := q.log.With().Str("topic", topic).Int("retry", retries).Err(err).Logger()
	if errors.Is(err, ErrPermanent) || retries >= q.MaxRetries {
		log.Error().Msg("message dropped")
		_ = d.Ack(false)
		return
	}

	if perr := q.publish(topic, d.Body, withRetryCount(d.Headers, retries+1)); perr != nil {
		log.Error().AnErr("publish_error", perr).Msg("requeue failed, returning to broker")
		_ = d.Nack(false, true)
		return
	}
	log.Warn().Msg("message failed, requeued")
	_ = d.Ack(false)
}

func (q *AMQPQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	q.mu.Lock()
	q.pub.Close()
	q.mu.Unlock()
	return q.conn.Close()
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int16:
		return int(v)
	}
	return 0
}

func withRetryCount(h amqp.Table, n int) amqp.Table {
	out := amqp.Table{}
	for k, v := range h {
		out[k] = v
	}
	out[retryHeader] = int32(n)
	return out
}
