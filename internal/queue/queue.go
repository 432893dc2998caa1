package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TopicBehaviorEvents carries behavioral events reported by the bots.
const TopicBehaviorEvents = "behavior_events"

// DefaultMaxRetries is how many times a failed message is redelivered
// before it is dropped.
const DefaultMaxRetries = 3

// ErrPermanent marks a handler failure that retrying cannot fix, such as
// a malformed message. Wrap it and the message is dropped immediately.
var ErrPermanent = errors.New("permanent message failure")

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler Handler) error
}

// encode turns a payload into a message body. Byte slices pass through.
func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// InMemoryQueue fans messages out to in-process subscribers with retry.
type InMemoryQueue struct {
	MaxRetries int
	Backoff    time.Duration

	log      zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	handlers map[string][]Handler
	inflight sync.WaitGroup
}

func NewInMemoryQueue(log zerolog.Logger) *InMemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryQueue{
		MaxRetries: DefaultMaxRetries,
		Backoff:    500 * time.Millisecond,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		handlers:   make(map[string][]Handler),
	}
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	body, err := encode(payload)
	if err != nil {
		return err
	}

	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		q.inflight.Add(1)
		go q.processJob(topic, handler, body)
	}
	return nil
}

// processJob retries with a linear backoff until the handler succeeds,
// fails permanently or runs out of retries.
func (q *InMemoryQueue) processJob(topic string, handler Handler, body []byte) {
	defer q.inflight.Done()

	for attempt := 0; ; attempt++ {
		err := handler(q.ctx, body)
		if err == nil {
			return
		}

		log := q.log.With().Str("topic", topic).Int("attempt", attempt+1).Err(err).Logger()
		if errors.Is(err, ErrPermanent) {
			log.Warn().Msg("message dropped")
			return
		}
		if attempt >= q.MaxRetries {
			log.Error().Int("max_retries", q.MaxRetries).Msg("message permanently failed")
			return
		}
		log.Warn().Msg("message failed, retrying")

		select {
		case <-q.ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * q.Backoff):
		}
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	if handler == nil {
		return errors.New("handler must not be nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published message has been handled.
func (q *InMemoryQueue) Wait() {
	q.inflight.Wait()
}

// Close stops pending retries and waits for running handlers.
func (q *InMemoryQueue) Close() error {
	q.cancel()
	q.inflight.Wait()
	return nil
}
