package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue() *InMemoryQueue {
	q := NewInMemoryQueue(zerolog.Nop())
	q.Backoff = time.Millisecond
	return q
}

func TestInMemoryQueue_DeliversJSON(t *testing.T) {
	q := newTestQueue()
	defer q.Close()

	got := make(chan map[string]any, 1)
	require.NoError(t, q.Subscribe("t", func(_ context.Context, body []byte) error {
		var m map[string]any
		if err := json.Unmarshal(body, &m); err != nil {
			return err
		}
		got <- m
		return nil
	}))

	require.NoError(t, q.Publish("t", map[string]any{"recipient_id": 42}))
	q.Wait()
	m := <-got
	assert.EqualValues(t, 42, m["recipient_id"])
}

func TestInMemoryQueue_NoSubscribers(t *testing.T) {
	q := newTestQueue()
	assert.Error(t, q.Publish("nobody", []byte(`{}`)))
}

func TestInMemoryQueue_RetriesThenSucceeds(t *testing.T) {
	q := newTestQueue()
	defer q.Close()

	var calls atomic.Int32
	require.NoError(t, q.Subscribe("t", func(context.Context, []byte) error {
		if calls.Add(1) < 3 {
			return errors.New("db down")
		}
		return nil
	}))

	require.NoError(t, q.Publish("t", []byte(`{}`)))
	q.Wait()
	assert.EqualValues(t, 3, calls.Load())
}

func TestInMemoryQueue_GivesUp(t *testing.T) {
	q := newTestQueue()
	defer q.Close()

	var calls atomic.Int32
	require.NoError(t, q.Subscribe("t", func(context.Context, []byte) error {
		calls.Add(1)
		return errors.New("always")
	}))

	require.NoError(t, q.Publish("t", []byte(`{}`)))
	q.Wait()
	assert.EqualValues(t, DefaultMaxRetries+1, calls.Load())
}

func TestInMemoryQueue_PermanentIsNotRetried(t *testing.T) {
	q := newTestQueue()
	defer q.Close()

	var calls atomic.Int32
	require.NoError(t, q.Subscribe("t", func(context.Context, []byte) error {
		calls.Add(1)
		return fmt.Errorf("%w: bad json", ErrPermanent)
	}))

	require.NoError(t, q.Publish("t", []byte(`nope`)))
	q.Wait()
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetryHeader(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 2, retryCount(amqp.Table{retryHeader: int32(2)}))
	assert.Equal(t, 5, retryCount(amqp.Table{retryHeader: int64(5)}))

	in := amqp.Table{"trace": "abc"}
	out := withRetryCount(in, 1)
	assert.Equal(t, int32(1), out[retryHeader])
	assert.Equal(t, "abc", out["trace"])
	assert.NotContains(t, in, retryHeader)
}
