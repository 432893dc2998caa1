package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForAtLeast(t *testing.T, n *atomic.Int64, want int64, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return n.Load() >= want }, timeout, 2*time.Millisecond,
		"expected at least %d calls", want)
}

func TestNew_InvalidArgs(t *testing.T) {
	t.Parallel()

	s, err := New(0, func(context.Context) {}, zerolog.Nop())
	assert.Error(t, err)
	assert.Nil(t, s)

	s, err = New(time.Second, nil, zerolog.Nop())
	assert.Error(t, err)
	assert.Nil(t, s)
}

func TestScheduler_StartStop(t *testing.T) {
	var calls atomic.Int64
	s, err := New(10*time.Millisecond, func(context.Context) { calls.Add(1) }, zerolog.Nop())
	require.NoError(t, err)

	assert.False(t, s.IsRunning())
	assert.True(t, s.Start(context.Background()))
	assert.False(t, s.Start(context.Background()), "second start is a no-op")
	assert.True(t, s.IsRunning())

	waitForAtLeast(t, &calls, 3, time.Second)

	assert.True(t, s.Stop())
	assert.False(t, s.Stop())
	assert.False(t, s.IsRunning())

	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no ticks after stop")
}

func TestScheduler_RecoversFromPanic(t *testing.T) {
	var calls atomic.Int64
	s, err := New(5*time.Millisecond, func(context.Context) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}, zerolog.Nop())
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()
	waitForAtLeast(t, &calls, 2, time.Second)
}

func TestScheduler_ParentCancelEndsTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	seen := make(chan struct{}, 1)
	s, err := New(time.Hour, func(tickCtx context.Context) {
		<-tickCtx.Done()
		seen <- struct{}{}
	}, zerolog.Nop())
	require.NoError(t, err)

	s.Start(ctx)
	cancel()
	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("tick did not observe cancellation")
	}
	s.Stop()
}

func TestMaintenance_RunsOnSchedule(t *testing.T) {
	var calls atomic.Int64
	m, err := NewMaintenance("@every 1s", func(context.Context) { calls.Add(1) }, zerolog.Nop())
	require.NoError(t, err)

	m.Start()
	waitForAtLeast(t, &calls, 1, 3*time.Second)
	m.Stop()
}

func TestMaintenance_RejectsBadSchedule(t *testing.T) {
	_, err := NewMaintenance("every now and then", func(context.Context) {}, zerolog.Nop())
	assert.Error(t, err)
}
