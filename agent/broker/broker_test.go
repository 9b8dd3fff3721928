package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/agent/models"
)

func next[T any](t *testing.T, s *Subscription[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := s.Next(ctx)
	require.NoError(t, err)
	return v
}

func TestSubscribeSeesCurrentValue(t *testing.T) {
	c := NewChannel(0)
	require.NoError(t, c.Send(5))

	s := c.Subscribe()
	defer s.Close()
	assert.Equal(t, 5, next(t, s))
}

func TestSubscriptionSeesLaterValues(t *testing.T) {
	c := NewChannel("")
	s := c.Subscribe()
	defer s.Close()
	assert.Equal(t, "", next(t, s))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = c.Send("created")
	}()
	assert.Equal(t, "created", next(t, s))
}

func TestSlowSubscriberCoalesces(t *testing.T) {
	c := NewChannel(0)
	s := c.Subscribe()
	defer s.Close()
	assert.Equal(t, 0, next(t, s))

	for i := 1; i <= 10; i++ {
		require.NoError(t, c.Send(i))
	}
	assert.Equal(t, 10, next(t, s))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendSameValueTwiceWakes(t *testing.T) {
	c := NewChannel(1)
	s := c.Subscribe()
	defer s.Close()
	assert.Equal(t, 1, next(t, s))

	require.NoError(t, c.Send(1))
	assert.Equal(t, 1, next(t, s))
}

func TestChannelClose(t *testing.T) {
	c := NewChannel(0)
	s := c.Subscribe()
	assert.Equal(t, 0, next(t, s))

	done := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("subscriber not woken by Close")
	}
	assert.ErrorIs(t, c.Send(1), ErrChannelClosed)
	s.Close()
}

func TestSubscriptionClose(t *testing.T) {
	c := NewChannel(0)
	s := c.Subscribe()
	assert.Equal(t, 1, c.Subscribers())

	s.Close()
	s.Close()
	assert.Equal(t, 0, c.Subscribers())

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	require.NoError(t, c.Send(1))
}

func TestStateBroker(t *testing.T) {
	b := NewStateBroker()
	s := b.Subscribe()
	defer s.Close()
	assert.Nil(t, next(t, s))

	var sender models.StateSender = b
	require.NoError(t, sender.Send(&models.StateEvent{ActionID: 3, State: models.StateCompleted}))

	ev := next(t, s)
	require.NotNil(t, ev)
	assert.Equal(t, uint32(3), ev.ActionID)
	assert.Equal(t, models.StateCompleted, ev.State)
}
