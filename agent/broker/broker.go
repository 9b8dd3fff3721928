// Package broker broadcasts the latest value of something to any number
// of subscribers. Subscribers are never queued up: one that falls behind
// skips straight to the newest value.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"tangled.sh/tangled.sh/agent/models"
)

var (
	ErrChannelClosed      = errors.New("broker channel closed")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Channel holds one current value.
type Channel[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	closed  bool
	n       *notifier
}

func NewChannel[T any](initial T) *Channel[T] {
	return &Channel[T]{value: initial, n: newNotifier()}
}

// Send replaces the current value and wakes every subscriber.
func (c *Channel[T]) Send(v T) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.value = v
	c.version++
	c.mu.Unlock()

	c.n.notifyAll()
	return nil
}

// Close ends every subscription. Sends fail from here on.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.n.closeAll()
}

// Current returns the current value.
func (c *Channel[T]) Current() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Subscribers is the number of open subscriptions.
func (c *Channel[T]) Subscribers() int {
	return c.n.count()
}

func (c *Channel[T]) Subscribe() *Subscription[T] {
	return &Subscription[T]{c: c, wake: c.n.subscribe()}
}

type Subscription[T any] struct {
	c       *Channel[T]
	wake    chan struct{}
	started bool
	seen    uint64
	once    sync.Once
	closed  bool
}

// Next returns the current value on the first call and afterwards blocks
// until the value changes. Values sent in between two calls are skipped.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		if s.closed {
			return zero, ErrSubscriptionClosed
		}

		s.c.mu.Lock()
		if !s.started || s.seen != s.c.version {
			s.started = true
			s.seen = s.c.version
			v := s.c.value
			s.c.mu.Unlock()
			return v, nil
		}
		closed := s.c.closed
		s.c.mu.Unlock()
		if closed {
			return zero, ErrChannelClosed
		}

		select {
		case _, ok := <-s.wake:
			if !ok {
				s.c.mu.Lock()
				closed := s.c.closed
				s.c.mu.Unlock()
				if closed {
					return zero, ErrChannelClosed
				}
				return zero, ErrSubscriptionClosed
			}
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close releases the subscription. Next must not be running concurrently.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.closed = true
		s.c.n.unsubscribe(s.wake)
	})
}

// Deletion records that an action was removed from the registry.
type Deletion struct {
	ActionID  uint32    `json:"action_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionBroker announces registry changes. A nil value means nothing has
// happened yet.
type ActionBroker struct {
	Creations *Channel[*models.Action]
	Deletions *Channel[*Deletion]
}

func NewActionBroker() *ActionBroker {
	return &ActionBroker{
		Creations: NewChannel[*models.Action](nil),
		Deletions: NewChannel[*Deletion](nil),
	}
}

func (b *ActionBroker) Close() {
	b.Creations.Close()
	b.Deletions.Close()
}

// StateBroker announces action state transitions.
type StateBroker = Channel[*models.StateEvent]

func NewStateBroker() *StateBroker {
	return NewChannel[*models.StateEvent](nil)
}
