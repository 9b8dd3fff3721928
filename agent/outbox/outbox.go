// Package outbox is an unbounded single-consumer queue. Producers never
// block, which lets code that must not stall hand items to a consumer
// that drains them at its own pace, such as a network stream.
package outbox

import (
	"context"
	"errors"
	"io"
	"sync"
)

var (
	// ErrDetached is returned to producers once the consumer has gone.
	ErrDetached = errors.New("outbox consumer detached")
	ErrClosed   = errors.New("outbox closed")
)

type Outbox[T any] struct {
	mu       sync.Mutex
	items    []T
	closed   bool
	closeErr error
	detached bool
	ready    chan struct{}
}

func New[T any]() *Outbox[T] {
	return &Outbox[T]{ready: make(chan struct{}, 1)}
}

// Send queues v for the consumer.
func (o *Outbox[T]) Send(v T) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.detached {
		return ErrDetached
	}
	if o.closed {
		return ErrClosed
	}
	o.items = append(o.items, v)
	o.signal()
	return nil
}

// Close marks the end of the stream. Items already queued are still
// delivered; after them Next returns err, or io.EOF when err is nil.
func (o *Outbox[T]) Close(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.closeErr = err
	o.signal()
}

// Detach tells producers nobody is reading anymore and drops anything
// still queued.
func (o *Outbox[T]) Detach() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detached = true
	o.items = nil
}

// Next blocks until an item is available, the outbox is closed and
// drained, or ctx is done.
func (o *Outbox[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		o.mu.Lock()
		if len(o.items) > 0 {
			v := o.items[0]
			o.items[0] = zero
			o.items = o.items[1:]
			o.mu.Unlock()
			return v, nil
		}
		if o.closed {
			err := o.closeErr
			o.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return zero, err
		}
		if o.detached {
			o.mu.Unlock()
			return zero, ErrDetached
		}
		o.mu.Unlock()

		select {
		case <-o.ready:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len is the number of queued items.
func (o *Outbox[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// signal wakes the consumer without blocking; one pending wakeup is
// enough since Next rechecks the queue. Callers hold mu.
func (o *Outbox[T]) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}
