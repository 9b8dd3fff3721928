package broker

import (
	"sync"
)

// notifier wakes every subscriber without ever blocking the sender. A
// subscriber that has not consumed its previous wakeup gets no second
// one.
type notifier struct {
	subscribers map[chan struct{}]struct{}
	mu          sync.Mutex
	closed      bool
}

func newNotifier() *notifier {
	return &notifier{
		subscribers: make(map[chan struct{}]struct{}),
	}
}

func (n *notifier) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.closed {
		close(ch)
	} else {
		n.subscribers[ch] = struct{}{}
	}
	n.mu.Unlock()
	return ch
}

func (n *notifier) unsubscribe(ch chan struct{}) {
	n.mu.Lock()
	if _, ok := n.subscribers[ch]; ok {
		delete(n.subscribers, ch)
		close(ch)
	}
	n.mu.Unlock()
}

func (n *notifier) notifyAll() {
	n.mu.Lock()
	for ch := range n.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// avoid blocking if channel is full
		}
	}
	n.mu.Unlock()
}

// closeAll closes every subscriber channel; later subscribers get a
// closed channel straight away.
func (n *notifier) closeAll() {
	n.mu.Lock()
	n.closed = true
	for ch := range n.subscribers {
		delete(n.subscribers, ch)
		close(ch)
	}
	n.mu.Unlock()
}

func (n *notifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subscribers)
}
