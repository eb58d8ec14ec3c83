// Package chanx provides the channel primitives used by the connection
// core: multi-producer multi-consumer FIFO channels with bounded or
// unbounded capacity, one-shot completion slots, and the duplex pair
// used for shutdown signaling.
package chanx

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
)

var (
	// ErrClosed indicates that the channel counterpart has been dropped.
	ErrClosed = errors.New("chanx: channel is closed")

	// ErrFull indicates that a non-blocking send found the channel at capacity.
	ErrFull = errors.New("chanx: channel is full")

	// ErrEmpty indicates that a non-blocking receive found the channel empty.
	ErrEmpty = errors.New("chanx: channel is empty")
)

// Channel is a multi-producer multi-consumer FIFO channel. A bounded
// channel blocks senders at capacity; an unbounded channel never blocks
// a sender. Receivers drain items queued before Close, then observe
// ErrClosed.
type Channel[T any] struct {
	ch   chan T
	done chan struct{}

	mu     sync.Mutex
	closed bool

	// Unbounded state. buf holds the overflow behind ch; a single pump
	// goroutine moves items from buf into ch, preserving FIFO order.
	unbounded bool
	buf       *queue.Queue
	kick      chan struct{}
}

// NewChannel creates a bounded channel with the given capacity. A
// capacity of zero yields a rendezvous channel.
func NewChannel[T any](capacity int) *Channel[T] {
	return &Channel[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// NewUnbounded creates a channel without a capacity ceiling. Send and
// TrySend never block and never report ErrFull.
func NewUnbounded[T any]() *Channel[T] {
	c := &Channel[T]{
		ch:        make(chan T, 1),
		done:      make(chan struct{}),
		unbounded: true,
		buf:       queue.New(),
		kick:      make(chan struct{}, 1),
	}
	go c.pump()
	return c
}

// pump moves buffered items into the receive channel one at a time.
// The head stays in buf until it lands in ch, so Len never undercounts
// an item in transit.
func (c *Channel[T]) pump() {
	for {
		c.mu.Lock()
		for c.buf.Length() == 0 {
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-c.kick:
			case <-c.done:
			}
			c.mu.Lock()
		}
		v := c.buf.Peek().(T)
		c.mu.Unlock()

		select {
		case c.ch <- v:
			c.mu.Lock()
			c.buf.Remove()
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Send enqueues v, blocking while a bounded channel is at capacity.
// Returns ErrClosed if the channel has been closed.
func (c *Channel[T]) Send(v T) error {
	if c.unbounded {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		c.buf.Add(v)
		c.mu.Unlock()
		select {
		case c.kick <- struct{}{}:
		default:
		}
		return nil
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.ch <- v:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// TrySend enqueues v without blocking. Returns ErrFull when a bounded
// channel is at capacity and ErrClosed after Close.
func (c *Channel[T]) TrySend(v T) error {
	if c.unbounded {
		return c.Send(v)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.ch <- v:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrFull
	}
}

// Recv dequeues the next item, blocking until one is available. Items
// queued before Close are still delivered; once drained, Recv returns
// ErrClosed.
func (c *Channel[T]) Recv() (T, error) {
	select {
	case v := <-c.ch:
		return v, nil
	default:
	}
	select {
	case v := <-c.ch:
		return v, nil
	case <-c.done:
		// A racing send may have landed between the selects.
		select {
		case v := <-c.ch:
			return v, nil
		default:
			var zero T
			return zero, ErrClosed
		}
	}
}

// TryRecv dequeues the next item without blocking. Returns ErrEmpty
// when nothing is queued and ErrClosed once the channel is closed and
// drained.
func (c *Channel[T]) TryRecv() (T, error) {
	select {
	case v := <-c.ch:
		return v, nil
	default:
	}
	// Items are only ever taken from ch; popping buf here would race
	// the pump and reorder the stream. An item in transit shows up in
	// Len before it is receivable.
	var zero T
	select {
	case <-c.done:
		return zero, ErrClosed
	default:
		return zero, ErrEmpty
	}
}

// ReadChan exposes the receive side for use in select statements.
// Items read from it bypass the closed-state bookkeeping, so callers
// multiplexing over ReadChan should treat a quiescent channel plus a
// closed Done as end of stream.
func (c *Channel[T]) ReadChan() <-chan T {
	return c.ch
}

// Done is closed when the channel is closed.
func (c *Channel[T]) Done() <-chan struct{} {
	return c.done
}

// Len reports the number of queued items.
func (c *Channel[T]) Len() int {
	n := len(c.ch)
	if c.unbounded {
		c.mu.Lock()
		n += c.buf.Length()
		c.mu.Unlock()
	}
	return n
}

// Close drops the channel counterpart. Safe to call more than once.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

// IsClosed reports whether Close has been called.
func (c *Channel[T]) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
