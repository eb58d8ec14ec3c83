package chanx

import (
	"sync"
	"sync/atomic"
)

// Oneshot is a completion slot that delivers exactly one value to
// exactly one waiter. Completing an already-completed slot is a no-op.
type Oneshot[T any] struct {
	once  sync.Once
	fired atomic.Bool
	ch    chan T
}

// NewOneshot creates an empty completion slot.
func NewOneshot[T any]() *Oneshot[T] {
	return &Oneshot[T]{ch: make(chan T, 1)}
}

// Complete delivers v into the slot. Only the first call has any
// effect; it reports whether this call was the one that fired.
func (o *Oneshot[T]) Complete(v T) bool {
	won := false
	o.once.Do(func() {
		o.ch <- v
		o.fired.Store(true)
		won = true
	})
	return won
}

// Fired reports whether the slot has been completed.
func (o *Oneshot[T]) Fired() bool {
	return o.fired.Load()
}

// Wait blocks until the slot is completed and returns the value.
func (o *Oneshot[T]) Wait() T {
	return <-o.ch
}

// Done exposes the completion for use in select statements.
func (o *Oneshot[T]) Done() <-chan T {
	return o.ch
}
