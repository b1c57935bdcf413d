// Package queue implements HandlerQueue, the single concurrency primitive the
// rest of this module is built on (spec §4.A). It turns a push-style event
// source (socket onData, onConnection, data-channel onMessage) into a
// pull-style awaitable stream, with a pluggable synchronous or one-shot
// handler and in-order delivery.
//
// HandlerQueue is deliberately single-consumer: only one permanent handler
// may be installed at a time, and a one-shot handler, when installed,
// consumes the next item ahead of it. Multi-subscriber semantics would
// break the handshake protocols built on top of it, which rely on consuming
// "the next item" deterministically.
package queue

import (
	"errors"
	"sync"
)

// ErrHandlerAlreadyInstalled is returned by SetSyncHandler when a permanent
// handler is already installed. Installing a second
// permanent handler while one exists is a misuse of the single-consumer
// queue and is rejected rather than silently replacing the old one.
var ErrHandlerAlreadyInstalled = errors.New("queue: a handler is already installed")

// ErrCleared is the error delivered to pending handle() futures when Clear()
// drops their queued item before a handler processes it.
var ErrCleared = errors.New("queue: cleared while item was still queued")

type pendingItem[T any, R any] struct {
	item   T
	result chan<- result[R]
}

type result[R any] struct {
	value R
	err   error
}

// HandlerQueue is a bounded-by-memory FIFO of items of type T, coupled to a
// pluggable handler that produces results of type R.
type HandlerQueue[T any, R any] struct {
	mu      sync.Mutex
	pending []pendingItem[T, R]

	handler     func(T) (R, error)
	nextHandler func(T) (R, error)
}

// New creates an empty HandlerQueue with no handler installed.
func New[T any, R any]() *HandlerQueue[T, R] {
	return &HandlerQueue[T, R]{}
}

// Handle enqueues item and returns a channel that receives exactly one
// result once the item is processed by whichever handler ends up consuming
// it. Items are always delivered to handlers in enqueue order.
func (q *HandlerQueue[T, R]) Handle(item T) <-chan result[R] {
	ch := make(chan result[R], 1)
	q.mu.Lock()
	fn := q.takeHandlerLocked()
	if fn == nil {
		q.pending = append(q.pending, pendingItem[T, R]{item: item, result: ch})
		q.mu.Unlock()
		return ch
	}
	q.mu.Unlock()
	q.dispatch(fn, item, ch)
	return ch
}

// HandleWait is a convenience wrapper over Handle that blocks for the result.
func (q *HandlerQueue[T, R]) HandleWait(item T) (R, error) {
	res := <-q.Handle(item)
	return res.value, res.err
}

// takeHandlerLocked returns the one-shot handler if installed (uninstalling
// it), else the permanent handler, else nil. Must be called with mu held.
func (q *HandlerQueue[T, R]) takeHandlerLocked() func(T) (R, error) {
	if q.nextHandler != nil {
		fn := q.nextHandler
		q.nextHandler = nil
		return fn
	}
	return q.handler
}

func (q *HandlerQueue[T, R]) dispatch(fn func(T) (R, error), item T, ch chan<- result[R]) {
	v, err := fn(item)
	ch <- result[R]{value: v, err: err}
}

// SetSyncHandler installs a permanent synchronous handler. Any items already
// queued are drained, in order, before this call returns. Returns
// ErrHandlerAlreadyInstalled if a permanent handler is already installed.
func (q *HandlerQueue[T, R]) SetSyncHandler(fn func(T) (R, error)) error {
	q.mu.Lock()
	if q.handler != nil {
		q.mu.Unlock()
		return ErrHandlerAlreadyInstalled
	}
	q.handler = fn
	drain := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, p := range drain {
		q.dispatch(fn, p.item, p.result)
	}
	return nil
}

// SetSyncNextHandler installs a one-shot handler that consumes exactly the
// next item (queued, or the first to arrive), then uninstalls itself. It
// returns a channel for that single result. If an item is already queued, it
// is consumed immediately, before this call returns.
func (q *HandlerQueue[T, R]) SetSyncNextHandler(fn func(T) (R, error)) <-chan result[R] {
	ch := make(chan result[R], 1)
	wrapped := func(item T) (R, error) {
		v, err := fn(item)
		ch <- result[R]{value: v, err: err}
		return v, err
	}

	q.mu.Lock()
	if len(q.pending) > 0 {
		p := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		q.dispatch(wrapped, p.item, p.result)
		return ch
	}
	q.nextHandler = wrapped
	q.mu.Unlock()
	return ch
}

// StopHandling detaches any installed handler (permanent or one-shot).
// Subsequent items queue until a new handler is installed.
func (q *HandlerQueue[T, R]) StopHandling() {
	q.mu.Lock()
	q.handler = nil
	q.nextHandler = nil
	q.mu.Unlock()
}

// Clear drops all queued items, failing their pending Handle() futures with
// ErrCleared. Items already delivered to a handler are unaffected.
func (q *HandlerQueue[T, R]) Clear() {
	q.mu.Lock()
	drain := q.pending
	q.pending = nil
	q.mu.Unlock()

	var zero R
	for _, p := range drain {
		p.result <- result[R]{value: zero, err: ErrCleared}
	}
}

// Len returns the number of items currently queued awaiting a handler.
func (q *HandlerQueue[T, R]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
