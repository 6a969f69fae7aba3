// Package transport provides a reusable asynchronous, single-goroutine
// transmitter shared by both serial links (Actor, Arm). It funnels writes
// through one goroutine per link so the link's write path is exclusively
// owned by its writer worker, per the concurrency model's "no blocking I/O
// on the main loop" rule.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// AsyncTx is a reusable asynchronous item transmitter that funnels writes
// through a single goroutine (fan-in). It provides non-blocking enqueue
// semantics: if the internal buffer is full, Send invokes the configured
// OnDrop hook and returns its error (usually an overflow sentinel). This
// keeps producers from blocking behind a slow or wedged serial device.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.Send(item)
//	a.Close()
//
// After Close returns no more items will be processed, but (by design) the
// channel is not closed by Send; additional Send calls after Close return
// ErrAsyncTxClosed without blocking.
//
// Hooks let each link keep distinct metrics/logging without duplicating the
// goroutine + buffer plumbing.
type AsyncTx[T any] struct {
	mu     sync.Mutex
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(T) error
	hooks  Hooks[T]
	closed atomic.Bool // set when Close is called; prevents enqueue after shutdown
}

// Hooks customize AsyncTx behavior.
type Hooks[T any] struct {
	// OnError is called when send returns a non-nil error (item not sent).
	OnError func(T, error)
	// OnAfter is called only after a successful send.
	OnAfter func(T)
	// OnDrop is called when the buffer is full; its returned error is
	// returned from Send. If nil, the overflow is silent.
	OnDrop func(T) error
}

// ErrAsyncTxClosed is returned by Send once Close has been called.
var ErrAsyncTxClosed = errors.New("async tx closed")

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx[T any](parent context.Context, buf int, send func(T) error, hooks Hooks[T]) *AsyncTx[T] {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx[T]) loop() {
	defer a.wg.Done()
	for {
		select {
		case item, ok := <-a.ch:
			if !ok { // channel closed
				return
			}
			if err := a.send(item); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(item, err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter(item)
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// Send queues an item for asynchronous transmission, or returns the drop
// error if the buffer is full.
func (a *AsyncTx[T]) Send(item T) error {
	// Fast-path check so steady-state sends avoid taking the lock when already shut down.
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- item:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop(item)
		}
		return nil
	}
}

// Flush discards any items currently buffered without sending them, and
// returns how many were dropped. Safe to call concurrently with the send
// loop; it races for queued items with normal processing but can only
// ever win items that were still sitting in the channel.
func (a *AsyncTx[T]) Flush() int {
	n := 0
	for {
		select {
		case <-a.ch:
			n++
		default:
			return n
		}
	}
}

// Close stops the worker and waits for all pending operations to finish.
func (a *AsyncTx[T]) Close() {
	if a.closed.Swap(true) { // already closed
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
