// Package correlate turns the gateway's event-emitter responses into
// awaitable calls. Every correlated request goes through here: id allocation,
// settle-once resolution, timeout fallback, and mandatory listener
// deregistration all live in one place so leak bugs have one home.
package correlate

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a correlated call when the gateway never answers.
// Timed-out calls settle with the zero value; callers treat "no data this
// cycle" as recoverable.
const DefaultTimeout = 10 * time.Second

// Correlator allocates monotonically increasing request ids and tracks
// in-flight calls.
type Correlator struct {
	mu      sync.Mutex
	nextID  int
	pending map[int]struct{}
}

// New creates a Correlator. Ids start above zero so they never collide with
// the gateway's "no request" sentinel (-1 or 0).
func New() *Correlator {
	return &Correlator{nextID: 1, pending: make(map[int]struct{})}
}

// PendingCount reports in-flight calls. Zero between cycles means no leaks.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) allocate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.pending[id] = struct{}{}
	return id
}

func (c *Correlator) release(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Call is one settle-once correlated request. It resolves exactly once, by
// event or by timeout, and runs every registered cleanup on resolution.
type Call[T any] struct {
	ID int

	c     *Correlator
	timer *time.Timer
	done  chan T

	mu       sync.Mutex
	settled  bool
	cleanups []func()
}

// Begin allocates an id and arms the timeout. A timeout of zero means
// DefaultTimeout.
func Begin[T any](c *Correlator, timeout time.Duration) *Call[T] {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	call := &Call[T]{
		ID:   c.allocate(),
		c:    c,
		done: make(chan T, 1),
	}
	call.timer = time.AfterFunc(timeout, func() {
		var zero T
		call.Settle(zero)
	})
	return call
}

// OnSettle registers a cleanup (typically a bus unsubscribe) to run when the
// call resolves. If the call already settled, the cleanup runs immediately.
func (l *Call[T]) OnSettle(cleanup func()) {
	l.mu.Lock()
	if l.settled {
		l.mu.Unlock()
		cleanup()
		return
	}
	l.cleanups = append(l.cleanups, cleanup)
	l.mu.Unlock()
}

// Settle resolves the call with v. Later settles are no-ops, so the event
// path and the timeout path can race safely.
func (l *Call[T]) Settle(v T) {
	l.mu.Lock()
	if l.settled {
		l.mu.Unlock()
		return
	}
	l.settled = true
	cleanups := l.cleanups
	l.cleanups = nil
	l.mu.Unlock()

	l.timer.Stop()
	for _, fn := range cleanups {
		fn()
	}
	l.c.release(l.ID)
	l.done <- v
}

// Wait blocks until the call settles or ctx is cancelled. Cancellation also
// settles the call so registered listeners are still removed.
func (l *Call[T]) Wait(ctx context.Context) (T, error) {
	select {
	case v := <-l.done:
		return v, nil
	case <-ctx.Done():
		var zero T
		l.Settle(zero)
		return zero, ctx.Err()
	}
}
