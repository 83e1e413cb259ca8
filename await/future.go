package await

import (
	"context"
	"sync"
)

// Future is a manually created pending-result handle. It starts pending and
// is completed exactly once by Resolve or Reject; later completions are
// no-ops. Continuations registered with OnComplete may fire on arbitrary
// goroutines.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	value     any
	err       error
	completed bool
	callbacks []func()
}

// NewFuture returns a pending Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve completes the future with a value.
func (f *Future) Resolve(v any) {
	f.complete(v, nil)
}

// Reject completes the future with an error.
func (f *Future) Reject(err error) {
	f.complete(nil, err)
}

func (f *Future) complete(v any, err error) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}
	f.completed = true
	f.value = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// Done reports whether the future has completed.
func (f *Future) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// Result returns the value or error. Before completion both are zero.
func (f *Future) Result() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// OnComplete registers a continuation. If the future has already completed
// the continuation runs synchronously on the calling goroutine.
func (f *Future) OnComplete(fn func()) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		fn()
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Wait blocks until the future completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
