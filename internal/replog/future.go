package replog

import (
	"context"
	"sync"
)

// Future is a one-shot promise. It is resolved exactly once, either with a value or with an error, and never goes
// back to pending. The zero value is not usable, use NewFuture.
type Future[T any] struct {
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	value    T
	err      error
	onCancel func()
	stopCtx  func() bool
}

// NewFuture returns a pending future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// ResolvedFuture returns a future that is already resolved with v.
func ResolvedFuture[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v)
	return f
}

// FailedFuture returns a future that is already resolved with err.
func FailedFuture[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Fail(err)
	return f
}

// Resolve completes the future with v. It reports whether this call resolved the future.
func (f *Future[T]) Resolve(v T) bool {
	return f.complete(v, nil)
}

// Fail completes the future with err. It reports whether this call resolved the future.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.complete(zero, err)
}

func (f *Future[T]) complete(v T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.mu.Lock()
		f.value, f.err = v, err
		stop := f.stopCtx
		f.onCancel, f.stopCtx = nil, nil
		f.mu.Unlock()

		if stop != nil {
			stop()
		}
		close(f.done)
		resolved = true
	})
	return resolved
}

// OnCancel registers fn to run when the future is cancelled by its consumer, either through Cancel or because the
// context passed to CancelWhen is done. It is used by registries to drop the registration.
func (f *Future[T]) OnCancel(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCancel = fn
}

// CancelWhen cancels the future with ctx.Err() once ctx is done.
func (f *Future[T]) CancelWhen(ctx context.Context) {
	if ctx == nil || ctx.Done() == nil {
		return
	}
	stop := context.AfterFunc(ctx, func() { f.cancel(ctx.Err()) })

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Ready() {
		stop()
		return
	}
	f.stopCtx = stop
}

// Cancel resolves a pending future with context.Canceled and removes its registration.
func (f *Future[T]) Cancel() {
	f.cancel(context.Canceled)
}

func (f *Future[T]) cancel(err error) {
	f.mu.Lock()
	hook := f.onCancel
	f.mu.Unlock()

	if f.Fail(err) && hook != nil {
		hook()
	}
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the future is resolved.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome of a resolved future. ok is false while the future is pending.
func (f *Future[T]) Result() (value T, err error, ok bool) {
	if !f.Ready() {
		return value, nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, true
}

// Get blocks until the future is resolved or ctx is done. A done ctx does not cancel the future.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		v, err, _ := f.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
