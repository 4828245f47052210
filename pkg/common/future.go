package common

import (
	"context"
	"errors"
	"sync"
)

var ErrFutureTimeout = errors.New("timed out waiting for a reply")

// Future is a write-once reply slot for submit-and-wait-for-reply exchanges.
// A request carries a Future; the processing side resolves it exactly once;
// the requesting side waits with a deadline. Resolving an already-resolved
// future is a no-op, so racy double-replies are harmless.
type Future[T any] struct {
	once sync.Once
	done chan struct{}

	value T
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) Resolve(value T) {
	f.once.Do(func() {
		f.value = value
		close(f.done)
	})
}

// Wait blocks until the future is resolved or the context expires.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ErrFutureTimeout
	}
}
