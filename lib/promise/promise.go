package promise

import (
	"context"
	"sync"
)

// Promise is a single-assignment cell. The first Set wins; every later Set is
// a no-op. Readers may wait on Done.
type Promise[T any] struct {
	once sync.Once
	done chan struct{}

	val T
}

func New[T any]() *Promise[T] {
	return &Promise[T]{
		done: make(chan struct{}),
	}
}

// Set stores v if the promise is still empty and reports whether it did.
func (p *Promise[T]) Set(v T) bool {
	return p.SetFunc(func() T { return v })
}

// SetFunc computes and stores a value if the promise is still empty. get runs
// at most once over the promise's lifetime; concurrent callers wait for it to
// return and then observe false.
func (p *Promise[T]) SetFunc(get func() T) bool {
	set := false
	p.once.Do(func() {
		p.val = get()
		set = true
		close(p.done)
	})
	return set
}

func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

func (p *Promise[T]) IsSet() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Peek returns the stored value, if any, without blocking.
func (p *Promise[T]) Peek() (T, bool) {
	select {
	case <-p.done:
		return p.val, true
	default:
		var zero T
		return zero, false
	}
}

// Wait blocks until the promise is set or ctx is done.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
