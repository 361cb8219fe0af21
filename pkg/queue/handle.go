package queue

import (
	"context"
	"sync"
)

// Handle is a one-shot completion handle for a submitted job.
//
// It is resolved exactly once, with a value, an error, or a cancellation.
// Resolution is idempotent (first writer wins) because a canceled caller
// scope can race with an in-flight attempt.
type Handle struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// NewHandle builds an unresolved handle. Most callers get handles from
// Manager.Submit; this is for runtimes (e.g. the scheduler) that resolve
// completion themselves.
func NewHandle() *Handle { return newHandle() }

// Resolve settles the handle. First writer wins; later calls are no-ops.
func (h *Handle) Resolve(value any, err error) { h.resolve(value, err) }

func (h *Handle) resolve(value any, err error) {
	h.once.Do(func() {
		h.value = value
		h.err = err
		close(h.done)
	})
}

// Done is closed once the job reached a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the terminal value and error.
// Before resolution it returns ErrNotResolved.
func (h *Handle) Result() (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	default:
		return nil, ErrNotResolved
	}
}

// Wait blocks until the job is resolved or ctx is canceled.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
