package dispatch

import (
	"context"
	"sync"
)

const defaultBuffer = 64

// Local dispatches over a buffered channel within the process.
type Local struct {
	ch        chan Request
	done      chan struct{}
	closeOnce sync.Once
}

// NewLocal creates a local dispatcher. A non-positive buffer selects the default.
func NewLocal(buffer int) *Local {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Local{
		ch:   make(chan Request, buffer),
		done: make(chan struct{}),
	}
}

// Dispatch enqueues req without waiting. ErrFull means the buffer has no
// room; the job stays queued in the store for the next sweep.
func (l *Local) Dispatch(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	select {
	case l.ch <- req:
		DispatchedTotal.WithLabelValues("local").Inc()
		return nil
	default:
		DroppedTotal.Inc()
		return ErrFull
	}
}

// Run receives requests until ctx ends or the dispatcher closes.
func (l *Local) Run(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return ErrClosed
		case req := <-l.ch:
			handler(ctx, req)
		}
	}
}

// Close stops every Run loop.
func (l *Local) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
