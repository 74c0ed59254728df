package dispatcher

import (
	"context"
	"sync"
)

// Future holds the outcome of one queued task. It settles exactly once.
type Future struct {
	id    uint64
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newFuture(id uint64) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// TaskID is the queue-assigned id of the task.
func (f *Future) TaskID() uint64 { return f.id }

func (f *Future) Done() <-chan struct{} { return f.done }

// Result blocks until the task settles.
func (f *Future) Result() (any, error) {
	<-f.done
	return f.value, f.err
}

// Wait blocks until the task settles or ctx is done. Giving up waiting does
// not remove the task from the queue.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) settle(value any, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}
