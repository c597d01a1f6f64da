package pool

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Handle is the caller's view of a submitted task. It settles exactly once.
type Handle struct {
	id     uint64
	done   chan struct{}
	once   sync.Once
	result interface{}
	err    error
}

func newHandle(id uint64) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// rejectedHandle is a handle that failed before a task existed
func rejectedHandle(err error) *Handle {
	h := newHandle(0)
	h.settle(nil, err)
	return h
}

// settle stores the outcome; later calls are ignored
func (h *Handle) settle(result interface{}, err error) bool {
	settled := false
	h.once.Do(func() {
		h.result, h.err = result, err
		close(h.done)
		settled = true
	})
	return settled
}

// ID returns the task id, or 0 when the submission was rejected up front
func (h *Handle) ID() uint64 { return h.id }

// Done is closed once the task settled
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome. It must only be called after Done is closed.
func (h *Handle) Result() (interface{}, error) {
	<-h.done
	return h.result, h.err
}

// Wait blocks until the task settles or ctx is done. Giving up on the wait
// does not cancel the task.
func (h *Handle) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// task is one queued unit of work. The queue holds pending and in-flight
// tasks alike; dispatched tells them apart.
type task struct {
	id         uint64
	payload    interface{}
	handle     *Handle
	dispatched bool
	slot       string
	submitted  time.Time
	span       trace.Span
}
