// Package queue implements the per-session ordered task queue. Every inbound
// signaling event and every user intent of one session runs on the queue's
// single goroutine, one at a time, in push order.
package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/voiceclient/internal/core"
)

type Task func(ctx context.Context) error

type item struct {
	label string
	fn    Task
}

// Queue is an unbounded FIFO drained by one goroutine. Push never blocks, so
// the transport read pump can hand events over without waiting on handlers.
type Queue struct {
	name   string
	logger zerolog.Logger

	mu     sync.Mutex
	items  []item
	closed bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(name string, logger zerolog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:   name,
		logger: logger.With().Str("queue", name).Logger(),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Push appends a task. It returns false once the queue is closed; the task is
// then dropped.
func (q *Queue) Push(label string, fn Task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Debug().Str("task", label).Msg("queue closed, task dropped")
		return false
	}
	q.items = append(q.items, item{label: label, fn: fn})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Do pushes fn and waits for its result. Calling Do from inside a task of the
// same queue deadlocks.
func (q *Queue) Do(ctx context.Context, label string, fn Task) error {
	res := make(chan error, 1)
	ok := q.Push(label, func(tctx context.Context) error {
		err := runCaught(tctx, fn)
		res <- err
		return err
	})
	if !ok {
		return core.ErrSessionClosed
	}
	select {
	case err := <-res:
		return err
	case <-q.done:
		select {
		case err := <-res:
			return err
		default:
			return core.ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until every task pushed before it has run.
func (q *Queue) Sync(ctx context.Context) error {
	return q.Do(ctx, "sync", func(context.Context) error { return nil })
}

// Close stops the queue after the running task and drops pending ones. It is
// safe to call from inside a task.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := len(q.items)
	q.items = nil
	q.mu.Unlock()
	q.cancel()
	q.logger.Debug().Int("dropped", dropped).Msg("queue closed")
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Done is closed when the worker goroutine has exited.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
			case <-q.ctx.Done():
			}
			continue
		}
		it := q.items[0]
		q.items[0] = item{}
		q.items = q.items[1:]
		q.mu.Unlock()

		if err := runCaught(q.ctx, it.fn); err != nil {
			q.logger.Error().Err(err).Str("task", it.label).Msg("task failed")
		}
	}
}

func runCaught(ctx context.Context, fn Task) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = fn(ctx) })
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}
