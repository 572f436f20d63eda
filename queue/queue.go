// Package queue serializes engine state mutations onto a single goroutine.
// It is the coordinating context of the engine: bus, binding and playback
// state are only ever touched from operations applied by the queue worker.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned when enqueueing onto a queue that has been closed.
var ErrClosed = errors.New("queue closed")

// Op is a state mutation. It should be quick and non-blocking; any heavy work
// (file decode, archive I/O) belongs on a worker goroutine that enqueues its
// result. It receives a context that is canceled on shutdown.
type Op interface {
	Apply(ctx context.Context) error
}

// Func adapts a function into an Op.
type Func func(ctx context.Context) error

func (f Func) Apply(ctx context.Context) error { return f(ctx) }

// Queue applies operations in order on one worker goroutine.
type Queue struct {
	ch     chan Op
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	log       *slog.Logger
	onError   func(error)

	// ops slower than this are reported; they stall every other mutation
	slowOp time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for slow-op reports.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// WithErrorHandler receives errors returned by enqueued (fire-and-forget) ops.
func WithErrorHandler(fn func(error)) Option {
	return func(q *Queue) { q.onError = fn }
}

// WithSlowOpThreshold changes the duration after which an op is logged as slow.
func WithSlowOpThreshold(d time.Duration) Option {
	return func(q *Queue) { q.slowOp = d }
}

// New creates a queue with a fixed buffer.
func New(buffer int, opts ...Option) *Queue {
	if buffer <= 0 {
		buffer = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		ch:     make(chan Op, buffer),
		ctx:    ctx,
		cancel: cancel,
		log:    slog.Default(),
		slowOp: 300 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start begins the worker goroutine. Safe to call multiple times.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		q.wg.Add(1)
		go q.loop()
	})
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			// drain outstanding ops best-effort
			for {
				select {
				case op := <-q.ch:
					q.apply(op)
				default:
					return
				}
			}
		case op := <-q.ch:
			q.apply(op)
		}
	}
}

func (q *Queue) apply(op Op) {
	if op == nil {
		return
	}
	start := time.Now()
	err := op.Apply(q.ctx)
	if d := time.Since(start); d > q.slowOp {
		q.log.Warn("queue op exceeded target duration", "duration", d, "target", q.slowOp)
	}
	if err != nil && q.onError != nil {
		q.onError(err)
	}
}

// Enqueue adds an operation to the queue without waiting for it to run.
func (q *Queue) Enqueue(op Op) error {
	if q == nil || q.ch == nil {
		return errors.New("queue not initialized")
	}
	select {
	case <-q.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case q.ch <- op:
		return nil
	case <-q.ctx.Done():
		return ErrClosed
	}
}

// Go is shorthand for enqueueing a function that cannot fail.
func (q *Queue) Go(fn func()) error {
	return q.Enqueue(Func(func(context.Context) error {
		fn()
		return nil
	}))
}

// RunSync enqueues fn and waits for it to complete, returning its error.
// It must not be called from inside an op: the worker would wait on itself.
func (q *Queue) RunSync(fn Func) error {
	done := make(chan error, 1)
	if err := q.Enqueue(Func(func(ctx context.Context) error {
		err := fn(ctx)
		done <- err
		return nil
	})); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-q.ctx.Done():
		// the op may still have run during the drain
		select {
		case err := <-done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close stops the worker and waits for it to finish.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.cancel()
	q.wg.Wait()
}
