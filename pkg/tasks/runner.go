// Package tasks runs side-effectful bookkeeping that must never block or fail
// the request that initiated it: last-used stamps, abuse reports, event
// fan-out. Failures are logged on the runner's own channel and never
// propagate.
package tasks

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	defaultQueueSize   = 256
	defaultTaskTimeout = 5 * time.Second
)

type task struct {
	name string
	fn   func(context.Context) error
}

type Runner struct {
	queue   chan task
	logger  *slog.Logger
	timeout time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}

	mu      sync.Mutex
	pending sync.WaitGroup
	closed  bool
}

type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithQueueSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.queue = make(chan task, n)
		}
	}
}

func WithTaskTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewRunner(workers int, opts ...Option) *Runner {
	if workers <= 0 {
		workers = 1
	}
	r := &Runner{
		queue:   make(chan task, defaultQueueSize),
		logger:  slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		timeout: defaultTaskTimeout,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
	return r
}

// Submit enqueues a task without blocking. Returns false when the queue is
// full or the runner is closed; the caller treats that as a logged loss, not
// an error.
func (r *Runner) Submit(name string, fn func(context.Context) error) bool {
	if fn == nil {
		return false
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.pending.Add(1)
	r.mu.Unlock()
	select {
	case r.queue <- task{name: name, fn: fn}:
		return true
	default:
		r.pending.Done()
		r.logger.Warn("task dropped, queue full", "task", name)
		return false
	}
}

// Drain blocks until every submitted task has finished. Test hook.
func (r *Runner) Drain() {
	r.pending.Wait()
}

// Close stops accepting work, waits for in-flight tasks and shuts the
// workers down.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.pending.Wait()
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Runner) work() {
	defer r.wg.Done()
	for {
		select {
		case t := <-r.queue:
			r.run(t)
		case <-r.stop:
			// Flush whatever is still queued before exiting.
			for {
				select {
				case t := <-r.queue:
					r.run(t)
				default:
					return
				}
			}
		}
	}
}

func (r *Runner) run(t task) {
	defer r.pending.Done()
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task panic", "task", t.name, "panic", rec)
		}
	}()
	if err := t.fn(ctx); err != nil {
		r.logger.Error("task failed", "task", t.name, "error", err)
	}
}
