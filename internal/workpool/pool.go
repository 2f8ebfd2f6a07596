// Package workpool runs preparation jobs on a fixed set of supervised
// goroutines reading a bounded queue. Results come back as futures so a
// consumer can start work ahead of time and still collect it in order.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	rtsup "roomrelay/internal/runtime/supervisor"
	logx "roomrelay/pkg/logx"
)

var ErrStopped = errors.New("worker pool stopped")

// Func is one unit of work.
type Func func(ctx context.Context) (any, error)

// Future is the pending result of a submitted Func.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

// Resolved returns a completed future.
func Resolved(v any, err error) *Future {
	f := newFuture()
	f.resolve(v, err)
	return f
}

func (f *Future) resolve(v any, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Wait blocks until the job finished or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

type job struct {
	ctx context.Context
	fn  Func
	fut *Future
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Active    int64  `json:"active"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

type Pool struct {
	name    string
	workers int
	log     logx.Logger

	mu        sync.Mutex
	queue     chan job
	sup       *rtsup.Supervisor
	accepting bool
	submitWG  sync.WaitGroup

	active    atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
}

func New(name string, workers, queueSize int, log logx.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{name: name, workers: workers, log: log, queue: make(chan job, queueSize)}
}

// Start launches the workers. It is idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil {
		return
	}
	p.accepting = true
	p.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(p.log.With(logx.String("pool", p.name))),
		rtsup.WithCancelOnError(false),
	)
	q := p.queue
	for i := 0; i < p.workers; i++ {
		p.sup.GoRestart(fmt.Sprintf("%s.worker.%d", p.name, i), func(c context.Context) error {
			p.loop(c, q)
			return nil
		})
	}
}

func (p *Pool) loop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			p.run(j)
		}
	}
}

func (p *Pool) run(j job) {
	if err := j.ctx.Err(); err != nil {
		j.fut.resolve(nil, err)
		p.failed.Add(1)
		return
	}
	p.active.Add(1)
	defer p.active.Add(-1)

	var (
		v   any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				p.log.Error("job panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		v, err = j.fn(j.ctx)
	}()
	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	j.fut.resolve(v, err)
}

// Submit queues fn and returns its future. When the queue is full Submit
// waits for room or for ctx; a cancelled or stopped submit yields a future
// already resolved with the error.
func (p *Pool) Submit(ctx context.Context, fn Func) *Future {
	p.mu.Lock()
	if !p.accepting {
		p.mu.Unlock()
		return Resolved(nil, ErrStopped)
	}
	q := p.queue
	p.submitWG.Add(1)
	p.mu.Unlock()
	defer p.submitWG.Done()

	f := newFuture()
	select {
	case q <- job{ctx: ctx, fn: fn, fut: f}:
		return f
	case <-ctx.Done():
		return Resolved(nil, ctx.Err())
	}
}

// Stop stops intake, lets workers drain the queue, and waits until they
// exit or ctx is done. Jobs still queued at the deadline are resolved with
// ErrStopped.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	sup := p.sup
	if sup == nil || !p.accepting {
		p.mu.Unlock()
		return
	}
	p.accepting = false
	q := p.queue
	p.mu.Unlock()

	p.submitWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		for j := range q {
			j.fut.resolve(nil, ErrStopped)
		}
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Queued:    len(p.queue),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}
