// ============================================================================
// Worker Pool - bounded set of named workers over a priority queue
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
//
// Design:
//   ┌────────────┐  Submit   ┌──────────────┐  next()  ┌──────────┐
//   │  Manager   │ ────────> │ priority heap│ ───────> │ Worker N │
//   └────────────┘           └──────────────┘          └──────────┘
//
//   - One task runs per worker at a time; surplus tasks wait in the queue.
//   - Queue order: higher Priority first, admission order among equals.
//   - capacity > 0 bounds the queue; a full queue rejects with
//     ErrPoolSaturated. capacity == 0 means unbounded.
//
// Shutdown:
//   Stop(ctx) refuses new tasks, lets workers drain what is queued and
//   waits for them. If ctx ends first, every worker context is cancelled
//   (forced interruption) and ErrStopTimeout is returned. Goroutines cannot
//   be killed, so tasks are expected to observe their context.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolSaturated is returned when a bounded queue is full.
	ErrPoolSaturated = errors.New("worker pool queue is full")
	// ErrStopTimeout is returned by Stop when workers had to be interrupted.
	ErrStopTimeout = errors.New("worker pool stop timed out")
)

// Pool schedules tasks onto a fixed number of workers.
type Pool struct {
	name     string
	capacity int
	log      *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   taskQueue
	seq     uint64
	workers []*Worker
	busy    int
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// NewPool creates a pool named name whose queue holds at most capacity
// waiting tasks (0 = unbounded).
func NewPool(name string, capacity int, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:     name,
		capacity: capacity,
		log:      slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("pool", name)
	return p
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount < 1 {
		return errors.New("pool needs at least one worker")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(p.ctx)
		}()
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	p.started = true
	p.log.Debug("Worker pool started", "workers", workerCount)
	return nil
}

// Submit queues task for execution.
func (p *Pool) Submit(task Task) error {
	if task.Run == nil {
		return errors.New("task has no Run function")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if p.capacity > 0 && len(p.queue) >= p.capacity {
		return ErrPoolSaturated
	}

	p.seq++
	task.seq = p.seq
	p.queue.push(task)
	p.cond.Signal()
	return nil
}

// next blocks until a task is available. It returns false once the pool is
// stopped and the queue is empty.
func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return Task{}, false
	}
	p.busy++
	return p.queue.pop(), true
}

func (p *Pool) release() {
	p.mu.Lock()
	p.busy--
	p.mu.Unlock()
}

// Stop refuses new tasks and waits for queued and running tasks to finish.
// When ctx ends first the workers are interrupted and ErrStopTimeout is
// returned. Stop is idempotent.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		if !p.stopped {
			p.stopped = true
			close(p.done)
		}
		p.mu.Unlock()
		p.cancel()
		return nil
	}
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.log.Warn("Interrupting workers", "busy", p.Stats().Busy)
		p.cancel()
		return ErrStopTimeout
	}
}

// Done is closed once every worker has exited.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// isStarted reports whether Start has succeeded.
func (p *Pool) isStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Stats returns worker, busy and queued counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers: len(p.workers),
		Busy:    p.busy,
		Queued:  len(p.queue),
	}
}
