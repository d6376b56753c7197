// ============================================================================
// Job Manager - session-bound job scheduling
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
//
// Responsibilities:
//   1. validate that every Input belongs to this manager's session kind
//   2. register the Future before handing work to the pool, so queries
//      never miss a freshly scheduled job
//   3. run the callable on a worker with the job's run context installed,
//      restoring the worker slot afterwards
//   4. capture results, errors and panics into the Future
//   5. cancel by filter, and shut down with cooperative-first cancellation
//
// Concurrency:
//   - lifecycle (started/closed) is guarded by mu; Schedule holds the read
//     lock across register+submit, Shutdown takes the write lock to close,
//     so a job is either accepted and later cancelled/drained, or rejected
//   - the registry has its own RWMutex and is scanned from snapshots
//   - each Future serializes its own state transitions
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/sessionjobs/internal/runctx"
	"github.com/ChuLiYu/sessionjobs/internal/worker"
	"github.com/ChuLiYu/sessionjobs/pkg/types"
)

// Config sizes one job domain.
type Config struct {
	Workers         int           `yaml:"workers" env:"WORKERS"`
	QueueCapacity   int           `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	Retention       time.Duration `yaml:"retention" env:"RETENTION"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueCapacity:   0,
		Retention:       0,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Observer receives job counts. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	JobScheduled(kind types.SessionKind)
	JobRejected(kind types.SessionKind)
	JobFinished(kind types.SessionKind, state types.JobState, runtime time.Duration)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default() at construction.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithObserver registers a job observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// Manager schedules jobs of one session kind.
type Manager struct {
	kind      types.SessionKind
	config    Config
	pool      *worker.Pool
	reg       *registry
	log       *slog.Logger
	observers []Observer

	mu      sync.RWMutex
	started bool
	closed  bool

	seq       atomic.Uint64
	scheduled atomic.Uint64
	rejected  atomic.Uint64
	done      atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64

	stopCh       chan struct{}
	loopWg       sync.WaitGroup
	shutdownDone chan struct{}
	shutdownErr  error
}

// New creates a manager for sessions of kind. Zero config fields fall back
// to DefaultConfig.
func New(kind types.SessionKind, config Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	m := &Manager{
		kind:         kind,
		config:       config,
		reg:          newRegistry(config.Retention),
		log:          slog.Default(),
		stopCh:       make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("domain", string(kind))
	m.pool = worker.NewPool(string(kind), config.QueueCapacity, worker.WithLogger(m.log))
	return m
}

// Kind returns the session kind this manager accepts.
func (m *Manager) Kind() types.SessionKind { return m.kind }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.config }

// Start launches the workers and the retention reaper.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrRejected
	}
	if m.started {
		return errors.New("job manager already started")
	}
	if err := m.pool.Start(m.config.Workers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	if m.config.Retention > 0 {
		m.loopWg.Add(1)
		go m.reapLoop()
	}

	m.started = true
	m.log.Info("Job manager started",
		"workers", m.pool.GetWorkerCount(),
		"queue_capacity", m.config.QueueCapacity,
		"retention", m.config.Retention)
	return nil
}

// Schedule registers a job and hands it to the worker pool. It returns as
// soon as the job is queued; the Future is visible to Futures and Cancel
// before the callable can start. The job inherits a copy of the ambient
// run context of ctx, overridden by the run-context fields of in.
func Schedule[V any](ctx context.Context, m *Manager, in Input, fn Callable[V]) (*Future[V], error) {
	if err := in.validate(m.kind); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: no callable", ErrInvalidInput)
	}

	rc := in.runContext(runctx.Current(ctx))

	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.started || m.closed {
		m.reject(in, "manager not running")
		return nil, ErrRejected
	}

	f := newFuture[V](m.seq.Add(1), in, rc, m.onFinish)
	m.reg.add(f)

	err := m.pool.Submit(worker.Task{
		Name:     in.name,
		Priority: in.priority,
		Run: func(wctx context.Context, w *worker.Worker) {
			execute(wctx, w, f, fn)
		},
	})
	if err != nil {
		if f.withdraw() {
			m.reg.remove(f)
			m.reject(in, err.Error())
			return nil, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		// a concurrent Cancel finished f first; it stays an accepted job
	}

	m.scheduled.Add(1)
	for _, o := range m.observers {
		o.JobScheduled(m.kind)
	}
	m.log.Debug("Job scheduled",
		"job_id", in.id,
		"name", in.name,
		"session", in.sessionID(),
		"priority", in.priority)
	return f, nil
}

// Run schedules a job and waits for its result. timeout <= 0 waits without
// limit.
func Run[V any](ctx context.Context, m *Manager, in Input, fn Callable[V], timeout time.Duration) (V, error) {
	f, err := Schedule(ctx, m, in, fn)
	if err != nil {
		var zero V
		return zero, err
	}
	return AwaitDone(f, timeout)
}

// execute runs on a worker goroutine.
func execute[V any](wctx context.Context, w *worker.Worker, f *Future[V], fn Callable[V]) {
	ctx, interrupt := context.WithCancel(wctx)
	defer interrupt()

	if !f.start(interrupt, w.Name()) {
		return
	}

	restore := w.Slot().Install(f.rc)
	defer restore()

	ctx = runctx.Into(ctx, f.rc)
	ctx = context.WithValue(ctx, monitorKey{}, Handle(f))

	v, err := call(ctx, fn)
	f.complete(v, err)
}

func call[V any](ctx context.Context, fn Callable[V]) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

func (m *Manager) reject(in Input, reason string) {
	m.rejected.Add(1)
	for _, o := range m.observers {
		o.JobRejected(m.kind)
	}
	m.log.Debug("Job rejected", "job_id", in.id, "name", in.name, "reason", reason)
}

func (m *Manager) onFinish(h Handle) {
	state := h.State()
	switch state {
	case types.StateDone:
		m.done.Add(1)
	case types.StateFailed:
		m.failed.Add(1)
	case types.StateCancelled:
		m.cancelled.Add(1)
	}
	m.reg.finished(h)

	var runtime time.Duration
	if started := h.StartedAt(); !started.IsZero() {
		runtime = h.EndedAt().Sub(started)
	}
	for _, o := range m.observers {
		o.JobFinished(m.kind, state, runtime)
	}

	in := h.Input()
	if state == types.StateFailed {
		attrs := []any{"job_id", in.ID(), "name", in.Name(), "worker", h.Worker(), "error", h.Err()}
		var pe *PanicError
		if errors.As(h.Err(), &pe) {
			attrs = append(attrs, "stack", string(pe.Stack))
		}
		m.log.Warn("Job failed", attrs...)
		return
	}
	m.log.Debug("Job finished",
		"job_id", in.ID(),
		"name", in.Name(),
		"state", string(state),
		"duration", runtime)
}

// Cancel cancels every future accepted by filter and returns how many were
// affected. Pending jobs become CANCELLED and never start. Running jobs are
// flagged; with interruptIfRunning their context is cancelled as well.
// Terminal futures are skipped and not counted.
func (m *Manager) Cancel(filter Filter, interruptIfRunning bool) int {
	n := 0
	for _, h := range m.reg.snapshot(filter) {
		if h.cancel(interruptIfRunning) {
			n++
		}
	}
	if n > 0 {
		m.log.Debug("Jobs cancelled", "count", n, "interrupt", interruptIfRunning)
	}
	return n
}

// Futures returns the registered futures accepted by filter, in scheduling
// order. It never waits for jobs.
func (m *Manager) Futures(filter Filter) []Handle {
	return m.reg.snapshot(filter)
}

// Stats returns the job counters of this domain.
func (m *Manager) Stats() types.Stats {
	pending, running := m.reg.counts()
	return types.Stats{
		Domain:    m.kind,
		Scheduled: m.scheduled.Load(),
		Rejected:  m.rejected.Load(),
		Done:      m.done.Load(),
		Failed:    m.failed.Load(),
		Cancelled: m.cancelled.Load(),
		Pending:   pending,
		Running:   running,
	}
}

// IsShutdown reports whether Shutdown has been called.
func (m *Manager) IsShutdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Shutdown stops accepting jobs, requests cancellation of every pending and
// running job and waits up to timeout for the workers to drain. Workers
// still busy afterwards are interrupted and ErrTimeout is returned.
// timeout <= 0 uses Config.ShutdownTimeout. Concurrent and repeated calls
// wait for the first one and return its result.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.shutdownDone
		return m.shutdownErr
	}
	m.closed = true
	m.mu.Unlock()

	if timeout <= 0 {
		timeout = m.config.ShutdownTimeout
	}
	m.log.Info("Shutting down job manager", "timeout", timeout)

	cancelled := m.Cancel(Any(), false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if stopErr := m.pool.Stop(ctx); stopErr != nil {
		if errors.Is(stopErr, worker.ErrStopTimeout) {
			err = fmt.Errorf("%w: workers interrupted after %s", ErrTimeout, timeout)
		} else {
			err = stopErr
		}
	}

	close(m.stopCh)
	m.loopWg.Wait()

	m.shutdownErr = err
	close(m.shutdownDone)

	m.log.Info("Job manager stopped",
		"cancelled", cancelled,
		"remaining", m.reg.len(),
		"error", err)
	return err
}

func (m *Manager) reapLoop() {
	defer m.loopWg.Done()

	interval := m.config.Retention / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			if n := m.reg.reap(now); n > 0 {
				m.log.Debug("Reaped finished jobs", "count", n)
			}
		}
	}
}
