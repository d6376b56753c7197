package jobmanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/sessionjobs/internal/runctx"
	"github.com/ChuLiYu/sessionjobs/pkg/types"
)

// Callable is the body of a job. ctx carries the job's run context and is
// cancelled when an interrupting cancel reaches the running job.
type Callable[V any] func(ctx context.Context) (V, error)

// Handle is the type-erased view of a Future used by filters, queries and
// bulk cancellation.
type Handle interface {
	Input() Input
	State() types.JobState
	CancellationRequested() bool
	Done() <-chan struct{}
	Err() error
	RunContext() *runctx.Context
	Worker() string
	ScheduledAt() time.Time
	StartedAt() time.Time
	EndedAt() time.Time

	seqNo() uint64
	cancel(interrupt bool) bool
}

// Future tracks one scheduled job.
type Future[V any] struct {
	seq   uint64
	input Input
	rc    *runctx.Context

	state           atomic.Value // types.JobState
	cancelRequested atomic.Bool
	done            chan struct{}

	mu          sync.Mutex // guards everything below and state transitions
	interrupt   context.CancelFunc
	worker      string
	result      V
	err         error
	scheduledAt time.Time
	startedAt   time.Time
	endedAt     time.Time

	onFinish func(Handle)
}

func newFuture[V any](seq uint64, in Input, rc *runctx.Context, onFinish func(Handle)) *Future[V] {
	f := &Future[V]{
		seq:         seq,
		input:       in,
		rc:          rc,
		done:        make(chan struct{}),
		scheduledAt: time.Now(),
		onFinish:    onFinish,
	}
	f.state.Store(types.StatePending)
	return f
}

// Input returns the job input the future was scheduled with.
func (f *Future[V]) Input() Input { return f.input }

// State returns the current state without blocking.
func (f *Future[V]) State() types.JobState { return f.state.Load().(types.JobState) }

// CancellationRequested reports whether a cancel reached the job.
func (f *Future[V]) CancellationRequested() bool { return f.cancelRequested.Load() }

// Done is closed when the future reaches a terminal state.
func (f *Future[V]) Done() <-chan struct{} { return f.done }

// RunContext returns the context installed while the job runs.
func (f *Future[V]) RunContext() *runctx.Context { return f.rc }

func (f *Future[V]) seqNo() uint64 { return f.seq }

// Err returns the recorded failure: nil unless FAILED or CANCELLED.
func (f *Future[V]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Worker returns the name of the worker that ran the job, empty if it
// never started.
func (f *Future[V]) Worker() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.worker
}

func (f *Future[V]) ScheduledAt() time.Time {
	return f.scheduledAt
}

func (f *Future[V]) StartedAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startedAt
}

func (f *Future[V]) EndedAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endedAt
}

// Poll returns the outcome if the job is terminal. ok is false while the
// job is still pending or running.
func (f *Future[V]) Poll() (v V, ok bool, err error) {
	select {
	case <-f.done:
	default:
		return v, false, nil
	}
	v, err = f.outcome()
	return v, true, err
}

// Await blocks until the job is terminal or ctx ends. A ctx error is
// reported as ErrTimeout.
func (f *Future[V]) Await(ctx context.Context) (V, error) {
	select {
	case <-f.done:
		return f.outcome()
	case <-ctx.Done():
		var zero V
		return zero, errors.Join(ErrTimeout, ctx.Err())
	}
}

func (f *Future[V]) outcome() (V, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var zero V
	switch f.State() {
	case types.StateDone:
		return f.result, nil
	case types.StateCancelled:
		return zero, ErrCancelled
	default:
		return zero, &ExecutionError{
			JobID:   f.input.id,
			Name:    f.input.name,
			Session: f.input.sessionID(),
			Err:     f.err,
		}
	}
}

// start moves PENDING to RUNNING. It fails if the job was cancelled first,
// in which case the callable must not be entered.
func (f *Future[V]) start(interrupt context.CancelFunc, worker string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.State() != types.StatePending {
		return false
	}
	f.interrupt = interrupt
	f.worker = worker
	f.startedAt = time.Now()
	f.state.Store(types.StateRunning)
	return true
}

// complete records the callable outcome of a running job.
func (f *Future[V]) complete(v V, err error) {
	state := types.StateDone
	if err != nil {
		state = types.StateFailed
		if f.cancelRequested.Load() && (errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled)) {
			state = types.StateCancelled
			err = ErrCancelled
		}
	}
	f.finish(types.StateRunning, state, v, err)
}

// finish performs the terminal transition from "from". Only the first
// caller wins; later attempts are no-ops.
func (f *Future[V]) finish(from, to types.JobState, v V, err error) bool {
	f.mu.Lock()
	if f.State() != from {
		f.mu.Unlock()
		return false
	}
	f.terminateLocked(to, v, err)
	f.mu.Unlock()

	f.publish()
	return true
}

func (f *Future[V]) terminateLocked(to types.JobState, v V, err error) {
	f.result = v
	f.err = err
	f.endedAt = time.Now()
	f.interrupt = nil
	f.state.Store(to)
}

// publish runs the finish hook before releasing waiters, so counters and
// the registry are up to date once Done is closed.
func (f *Future[V]) publish() {
	if f.onFinish != nil {
		f.onFinish(f)
	}
	close(f.done)
}

// cancel requests cancellation. A pending job becomes CANCELLED right away;
// a running job is flagged and, with interrupt, has its context cancelled.
// It reports whether this call affected the job.
func (f *Future[V]) cancel(interrupt bool) bool {
	f.mu.Lock()
	switch f.State() {
	case types.StatePending:
		var zero V
		f.cancelRequested.Store(true)
		f.terminateLocked(types.StateCancelled, zero, ErrCancelled)
		f.mu.Unlock()
		f.publish()
		return true

	case types.StateRunning:
		first := f.cancelRequested.CompareAndSwap(false, true)
		if interrupt && f.interrupt != nil {
			f.interrupt()
		}
		f.mu.Unlock()
		return first

	default:
		f.mu.Unlock()
		return false
	}
}

// withdraw ends a future whose task never reached the pool. It closes Done
// without running the finish hook, so nothing is counted. It fails if a
// concurrent cancel already finished the future.
func (f *Future[V]) withdraw() bool {
	f.mu.Lock()
	if f.State() != types.StatePending {
		f.mu.Unlock()
		return false
	}
	var zero V
	f.terminateLocked(types.StateCancelled, zero, ErrRejected)
	f.mu.Unlock()

	close(f.done)
	return true
}

// AwaitDone blocks until f is terminal or timeout elapses. timeout <= 0
// waits without limit. It returns the job result, ErrTimeout, ErrCancelled
// or an *ExecutionError wrapping the job failure.
func AwaitDone[V any](f *Future[V], timeout time.Duration) (V, error) {
	if timeout <= 0 {
		return f.Await(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return f.Await(ctx)
}

type monitorKey struct{}

// IsCancelled reports whether the job running with ctx was asked to stop,
// either cooperatively or by interruption. Callables poll it at safe points.
func IsCancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	h, ok := ctx.Value(monitorKey{}).(Handle)
	return ok && h.CancellationRequested()
}

// CurrentJob returns the handle of the job running with ctx, or nil.
func CurrentJob(ctx context.Context) Handle {
	h, _ := ctx.Value(monitorKey{}).(Handle)
	return h
}
