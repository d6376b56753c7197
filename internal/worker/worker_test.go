package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, priority ordering, panic recovery
// and graceful / forced shutdown
// ============================================================================

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/sessionjobs/internal/runctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stopPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool("test", 10)
	assert.NotNil(t, pool)
	assert.Equal(t, "test", pool.Name())
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.isStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool("test", 10)

	err := pool.Start(8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.isStarted())

	// Try to start again
	err = pool.Start(4)
	assert.Error(t, err)

	stopPool(t, pool)
}

func TestPoolStartRequiresWorkers(t *testing.T) {
	pool := NewPool("test", 0)
	assert.Error(t, pool.Start(0))
}

// TestWorkerExecution tests every submitted task runs exactly once
func TestWorkerExecution(t *testing.T) {
	pool := NewPool("test", 0)
	require.NoError(t, pool.Start(3))

	taskCount := 50
	var ran sync.Map
	var wg sync.WaitGroup
	wg.Add(taskCount)

	for i := 0; i < taskCount; i++ {
		name := fmt.Sprintf("task-%d", i)
		err := pool.Submit(Task{
			Name: name,
			Run: func(ctx context.Context, w *Worker) {
				defer wg.Done()
				_, dup := ran.LoadOrStore(name, w.Name())
				assert.False(t, dup, "task %s ran twice", name)
			},
		})
		require.NoError(t, err)
	}

	wg.Wait()

	count := 0
	ran.Range(func(_, _ any) bool {
		count++
		return true
	})
	assert.Equal(t, taskCount, count)

	stopPool(t, pool)
}

func TestWorkerNames(t *testing.T) {
	pool := NewPool("server", 0)
	require.NoError(t, pool.Start(1))

	names := make(chan string, 1)
	require.NoError(t, pool.Submit(Task{Run: func(ctx context.Context, w *Worker) {
		names <- w.Name()
	}}))

	assert.Equal(t, "server-worker-0", <-names)
	stopPool(t, pool)
}

// ============================================================================
// Ordering Tests
// ============================================================================

// TestPriorityOrder blocks the single worker, queues tasks with mixed
// priorities and checks they run highest first, FIFO among equals.
func TestPriorityOrder(t *testing.T) {
	pool := NewPool("test", 0)
	require.NoError(t, pool.Start(1))

	gate := make(chan struct{})
	require.NoError(t, pool.Submit(Task{Name: "gate", Run: func(ctx context.Context, w *Worker) {
		<-gate
	}}))

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	submit := func(name string, prio int) {
		wg.Add(1)
		require.NoError(t, pool.Submit(Task{Name: name, Priority: prio, Run: func(ctx context.Context, w *Worker) {
			defer wg.Done()
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}}))
	}

	// Wait until the gate task occupies the worker
	require.Eventually(t, func() bool { return pool.Stats().Busy == 1 }, time.Second, time.Millisecond)

	submit("low-1", 0)
	submit("high-1", 5)
	submit("low-2", 0)
	submit("high-2", 5)
	submit("mid", 1)

	close(gate)
	wg.Wait()

	assert.Equal(t, []string{"high-1", "high-2", "mid", "low-1", "low-2"}, order)
	stopPool(t, pool)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrency checks that K workers execute K tasks in parallel
func TestConcurrency(t *testing.T) {
	pool := NewPool("test", 0)
	workerCount := 4
	require.NoError(t, pool.Start(workerCount))

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	taskCount := 12
	wg.Add(taskCount)

	start := time.Now()
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(Task{Run: func(ctx context.Context, w *Worker) {
			defer wg.Done()
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			active.Add(-1)
		}}))
	}
	wg.Wait()
	duration := time.Since(start)

	assert.Equal(t, int32(workerCount), peak.Load())
	// 3 batches of 30ms; serial would be 360ms
	assert.Less(t, duration, 300*time.Millisecond)
	t.Logf("Processed %d tasks in %v with %d workers", taskCount, duration, workerCount)

	stopPool(t, pool)
}

// TestConcurrentSubmit tests concurrent task submission
func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool("test", 0)
	require.NoError(t, pool.Start(4))

	taskCount := 50
	var executed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(taskCount)

	for i := 0; i < taskCount; i++ {
		go func() {
			err := pool.Submit(Task{Run: func(ctx context.Context, w *Worker) {
				executed.Add(1)
				wg.Done()
			}})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(taskCount), executed.Load())
	stopPool(t, pool)
}

// ============================================================================
// Failure Handling Tests
// ============================================================================

// TestPanicDoesNotKillWorker checks a panicking task leaves the worker usable
func TestPanicDoesNotKillWorker(t *testing.T) {
	pool := NewPool("test", 0)
	require.NoError(t, pool.Start(1))

	require.NoError(t, pool.Submit(Task{Name: "panics", Run: func(ctx context.Context, w *Worker) {
		panic("boom")
	}}))

	done := make(chan struct{})
	require.NoError(t, pool.Submit(Task{Name: "after", Run: func(ctx context.Context, w *Worker) {
		close(done)
	}}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}

	assert.Eventually(t, func() bool { return pool.Stats().Busy == 0 }, time.Second, time.Millisecond)
	stopPool(t, pool)
}

func TestSlotRestoredAfterPanic(t *testing.T) {
	pool := NewPool("test", 0)
	require.NoError(t, pool.Start(1))

	var worker *Worker
	require.NoError(t, pool.Submit(Task{Run: func(ctx context.Context, w *Worker) {
		worker = w
		restore := w.Slot().Install(runctx.New().WithSubject("leaky"))
		defer restore()
		panic("boom")
	}}))

	seen := make(chan *runctx.Context, 1)
	require.NoError(t, pool.Submit(Task{Run: func(ctx context.Context, w *Worker) {
		seen <- w.Slot().Load()
	}}))

	assert.Nil(t, <-seen)
	assert.NotNil(t, worker)
	stopPool(t, pool)
}

// TestSaturatedQueue tests the bounded queue rejects overflow
func TestSaturatedQueue(t *testing.T) {
	pool := NewPool("test", 2)
	require.NoError(t, pool.Start(1))

	gate := make(chan struct{})
	require.NoError(t, pool.Submit(Task{Run: func(ctx context.Context, w *Worker) { <-gate }}))
	require.Eventually(t, func() bool { return pool.Stats().Busy == 1 }, time.Second, time.Millisecond)

	noop := func(ctx context.Context, w *Worker) {}
	require.NoError(t, pool.Submit(Task{Run: noop}))
	require.NoError(t, pool.Submit(Task{Run: noop}))
	assert.ErrorIs(t, pool.Submit(Task{Run: noop}), ErrPoolSaturated)

	close(gate)
	stopPool(t, pool)
}

// ============================================================================
// Shutdown Tests
// ============================================================================

// TestGracefulShutdown checks Stop drains queued tasks before returning
func TestGracefulShutdown(t *testing.T) {
	pool := NewPool("test", 0)
	require.NoError(t, pool.Start(2))

	var executed atomic.Int32
	taskCount := 20
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(Task{Run: func(ctx context.Context, w *Worker) {
			time.Sleep(time.Millisecond)
			executed.Add(1)
		}}))
	}

	stopPool(t, pool)
	assert.Equal(t, int32(taskCount), executed.Load())

	select {
	case <-pool.Done():
	default:
		t.Fatal("workers still running after Stop")
	}
}

// TestForcedShutdown checks Stop interrupts tasks that outlive the deadline
func TestForcedShutdown(t *testing.T) {
	pool := NewPool("test", 0)
	require.NoError(t, pool.Start(1))

	interrupted := make(chan struct{})
	require.NoError(t, pool.Submit(Task{Run: func(ctx context.Context, w *Worker) {
		<-ctx.Done()
		close(interrupted)
	}}))
	require.Eventually(t, func() bool { return pool.Stats().Busy == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Stop(ctx), ErrStopTimeout)

	select {
	case <-interrupted:
	case <-time.After(time.Second):
		t.Fatal("task was not interrupted")
	}
}

// TestStopBeforeStart tests stopping before starting
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool("test", 10)

	assert.NotPanics(t, func() {
		assert.NoError(t, pool.Stop(context.Background()))
		assert.NoError(t, pool.Stop(context.Background()))
	})

	select {
	case <-pool.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed on a pool that never started")
	}
	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
}

// TestSubmitAfterStop tests submitting tasks after shutdown
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool("test", 10)
	require.NoError(t, pool.Start(2))

	stopPool(t, pool)

	err := pool.Submit(Task{Run: func(ctx context.Context, w *Worker) {}})
	assert.Equal(t, ErrPoolClosed, err)

	// Stop is idempotent
	stopPool(t, pool)
}

// TestSubmitBeforeStart tests submitting tasks before starting
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool("test", 10)

	err := pool.Submit(Task{Run: func(ctx context.Context, w *Worker) {}})
	assert.Equal(t, ErrPoolNotStarted, err)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

// BenchmarkPoolThroughput measures submit-to-completion throughput
func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool("bench", 0)
	if err := pool.Start(8); err != nil {
		b.Fatal(err)
	}
	defer pool.Stop(context.Background())

	var wg sync.WaitGroup
	wg.Add(b.N)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(Task{Run: func(ctx context.Context, w *Worker) { wg.Done() }})
	}
	wg.Wait()
}
