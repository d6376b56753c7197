// ============================================================================
// Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
//
// Each Worker is a goroutine that loops:
//   1. take the next task from the pool queue (blocking)
//   2. run it with the worker's context
//   3. recover any panic so the worker survives a broken task
//   4. report itself idle again
//
// A Worker owns a runctx.Slot. Tasks install their job context into it for
// the duration of one execution, so the slot always shows what the worker
// is doing right now and never leaks a previous job's context.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ChuLiYu/sessionjobs/internal/runctx"
)

// Worker executes tasks taken from its Pool.
type Worker struct {
	id   int
	name string
	pool *Pool
	slot runctx.Slot
	log  *slog.Logger
}

func newWorker(id int, p *Pool) *Worker {
	name := fmt.Sprintf("%s-worker-%d", p.name, id)
	return &Worker{
		id:   id,
		name: name,
		pool: p,
		log:  p.log.With("worker", name),
	}
}

// ID returns the worker index inside its pool.
func (w *Worker) ID() int { return w.id }

// Name returns the worker name, e.g. "server-worker-3".
func (w *Worker) Name() string { return w.name }

// Slot returns the holder of the job context currently installed on w.
func (w *Worker) Slot() *runctx.Slot { return &w.slot }

// Run is the worker main loop. It returns when the pool is stopped and the
// queue is drained.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, ok := w.pool.next()
		if !ok {
			return
		}
		w.execute(ctx, task)
	}
}

func (w *Worker) execute(ctx context.Context, task Task) {
	defer w.pool.release()
	defer func() {
		if r := recover(); r != nil {
			w.log.Warn("Recovered panic in task",
				"task", task.Name,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	task.Run(ctx, w)
}
