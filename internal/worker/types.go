package worker

import "context"

// Task is a unit of work handed to the pool.
type Task struct {
	Name     string // job name, used for logging only
	Priority int    // higher runs first; equal priorities keep admission order

	// Run executes the task on w. ctx is the worker's context and is
	// cancelled when the pool is force-stopped.
	Run func(ctx context.Context, w *Worker)

	seq uint64 // admission order, assigned by Submit
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers int
	Busy    int
	Queued  int
}
