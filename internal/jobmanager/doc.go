// Package jobmanager schedules session-bound jobs onto a worker pool and
// tracks them through cancellable futures.
//
// One Manager exists per session kind (client or server). A job is a
// Callable plus an Input naming its session; Schedule registers a Future in
// PENDING state before the callable can start, so a filter query issued
// right after Schedule always sees it.
//
// Future state machine:
//
//	PENDING ──> RUNNING ──> DONE | FAILED
//	   │           │
//	   └───────────┴──────> CANCELLED
//
// A pending job that is cancelled never starts. A running job is cancelled
// cooperatively: the callable polls IsCancelled or watches its context,
// which is cancelled when interruption is requested.
package jobmanager
