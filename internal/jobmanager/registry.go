package jobmanager

import (
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/sessionjobs/pkg/types"
)

// registry holds the live futures of one manager. Terminal futures stay
// visible until their retention expires.
type registry struct {
	mu        sync.RWMutex
	entries   map[Handle]time.Time // zero time = live, else expiry
	retention time.Duration
}

func newRegistry(retention time.Duration) *registry {
	return &registry{
		entries:   make(map[Handle]time.Time),
		retention: retention,
	}
}

func (r *registry) add(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[h] = time.Time{}
}

func (r *registry) remove(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, h)
}

// finished applies the retention policy to a terminal future.
func (r *registry) finished(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[h]; !ok {
		return
	}
	if r.retention <= 0 {
		delete(r.entries, h)
		return
	}
	r.entries[h] = time.Now().Add(r.retention)
}

// reap drops terminal futures whose retention has expired.
func (r *registry) reap(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for h, expiry := range r.entries {
		if !expiry.IsZero() && now.After(expiry) {
			delete(r.entries, h)
			n++
		}
	}
	return n
}

// snapshot returns the futures accepted by filter in scheduling order. The
// filter runs outside the lock.
func (r *registry) snapshot(filter Filter) []Handle {
	r.mu.RLock()
	var all []Handle
	for h := range r.entries {
		all = append(all, h)
	}
	r.mu.RUnlock()

	slices.SortFunc(all, func(a, b Handle) int {
		switch {
		case a.seqNo() < b.seqNo():
			return -1
		case a.seqNo() > b.seqNo():
			return 1
		default:
			return 0
		}
	})

	return slices.DeleteFunc(all, func(h Handle) bool {
		return !filter.accept(h)
	})
}

// counts returns the number of pending and running futures.
func (r *registry) counts() (pending, running int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for h := range r.entries {
		switch h.State() {
		case types.StatePending:
			pending++
		case types.StateRunning:
			running++
		}
	}
	return pending, running
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
