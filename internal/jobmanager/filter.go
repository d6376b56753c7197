package jobmanager

import (
	"path"
	"slices"

	"github.com/ChuLiYu/sessionjobs/pkg/types"
)

// Filter selects futures for queries and bulk cancellation. Filters are
// pure functions of the handle and safe to reuse. A nil Filter accepts
// every future.
type Filter func(Handle) bool

func (f Filter) accept(h Handle) bool {
	return f == nil || f(h)
}

// Any accepts every future.
func Any() Filter {
	return func(Handle) bool { return true }
}

// JobIDFilter accepts futures whose input id equals id. An empty id is a
// wildcard and accepts everything.
func JobIDFilter(id string) Filter {
	return func(h Handle) bool {
		return id == "" || h.Input().ID() == id
	}
}

// SessionFilter accepts futures bound to exactly this session instance.
// Unlike JobIDFilter there is no wildcard: session must not be nil.
func SessionFilter(session types.Session) Filter {
	if session == nil {
		panic("jobmanager: SessionFilter requires a session")
	}
	return func(h Handle) bool {
		return h.Input().Session() == session
	}
}

// NameFilter accepts futures whose job name matches the path.Match pattern.
// A malformed pattern matches nothing.
func NameFilter(pattern string) Filter {
	return func(h Handle) bool {
		ok, err := path.Match(pattern, h.Input().Name())
		return err == nil && ok
	}
}

// StateFilter accepts futures currently in one of states.
func StateFilter(states ...types.JobState) Filter {
	return func(h Handle) bool {
		return slices.Contains(states, h.State())
	}
}

// HintFilter accepts futures whose input carries hint.
func HintFilter(hint string) Filter {
	return func(h Handle) bool {
		return h.Input().HasHint(hint)
	}
}

// FutureFilter accepts exactly the given futures.
func FutureFilter(handles ...Handle) Filter {
	set := make(map[Handle]struct{}, len(handles))
	for _, h := range handles {
		set[h] = struct{}{}
	}
	return func(h Handle) bool {
		_, ok := set[h]
		return ok
	}
}

// And accepts futures accepted by all filters.
func And(filters ...Filter) Filter {
	return func(h Handle) bool {
		for _, f := range filters {
			if !f.accept(h) {
				return false
			}
		}
		return true
	}
}

// Or accepts futures accepted by at least one filter.
func Or(filters ...Filter) Filter {
	return func(h Handle) bool {
		for _, f := range filters {
			if f.accept(h) {
				return true
			}
		}
		return false
	}
}

// Not inverts f.
func Not(f Filter) Filter {
	return func(h Handle) bool {
		return !f.accept(h)
	}
}
