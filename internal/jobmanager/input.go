package jobmanager

import (
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/ChuLiYu/sessionjobs/internal/runctx"
	"github.com/ChuLiYu/sessionjobs/pkg/types"
	"golang.org/x/text/language"
)

// Input describes a job: its session, identity and execution hints. It is
// immutable; every With* method returns a modified copy.
type Input struct {
	id       string
	name     string
	session  types.Session
	hints    map[string]struct{}
	priority int

	// run context overrides, applied on top of the scheduling caller's
	// ambient context
	locale  language.Tag
	subject string
	props   map[string]any
}

// NewInput returns an Input bound to session.
func NewInput(session types.Session) Input {
	return Input{session: session, locale: language.Und}
}

func (in Input) ID() string             { return in.id }
func (in Input) Name() string           { return in.name }
func (in Input) Session() types.Session { return in.session }
func (in Input) Priority() int          { return in.priority }

// HasHint reports whether hint was set with WithHints.
func (in Input) HasHint(hint string) bool {
	_, ok := in.hints[hint]
	return ok
}

// Hints returns the execution hints in sorted order.
func (in Input) Hints() []string {
	var keys []string
	for k := range in.hints {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// WithID sets the job id. Ids are not required to be unique; cancelling by
// JobIDFilter affects every job sharing the id.
func (in Input) WithID(id string) Input {
	in.id = id
	return in
}

func (in Input) WithName(name string) Input {
	in.name = name
	return in
}

func (in Input) WithSession(session types.Session) Input {
	in.session = session
	return in
}

// WithPriority sets the dequeue priority; higher runs first.
func (in Input) WithPriority(priority int) Input {
	in.priority = priority
	return in
}

// WithHints adds execution hints.
func (in Input) WithHints(hints ...string) Input {
	m := maps.Clone(in.hints)
	if m == nil {
		m = make(map[string]struct{}, len(hints))
	}
	for _, h := range hints {
		m[h] = struct{}{}
	}
	in.hints = m
	return in
}

// WithLocale overrides the locale the job runs with.
func (in Input) WithLocale(tag language.Tag) Input {
	in.locale = tag
	return in
}

// WithSubject overrides the principal the job runs as.
func (in Input) WithSubject(subject string) Input {
	in.subject = subject
	return in
}

// WithProperty sets a property in the job's run context.
func (in Input) WithProperty(key string, value any) Input {
	m := maps.Clone(in.props)
	if m == nil {
		m = make(map[string]any, 1)
	}
	m[key] = value
	in.props = m
	return in
}

func (in Input) validate(kind types.SessionKind) error {
	if isNilSession(in.session) {
		return fmt.Errorf("%w: no session", ErrInvalidInput)
	}
	if got := in.session.Kind(); got != kind {
		return fmt.Errorf("%w: %s session given to %s job manager", ErrInvalidInput, got, kind)
	}
	return nil
}

// isNilSession also catches an interface holding a nil pointer.
func isNilSession(s types.Session) bool {
	if s == nil {
		return true
	}
	v := reflect.ValueOf(s)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// runContext derives the job's run context from the caller's ambient one.
func (in Input) runContext(caller *runctx.Context) *runctx.Context {
	rc := caller.Copy()
	if in.locale != language.Und {
		rc = rc.WithLocale(in.locale)
	}
	if in.subject != "" {
		rc = rc.WithSubject(in.subject)
	}
	var keys []string
	for k := range in.props {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		rc = rc.WithProperty(k, in.props[k])
	}
	return rc
}

func (in Input) sessionID() string {
	if isNilSession(in.session) {
		return ""
	}
	return in.session.ID()
}
