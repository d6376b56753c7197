// Package types defines the core domain model shared by the job domains:
// sessions, job states and the counters exposed to telemetry.
package types

import (
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionKind identifies the job domain a session belongs to.
type SessionKind string

const (
	KindClient SessionKind = "client" // UI-side session
	KindServer SessionKind = "server" // backend session serving tunnel calls
)

// JobState is the lifecycle state of a scheduled job.
type JobState string

const (
	StatePending   JobState = "pending"   // registered, waiting for a worker
	StateRunning   JobState = "running"   // callable executing on a worker
	StateCancelled JobState = "cancelled" // cancelled before or during execution
	StateDone      JobState = "done"      // callable returned without error
	StateFailed    JobState = "failed"    // callable returned an error or panicked
)

// Terminal reports whether no further transition is possible from s.
func (s JobState) Terminal() bool {
	switch s {
	case StateCancelled, StateDone, StateFailed:
		return true
	default:
		return false
	}
}

// Session is the application session a job is scoped to. Sessions are
// compared by instance identity, never by ID.
type Session interface {
	ID() string
	Kind() SessionKind
}

// baseSession carries the fields shared by client and server sessions.
type baseSession struct {
	id        string
	user      string
	createdAt time.Time

	mu    sync.RWMutex
	attrs map[string]any
}

func newBaseSession(id, user string) baseSession {
	if id == "" {
		id = uuid.NewString()
	}
	return baseSession{
		id:        id,
		user:      user,
		createdAt: time.Now(),
		attrs:     make(map[string]any),
	}
}

func (s *baseSession) ID() string           { return s.id }
func (s *baseSession) User() string         { return s.user }
func (s *baseSession) CreatedAt() time.Time { return s.createdAt }

// Attribute returns a session attribute.
func (s *baseSession) Attribute(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[key]
	return v, ok
}

// SetAttribute stores a session attribute.
func (s *baseSession) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = value
}

// Attributes returns a copy of all session attributes.
func (s *baseSession) Attributes() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.attrs)
}

// ClientSession is a session of the UI layer.
type ClientSession struct {
	baseSession
}

// NewClientSession creates a client session. An empty id is replaced by a
// random UUID.
func NewClientSession(id, user string) *ClientSession {
	return &ClientSession{baseSession: newBaseSession(id, user)}
}

func (*ClientSession) Kind() SessionKind { return KindClient }

// ServerSession is a backend session, typically one per remote client.
type ServerSession struct {
	baseSession
}

// NewServerSession creates a server session. An empty id is replaced by a
// random UUID.
func NewServerSession(id, user string) *ServerSession {
	return &ServerSession{baseSession: newBaseSession(id, user)}
}

func (*ServerSession) Kind() SessionKind { return KindServer }

// Stats holds job counters of one job domain. Telemetry collaborators only
// ever see these counts.
type Stats struct {
	Domain    SessionKind `json:"domain"`
	Scheduled uint64      `json:"scheduled"`
	Rejected  uint64      `json:"rejected"`
	Done      uint64      `json:"done"`
	Failed    uint64      `json:"failed"`
	Cancelled uint64      `json:"cancelled"`
	Pending   int         `json:"pending"`
	Running   int         `json:"running"`
}
