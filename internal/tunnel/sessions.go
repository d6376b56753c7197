package tunnel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/sessionjobs/pkg/types"
)

// ErrSessionOwner is returned when a session id is presented by a principal
// other than the one that created the session.
var ErrSessionOwner = errors.New("session belongs to another principal")

// SessionStore caches one server session per client session id.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.ServerSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*types.ServerSession)}
}

// Get returns the session for id, creating it for principal on first use.
// Concurrent first calls for the same id observe the same session.
func (s *SessionStore) Get(id, principal string) (*types.ServerSession, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		sess, ok = s.sessions[id]
		if !ok {
			sess = types.NewServerSession(id, principal)
			s.sessions[id] = sess
		}
		s.mu.Unlock()
	}

	if sess.User() != principal {
		return nil, fmt.Errorf("%w: %s", ErrSessionOwner, id)
	}
	return sess, nil
}

// Lookup returns the session for id without creating one.
func (s *SessionStore) Lookup(id string) (*types.ServerSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Remove drops the session for id and returns it.
func (s *SessionStore) Remove(id string) (*types.ServerSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	return sess, ok
}

func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
