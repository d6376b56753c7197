package tunnel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/sessionjobs/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ArgumentError reports a missing or mistyped call argument. It reaches the
// client as codes.InvalidArgument.
type ArgumentError struct {
	Key    string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("argument %s %s", e.Key, e.Reason)
}

func (e *ArgumentError) GRPCStatus() *status.Status {
	return status.New(codes.InvalidArgument, e.Error())
}

// Call is one remote service invocation as seen by a Handler.
type Call struct {
	Service   string
	Operation string
	Session   *types.ServerSession
	Args      map[string]any
}

// String returns the string argument key.
func (c Call) String(key string) (string, error) {
	v, ok := c.Args[key]
	if !ok {
		return "", &ArgumentError{Key: key, Reason: "is required"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &ArgumentError{Key: key, Reason: "must be a string"}
	}
	return s, nil
}

// Int returns the numeric argument key, or def when absent.
func (c Call) Int(key string, def int) (int, error) {
	v, ok := c.Args[key]
	if !ok {
		return def, nil
	}
	f, ok := v.(float64)
	if !ok {
		return 0, &ArgumentError{Key: key, Reason: "must be a number"}
	}
	return int(f), nil
}

// Handler executes a call inside a server job. ctx carries the job's run
// context. The result must be representable as a structpb.Value: nil, bool,
// numbers, string, []any or map[string]any.
type Handler func(ctx context.Context, call Call) (any, error)

// Services maps "service.operation" names to handlers.
type Services struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewServices() *Services {
	return &Services{handlers: make(map[string]Handler)}
}

// Register adds a handler, replacing any previous one.
func (s *Services) Register(service, operation string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[qualify(service, operation)] = h
}

func (s *Services) lookup(service, operation string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[qualify(service, operation)]
	return h, ok
}

// Names returns the registered operation names, sorted.
func (s *Services) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for n := range s.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func qualify(service, operation string) string {
	return service + "." + operation
}
