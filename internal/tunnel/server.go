// ============================================================================
// Service Tunnel - remote service calls executed as server jobs
// ============================================================================
//
// Package: internal/tunnel
// File: server.go
//
// Wire protocol (gRPC, service sessionjobs.tunnel.v1.ServiceTunnel):
//
//   Invoke(google.protobuf.Struct) returns (google.protobuf.Struct)
//     request:  {service, operation, args{...}, locale, sequence}
//     response: {result}
//
//   Cancel(google.protobuf.Int64Value) returns (google.protobuf.BoolValue)
//     value: the sequence of an Invoke still running for the same session
//
// Metadata:
//   x-session-id  client session id, one server session per id
//   x-principal   authenticated subject; calls without it are refused
//
// Every Invoke runs as a job of the server job manager with id = sequence,
// so Cancel is a JobIDFilter restricted to the caller's session. Failures
// are sanitized before they cross the wire: the client sees the root cause
// message only.
//
// ============================================================================

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ChuLiYu/sessionjobs/internal/jobmanager"
	"golang.org/x/text/language"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "sessionjobs.tunnel.v1.ServiceTunnel"

	MetadataSessionID = "x-session-id"
	MetadataPrincipal = "x-principal"

	methodInvoke = "/" + ServiceName + "/Invoke"
	methodCancel = "/" + ServiceName + "/Cancel"
)

// TunnelServer is the server API of the service tunnel.
type TunnelServer interface {
	Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, req *wrapperspb.Int64Value) (*wrapperspb.BoolValue, error)
}

// ServiceDesc describes the tunnel service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TunnelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "Cancel", Handler: cancelHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sessionjobs/tunnel/v1/tunnel.proto",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TunnelServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInvoke}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TunnelServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.Int64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TunnelServer).Cancel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCancel}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TunnelServer).Cancel(ctx, req.(*wrapperspb.Int64Value))
	}
	return interceptor(ctx, in, info, handler)
}

// Server implements TunnelServer on top of a server job manager.
type Server struct {
	jobs     *jobmanager.Manager
	sessions *SessionStore
	services *Services
	log      *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithSessionStore shares a session store between servers.
func WithSessionStore(store *SessionStore) ServerOption {
	return func(s *Server) { s.sessions = store }
}

// NewServer creates a tunnel server running calls on jobs, which must be a
// server job manager. The session.logout operation is registered on
// services.
func NewServer(jobs *jobmanager.Manager, services *Services, opts ...ServerOption) *Server {
	s := &Server{
		jobs:     jobs,
		sessions: NewSessionStore(),
		services: services,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	services.Register("session", "logout", s.logout)
	return s
}

// Register attaches the tunnel to a gRPC server.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Sessions returns the session store.
func (s *Server) Sessions() *SessionStore { return s.sessions }

type request struct {
	service   string
	operation string
	args      map[string]any
	locale    language.Tag
	sequence  int64
}

func decodeRequest(req *structpb.Struct) (request, error) {
	m := req.AsMap()
	r := request{locale: language.Und}

	r.service, _ = m["service"].(string)
	r.operation, _ = m["operation"].(string)
	if r.service == "" || r.operation == "" {
		return r, errors.New("service and operation are required")
	}
	if args, ok := m["args"].(map[string]any); ok {
		r.args = args
	}
	if loc, _ := m["locale"].(string); loc != "" {
		tag, err := language.Parse(loc)
		if err != nil {
			return r, fmt.Errorf("invalid locale %q", loc)
		}
		r.locale = tag
	}
	seq, ok := m["sequence"].(float64)
	if !ok || seq < 1 || seq != float64(int64(seq)) {
		return r, errors.New("sequence must be a positive integer")
	}
	r.sequence = int64(seq)
	return r, nil
}

func identity(ctx context.Context) (sessionID, principal string, err error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get(MetadataPrincipal); len(v) > 0 {
		principal = v[0]
	}
	if principal == "" {
		return "", "", status.Error(codes.Unauthenticated, "no principal")
	}
	if v := md.Get(MetadataSessionID); len(v) > 0 {
		sessionID = v[0]
	}
	if sessionID == "" {
		return "", "", status.Error(codes.InvalidArgument, "no session id")
	}
	return sessionID, principal, nil
}

// Invoke runs the requested operation as a server job and waits for it. If
// the caller goes away first, the job is cancelled with interruption.
func (s *Server) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sessionID, principal, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	r, err := decodeRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	h, ok := s.services.lookup(r.service, r.operation)
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown operation %s", qualify(r.service, r.operation))
	}
	session, err := s.sessions.Get(sessionID, principal)
	if err != nil {
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}

	call := Call{Service: r.service, Operation: r.operation, Session: session, Args: r.args}
	in := jobmanager.NewInput(session).
		WithID(strconv.FormatInt(r.sequence, 10)).
		WithName(qualify(r.service, r.operation)).
		WithSubject(principal).
		WithLocale(r.locale)

	f, err := jobmanager.Schedule(ctx, s.jobs, in, func(ctx context.Context) (any, error) {
		return h(ctx, call)
	})
	if err != nil {
		return nil, toStatus(err)
	}

	v, err := f.Await(ctx)
	if errors.Is(err, jobmanager.ErrTimeout) {
		s.jobs.Cancel(jobmanager.FutureFilter(f), true)
		s.log.Debug("Caller left, job cancelled", "job_id", in.ID(), "name", in.Name(), "session", sessionID)
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	if err != nil {
		return nil, toStatus(err)
	}

	out, err := structpb.NewValue(v)
	if err != nil {
		s.log.Error("Result not encodable", "name", in.Name(), "error", err)
		return nil, status.Error(codes.Internal, "result not encodable")
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"result": out}}, nil
}

// Cancel interrupts the caller's job with the given sequence. It reports
// whether a job was affected.
func (s *Server) Cancel(ctx context.Context, req *wrapperspb.Int64Value) (*wrapperspb.BoolValue, error) {
	sessionID, principal, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	session, ok := s.sessions.Lookup(sessionID)
	if !ok || session.User() != principal {
		return wrapperspb.Bool(false), nil
	}

	n := s.jobs.Cancel(jobmanager.And(
		jobmanager.SessionFilter(session),
		jobmanager.JobIDFilter(strconv.FormatInt(req.GetValue(), 10)),
	), true)
	return wrapperspb.Bool(n > 0), nil
}

// logout drops the caller's session and cancels its other jobs.
func (s *Server) logout(ctx context.Context, call Call) (any, error) {
	s.sessions.Remove(call.Session.ID())

	filter := jobmanager.SessionFilter(call.Session)
	if self := jobmanager.CurrentJob(ctx); self != nil {
		filter = jobmanager.And(filter, jobmanager.Not(jobmanager.FutureFilter(self)))
	}
	n := s.jobs.Cancel(filter, true)

	s.log.Info("Session logged out", "session", call.Session.ID(), "user", call.Session.User(), "cancelled", n)
	return float64(n), nil
}

// toStatus converts a job error into a status that carries no job metadata
// or stack traces.
func toStatus(err error) error {
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		st := se.GRPCStatus()
		return status.Error(st.Code(), st.Message())
	}

	code := codes.Unknown
	switch {
	case errors.Is(err, jobmanager.ErrCancelled):
		code = codes.Canceled
	case errors.Is(err, jobmanager.ErrRejected):
		code = codes.Unavailable
	case errors.Is(err, jobmanager.ErrInvalidInput):
		code = codes.InvalidArgument
	}
	return status.Error(code, jobmanager.Sanitize(err).Error())
}
