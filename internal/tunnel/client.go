package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/sessionjobs/internal/jobmanager"
	"github.com/ChuLiYu/sessionjobs/internal/runctx"
	"github.com/ChuLiYu/sessionjobs/pkg/types"
	"golang.org/x/text/language"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// cancelTimeout bounds the Cancel RPC sent after a client job is interrupted.
const cancelTimeout = 5 * time.Second

// Client issues tunnel calls as jobs of a client job manager, one client
// session per Client.
type Client struct {
	conn    grpc.ClientConnInterface
	jobs    *jobmanager.Manager
	session *types.ClientSession
	seq     atomic.Int64
	log     *slog.Logger
}

// NewClient creates a client bound to session. jobs must be a client job
// manager.
func NewClient(conn grpc.ClientConnInterface, jobs *jobmanager.Manager, session *types.ClientSession, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{conn: conn, jobs: jobs, session: session, log: log}
}

// Session returns the client session the calls are made for.
func (c *Client) Session() *types.ClientSession { return c.session }

func (c *Client) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx,
		MetadataSessionID, c.session.ID(),
		MetadataPrincipal, c.session.User())
}

// Invoke schedules service.operation as a client job and returns its
// future. The job id is the request sequence, which is also the id of the
// matching server job. Cancelling the client job with interruption aborts
// the RPC and asks the server to cancel its job.
func (c *Client) Invoke(ctx context.Context, service, operation string, args map[string]any) (*jobmanager.Future[any], int64, error) {
	seq := c.seq.Add(1)
	in := jobmanager.NewInput(c.session).
		WithID(strconv.FormatInt(seq, 10)).
		WithName("tunnel." + qualify(service, operation))

	f, err := jobmanager.Schedule(ctx, c.jobs, in, func(ctx context.Context) (any, error) {
		return c.roundTrip(ctx, seq, service, operation, args)
	})
	return f, seq, err
}

// Call invokes service.operation and waits for the result. timeout <= 0
// waits without limit.
func (c *Client) Call(ctx context.Context, service, operation string, args map[string]any, timeout time.Duration) (any, error) {
	f, _, err := c.Invoke(ctx, service, operation, args)
	if err != nil {
		return nil, err
	}
	return jobmanager.AwaitDone(f, timeout)
}

// Cancel asks the server to cancel the job started by the request with
// sequence seq.
func (c *Client) Cancel(ctx context.Context, seq int64) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.conn.Invoke(c.outgoing(ctx), methodCancel, wrapperspb.Int64(seq), out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// Logout ends the server session and cancels its jobs.
func (c *Client) Logout(ctx context.Context, timeout time.Duration) error {
	_, err := c.Call(ctx, "session", "logout", nil, timeout)
	return err
}

func (c *Client) roundTrip(ctx context.Context, seq int64, service, operation string, args map[string]any) (any, error) {
	locale := ""
	if rc := runctx.Current(ctx); rc != nil && rc.Locale() != language.Und {
		locale = rc.Locale().String()
	}
	if args == nil {
		args = map[string]any{}
	}
	req, err := structpb.NewStruct(map[string]any{
		"service":   service,
		"operation": operation,
		"args":      args,
		"locale":    locale,
		"sequence":  float64(seq),
	})
	if err != nil {
		return nil, &ArgumentError{Key: "args", Reason: err.Error()}
	}

	resp := new(structpb.Struct)
	err = c.conn.Invoke(c.outgoing(ctx), methodInvoke, req, resp)
	if err != nil {
		if jobmanager.IsCancelled(ctx) {
			c.cancelRemote(seq)
			return nil, jobmanager.ErrCancelled
		}
		if status.Code(err) == codes.Canceled {
			return nil, errors.Join(jobmanager.ErrCancelled, err)
		}
		return nil, err
	}
	return resp.GetFields()["result"].AsInterface(), nil
}

func (c *Client) cancelRemote(seq int64) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if _, err := c.Cancel(ctx, seq); err != nil {
		c.log.Warn("Failed to cancel remote job", "sequence", seq, "error", err)
	}
}
