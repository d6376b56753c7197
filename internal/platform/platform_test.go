package platform

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ChuLiYu/sessionjobs/internal/config"
	"github.com/ChuLiYu/sessionjobs/internal/jobmanager"
	"github.com/ChuLiYu/sessionjobs/internal/runctx"
	"github.com/ChuLiYu/sessionjobs/internal/tunnel"
	"github.com/ChuLiYu/sessionjobs/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Client.Workers = 2
	cfg.Server.Workers = 2
	cfg.Server.Retention = 0
	cfg.Metrics.Enabled = false
	cfg.Notify.Enabled = false
	cfg.Notify.Refresh = 10 * time.Millisecond
	cfg.Lookup.DSN = ":memory:"
	return cfg
}

func startPlatform(t *testing.T, cfg *config.Config) *Platform {
	t.Helper()
	p := New(cfg, WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestInitLifecycle(t *testing.T) {
	assert.Nil(t, Current())
	assert.Panics(t, func() { ClientJobs() })

	p, err := Init(context.Background(), testConfig(), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	assert.Same(t, p, Current())
	assert.Equal(t, types.KindClient, ClientJobs().Kind())
	assert.Equal(t, types.KindServer, ServerJobs().Kind())

	_, err = Init(context.Background(), testConfig(), WithRegistry(prometheus.NewRegistry()))
	assert.ErrorIs(t, err, ErrInitialized)

	require.NoError(t, Shutdown(context.Background()))
	assert.Nil(t, Current())
	assert.True(t, p.ServerJobs().IsShutdown())
	assert.ErrorIs(t, Shutdown(context.Background()), ErrNotInitialized)
}

// TestServerBatches checks the end-to-end timing of 5 jobs of 50ms on 2
// workers: three sequential batches of about 50ms.
func TestServerBatches(t *testing.T) {
	p := startPlatform(t, testConfig())
	session := types.NewServerSession("", "system")

	start := time.Now()
	var futures []*jobmanager.Future[int]
	for i := 0; i < 5; i++ {
		i := i
		f, err := jobmanager.Schedule(context.Background(), p.ServerJobs(),
			jobmanager.NewInput(session).WithID(fmt.Sprint(i)).WithName("sleep"),
			func(ctx context.Context) (int, error) {
				time.Sleep(50 * time.Millisecond)
				return i, nil
			})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	for i, f := range futures {
		v, err := jobmanager.AwaitDone(f, time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, v)
		assert.Equal(t, types.StateDone, f.State())
	}
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 250*time.Millisecond)

	stats := p.ServerJobs().Stats()
	assert.Equal(t, uint64(5), stats.Done)
	assert.Zero(t, stats.Pending)
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	p := New(testConfig(), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, p.Start(context.Background()))

	running := make(chan struct{})
	f, err := jobmanager.Schedule(context.Background(), p.ClientJobs(),
		jobmanager.NewInput(types.NewClientSession("", "alice")),
		func(ctx context.Context) (int, error) {
			close(running)
			for !jobmanager.IsCancelled(ctx) {
				time.Sleep(time.Millisecond)
			}
			return 0, jobmanager.ErrCancelled
		})
	require.NoError(t, err)
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	assert.Equal(t, types.StateCancelled, f.State())
	assert.NoError(t, p.Shutdown(ctx), "repeated shutdown returns the first result")
}

func TestLookupThroughTunnel(t *testing.T) {
	p := startPlatform(t, testConfig())

	ctx := context.Background()
	require.NoError(t, p.lookup.Put(ctx, "country", "CH", language.Und, "Switzerland"))
	require.NoError(t, p.lookup.Put(ctx, "country", "CH", language.German, "Schweiz"))

	lis := bufconn.Listen(1 << 20)
	p.ServeTunnel(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := tunnel.NewClient(conn, p.ClientJobs(), types.NewClientSession("s-1", "alice"), nil)
	german := runctx.Into(ctx, runctx.New().WithLocale(language.German))

	v, err := client.Call(german, "lookup", "byKey", map[string]any{"table": "country", "key": "CH"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"key": "CH", "text": "Schweiz"}, v)

	v, err = client.Call(ctx, "lookup", "all", map[string]any{"table": "country"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"key": "CH", "text": "Switzerland"}}, v)

	_, err = client.Call(ctx, "lookup", "byKey", map[string]any{"table": "country", "key": "XX"}, 2*time.Second)
	assert.Equal(t, codes.NotFound, status.Code(err))

	stats := p.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, uint64(3), stats[0].Scheduled, "client jobs")
	assert.Equal(t, uint64(3), stats[1].Scheduled, "server jobs")
}

func TestNotifyEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Notify.Enabled = true
	cfg.Notify.Address = "127.0.0.1:0"
	p := startPlatform(t, cfg)

	require.NotNil(t, p.Hub())
	assert.Zero(t, p.Hub().ClientCount())
}
