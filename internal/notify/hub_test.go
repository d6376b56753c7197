package notify

import (
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/sessionjobs/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, stats StatsFunc) (*Hub, string) {
	t.Helper()
	hub := NewHub(stats, nil)
	hub.Start()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) Update {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var u Update
	require.NoError(t, conn.ReadJSON(&u))
	return u
}

func TestInitialUpdateOnConnect(t *testing.T) {
	stats := func() []types.Stats {
		return []types.Stats{
			{Domain: types.KindClient, Scheduled: 1},
			{Domain: types.KindServer, Scheduled: 2, Running: 1},
		}
	}
	_, url := startHub(t, stats)
	conn := dial(t, url)

	u := readUpdate(t, conn)
	require.Len(t, u.Domains, 2)
	assert.Equal(t, types.KindClient, u.Domains[0].Domain)
	assert.Equal(t, uint64(2), u.Domains[1].Scheduled)
	assert.Equal(t, 1, u.Domains[1].Running)
	assert.False(t, u.Time.IsZero())
}

func TestBroadcastOnJobEvents(t *testing.T) {
	var done atomic.Uint64
	stats := func() []types.Stats {
		return []types.Stats{{Domain: types.KindServer, Done: done.Load()}}
	}
	hub, url := startHub(t, stats)

	first := dial(t, url)
	second := dial(t, url)
	readUpdate(t, first)
	readUpdate(t, second)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, time.Millisecond)

	done.Store(3)
	hub.JobFinished(types.KindServer, types.StateDone, time.Millisecond)

	for _, conn := range []*websocket.Conn{first, second} {
		u := readUpdate(t, conn)
		require.Len(t, u.Domains, 1)
		assert.Equal(t, uint64(3), u.Domains[0].Done)
	}
}

func TestClientDisconnect(t *testing.T) {
	hub, url := startHub(t, func() []types.Stats { return nil })

	conn := dial(t, url)
	readUpdate(t, conn)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, time.Millisecond)
}

func TestNotifyNeverBlocks(t *testing.T) {
	hub := NewHub(func() []types.Stats { return nil }, nil)

	// loop not started: the wake channel fills up and further calls return
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.JobScheduled(types.KindClient)
			hub.JobRejected(types.KindClient)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked")
	}
	hub.Stop()
}
