// Package notify pushes job statistics to websocket subscribers whenever a
// job manager reports activity.
package notify

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/sessionjobs/pkg/types"
	"github.com/gorilla/websocket"
)

// Update is the message sent to subscribers.
type Update struct {
	Time    time.Time     `json:"time"`
	Domains []types.Stats `json:"domains"`
}

// StatsFunc returns the current statistics of every job domain.
type StatsFunc func() []types.Stats

type client struct {
	conn *websocket.Conn
	send chan Update
}

// Hub tracks websocket clients and broadcasts Updates to them. It implements
// jobmanager.Observer; every observed event schedules one coalesced
// broadcast.
type Hub struct {
	stats    StatsFunc
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a hub reading statistics from stats.
func NewHub(stats StatsFunc, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		stats: stats,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the broadcast loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.loop()
}

// Stop ends the broadcast loop and disconnects every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.wg.Wait()

		h.mu.Lock()
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		h.mu.Unlock()
	})
}

// ServeHTTP upgrades the request and registers the connection. The current
// statistics are sent right away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan Update, 8)}
	c.send <- h.snapshot()

	h.mu.Lock()
	select {
	case <-h.stopCh:
		h.mu.Unlock()
		conn.Close()
		return
	default:
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Debug("Websocket client connected", "remote", r.RemoteAddr, "clients", n)

	go h.writePump(c)
	go h.readPump(c)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Notify requests a broadcast. It never blocks.
func (h *Hub) Notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) JobScheduled(types.SessionKind) { h.Notify() }

func (h *Hub) JobRejected(types.SessionKind) { h.Notify() }

func (h *Hub) JobFinished(types.SessionKind, types.JobState, time.Duration) { h.Notify() }

func (h *Hub) loop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.stopCh:
			return
		case <-h.wake:
			h.broadcast(h.snapshot())
		}
	}
}

func (h *Hub) snapshot() Update {
	return Update{Time: time.Now(), Domains: h.stats()}
}

// broadcast hands u to every client. Slow clients miss updates rather than
// stalling the hub.
func (h *Hub) broadcast(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- u:
		default:
			h.log.Debug("Dropping update for slow websocket client")
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for u := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteJSON(u); err != nil {
			h.log.Debug("Websocket write failed", "error", err)
			h.drop(c)
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump discards inbound messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
