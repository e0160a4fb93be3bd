// Package hub maintains the live websocket subscriber registry and fans
// mailbox and activity events out to every connected peer.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.io/infrasutra/mailwatch/internal/config"
	"github.io/infrasutra/mailwatch/internal/schedule"
	"github.io/infrasutra/mailwatch/internal/store"
)

// Server→subscriber envelope types.
const (
	TypeConnected       = "connected"
	TypeNewEmail        = "new_email"
	TypeEmailList       = "email_list"
	TypeActivitiesList  = "activities_list"
	TypeConfigData      = "config_data"
	TypeEmailMarkedRead = "email_marked_read"
	TypeActivityAdded   = "activity_added"
	TypeActivityDeleted = "activity_deleted"
	TypeConfigUpdated   = "config_updated"
	TypePong            = "pong"
	TypeStatusResponse  = "status_response"
	TypeError           = "error"
)

// Envelope is the push-channel message shape in both directions.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// frame is one serialized payload on its way through the hub loop. A nil
// reply means fire-and-forget.
type frame struct {
	payload []byte
	reply   chan int
}

// Hub owns the subscriber registry. All registry mutation happens on the
// Run goroutine; other goroutines talk to it through channels only.
type Hub struct {
	store      *store.Store
	activities *schedule.Manager
	cfg        *config.File
	logger     *slog.Logger

	register   chan *client
	unregister chan *client
	frames     chan frame
	done       chan struct{}

	clients map[*client]struct{}
	count   atomic.Int64
	running atomic.Bool
}

func New(s *store.Store, activities *schedule.Manager, cfg *config.File, logger *slog.Logger) *Hub {
	return &Hub{
		store:      s,
		activities: activities,
		cfg:        cfg,
		logger:     logger,
		register:   make(chan *client),
		unregister: make(chan *client),
		frames:     make(chan frame, 64),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Run owns the registry until ctx is cancelled, then closes every
// subscriber connection.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				c.closeSend()
			}
			h.count.Store(0)
			close(h.done)
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			h.logger.Info("subscriber connected", "addr", c.conn.RemoteAddr(), "total", len(h.clients))
			welcome, err := json.Marshal(Envelope{Type: TypeConnected, Data: map[string]any{
				"message":           "connected to mailwatch",
				"clients_connected": len(h.clients),
			}})
			if err == nil {
				c.trySend(welcome)
			}

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.closeSend()
				h.count.Store(int64(len(h.clients)))
				h.logger.Info("subscriber disconnected", "addr", c.conn.RemoteAddr(), "total", len(h.clients))
			}

		case f := <-h.frames:
			delivered := 0
			for c := range h.clients {
				if c.trySend(f.payload) {
					delivered++
					continue
				}
				delete(h.clients, c)
				c.closeSend()
				h.logger.Warn("subscriber dropped during broadcast", "addr", c.conn.RemoteAddr())
			}
			h.count.Store(int64(len(h.clients)))
			if f.reply != nil {
				f.reply <- delivered
			}
		}
	}
}

// Broadcast serializes the payload once and delivers it to every
// subscriber. Subscribers whose send fails are removed. Returns the number
// of successful deliveries. Safe to call from any goroutine.
func (h *Hub) Broadcast(v any) int {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encode broadcast", "error", err)
		return 0
	}

	reply := make(chan int, 1)
	select {
	case h.frames <- frame{payload: payload, reply: reply}:
	case <-h.done:
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-h.done:
		return 0
	}
}

// BroadcastNewEmail enqueues a new-email notification without waiting for
// delivery. The monitor goroutine calls this; FIFO order of enqueued
// notifications is preserved by the frames channel.
func (h *Hub) BroadcastNewEmail(email store.Email) {
	payload, err := json.Marshal(Envelope{Type: TypeNewEmail, Data: email})
	if err != nil {
		h.logger.Error("encode new email event", "error", err)
		return
	}
	select {
	case h.frames <- frame{payload: payload}:
	case <-h.done:
	}
	h.logger.Info("new email queued for broadcast", "uid", email.ID, "subject", email.Subject)
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	return int(h.count.Load())
}

func (h *Hub) Running() bool {
	return h.running.Load()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Subscribers are trusted; there is no origin policy on the push channel.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request and registers the connection as a
// subscriber.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade", "error", err)
		return
	}

	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
