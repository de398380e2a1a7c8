package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"minishell/internal/swcache"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

// Hub keeps the websocket connections of open shell pages, grouped by host.
// It delivers worker broadcasts and forwards client messages.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	// OnClients is told the connection count of a host after it changes.
	OnClients func(ctx context.Context, host string, n int)
	// OnMessage receives messages sent by clients.
	OnMessage func(ctx context.Context, host string, msg swcache.Message) error

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
	closed  bool
}

type client struct {
	host string
	conn *websocket.Conn
	send chan swcache.Message
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: map[string]map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// pages connect back to their own host
			CheckOrigin: func(r *http.Request) bool {
				o := r.Header.Get("Origin")
				if o == "" {
					return true
				}
				return sameHost(o, r.Host)
			},
		},
	}
}

// Broadcast queues msg for every client of host. Slow clients drop it.
func (h *Hub) Broadcast(host string, msg swcache.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[host] {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("client send buffer full, dropping message", zap.String("host", host), zap.String("type", msg.Type))
		}
	}
}

// Count returns the number of connected clients of host.
func (h *Hub) Count(host string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[host])
}

func (h *Hub) add(c *client) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, false
	}
	set := h.clients[c.host]
	if set == nil {
		set = map[*client]struct{}{}
		h.clients[c.host] = set
	}
	set[c] = struct{}{}
	return len(set), true
}

func (h *Hub) remove(c *client) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.host]
	if _, ok := set[c]; !ok {
		return len(set), false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.host)
	}
	return len(set), !h.closed
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	ctx := context.WithoutCancel(r.Context())
	c := &client{host: hostOf(r), conn: conn, send: make(chan swcache.Message, sendBuffer), done: make(chan struct{})}

	n, ok := h.add(c)
	if !ok {
		c.close()
		return
	}
	h.clientsChanged(ctx, c.host, n)

	go h.writeLoop(c)
	h.readLoop(ctx, c)

	c.close()
	if n, ok := h.remove(c); ok {
		h.clientsChanged(ctx, c.host, n)
	}
}

func (h *Hub) clientsChanged(ctx context.Context, host string, n int) {
	h.log.Debug("clients changed", zap.String("host", host), zap.Int("clients", n))
	if h.OnClients != nil {
		h.OnClients(ctx, host, n)
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg swcache.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("client read failed", zap.String("host", c.host), zap.Error(err))
			}
			return
		}
		if h.OnMessage == nil {
			continue
		}
		if err := h.OnMessage(ctx, c.host, msg); err != nil {
			h.log.Info("client message rejected", zap.String("host", c.host), zap.String("type", msg.Type), zap.Error(err))
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

// Close disconnects every client; later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		c.close()
	}
}
